package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"pengubin/cache"
	"pengubin/provider"
	"pengubin/tilepack"
	"pengubin/tiler"
)

//flag
var (
	hf bool
	cf string
)

func init() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&cf, "c", "conf.toml", "set config `file`")
	flag.Usage = usage
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	file, err := os.OpenFile("pengubin.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err == nil {
		log.SetOutput(io.MultiWriter(file, os.Stdout))
	} else {
		log.Info("failed to log to file.")
	}
	log.SetLevel(log.DebugLevel)
}

func usage() {
	fmt.Fprintf(os.Stderr, `pengubin version: pengubin/1.0
Usage: pengubin [-h] [-c filename]
`)
	flag.PrintDefaults()
}

//initConf 初始化配置
func initConf(cfgFile string) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		log.Warnf("config file(%s) not exist", cfgFile)
	}
	viper.SetConfigType("toml")
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv()
	err := viper.ReadInConfig()
	if err != nil {
		log.Warnf("read config file(%s) error, details: %s", viper.ConfigFileUsed(), err)
	}
	viper.SetDefault("app.title", "pengubin")
	viper.SetDefault("cache.ttl", "1h")
	viper.SetDefault("cache.path", "cache.db")
	viper.SetDefault("render.batch", 8)
}

func main() {
	flag.Parse()
	if hf {
		flag.Usage()
		return
	}
	if cf == "" {
		cf = "conf.toml"
	}
	initConf(cf)
	start := time.Now()

	var sources map[string]provider.SourceConfig
	if err := viper.UnmarshalKey("providers", &sources); err != nil {
		log.Fatalf("providers配置错误: %s", err)
	}
	registry := provider.NewRegistry()
	if err := registry.Init(sources); err != nil {
		log.Fatalf("init providers: %s", err)
	}
	defer func() {
		if err := registry.Clear(); err != nil {
			log.Errorf("shutdown providers ~ %s", err)
		}
	}()

	store, err := cache.NewSqliteStore(cache.SqliteStoreOptions{
		File: viper.GetString("cache.path"),
		WAL:  true,
	})
	if err != nil {
		log.Fatalf("open cache: %s", err)
	}
	tileCache := cache.New(store, viper.GetDuration("cache.ttl"))
	defer tileCache.Close()
	log.Infof("cache ready at %s, ttl %s", viper.GetString("cache.path"), viper.GetDuration("cache.ttl"))

	if viper.IsSet("render.source") {
		if err := runRender(registry); err != nil {
			log.Fatalf("render: %s", err)
		}
	}

	secs := time.Since(start).Seconds()
	fmt.Printf("\n%.3fs finished...", secs)
}

// runRender wires one bulk copy job from the [render] config table.
func runRender(registry *provider.Registry) error {
	src, err := registry.Get(viper.GetString("render.source"))
	if err != nil {
		return err
	}
	dst, err := registry.Get(viper.GetString("render.target"))
	if err != nil {
		return err
	}

	bbox := viper.GetStringSlice("render.bbox")
	bounds := tilepack.Bounds{West: -180, South: -85.05112877980659, East: 180, North: 85.05112877980659}
	if len(bbox) == 4 {
		fmt.Sscanf(bbox[0], "%f", &bounds.West)
		fmt.Sscanf(bbox[1], "%f", &bounds.South)
		fmt.Sscanf(bbox[2], "%f", &bounds.East)
		fmt.Sscanf(bbox[3], "%f", &bounds.North)
	}

	task := tiler.NewTask(src.Provider, dst.Provider, bounds,
		viper.GetInt("render.minzoom"), viper.GetInt("render.maxzoom"))
	task.BatchSize = viper.GetInt("render.batch")
	task.Name = viper.GetString("render.name")
	task.Progress = true
	if addr := viper.GetString("render.redis"); addr != "" {
		task.Journal = tiler.NewJournal(addr, task.ID)
		defer task.Journal.Close()
	}
	return task.Run()
}
