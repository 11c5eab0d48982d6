package tiler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	log "github.com/sirupsen/logrus"

	"pengubin/tilepack"
)

// FailedTile is one journaled failure, keyed under the run's fail list.
type FailedTile struct {
	X   int    `json:"x"`
	Y   int    `json:"y"`
	Z   int    `json:"z"`
	Res string `json:"res"`
}

// Journal records per-tile failures of a bulk run in Redis so an operator
// can inspect or replay them later. All methods are nil-safe; a run without
// a journal just counts failures.
type Journal struct {
	pool  *redis.Pool
	runID string
}

func NewJournal(addr, runID string) *Journal {
	return &Journal{
		runID: runID,
		pool: &redis.Pool{
			MaxIdle:     16,
			MaxActive:   32,
			IdleTimeout: 120 * time.Second,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr)
			},
		},
	}
}

func (j *Journal) listKey() string {
	return "fail_list:" + j.runID
}

func tileKey(t tilepack.Tile) string {
	return fmt.Sprintf("tile_%d_%d_%d", t.X, t.Y, t.Z)
}

// Record stores one failed tile with its reason.
func (j *Journal) Record(t tilepack.Tile, reason string) {
	if j == nil {
		return
	}
	conn := j.pool.Get()
	defer j.closeConn(conn)

	val, _ := json.Marshal(FailedTile{X: t.X, Y: t.Y, Z: t.Z, Res: reason})
	if _, err := conn.Do("hset", j.listKey(), tileKey(t), val); err != nil {
		log.Errorf("journal save tile failure ~ %s", err)
	}
}

// Forget drops a previously journaled tile, typically after a successful
// replay.
func (j *Journal) Forget(t tilepack.Tile) {
	if j == nil {
		return
	}
	conn := j.pool.Get()
	defer j.closeConn(conn)
	_, _ = conn.Do("hdel", j.listKey(), tileKey(t))
}

// Failures returns every journaled tile for the run.
func (j *Journal) Failures() ([]FailedTile, error) {
	if j == nil {
		return nil, nil
	}
	conn := j.pool.Get()
	defer j.closeConn(conn)

	all, err := redis.StringMap(conn.Do("hgetall", j.listKey()))
	if err != nil {
		return nil, err
	}
	tiles := make([]FailedTile, 0, len(all))
	for _, raw := range all {
		var ft FailedTile
		if err := json.Unmarshal([]byte(raw), &ft); err != nil {
			continue
		}
		tiles = append(tiles, ft)
	}
	return tiles, nil
}

// Clean removes the run's fail list entirely.
func (j *Journal) Clean() {
	if j == nil {
		return
	}
	conn := j.pool.Get()
	defer j.closeConn(conn)
	_, _ = conn.Do("del", j.listKey())
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.pool.Close()
}

func (j *Journal) closeConn(conn redis.Conn) {
	if err := conn.Close(); err != nil {
		log.Errorf("journal connection close failure")
	}
}
