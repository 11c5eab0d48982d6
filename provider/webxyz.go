package provider

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// WebXYZParam configures a plain upstream XYZ mirror. URL carries {x}, {y}
// and {z} placeholders.
type WebXYZParam struct {
	URL     string
	Format  string
	MinZoom int
	MaxZoom int
	Bounds  [4]float64
}

// WebXYZ proxies tiles from an upstream template URL. Upstream errors and
// empty bodies are treated as absent tiles: missing tiles are a steady-state
// condition for sparse mirrors, not a failure worth aborting a run for.
type WebXYZ struct {
	param  WebXYZParam
	client *http.Client
}

func NewWebXYZ(param WebXYZParam) *WebXYZ {
	if param.Format == "" {
		param.Format = PNG
	}
	if param.MaxZoom == 0 {
		param.MaxZoom = 20
	}
	if param.Bounds == ([4]float64{}) {
		param.Bounds = [4]float64{-180, -85.05112877980659, 180, 85.05112877980659}
	}
	return &WebXYZ{
		param:  param,
		client: &http.Client{Timeout: time.Minute * 5},
	}
}

func (w *WebXYZ) Type() string   { return "web-xyz" }
func (w *WebXYZ) Format() string { return w.param.Format }
func (w *WebXYZ) Init() error    { return nil }

func (w *WebXYZ) tileURL(x, y, z int) string {
	url := strings.Replace(w.param.URL, "{x}", strconv.Itoa(x), -1)
	url = strings.Replace(url, "{y}", strconv.Itoa(y), -1)
	url = strings.Replace(url, "{z}", strconv.Itoa(z), -1)
	return url
}

func (w *WebXYZ) GetTile(x, y, z int) ([]byte, error) {
	url := w.tileURL(x, y, z)
	resp, err := w.client.Get(url)
	if err != nil {
		log.Errorf("fetch %s error, details: %s ~", url, err)
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode != http.StatusNotFound {
			log.Errorf("fetch %d/%d/%d tile error, status code: %d ~", z, x, y, resp.StatusCode)
		}
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Errorf("read %d/%d/%d tile error ~ %s", z, x, y, err)
		return nil, nil
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

func (w *WebXYZ) UpdateTile(_, _, _ int, _ []byte) error {
	return fmt.Errorf("web-xyz source: %w", ErrUnsupported)
}

func (w *WebXYZ) GetMetadata() (Metadata, error) {
	return Metadata{
		Name:    w.param.URL,
		Bounds:  w.param.Bounds,
		MinZoom: w.param.MinZoom,
		MaxZoom: w.param.MaxZoom,
		Format:  w.param.Format,
	}, nil
}

func (w *WebXYZ) SetMetadata(_ Metadata) error {
	return fmt.Errorf("web-xyz source: %w", ErrUnsupported)
}

func (w *WebXYZ) Close() error { return nil }
