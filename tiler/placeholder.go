package tiler

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"

	"pengubin/provider"
)

// placeholders memoizes the empty-tile payload per format so a bulk run
// encodes each at most once. Vector formats get a zero-byte body; raster
// formats a 1x1 transparent (or white, for jpeg) pixel.
type placeholders struct {
	mu    sync.Mutex
	cache map[string][]byte
}

func newPlaceholders() *placeholders {
	return &placeholders{cache: map[string][]byte{}}
}

func (p *placeholders) For(format string) ([]byte, error) {
	if format == "" || format == provider.PBF {
		return []byte{}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if data, ok := p.cache[format]; ok {
		return data, nil
	}

	data, err := encodeEmptyTile(format)
	if err != nil {
		return nil, err
	}
	p.cache[format] = data
	return data, nil
}

func encodeEmptyTile(format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case provider.JPG:
		img := image.NewRGBA(image.Rect(0, 0, 1, 1))
		img.Set(0, 0, color.White)
		if err := jpeg.Encode(&buf, img, nil); err != nil {
			return nil, err
		}
	default:
		// png, webp and anything unknown fall back to a transparent png
		img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
