package tiler

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"image/png"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pengubin/provider"
	"pengubin/tilepack"
)

// fakeSource serves canned tiles and can be told to fail or go blank at
// specific coordinates.
type fakeSource struct {
	format string
	failAt map[string]bool
	blank  map[string]bool
	meta   provider.Metadata
}

func key(x, y, z int) string { return fmt.Sprintf("%d/%d/%d", z, x, y) }

func (f *fakeSource) Type() string   { return "fake" }
func (f *fakeSource) Format() string { return f.format }
func (f *fakeSource) Init() error    { return nil }
func (f *fakeSource) GetTile(x, y, z int) ([]byte, error) {
	k := key(x, y, z)
	if f.failAt[k] {
		return nil, errors.New("backend exploded")
	}
	if f.blank[k] {
		return nil, nil
	}
	return []byte("data-" + k), nil
}
func (f *fakeSource) UpdateTile(_, _, _ int, _ []byte) error { return provider.ErrUnsupported }
func (f *fakeSource) GetMetadata() (provider.Metadata, error) {
	return f.meta, nil
}
func (f *fakeSource) SetMetadata(_ provider.Metadata) error { return provider.ErrUnsupported }
func (f *fakeSource) Close() error                          { return nil }

// fakeTarget collects writes in memory.
type fakeTarget struct {
	mu    sync.Mutex
	tiles map[string][]byte
	meta  *provider.Metadata
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{tiles: map[string][]byte{}}
}

func (f *fakeTarget) Type() string   { return "fake-target" }
func (f *fakeTarget) Format() string { return provider.PBF }
func (f *fakeTarget) Init() error    { return nil }
func (f *fakeTarget) GetTile(x, y, z int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tiles[key(x, y, z)], nil
}
func (f *fakeTarget) UpdateTile(x, y, z int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tiles[key(x, y, z)] = data
	return nil
}
func (f *fakeTarget) GetMetadata() (provider.Metadata, error) { return provider.Metadata{}, nil }
func (f *fakeTarget) SetMetadata(meta provider.Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta = &meta
	return nil
}
func (f *fakeTarget) Close() error { return nil }

func worldBounds() tilepack.Bounds {
	return tilepack.Bounds{West: -180, South: -85.05112877980659, East: 180, North: 85.05112877980659}
}

func gunzip(t *testing.T, data []byte) []byte {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer zr.Close()
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	return out
}

func TestTaskRunHappyPath(t *testing.T) {
	src := &fakeSource{
		format: provider.PBF,
		meta: provider.Metadata{
			Name:        "canned",
			Attribution: "test data",
			VectorLayers: []provider.VectorLayer{{
				ID:     "layer",
				Fields: map[string]provider.FieldType{"n": provider.FieldNumber},
			}},
		},
	}
	dst := newFakeTarget()

	task := NewTask(src, dst, worldBounds(), 0, 1)
	task.BatchSize = 2
	require.NoError(t, task.Run())

	// zoom 0 has 1 tile, zoom 1 has 4
	assert.Equal(t, int64(5), task.Total())
	assert.Equal(t, int64(5), task.Completed())
	assert.Equal(t, int64(0), task.Failed())
	assert.Len(t, dst.tiles, 5)

	// vector payloads come out gzip-wrapped
	got := dst.tiles[key(1, 0, 1)]
	require.True(t, len(got) > 2 && got[0] == 0x1f && got[1] == 0x8b)
	assert.Equal(t, []byte("data-1/1/0"), gunzip(t, got))

	require.NotNil(t, dst.meta)
	assert.Equal(t, "canned", dst.meta.Name)
	assert.Equal(t, 0, dst.meta.MinZoom)
	assert.Equal(t, 1, dst.meta.MaxZoom)
	assert.Equal(t, provider.PBF, dst.meta.Format)
	assert.Equal(t, "overlay", dst.meta.LayerType)
	assert.Equal(t, "test data", dst.meta.Attribution)
	assert.Equal(t, src.meta.VectorLayers, dst.meta.VectorLayers)
	assert.Equal(t, [4]float64{-180, -85.05112877980659, 180, 85.05112877980659}, dst.meta.Bounds)
}

func TestTaskToleratesFailuresAndAbsence(t *testing.T) {
	src := &fakeSource{
		format: provider.PBF,
		failAt: map[string]bool{key(1, 1, 1): true},
		blank:  map[string]bool{key(0, 1, 1): true},
	}
	dst := newFakeTarget()

	task := NewTask(src, dst, worldBounds(), 0, 1)
	require.NoError(t, task.Run(), "per-tile failures never abort the run")

	assert.Equal(t, int64(5), task.Total())
	assert.Equal(t, int64(4), task.Completed())
	assert.Equal(t, int64(1), task.Failed())
	assert.Equal(t, int64(1), task.Absent())
	assert.Equal(t, task.Total(), task.Processed(), "every tile is accounted for")

	// the failed tile is missing, the absent one got a placeholder
	_, failed := dst.tiles[key(1, 1, 1)]
	assert.False(t, failed)
	placeholder, ok := dst.tiles[key(0, 1, 1)]
	assert.True(t, ok)
	assert.Empty(t, placeholder)

	// metadata still lands
	require.NotNil(t, dst.meta)
	assert.Equal(t, task.ID, dst.meta.Name, "run id names an unnamed set")
}

func TestTaskStopAtBatchBoundary(t *testing.T) {
	src := &fakeSource{format: provider.PBF}
	dst := newFakeTarget()

	task := NewTask(src, dst, worldBounds(), 0, 2)
	task.BatchSize = 1
	task.Stop()
	require.NoError(t, task.Run())

	// stopped before the first batch ran, finalization still happened
	assert.Equal(t, int64(0), task.Processed())
	assert.Empty(t, dst.tiles)
	assert.NotNil(t, dst.meta)
}

func TestTaskInvertedZoomRange(t *testing.T) {
	task := NewTask(&fakeSource{format: provider.PBF}, newFakeTarget(), worldBounds(), 5, 2)
	assert.Error(t, task.Run())
}

func TestTaskNameOverride(t *testing.T) {
	src := &fakeSource{format: provider.PBF, meta: provider.Metadata{Name: "canned"}}
	dst := newFakeTarget()

	task := NewTask(src, dst, worldBounds(), 0, 0)
	task.Name = "renamed"
	require.NoError(t, task.Run())
	assert.Equal(t, "renamed", dst.meta.Name)
}

func TestTaskSkipsRecompression(t *testing.T) {
	pre, err := gzipTile([]byte("already"))
	require.NoError(t, err)

	src := &gzippedSource{fakeSource{format: provider.PBF}, pre}
	dst := newFakeTarget()
	task := NewTask(src, dst, worldBounds(), 0, 0)
	require.NoError(t, task.Run())

	assert.Equal(t, pre, dst.tiles[key(0, 0, 0)])
}

type gzippedSource struct {
	fakeSource
	payload []byte
}

func (g *gzippedSource) GetTile(_, _, _ int) ([]byte, error) { return g.payload, nil }

func TestPlaceholders(t *testing.T) {
	p := newPlaceholders()

	empty, err := p.For(provider.PBF)
	require.NoError(t, err)
	assert.Empty(t, empty)

	blank, err := p.For(provider.PNG)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(blank))
	require.NoError(t, err)
	assert.Equal(t, 1, img.Bounds().Dx())
	assert.Equal(t, 1, img.Bounds().Dy())

	again, err := p.For(provider.PNG)
	require.NoError(t, err)
	assert.Same(t, &blank[0], &again[0], "encoded once, served from memo")

	white, err := p.For(provider.JPG)
	require.NoError(t, err)
	assert.NotEmpty(t, white)
	assert.NotEqual(t, blank, white)
}
