package provider

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lazyPool builds a pool that never dials; pgxpool connects on first use.
func lazyPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), "postgres://pengubin@localhost:5432/pengubin")
	require.NoError(t, err)
	return pool
}

func TestPoolSetDedup(t *testing.T) {
	opens := 0
	set := newPoolSet()
	set.open = func(url string) (*pgxpool.Pool, error) {
		opens++
		return lazyPool(t), nil
	}

	a, err := set.acquire("postgres://db-one")
	require.NoError(t, err)
	b, err := set.acquire("postgres://db-one")
	require.NoError(t, err)
	assert.Same(t, a, b, "same URL shares one pool")
	assert.Equal(t, 1, opens)

	_, err = set.acquire("postgres://db-two")
	require.NoError(t, err)
	assert.Equal(t, 2, opens)

	// the shared pool survives until its last borrower releases
	set.release("postgres://db-one")
	assert.Contains(t, set.entries, "postgres://db-one")
	set.release("postgres://db-one")
	assert.NotContains(t, set.entries, "postgres://db-one")

	// releasing an unknown or empty URL is a no-op
	set.release("postgres://db-one")
	set.release("")
}

func seedMBTiles(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.mbtiles")
	m, err := CreateMBTiles(path)
	require.NoError(t, err)
	require.NoError(t, m.SetMetadata(Metadata{Name: "seed", MinZoom: 0, MaxZoom: 5, Format: PBF}))
	require.NoError(t, m.Close())
	return path
}

func TestRegistryInitAndLookup(t *testing.T) {
	r := NewRegistry()
	err := r.Init(map[string]SourceConfig{
		"seed": {Type: "mbtiles", Path: seedMBTiles(t)},
	})
	require.NoError(t, err)
	defer r.Clear()

	entry, err := r.Get("seed")
	require.NoError(t, err)
	assert.Equal(t, "mbtiles", entry.Provider.Type())
	assert.Equal(t, "2.0.0", entry.TileJSON.TileJSON)
	assert.Equal(t, "xyz", entry.TileJSON.Scheme)
	assert.Equal(t, []string{"/seed/{z}/{x}/{y}"}, entry.TileJSON.Tiles)
	assert.Equal(t, 5, entry.TileJSON.MaxZoom)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"seed"}, r.Names())
}

func TestRegistryInitAllOrNothing(t *testing.T) {
	r := NewRegistry()
	err := r.Init(map[string]SourceConfig{
		"good": {Type: "mbtiles", Path: seedMBTiles(t)},
		"bad":  {Type: "quantum-tiles"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedType)
	assert.Contains(t, err.Error(), `"bad"`)
	// the good source did not leak into a half-initialized registry
	assert.Empty(t, r.Names())
}

func TestRegistryRemoveAndClear(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Init(map[string]SourceConfig{
		"one": {Type: "mbtiles", Path: seedMBTiles(t)},
		"two": {Type: "mbtiles", Path: seedMBTiles(t)},
	}))

	require.NoError(t, r.Remove("one"))
	assert.ErrorIs(t, r.Remove("one"), ErrNotFound)
	assert.Equal(t, []string{"two"}, r.Names())

	require.NoError(t, r.Clear())
	assert.Empty(t, r.Names())
}

func TestRegistryAdd(t *testing.T) {
	r := NewRegistry()
	defer r.Clear()

	m, err := OpenMBTiles(seedMBTiles(t), MBTilesOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Add("manual", m))

	entry, err := r.Get("manual")
	require.NoError(t, err)
	assert.Equal(t, "seed", entry.TileJSON.Name)
}
