package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	store, err := NewSqliteStore(SqliteStoreOptions{
		File: filepath.Join(t.TempDir(), "cache.db"),
	})
	require.NoError(t, err)
	c := New(store, ttl)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestKeyIsStable(t *testing.T) {
	a := Key("osm", 1, 2, 3, "512")
	b := Key("osm", 1, 2, 3, "512")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Key("osm", 1, 2, 3, "256"))
	assert.NotEqual(t, a, Key("satellite", 1, 2, 3, "512"))
}

func TestCacheHitAndExpiry(t *testing.T) {
	c := newTestCache(t, 100*time.Millisecond)
	require.NoError(t, c.Set("osm", 1, 2, 3, []byte("payload"), ""))

	got, err := c.Get("osm", 1, 2, 3, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	got, err = c.GetByHash(Key("osm", 1, 2, 3, ""))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	time.Sleep(150 * time.Millisecond)

	got, err = c.Get("osm", 1, 2, 3, "")
	require.NoError(t, err)
	assert.Nil(t, got, "expired entry reads as a miss")

	got, err = c.GetByHash(Key("osm", 1, 2, 3, ""))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheNeverExpires(t *testing.T) {
	c := newTestCache(t, 0)
	require.NoError(t, c.Set("osm", 0, 0, 0, []byte("forever"), ""))

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Purge())

	got, err := c.Get("osm", 0, 0, 0, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("forever"), got)
}

func TestCacheOverwrite(t *testing.T) {
	c := newTestCache(t, time.Hour)
	require.NoError(t, c.Set("osm", 4, 5, 6, []byte("old"), "512"))
	require.NoError(t, c.Set("osm", 4, 5, 6, []byte("new"), "512"))

	got, err := c.Get("osm", 4, 5, 6, "512")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestCacheVariantsAreDistinct(t *testing.T) {
	c := newTestCache(t, time.Hour)
	require.NoError(t, c.Set("osm", 1, 1, 1, []byte("small"), "256"))
	require.NoError(t, c.Set("osm", 1, 1, 1, []byte("big"), "512"))

	got, err := c.Get("osm", 1, 1, 1, "256")
	require.NoError(t, err)
	assert.Equal(t, []byte("small"), got)

	got, err = c.Get("osm", 1, 1, 1, "512")
	require.NoError(t, err)
	assert.Equal(t, []byte("big"), got)
}

func TestCacheDelete(t *testing.T) {
	c := newTestCache(t, time.Hour)
	require.NoError(t, c.Set("osm", 1, 1, 1, []byte("a"), ""))
	require.NoError(t, c.Set("osm", 2, 2, 2, []byte("b"), ""))
	require.NoError(t, c.Set("satellite", 1, 1, 1, []byte("c"), ""))

	require.NoError(t, c.Delete("osm", 1, 1, 1, ""))
	got, err := c.Get("osm", 1, 1, 1, "")
	require.NoError(t, err)
	assert.Nil(t, got)

	// group delete leaves other groups alone
	require.NoError(t, c.DeleteAll("osm"))
	got, err = c.Get("osm", 2, 2, 2, "")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = c.Get("satellite", 1, 1, 1, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got)

	// empty group wipes everything
	require.NoError(t, c.DeleteAll(""))
	got, err = c.Get("satellite", 1, 1, 1, "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCachePurgeSweepsExpired(t *testing.T) {
	store, err := NewSqliteStore(SqliteStoreOptions{
		File: filepath.Join(t.TempDir(), "purge.db"),
	})
	require.NoError(t, err)
	defer store.Close()

	short := New(store, 50*time.Millisecond)
	require.NoError(t, short.Set("osm", 1, 1, 1, []byte("stale"), ""))

	forever := New(store, 0)
	require.NoError(t, forever.Set("osm", 2, 2, 2, []byte("fresh"), ""))

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, store.Purge(time.Now()))

	got, err := store.Get("osm", 1, 1, 1, "")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.Get("osm", 2, 2, 2, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got)
}
