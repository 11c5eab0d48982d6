// Package cache is a content-addressed, TTL-bound store for rendered or
// fetched tile artifacts. Entries are keyed by a stable hash of
// (group, x, y, z, variant); the variant part disambiguates multiple
// artifacts for the same coordinate, such as different output sizes.
package cache

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Store persists cache entries. Implementations enforce expiry at read
// time: an expired row behaves as a miss and gets dropped on access.
type Store interface {
	Set(group string, x, y, z int, hash string, value []byte, ttl time.Duration, variant string) error
	Get(group string, x, y, z int, variant string) ([]byte, error)
	Delete(group string, x, y, z int, variant string) error
	DeleteAll(group string) error
	GetByHash(hash string) ([]byte, error)
	Purge(now time.Time) error
	Reset() error
	Close() error
}

// Cache binds a Store to one TTL. A non-positive TTL means entries never
// expire.
type Cache struct {
	store Store
	ttl   time.Duration
}

func New(store Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

// Key computes the content key for a coordinate. The same tuple always
// hashes to the same key, so writes overwrite rather than accumulate.
func Key(group string, x, y, z int, variant string) string {
	sum := xxhash.Sum64String(fmt.Sprintf("%s-%d-%d-%d-%s", group, x, y, z, variant))
	return strconv.FormatUint(sum, 10)
}

func (c *Cache) Set(group string, x, y, z int, value []byte, variant string) error {
	return c.store.Set(group, x, y, z, Key(group, x, y, z, variant), value, c.ttl, variant)
}

func (c *Cache) Get(group string, x, y, z int, variant string) ([]byte, error) {
	return c.store.Get(group, x, y, z, variant)
}

func (c *Cache) GetByHash(hash string) ([]byte, error) {
	return c.store.GetByHash(hash)
}

func (c *Cache) Delete(group string, x, y, z int, variant string) error {
	return c.store.Delete(group, x, y, z, variant)
}

// DeleteAll drops one group's entries, or everything when group is empty.
func (c *Cache) DeleteAll(group string) error {
	if group == "" {
		return c.store.Reset()
	}
	return c.store.DeleteAll(group)
}

// Purge sweeps every expired row in one pass.
func (c *Cache) Purge() error {
	return c.store.Purge(time.Now())
}

func (c *Cache) Close() error {
	return c.store.Close()
}
