package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// neverExpires is the stored sentinel for entries without a TTL.
const neverExpires int64 = -1

// SqliteStoreOptions configures the on-disk cache store.
type SqliteStoreOptions struct {
	// File is the SQLite database path; empty uses an in-memory database.
	File string
	// Table overrides the cache table name.
	Table string
	// WAL turns on write-ahead logging for concurrent readers.
	WAL bool
}

// SqliteStore keeps one row per (group, x, y, z, variant) with a
// precomputed hash key as primary key and an expiry index for sweeps.
type SqliteStore struct {
	db    *sql.DB
	table string
}

func NewSqliteStore(opts SqliteStoreOptions) (*SqliteStore, error) {
	file := opts.File
	if file == "" {
		file = "file::memory:?cache=shared"
	}
	table := opts.Table
	if table == "" {
		table = "cache"
	}

	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", file, err)
	}
	if opts.WAL {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &SqliteStore{db: db, table: table}
	if err := s.initTable(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqliteStore) initTable() error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			hash_key   TEXT PRIMARY KEY,
			group_name TEXT,
			x          INTEGER,
			y          INTEGER,
			z          INTEGER,
			variant    TEXT,
			cache_data BLOB,
			created_at INTEGER,
			expired_at INTEGER
		)`, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_expired_caches ON %s (expired_at)", s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_expired_group_caches ON %s (group_name, expired_at)", s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_composite_key ON %s (group_name, x, y, z, variant)", s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init cache table %s: %w", s.table, err)
		}
	}
	return nil
}

func expiryFor(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return neverExpires
	}
	return now.Add(ttl).UnixMilli()
}

func isExpired(expiredAt, now int64) bool {
	return expiredAt != neverExpires && expiredAt < now
}

// Set upserts the row for the natural key; the hash key makes the replace
// collide with any previous write for the same tuple.
func (s *SqliteStore) Set(group string, x, y, z int, hash string, value []byte, ttl time.Duration, variant string) error {
	now := time.Now()
	_, err := s.db.Exec(
		fmt.Sprintf(`INSERT OR REPLACE INTO %s
			(hash_key, group_name, x, y, z, variant, cache_data, created_at, expired_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table),
		hash, group, x, y, z, variant, value, now.UnixMilli(), expiryFor(now, ttl))
	if err != nil {
		return fmt.Errorf("cache set %s/%d/%d/%d: %w", group, z, x, y, err)
	}
	return nil
}

func (s *SqliteStore) Get(group string, x, y, z int, variant string) ([]byte, error) {
	var hash string
	var data []byte
	var expiredAt int64
	err := s.db.QueryRow(
		fmt.Sprintf(`SELECT hash_key, cache_data, expired_at FROM %s
			 WHERE group_name = ? AND x = ? AND y = ? AND z = ? AND variant = ?`, s.table),
		group, x, y, z, variant).Scan(&hash, &data, &expiredAt)
	return s.liveOrDrop(hash, data, expiredAt, err)
}

func (s *SqliteStore) GetByHash(hash string) ([]byte, error) {
	var data []byte
	var expiredAt int64
	err := s.db.QueryRow(
		fmt.Sprintf("SELECT hash_key, cache_data, expired_at FROM %s WHERE hash_key = ?", s.table),
		hash).Scan(&hash, &data, &expiredAt)
	return s.liveOrDrop(hash, data, expiredAt, err)
}

// liveOrDrop applies expiry-on-read: a stale row is deleted opportunistically
// and reported as a miss.
func (s *SqliteStore) liveOrDrop(hash string, data []byte, expiredAt int64, err error) ([]byte, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	if isExpired(expiredAt, time.Now().UnixMilli()) {
		if _, derr := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE hash_key = ?", s.table), hash); derr != nil {
			log.Warnf("drop expired cache row: %s", derr)
		}
		return nil, nil
	}
	return data, nil
}

func (s *SqliteStore) Delete(group string, x, y, z int, variant string) error {
	_, err := s.db.Exec(
		fmt.Sprintf(`DELETE FROM %s
			 WHERE group_name = ? AND x = ? AND y = ? AND z = ? AND variant = ?`, s.table),
		group, x, y, z, variant)
	return err
}

func (s *SqliteStore) DeleteAll(group string) error {
	_, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE group_name = ?", s.table), group)
	return err
}

// Purge bulk-deletes every row expired before now.
func (s *SqliteStore) Purge(now time.Time) error {
	_, err := s.db.Exec(
		fmt.Sprintf("DELETE FROM %s WHERE expired_at != ? AND expired_at < ?", s.table),
		neverExpires, now.UnixMilli())
	return err
}

func (s *SqliteStore) Reset() error {
	_, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", s.table))
	return err
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}
