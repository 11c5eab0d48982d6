package provider

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// mbtilesSchema is decided once when the file is opened; every later call
// dispatches through it.
type mbtilesSchema int

const (
	// schemaFlat is the single-table layout: tiles(zoom_level, tile_column,
	// tile_row, tile_data).
	schemaFlat mbtilesSchema = iota
	// schemaNormalized splits tile bodies out: map(zoom_level, tile_column,
	// tile_row, tile_id) + images(tile_id, tile_data).
	schemaNormalized
)

// MBTilesOptions controls how a store is opened. Create provisions the flat
// schema when the file does not exist yet and implies write access.
type MBTilesOptions struct {
	Create   bool
	Writable bool
	WAL      bool
}

// MBTiles serves tiles out of a single local SQLite file. Tile rows are
// stored TMS on disk; the XYZ flip happens here and never leaks to callers.
type MBTiles struct {
	path     string
	db       *sql.DB
	schema   mbtilesSchema
	writable bool
	format   string

	// mu serializes writes. The normalized dialect allocates tile ids with
	// max(id)+1 inside a transaction; two writers must not interleave that
	// sequence, and SQLite allows a single writer anyway.
	mu sync.Mutex
}

// OpenMBTiles opens or provisions an mbtiles file. Without Create the file
// must already exist and carry one of the two recognized layouts.
func OpenMBTiles(path string, opts MBTilesOptions) (*MBTiles, error) {
	if !opts.Create {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("mbtiles file %s: %w", path, ErrNotFound)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	m := &MBTiles{
		path:     path,
		db:       db,
		writable: opts.Create || opts.Writable,
	}

	if opts.Create {
		if err := m.provision(opts.WAL); err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := m.detectSchema(); err != nil {
		db.Close()
		return nil, err
	}

	m.format = m.readFormat()
	return m, nil
}

// CreateMBTiles provisions a fresh writable store with the flat schema.
func CreateMBTiles(path string) (*MBTiles, error) {
	return OpenMBTiles(path, MBTilesOptions{Create: true, WAL: true})
}

// provision creates the flat tables and indexes. All statements are
// IF NOT EXISTS so re-opening an existing target is harmless.
func (m *MBTiles) provision(wal bool) error {
	if err := m.optimizeConnection(wal); err != nil {
		return err
	}
	stmts := []string{
		"create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);",
		"create table if not exists metadata (name text, value text);",
		"create unique index if not exists tile_index on tiles(zoom_level, tile_column, tile_row);",
		"create unique index if not exists metadata_index on metadata (name);",
	}
	for _, s := range stmts {
		if _, err := m.db.Exec(s); err != nil {
			return fmt.Errorf("provision %s: %w", m.path, err)
		}
	}
	return nil
}

func (m *MBTiles) optimizeConnection(wal bool) error {
	pragmas := []string{"PRAGMA synchronous=1", "PRAGMA locking_mode=NORMAL"}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	} else {
		pragmas = append(pragmas, "PRAGMA journal_mode=OFF")
	}
	for _, p := range pragmas {
		if _, err := m.db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func (m *MBTiles) detectSchema() error {
	hasTable := func(name string) (bool, error) {
		var found string
		err := m.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", name).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}

	flat, err := hasTable("tiles")
	if err != nil {
		return err
	}
	if flat {
		m.schema = schemaFlat
		return nil
	}

	images, err := hasTable("images")
	if err != nil {
		return err
	}
	mapped, err := hasTable("map")
	if err != nil {
		return err
	}
	if images && mapped {
		m.schema = schemaNormalized
		return nil
	}
	return fmt.Errorf("%s: %w", m.path, ErrUnsupportedSchema)
}

func (m *MBTiles) readFormat() string {
	var format string
	err := m.db.QueryRow("SELECT value FROM metadata WHERE name = 'format'").Scan(&format)
	if err != nil || format == "" {
		return PBF
	}
	return format
}

func (m *MBTiles) Type() string   { return "mbtiles" }
func (m *MBTiles) Format() string { return m.format }

// Init is a no-op; schema detection already ran at open time.
func (m *MBTiles) Init() error { return nil }

// GetTile returns the tile payload, or nil when the row is absent.
func (m *MBTiles) GetTile(x, y, z int) ([]byte, error) {
	row := flipY(z, y)

	var query string
	switch m.schema {
	case schemaFlat:
		query = "SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?"
	case schemaNormalized:
		query = `SELECT i.tile_data FROM map m JOIN images i ON m.tile_id = i.tile_id
			 WHERE m.zoom_level = ? AND m.tile_column = ? AND m.tile_row = ?`
	}

	var data []byte
	err := m.db.QueryRow(query, z, x, row).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tile %d/%d/%d: %w", z, x, y, err)
	}
	return data, nil
}

// UpdateTile upserts one tile. The store must have been opened writable.
func (m *MBTiles) UpdateTile(x, y, z int, data []byte) error {
	if !m.writable {
		return fmt.Errorf("mbtiles %s: %w", m.path, ErrReadOnly)
	}
	row := flipY(z, y)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.schema {
	case schemaFlat:
		_, err := m.db.Exec(
			"insert or replace into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?);",
			z, x, row, data)
		if err != nil {
			return fmt.Errorf("write tile %d/%d/%d: %w", z, x, y, err)
		}
		return nil
	case schemaNormalized:
		return m.updateNormalized(x, row, z, data)
	}
	return ErrUnsupportedSchema
}

// updateNormalized performs the two-step map/images upsert. The id lookup
// and allocation run inside one transaction so the max(id)+1 scheme cannot
// hand the same id to two tiles.
func (m *MBTiles) updateNormalized(col, row, z int, data []byte) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var tileID int64
	err = tx.QueryRow(
		"SELECT tile_id FROM map WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		z, col, row).Scan(&tileID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.QueryRow("SELECT COALESCE(MAX(tile_id), 0) + 1 FROM map").Scan(&tileID); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	if _, err := tx.Exec("insert or replace into images (tile_id, tile_data) values (?, ?)", tileID, data); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"insert or replace into map (zoom_level, tile_column, tile_row, tile_id) values (?, ?, ?, ?)",
		z, col, row, tileID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMetadata reads the flat metadata rows and coerces the known keys.
// The aggregate content hash some packagers add is internal and skipped.
func (m *MBTiles) GetMetadata() (Metadata, error) {
	rows, err := m.db.Query("SELECT name, value FROM metadata WHERE name != 'agg_tiles_hash'")
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	defer rows.Close()

	raw := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return Metadata{}, err
		}
		raw[name] = value
	}
	if err := rows.Err(); err != nil {
		return Metadata{}, err
	}
	return ParseMetadataRows(raw), nil
}

// SetMetadata replaces the metadata rows with the flattened form of meta.
func (m *MBTiles) SetMetadata(meta Metadata) error {
	if !m.writable {
		return fmt.Errorf("mbtiles %s: %w", m.path, ErrReadOnly)
	}
	flat, err := meta.Rows()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for name, value := range flat {
		if _, err := tx.Exec("insert or replace into metadata (name, value) values (?, ?)", name, value); err != nil {
			return fmt.Errorf("write metadata %q: %w", name, err)
		}
	}
	return tx.Commit()
}

func (m *MBTiles) Close() error {
	return m.db.Close()
}
