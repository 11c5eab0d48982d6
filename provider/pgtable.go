package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresTableParam configures a flat tile table living in Postgres.
type PostgresTableParam struct {
	URL   string
	Table string
	// Provision creates the tile and metadata tables when missing.
	Provision bool
}

// PostgresTable stores tiles the way an mbtiles file does, but in a shared
// database: tiles(zoom_level, tile_column, tile_row, tile_data) plus a
// <table>_metadata name/value pair table. Rows keep XYZ addressing; no flip
// happens for this backend.
type PostgresTable struct {
	param      PostgresTableParam
	pool       *pgxpool.Pool
	sharedPool bool
	metaTable  string
	format     string
}

// NewPostgresTable opens a dedicated pool for the table.
func NewPostgresTable(param PostgresTableParam) (*PostgresTable, error) {
	pool, err := pgxpool.New(context.Background(), param.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return newPostgresTable(param, pool, false), nil
}

// NewPostgresTableWithPool wires the table onto an externally owned pool.
func NewPostgresTableWithPool(param PostgresTableParam, pool *pgxpool.Pool) *PostgresTable {
	return newPostgresTable(param, pool, true)
}

func newPostgresTable(param PostgresTableParam, pool *pgxpool.Pool, shared bool) *PostgresTable {
	return &PostgresTable{
		param:      param,
		pool:       pool,
		sharedPool: shared,
		metaTable:  param.Table + "_metadata",
		format:     PBF,
	}
}

func (p *PostgresTable) Type() string   { return "postgres-table" }
func (p *PostgresTable) Format() string { return p.format }

// Init provisions the tables when asked to and picks up the stored format.
func (p *PostgresTable) Init() error {
	ctx := context.Background()
	if p.param.Provision {
		ddl := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s
				(zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data bytea)`,
				quoteIdent(p.param.Table)),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (zoom_level, tile_column, tile_row)`,
				quoteIdent(p.param.Table+"_index"), quoteIdent(p.param.Table)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (name TEXT, value TEXT)`, quoteIdent(p.metaTable)),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (name)`,
				quoteIdent(p.metaTable+"_index"), quoteIdent(p.metaTable)),
		}
		for _, stmt := range ddl {
			if _, err := p.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("%w: provision %s: %v", ErrBackendUnavailable, p.param.Table, err)
			}
		}
	}

	var format string
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT value FROM %s WHERE name = 'format'", quoteIdent(p.metaTable))).Scan(&format)
	if err == nil && format != "" {
		p.format = format
	} else if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: read format: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (p *PostgresTable) GetTile(x, y, z int) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(context.Background(),
		fmt.Sprintf(`SELECT tile_data FROM %s
			 WHERE zoom_level = $1 AND tile_column = $2 AND tile_row = $3`, quoteIdent(p.param.Table)),
		z, x, y).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tile %d/%d/%d: %w", z, x, y, err)
	}
	return data, nil
}

func (p *PostgresTable) UpdateTile(x, y, z int, data []byte) error {
	tag, err := p.pool.Exec(context.Background(),
		fmt.Sprintf(`INSERT INTO %s (zoom_level, tile_column, tile_row, tile_data)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (zoom_level, tile_column, tile_row)
			 DO UPDATE SET tile_data = EXCLUDED.tile_data`, quoteIdent(p.param.Table)),
		z, x, y, data)
	if err != nil {
		return fmt.Errorf("write tile %d/%d/%d: %w", z, x, y, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tile %d/%d/%d: %w", z, x, y, ErrWriteFailed)
	}
	return nil
}

func (p *PostgresTable) GetMetadata() (Metadata, error) {
	rows, err := p.pool.Query(context.Background(),
		fmt.Sprintf("SELECT name, value FROM %s", quoteIdent(p.metaTable)))
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

func (p *PostgresTable) SetMetadata(meta Metadata) error {
	flat, err := meta.Rows()
	if err != nil {
		return err
	}
	ctx := context.Background()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	upsert := fmt.Sprintf(`INSERT INTO %s (name, value) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`, quoteIdent(p.metaTable))
	for name, value := range flat {
		if _, err := tx.Exec(ctx, upsert, name, value); err != nil {
			return fmt.Errorf("write metadata %q: %w", name, err)
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresTable) Close() error {
	if !p.sharedPool {
		p.pool.Close()
	}
	return nil
}
