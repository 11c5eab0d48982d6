package provider

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLTableParam configures a flat tile table in MySQL. DSN is a
// go-sql-driver connection string.
type MySQLTableParam struct {
	DSN       string
	Provision bool
}

// MySQLTable mirrors the mbtiles flat layout in MySQL, with mediumblob tile
// bodies. Like PostgresTable it keeps XYZ row addressing.
type MySQLTable struct {
	param  MySQLTableParam
	db     *sql.DB
	format string
}

func NewMySQLTable(param MySQLTableParam) (*MySQLTable, error) {
	db, err := sql.Open("mysql", param.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	return &MySQLTable{param: param, db: db, format: PBF}, nil
}

func (m *MySQLTable) Type() string   { return "mysql-table" }
func (m *MySQLTable) Format() string { return m.format }

func (m *MySQLTable) Init() error {
	if m.param.Provision {
		ddl := []string{
			"create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data mediumblob);",
			"create table if not exists metadata (name VARCHAR(50), value mediumtext);",
		}
		for _, stmt := range ddl {
			if _, err := m.db.Exec(stmt); err != nil {
				return fmt.Errorf("%w: provision tiles: %v", ErrBackendUnavailable, err)
			}
		}
		// duplicate-index errors on re-provision are expected
		_, _ = m.db.Exec("create unique index name on metadata (name);")
		_, _ = m.db.Exec("create unique index tile_index on tiles(zoom_level, tile_column, tile_row);")
	}

	var format string
	err := m.db.QueryRow("SELECT value FROM metadata WHERE name = 'format'").Scan(&format)
	if err == nil && format != "" {
		m.format = format
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: read format: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (m *MySQLTable) GetTile(x, y, z int) ([]byte, error) {
	var data []byte
	err := m.db.QueryRow(
		"SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		z, x, y).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tile %d/%d/%d: %w", z, x, y, err)
	}
	return data, nil
}

func (m *MySQLTable) UpdateTile(x, y, z int, data []byte) error {
	_, err := m.db.Exec(
		`insert into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?)
		 on duplicate key update tile_data = values(tile_data)`,
		z, x, y, data)
	if err != nil {
		return fmt.Errorf("write tile %d/%d/%d: %w", z, x, y, err)
	}
	return nil
}

func (m *MySQLTable) GetMetadata() (Metadata, error) {
	rows, err := m.db.Query("SELECT name, value FROM metadata")
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

func (m *MySQLTable) SetMetadata(meta Metadata) error {
	flat, err := meta.Rows()
	if err != nil {
		return err
	}
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for name, value := range flat {
		if _, err := tx.Exec(
			"insert into metadata (name, value) values (?, ?) on duplicate key update value = values(value)",
			name, value); err != nil {
			return fmt.Errorf("write metadata %q: %w", name, err)
		}
	}
	return tx.Commit()
}

func (m *MySQLTable) Close() error {
	return m.db.Close()
}
