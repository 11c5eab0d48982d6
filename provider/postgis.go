package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// PostgisParam configures a live vector-tile source over one spatial table.
type PostgisParam struct {
	URL       string
	Table     string
	GeomField string
	IDField   string
	SRID      int
	Schema    string
	MinZoom   int
	MaxZoom   int
}

// Postgis generates a vector tile per request by clipping and encoding the
// features intersecting the tile envelope. It is a query view: tiles cannot
// be written back and metadata is derived, not stored.
type Postgis struct {
	param PostgisParam
	pool  *pgxpool.Pool
	// sharedPool is set when the registry hands in a deduplicated pool; the
	// registry then owns the pool lifetime, not this provider.
	sharedPool bool
	columns    []string
	fields     map[string]FieldType
}

// Feature is one table row as geometry plus the remaining attributes.
type Feature struct {
	ID         any             `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

const (
	// mvtExtent is the fixed tile-local coordinate space.
	mvtExtent = 4096
	// mvtBuffer keeps geometries renderable across tile seams.
	mvtBuffer = 64
)

// NewPostgis opens a dedicated pool for the source. Use NewPostgisWithPool
// when several sources share one database.
func NewPostgis(param PostgisParam) (*Postgis, error) {
	pool, err := pgxpool.New(context.Background(), param.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return newPostgis(param, pool, false), nil
}

// NewPostgisWithPool wires a source onto an externally owned pool.
func NewPostgisWithPool(param PostgisParam, pool *pgxpool.Pool) *Postgis {
	return newPostgis(param, pool, true)
}

func newPostgis(param PostgisParam, pool *pgxpool.Pool, shared bool) *Postgis {
	if param.GeomField == "" {
		param.GeomField = "geom"
	}
	if param.IDField == "" {
		param.IDField = "id"
	}
	if param.SRID == 0 {
		param.SRID = 4326
	}
	if param.Schema == "" {
		param.Schema = "public"
	}
	if param.MaxZoom == 0 {
		param.MaxZoom = 20
	}
	return &Postgis{param: param, pool: pool, sharedPool: shared}
}

func (p *Postgis) Type() string   { return "postgis" }
func (p *Postgis) Format() string { return PBF }

// Init introspects the table columns once and caches the non-geometry list
// for the tile query, classifying each type for metadata reporting.
func (p *Postgis) Init() error {
	rows, err := p.pool.Query(context.Background(),
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2
		 ORDER BY ordinal_position`,
		p.param.Schema, p.param.Table)
	if err != nil {
		return fmt.Errorf("%w: introspect %s.%s: %v", ErrBackendUnavailable, p.param.Schema, p.param.Table, err)
	}
	defer rows.Close()

	p.columns = nil
	p.fields = map[string]FieldType{}
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return err
		}
		if name == p.param.GeomField {
			continue
		}
		p.columns = append(p.columns, name)
		p.fields[name] = classifyColumnType(dataType)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(p.columns) == 0 {
		return fmt.Errorf("table %s.%s has no usable columns: %w", p.param.Schema, p.param.Table, ErrNotFound)
	}
	log.Debugf("postgis source %s.%s: %d attribute columns", p.param.Schema, p.param.Table, len(p.columns))
	return nil
}

// classifyColumnType maps a Postgres type onto the closed TileJSON field
// enumeration.
func classifyColumnType(dataType string) FieldType {
	switch dataType {
	case "text", "character varying", "character", "citext", "uuid", "name":
		return FieldString
	case "boolean":
		return FieldBoolean
	default:
		return FieldNumber
	}
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// tileQuery builds the one-shot MVT statement: envelope, clip/transform to
// tile-local coordinates, encode. Attribute columns are the introspected
// list, never user input at query time.
func (p *Postgis) tileQuery() string {
	var cols strings.Builder
	for _, c := range p.columns {
		cols.WriteString(", ")
		cols.WriteString(quoteIdent(c))
	}
	return fmt.Sprintf(
		`SELECT ST_AsMVT(tile, $1, %d, $2, $3)
		 FROM (SELECT ST_AsMVTGeom(
		              ST_Transform(ST_CurveToLine(%s), 3857),
		              ST_TileEnvelope($4, $5, $6),
		              %d, %d, true
		            ) AS %s%s
		       FROM %s.%s
		       WHERE %s && ST_Transform(ST_TileEnvelope($4, $5, $6), %d)) AS tile`,
		mvtExtent,
		quoteIdent(p.param.GeomField),
		mvtExtent, mvtBuffer,
		quoteIdent(p.param.GeomField), cols.String(),
		quoteIdent(p.param.Schema), quoteIdent(p.param.Table),
		quoteIdent(p.param.GeomField), p.param.SRID)
}

// GetTile encodes the features intersecting the z/x/y envelope. An empty
// result is reported as absent; distinguishing empty-but-valid tiles is out
// of this contract.
func (p *Postgis) GetTile(x, y, z int) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(context.Background(), p.tileQuery(),
		p.param.Table, p.param.GeomField, p.param.IDField, z, x, y).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mvt query %d/%d/%d: %w", z, x, y, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// UpdateTile is not supported: this backend is a live view, not a store.
func (p *Postgis) UpdateTile(_, _, _ int, _ []byte) error {
	return fmt.Errorf("postgis source: %w", ErrUnsupported)
}

// SetMetadata is not supported; metadata is derived from the table.
func (p *Postgis) SetMetadata(_ Metadata) error {
	return fmt.Errorf("postgis source: %w", ErrUnsupported)
}

// featureQuery selects the GeoJSON geometry plus the introspected columns,
// leaving the raw geometry column out entirely.
func (p *Postgis) featureQuery(where string) string {
	var cols strings.Builder
	for _, c := range p.columns {
		cols.WriteString(", ")
		cols.WriteString(quoteIdent(c))
	}
	return fmt.Sprintf(`SELECT ST_AsGeoJSON(%s) AS geometry%s FROM %s.%s%s`,
		quoteIdent(p.param.GeomField), cols.String(),
		quoteIdent(p.param.Schema), quoteIdent(p.param.Table), where)
}

// GetFeatures returns up to limit rows as geometry plus properties.
func (p *Postgis) GetFeatures(limit int) ([]Feature, error) {
	query := p.featureQuery(" LIMIT $1")
	rows, err := p.pool.Query(context.Background(), query, limit)
	if err != nil {
		return nil, fmt.Errorf("feature query: %w", err)
	}
	defer rows.Close()
	return p.collectFeatures(rows)
}

// GetFeatureByID returns the single feature whose id column matches.
func (p *Postgis) GetFeatureByID(id any) (*Feature, error) {
	query := p.featureQuery(fmt.Sprintf(" WHERE %s = $1", quoteIdent(p.param.IDField)))
	rows, err := p.pool.Query(context.Background(), query, id)
	if err != nil {
		return nil, fmt.Errorf("feature query: %w", err)
	}
	defer rows.Close()

	features, err := p.collectFeatures(rows)
	if err != nil {
		return nil, err
	}
	if len(features) == 0 {
		return nil, nil
	}
	return &features[0], nil
}

// collectFeatures splits each row into id, geometry and a property bag with
// the id and geometry fields excluded.
func (p *Postgis) collectFeatures(rows pgx.Rows) ([]Feature, error) {
	var features []Feature
	descs := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		f := Feature{Properties: map[string]any{}}
		for i, d := range descs {
			switch d.Name {
			case "geometry":
				if s, ok := values[i].(string); ok {
					f.Geometry = json.RawMessage(s)
				}
			case p.param.IDField:
				f.ID = values[i]
			default:
				f.Properties[d.Name] = values[i]
			}
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return features, nil
}

// getExtent aggregates the table bounding box reprojected to geographic
// coordinates.
func (p *Postgis) getExtent() ([4]float64, error) {
	query := fmt.Sprintf(
		`SELECT st_xmin(e.box), st_ymin(e.box), st_xmax(e.box), st_ymax(e.box)
		 FROM (SELECT st_transform(ST_SetSRID(ST_Extent(%s), %d), 4326) AS box
		       FROM %s.%s) e`,
		quoteIdent(p.param.GeomField), p.param.SRID,
		quoteIdent(p.param.Schema), quoteIdent(p.param.Table))

	var b [4]float64
	err := p.pool.QueryRow(context.Background(), query).Scan(&b[0], &b[1], &b[2], &b[3])
	if err != nil {
		return b, fmt.Errorf("extent query: %w", err)
	}
	return b, nil
}

// GetMetadata derives the serving description: table extent, configured
// zoom range, and one vector layer carrying the classified column types.
func (p *Postgis) GetMetadata() (Metadata, error) {
	bounds, err := p.getExtent()
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		Name:         p.param.Table,
		Bounds:       bounds,
		MinZoom:      p.param.MinZoom,
		MaxZoom:      p.param.MaxZoom,
		Format:       PBF,
		VectorLayers: []VectorLayer{p.vectorLayer()},
	}, nil
}

func (p *Postgis) vectorLayer() VectorLayer {
	fields := make(map[string]FieldType, len(p.fields))
	for name, t := range p.fields {
		fields[name] = t
	}
	return VectorLayer{ID: p.param.Table, Fields: fields}
}

func (p *Postgis) Close() error {
	if !p.sharedPool {
		p.pool.Close()
	}
	return nil
}
