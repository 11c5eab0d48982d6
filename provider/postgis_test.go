package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyColumnType(t *testing.T) {
	cases := map[string]FieldType{
		"text":                        FieldString,
		"character varying":           FieldString,
		"character":                   FieldString,
		"uuid":                        FieldString,
		"citext":                      FieldString,
		"name":                        FieldString,
		"boolean":                     FieldBoolean,
		"integer":                     FieldNumber,
		"bigint":                      FieldNumber,
		"double precision":            FieldNumber,
		"numeric":                     FieldNumber,
		"timestamp without time zone": FieldNumber,
	}
	for dataType, want := range cases {
		assert.Equal(t, want, classifyColumnType(dataType), dataType)
	}
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"roads"`, quoteIdent("roads"))
	assert.Equal(t, `"odd""name"`, quoteIdent(`odd"name`))
}

func TestTileQueryShape(t *testing.T) {
	p := &Postgis{param: PostgisParam{
		Table:     "roads",
		GeomField: "geom",
		IDField:   "gid",
		SRID:      3857,
		Schema:    "public",
	}}
	p.columns = []string{"gid", "name", "lanes"}

	q := p.tileQuery()
	assert.Contains(t, q, "ST_AsMVT(tile, $1, 4096, $2, $3)")
	assert.Contains(t, q, "ST_AsMVTGeom(")
	assert.Contains(t, q, "ST_TileEnvelope($4, $5, $6)")
	assert.Contains(t, q, `"geom", "gid", "name", "lanes"`)
	assert.Contains(t, q, `FROM "public"."roads"`)
	assert.Contains(t, q, "4096, 64, true")
	// the intersection filter reprojects the envelope into the table SRID
	assert.Contains(t, q, "ST_TileEnvelope($4, $5, $6), 3857")
}

func TestFeatureQueryShape(t *testing.T) {
	p := &Postgis{param: PostgisParam{
		Table:     "parcels",
		GeomField: "shape",
		IDField:   "id",
		Schema:    "land",
	}}
	p.columns = []string{"id", "owner"}

	q := p.featureQuery(" LIMIT $1")
	assert.Contains(t, q, `ST_AsGeoJSON("shape") AS geometry`)
	assert.Contains(t, q, `, "id", "owner"`)
	assert.Contains(t, q, `FROM "land"."parcels" LIMIT $1`)
	// the raw geometry column itself is never selected
	assert.NotContains(t, q, `geometry, "shape"`)
}

func TestPostgisDefaults(t *testing.T) {
	p := newPostgis(PostgisParam{URL: "postgres://x", Table: "t"}, nil, true)
	assert.Equal(t, "geom", p.param.GeomField)
	assert.Equal(t, "id", p.param.IDField)
	assert.Equal(t, 4326, p.param.SRID)
	assert.Equal(t, "public", p.param.Schema)
	assert.Equal(t, 20, p.param.MaxZoom)
	assert.Equal(t, PBF, p.Format())
	assert.Equal(t, "postgis", p.Type())
}

func TestPostgisRejectsWrites(t *testing.T) {
	p := newPostgis(PostgisParam{Table: "t"}, nil, true)
	assert.ErrorIs(t, p.UpdateTile(0, 0, 0, nil), ErrUnsupported)
	assert.ErrorIs(t, p.SetMetadata(Metadata{}), ErrUnsupported)
}
