// Package provider implements the tile backends served by pengubin: the
// embedded MBTiles store, the PostGIS vector-tile generator, flat tile
// tables in Postgres and MySQL, a plain web XYZ mirror, and the registry
// that owns live instances of them.
package provider

import "errors"

// Constants representing TileFormat types
const (
	GZIP string = "gzip" // encoding = gzip
	ZLIB        = "zlib" // encoding = deflate
	PNG         = "png"
	JPG         = "jpg"
	PBF         = "pbf"
	WEBP        = "webp"
)

var (
	// ErrNotFound marks a missing store or a provider name with no entry.
	// Missing tiles are not errors; GetTile reports them as a nil payload.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedSchema means an mbtiles file matched neither known
	// table layout.
	ErrUnsupportedSchema = errors.New("unsupported mbtiles schema")

	// ErrUnsupportedType means the registry met a source type outside the
	// closed backend set.
	ErrUnsupportedType = errors.New("unsupported provider type")

	// ErrReadOnly rejects writes on a store opened without write access.
	ErrReadOnly = errors.New("store is read-only")

	// ErrUnsupported rejects operations a backend cannot honor at all,
	// such as writing through a live query view.
	ErrUnsupported = errors.New("operation not supported")

	// ErrBackendUnavailable wraps connection-level failures.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrWriteFailed marks a write that executed but changed nothing.
	ErrWriteFailed = errors.New("write affected no rows")
)

// Provider is the uniform contract every backend satisfies. A provider is
// constructed from configuration, Init-ed once, used for any number of tile
// and metadata calls, and closed exactly once.
//
// GetTile addresses tiles in XYZ (row 0 = north). A nil payload with a nil
// error means the tile is absent, which is a normal condition for sparse
// sets, not a failure.
type Provider interface {
	Type() string
	Format() string
	Init() error
	GetTile(x, y, z int) ([]byte, error)
	UpdateTile(x, y, z int, data []byte) error
	GetMetadata() (Metadata, error)
	SetMetadata(meta Metadata) error
	Close() error
}

// flipY converts between XYZ and TMS row addressing. The conversion is its
// own inverse.
func flipY(z, y int) int {
	return (1 << uint(z)) - y - 1
}
