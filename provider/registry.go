package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// SourceConfig declares one named source. Type selects the backend; the
// remaining fields apply per backend kind.
type SourceConfig struct {
	Type string `mapstructure:"type"`

	// mbtiles
	Path     string `mapstructure:"path"`
	Writable bool   `mapstructure:"writable"`

	// postgis / postgres-table
	URL       string `mapstructure:"url"`
	Table     string `mapstructure:"table"`
	GeomField string `mapstructure:"geom_field"`
	IDField   string `mapstructure:"id_field"`
	SRID      int    `mapstructure:"srid"`
	Schema    string `mapstructure:"schema"`
	Provision bool   `mapstructure:"provision"`

	// mysql-table
	DSN string `mapstructure:"dsn"`

	// web-xyz
	Format  string     `mapstructure:"format"`
	MinZoom int        `mapstructure:"minzoom"`
	MaxZoom int        `mapstructure:"maxzoom"`
	Bounds  [4]float64 `mapstructure:"bounds"`
}

// TileJSON is the serving descriptor derived from a provider's metadata.
type TileJSON struct {
	TileJSON     string        `json:"tilejson"`
	Name         string        `json:"name,omitempty"`
	Description  string        `json:"description,omitempty"`
	Scheme       string        `json:"scheme"`
	Tiles        []string      `json:"tiles"`
	Format       string        `json:"format,omitempty"`
	Bounds       [4]float64    `json:"bounds"`
	MinZoom      int           `json:"minzoom"`
	MaxZoom      int           `json:"maxzoom"`
	Attribution  string        `json:"attribution,omitempty"`
	VectorLayers []VectorLayer `json:"vector_layers,omitempty"`
}

// Entry pairs a live provider with its descriptor.
type Entry struct {
	Provider Provider
	TileJSON TileJSON

	// poolURL records which shared pool the provider borrowed, if any.
	poolURL string
}

// poolSet owns the shared Postgres pools, one per connection URL, with
// reference counting so distinct sources on the same database reuse one
// pool and teardown order stays deterministic.
type poolSet struct {
	mu      sync.Mutex
	open    func(url string) (*pgxpool.Pool, error)
	entries map[string]*poolRef
}

type poolRef struct {
	pool *pgxpool.Pool
	refs int
}

func newPoolSet() *poolSet {
	return &poolSet{
		open: func(url string) (*pgxpool.Pool, error) {
			return pgxpool.New(context.Background(), url)
		},
		entries: map[string]*poolRef{},
	}
}

func (s *poolSet) acquire(url string) (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.entries[url]; ok {
		ref.refs++
		return ref.pool, nil
	}
	pool, err := s.open(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	s.entries[url] = &poolRef{pool: pool, refs: 1}
	return pool, nil
}

func (s *poolSet) release(url string) {
	if url == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.entries[url]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs <= 0 {
		ref.pool.Close()
		delete(s.entries, url)
	}
}

// Registry owns the mapping from configured source names to live provider
// instances and their serving descriptors.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	pools   *poolSet
}

func NewRegistry() *Registry {
	return &Registry{
		entries: map[string]*Entry{},
		pools:   newPoolSet(),
	}
}

// Init constructs, initializes and describes every configured source. It is
// all-or-nothing: one bad source fails the whole call, the already-built
// providers are closed, and the error names the offending source.
func (r *Registry) Init(sources map[string]SourceConfig) error {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := r.initSource(name, sources[name]); err != nil {
			if cerr := r.Clear(); cerr != nil {
				log.Warnf("teardown after failed init: %s", cerr)
			}
			return fmt.Errorf("source %q: %w", name, err)
		}
		log.Infof("source %q ready (%s)", name, sources[name].Type)
	}
	return nil
}

func (r *Registry) initSource(name string, cfg SourceConfig) error {
	p, poolURL, err := r.buildProvider(cfg)
	if err != nil {
		return err
	}
	if err := p.Init(); err != nil {
		p.Close()
		r.pools.release(poolURL)
		return err
	}
	meta, err := p.GetMetadata()
	if err != nil {
		p.Close()
		r.pools.release(poolURL)
		return err
	}

	r.mu.Lock()
	r.entries[name] = &Entry{
		Provider: p,
		TileJSON: buildTileJSON(name, p, meta),
		poolURL:  poolURL,
	}
	r.mu.Unlock()
	return nil
}

// buildProvider resolves the closed set of backend kinds. Adding a backend
// means extending this switch, on purpose.
func (r *Registry) buildProvider(cfg SourceConfig) (Provider, string, error) {
	switch cfg.Type {
	case "mbtiles":
		p, err := OpenMBTiles(cfg.Path, MBTilesOptions{Writable: cfg.Writable})
		return p, "", err
	case "postgis":
		pool, err := r.pools.acquire(cfg.URL)
		if err != nil {
			return nil, "", err
		}
		p := NewPostgisWithPool(PostgisParam{
			URL:       cfg.URL,
			Table:     cfg.Table,
			GeomField: cfg.GeomField,
			IDField:   cfg.IDField,
			SRID:      cfg.SRID,
			Schema:    cfg.Schema,
			MinZoom:   cfg.MinZoom,
			MaxZoom:   cfg.MaxZoom,
		}, pool)
		return p, cfg.URL, nil
	case "postgres-table":
		pool, err := r.pools.acquire(cfg.URL)
		if err != nil {
			return nil, "", err
		}
		p := NewPostgresTableWithPool(PostgresTableParam{
			URL:       cfg.URL,
			Table:     cfg.Table,
			Provision: cfg.Provision,
		}, pool)
		return p, cfg.URL, nil
	case "mysql-table":
		p, err := NewMySQLTable(MySQLTableParam{DSN: cfg.DSN, Provision: cfg.Provision})
		return p, "", err
	case "web-xyz":
		return NewWebXYZ(WebXYZParam{
			URL:     cfg.URL,
			Format:  cfg.Format,
			MinZoom: cfg.MinZoom,
			MaxZoom: cfg.MaxZoom,
			Bounds:  cfg.Bounds,
		}), "", nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedType, cfg.Type)
	}
}

func buildTileJSON(name string, p Provider, meta Metadata) TileJSON {
	return TileJSON{
		TileJSON:     "2.0.0",
		Name:         meta.Name,
		Description:  meta.Description,
		Scheme:       "xyz",
		Tiles:        []string{fmt.Sprintf("/%s/{z}/{x}/{y}", name)},
		Format:       p.Format(),
		Bounds:       meta.Bounds,
		MinZoom:      meta.MinZoom,
		MaxZoom:      meta.MaxZoom,
		Attribution:  meta.Attribution,
		VectorLayers: meta.VectorLayers,
	}
}

// Get returns the named entry or ErrNotFound.
func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, ErrNotFound)
	}
	return e, nil
}

// Add registers an already-constructed provider and computes its
// descriptor.
func (r *Registry) Add(name string, p Provider) error {
	meta, err := p.GetMetadata()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.entries[name] = &Entry{Provider: p, TileJSON: buildTileJSON(name, p, meta)}
	r.mu.Unlock()
	return nil
}

// Remove closes the named provider's backend and drops the entry.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("provider %q: %w", name, ErrNotFound)
	}
	err := e.Provider.Close()
	r.pools.release(e.poolURL)
	return err
}

// Clear closes every entry, continuing past individual close failures and
// reporting them joined.
func (r *Registry) Clear() error {
	var errs []error
	for _, name := range r.Names() {
		if err := r.Remove(name); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Names lists the registered sources in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
