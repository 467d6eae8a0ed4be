package executor

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/dsarq/internal/config"
	"github.com/SirClappington/dsarq/internal/domain"
)

// Conn is one region's live handle: the pinned database pool plus the
// region-scoped storage endpoint and encryption key identifier.
type Conn struct {
	Region          string
	Pool            *pgxpool.Pool
	StorageEndpoint string
	KeyID           string
}

// DialFunc opens the region's database pool. Injectable so tests never
// touch a real database.
type DialFunc func(ctx context.Context, dsn string) (*pgxpool.Pool, error)

// Registry maps region names to lazily-established, cached connections:
// one pool per region for the process lifetime, shared by all workers.
// Built once at startup and passed by reference, never a package global.
type Registry struct {
	cfgs map[string]config.Region
	dial DialFunc

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewRegistry(cfgs map[string]config.Region, dial DialFunc) *Registry {
	if dial == nil {
		dial = func(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
			return pgxpool.New(ctx, dsn)
		}
	}
	return &Registry{cfgs: cfgs, dial: dial, conns: make(map[string]*Conn)}
}

// Get resolves the connection for a region, establishing it on first
// use. An unknown or disabled region is a configuration fault, tagged
// non-retryable so the scheduler fails the job immediately instead of
// burning its retry budget.
func (r *Registry) Get(ctx context.Context, region string) (*Conn, error) {
	cfg, ok := r.cfgs[region]
	if !ok || !cfg.Enabled {
		return nil, domain.RegionUnavailable(region)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[region]; ok {
		return c, nil
	}

	pool, err := r.dial(ctx, cfg.DSN)
	if err != nil {
		return nil, domain.Transient("connect region "+region, errors.WithStack(err))
	}
	c := &Conn{
		Region:          region,
		Pool:            pool,
		StorageEndpoint: cfg.StorageEndpoint,
		KeyID:           cfg.KeyID,
	}
	r.conns[region] = c
	return c, nil
}

func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c.Pool != nil {
			c.Pool.Close()
		}
	}
	r.conns = make(map[string]*Conn)
}
