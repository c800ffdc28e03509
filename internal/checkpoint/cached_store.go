package checkpoint

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"chimera/internal/workflow"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type CacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries: 1024,
		TTL:        5 * time.Minute,
	}
}

type MetricsSnapshot struct {
	Hits           uint64
	Misses         uint64
	OriginReads    uint64
	OriginWrites   uint64
	OriginReadErr  uint64
	OriginWriteErr uint64
}

type Metrics struct {
	hits           atomic.Uint64
	misses         atomic.Uint64
	originReads    atomic.Uint64
	originWrites   atomic.Uint64
	originReadErr  atomic.Uint64
	originWriteErr atomic.Uint64
}

func (m *Metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Hits:           m.hits.Load(),
		Misses:         m.misses.Load(),
		OriginReads:    m.originReads.Load(),
		OriginWrites:   m.originWrites.Load(),
		OriginReadErr:  m.originReadErr.Load(),
		OriginWriteErr: m.originWriteErr.Load(),
	}
}

// CachedStore is a write-through, read-through LRU in front of another Store.
// Listing always goes to the origin.
type CachedStore struct {
	origin  Store
	cache   *expirable.LRU[string, workflow.State]
	metrics Metrics
}

func NewCachedStore(origin Store, cfg CacheConfig) *CachedStore {
	def := DefaultCacheConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &CachedStore{
		origin: origin,
		cache:  expirable.NewLRU[string, workflow.State](cfg.MaxEntries, nil, cfg.TTL),
	}
}

func (c *CachedStore) Metrics() MetricsSnapshot {
	if c == nil {
		return MetricsSnapshot{}
	}
	return c.metrics.snapshot()
}

func (c *CachedStore) Save(ctx context.Context, s workflow.State) error {
	id, err := normalizeID(s.JobID)
	if err != nil {
		return err
	}
	c.metrics.originWrites.Add(1)
	if err := c.origin.Save(ctx, s); err != nil {
		c.metrics.originWriteErr.Add(1)
		c.cache.Remove(id)
		return err
	}
	c.cache.Add(id, s.Clone())
	return nil
}

func (c *CachedStore) Load(ctx context.Context, jobID string) (workflow.State, error) {
	id, err := normalizeID(jobID)
	if err != nil {
		return workflow.State{}, err
	}
	if s, ok := c.cache.Get(id); ok {
		c.metrics.hits.Add(1)
		return s.Clone(), nil
	}
	c.metrics.misses.Add(1)
	c.metrics.originReads.Add(1)
	s, err := c.origin.Load(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.metrics.originReadErr.Add(1)
		}
		return workflow.State{}, err
	}
	c.cache.Add(id, s.Clone())
	return s, nil
}

func (c *CachedStore) Delete(ctx context.Context, jobID string) error {
	id, err := normalizeID(jobID)
	if err != nil {
		return err
	}
	c.cache.Remove(id)
	return c.origin.Delete(ctx, id)
}

func (c *CachedStore) List(ctx context.Context, stage workflow.Stage) ([]workflow.State, error) {
	return c.origin.List(ctx, stage)
}
