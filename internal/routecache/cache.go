package routecache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"transit-tracker/internal/routing"
	"transit-tracker/internal/transit"
)

// Storage holds resolved paths. Implementations must be safe for
// concurrent use.
type Storage interface {
	Get(routeID string) (Entry, bool)
	Put(routeID string, e Entry)
}

// Entry is a stored path plus its invalidation flag.
type Entry struct {
	Path  transit.CachedPath
	Stale bool
}

type Metrics interface {
	CacheLookup(result string) // hit|miss|stale|error
}

// Cache memoizes provider results per route. Entries never expire on their
// own; Invalidate is the only way to force a refetch.
type Cache struct {
	provider routing.Provider
	storage  Storage
	metrics  Metrics
	now      func() time.Time
	group    singleflight.Group
}

func New(p routing.Provider, s Storage, m Metrics) *Cache {
	if s == nil {
		s = NewMemoryStorage()
	}
	return &Cache{provider: p, storage: s, metrics: m, now: time.Now}
}

// Resolve returns the path for routeID, calling the provider only when the
// route has no fresh entry. A provider failure is never stored. When a stale
// entry exists and the refetch fails, the stale path is served instead.
func (c *Cache) Resolve(ctx context.Context, routeID string, coords []transit.Coordinate) (transit.CachedPath, error) {
	if e, ok := c.storage.Get(routeID); ok && !e.Stale {
		c.observe("hit")
		return e.Path.Clone(), nil
	}

	// The shared fetch outlives any single caller; each caller stops waiting
	// on its own cancellation. Providers bound the call with their timeout.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(routeID, func() (any, error) {
		// another caller may have filled the entry while we waited
		if e, ok := c.storage.Get(routeID); ok && !e.Stale {
			return e.Path, nil
		}
		res, err := c.provider.Route(fetchCtx, coords)
		if err != nil {
			return nil, err
		}
		p := transit.CachedPath{
			RouteID:          routeID,
			Polyline:         res.Polyline,
			SegmentDurations: res.Segments,
			Total:            res.Total,
			FetchedAt:        c.now(),
		}
		c.storage.Put(routeID, Entry{Path: p})
		return p, nil
	})
	var (
		v   any
		err error
	)
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		if e, ok := c.storage.Get(routeID); ok {
			log.Printf("route %s: serving stale path after provider failure: %v", routeID, err)
			c.observe("stale")
			p := e.Path.Clone()
			p.Stale = true
			return p, nil
		}
		c.observe("error")
		if !errors.Is(err, routing.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", routing.ErrUnavailable, err)
		}
		return transit.CachedPath{}, err
	}
	c.observe("miss")
	return v.(transit.CachedPath).Clone(), nil
}

// Invalidate marks the route's entry stale so the next Resolve refetches.
// The old path stays available as a fallback.
func (c *Cache) Invalidate(routeID string) {
	if e, ok := c.storage.Get(routeID); ok {
		e.Stale = true
		c.storage.Put(routeID, e)
	}
}

// RouteWriter stores routes.
type RouteWriter interface {
	PutRoute(ctx context.Context, r transit.Route) error
}

// InvalidatingWriter wraps w so every route written through it has its
// cached path marked stale.
func (c *Cache) InvalidatingWriter(w RouteWriter) RouteWriter {
	return &invalidatingWriter{w: w, cache: c}
}

type invalidatingWriter struct {
	w     RouteWriter
	cache *Cache
}

func (iw *invalidatingWriter) PutRoute(ctx context.Context, r transit.Route) error {
	if err := iw.w.PutRoute(ctx, r); err != nil {
		return err
	}
	iw.cache.Invalidate(r.ID())
	return nil
}

func (c *Cache) observe(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookup(result)
	}
}

// MemoryStorage is a map-backed Storage.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[string]Entry)}
}

func (s *MemoryStorage) Get(routeID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[routeID]
	return e, ok
}

func (s *MemoryStorage) Put(routeID string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Path = e.Path.Clone()
	s.entries[routeID] = e
}
