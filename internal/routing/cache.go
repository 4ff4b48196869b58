package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// CachedRouter memoizes route lookups for a short TTL. Pickup/dropoff pairs
// repeat heavily during the booking flow (preview, then create), so this
// saves a round-trip per ride without risking stale traffic data.
type CachedRouter struct {
	next Router
	ttl  time.Duration

	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	leg Leg
	ts  time.Time
}

func NewCachedRouter(next Router, ttl time.Duration) *CachedRouter {
	return &CachedRouter{next: next, ttl: ttl, store: make(map[string]cacheEntry)}
}

func legKey(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *CachedRouter) Route(ctx context.Context, from, to models.Coord) (Leg, error) {
	k := legKey(from, to)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && time.Since(e.ts) <= c.ttl {
		return e.leg, nil
	}
	leg, err := c.next.Route(ctx, from, to)
	if err != nil {
		return Leg{}, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{leg: leg, ts: time.Now()}
	c.mu.Unlock()
	return leg, nil
}
