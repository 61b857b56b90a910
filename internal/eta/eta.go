package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
)

// Estimate is a road distance/duration pair between two points.
type Estimate struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Client is the routing collaborator used for fares, sequencing and matching.
type Client interface {
	Estimate(ctx context.Context, from, to models.Coord) (Estimate, error)
}

// Geocoder resolves a free-form address into coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (models.Coord, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Estimate
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Estimate, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Estimate{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Estimate{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Estimate) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Fallback is the naive estimate: great-circle distance at speedMps.
func Fallback(from, to models.Coord, speedMps float64) Estimate {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return Estimate{DistanceMeters: d, DurationSeconds: d / speedMps}
}

// Router wraps an optional Client with a cache and the haversine fallback.
// Estimate never fails: routing outages degrade to the fallback.
type Router struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
	Logger   *slog.Logger
}

func (r *Router) Estimate(ctx context.Context, from, to models.Coord) Estimate {
	if r == nil {
		return Fallback(from, to, 0)
	}
	if r.Cache != nil {
		if v, ok := r.Cache.Get(from, to); ok {
			return v
		}
	}
	if r.Client != nil {
		v, err := r.Client.Estimate(ctx, from, to)
		if err == nil {
			if r.Cache != nil {
				r.Cache.Set(from, to, v)
			}
			return v
		}
		if r.Logger != nil {
			r.Logger.Warn("routing estimate failed, using fallback", "error", err)
		}
	}
	return Fallback(from, to, r.SpeedMps)
}
