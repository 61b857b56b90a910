package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-coordinator/internal/clock"
	"github.com/example/ride-coordinator/internal/models"
)

// Geo is the minimal interface required by the matcher and handlers.
type Geo interface {
	Nearby(ctx context.Context, at models.Coord, limit int) []models.Driver
	Upsert(ctx context.Context, d models.Driver) error
}

// Index keeps driver positions in memory. Drivers whose last update is older
// than staleAfter are ignored by Nearby.
type Index struct {
	mu         sync.RWMutex
	drivers    map[string]models.Driver
	radiusM    float64
	staleAfter time.Duration
	clock      clock.Clock
}

// NewIndex builds an in-memory index; a nil clk uses the wall clock.
func NewIndex(radiusM float64, staleAfter time.Duration, clk clock.Clock) *Index {
	if clk == nil {
		clk = clock.Real()
	}
	return &Index{drivers: make(map[string]models.Driver), radiusM: radiusM, staleAfter: staleAfter, clock: clk}
}

// Upsert stores d. A zero Updated is stamped with the index clock.
func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = g.clock.Now()
	}
	g.drivers[d.ID] = d
	return nil
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(_ context.Context, at models.Coord, limit int) []models.Driver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	now := g.clock.Now()
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		if g.staleAfter > 0 && now.Sub(d.Updated) > g.staleAfter {
			continue
		}
		dist := Haversine(at.Lat, at.Lon, d.Loc.Lat, d.Loc.Lon)
		if g.radiusM > 0 && dist > g.radiusM {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist || (arr[j].dist == arr[minIdx].dist && arr[j].d.ID < arr[minIdx].d.ID) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Driver, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
