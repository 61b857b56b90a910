// Package sequencer orders the pickups and drop-offs of a ride.
//
// Every precedence-valid visit order that starts at the earliest passenger's
// pickup is enumerated and the cheapest one wins. For two legs that is exactly
// three orders (P1-P2-D1-D2, P1-P2-D2-D1, P1-D1-P2-D2). Full enumeration does
// not scale past two legs, so any other leg count is rejected.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/example/ride-coordinator/internal/eta"
	"github.com/example/ride-coordinator/internal/models"
)

var ErrInsufficientWaypoints = errors.New("insufficient waypoints")

const maxLegs = 2

// costEpsilon treats costs within a millimetre as equal.
const costEpsilon = 1e-3

// Router is satisfied by *eta.Router; it must not fail.
type Router interface {
	Estimate(ctx context.Context, from, to models.Coord) eta.Estimate
}

type Sequencer struct {
	router Router
}

func New(router Router) *Sequencer {
	if router == nil {
		router = &eta.Router{}
	}
	return &Sequencer{router: router}
}

// Waypoint references one end of a leg.
type Waypoint struct {
	Leg  int
	Type models.StopType
}

type Plan struct {
	Stops []models.Stop
	Cost  float64 // meters
}

// Orderings enumerates the precedence-valid visit orders for n legs whose
// first stop is leg 0's pickup.
func Orderings(n int) [][]Waypoint {
	if n <= 0 {
		return nil
	}
	picked := make([]bool, n)
	dropped := make([]bool, n)
	picked[0] = true
	cur := []Waypoint{{Leg: 0, Type: models.StopPickup}}
	var out [][]Waypoint
	var walk func()
	walk = func() {
		if len(cur) == 2*n {
			out = append(out, append([]Waypoint(nil), cur...))
			return
		}
		for i := 0; i < n; i++ {
			if picked[i] {
				continue
			}
			picked[i] = true
			cur = append(cur, Waypoint{Leg: i, Type: models.StopPickup})
			walk()
			cur = cur[:len(cur)-1]
			picked[i] = false
		}
		for i := 0; i < n; i++ {
			if !picked[i] || dropped[i] {
				continue
			}
			dropped[i] = true
			cur = append(cur, Waypoint{Leg: i, Type: models.StopDropoff})
			walk()
			cur = cur[:len(cur)-1]
			dropped[i] = false
		}
	}
	walk()
	return out
}

// Sequence returns the cheapest precedence-valid stop order for legs.
func (s *Sequencer) Sequence(ctx context.Context, legs []models.Leg) (Plan, error) {
	if len(legs) < 1 || len(legs) > maxLegs {
		return Plan{}, fmt.Errorf("%w: got %d legs, want 1 or %d", ErrInsufficientWaypoints, len(legs), maxLegs)
	}
	ordered := append([]models.Leg(nil), legs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].RequestedAt.Before(ordered[j].RequestedAt)
	})

	points := make([]models.Coord, 0, 2*len(ordered))
	for _, l := range ordered {
		points = append(points, l.Pickup.Coord, l.Dropoff.Coord)
	}
	dist := make([][]float64, len(points))
	for i := range points {
		dist[i] = make([]float64, len(points))
		for j := range points {
			if i != j {
				dist[i][j] = s.router.Estimate(ctx, points[i], points[j]).DistanceMeters
			}
		}
	}

	var best []Waypoint
	bestCost := math.Inf(1)
	for _, order := range Orderings(len(ordered)) {
		c := 0.0
		for k := 1; k < len(order); k++ {
			c += dist[pointIndex(order[k-1])][pointIndex(order[k])]
		}
		switch {
		case best == nil || c < bestCost-costEpsilon:
			best, bestCost = order, c
		case math.Abs(c-bestCost) <= costEpsilon && earlierFirst(order, best):
			best, bestCost = order, c
		}
	}

	stops := make([]models.Stop, len(best))
	for i, w := range best {
		l := ordered[w.Leg]
		place := l.Pickup
		if w.Type == models.StopDropoff {
			place = l.Dropoff
		}
		stops[i] = models.Stop{Type: w.Type, PassengerID: l.PassengerID, Place: place, Index: i}
	}
	return Plan{Stops: stops, Cost: bestCost}, nil
}

func pointIndex(w Waypoint) int {
	if w.Type == models.StopDropoff {
		return 2*w.Leg + 1
	}
	return 2 * w.Leg
}

// earlierFirst reports whether a serves the earlier-requested passenger
// sooner than b at the first position where they differ.
func earlierFirst(a, b []Waypoint) bool {
	for i := range a {
		if a[i].Leg != b[i].Leg {
			return a[i].Leg < b[i].Leg
		}
	}
	return false
}

// Valid reports whether stops satisfy pickup-before-dropoff per passenger and
// carry consecutive indices.
func Valid(stops []models.Stop) bool {
	pickedAt := map[string]int{}
	droppedAt := map[string]int{}
	for i, s := range stops {
		if s.Index != i {
			return false
		}
		switch s.Type {
		case models.StopPickup:
			if _, dup := pickedAt[s.PassengerID]; dup {
				return false
			}
			pickedAt[s.PassengerID] = i
		case models.StopDropoff:
			if _, dup := droppedAt[s.PassengerID]; dup {
				return false
			}
			droppedAt[s.PassengerID] = i
		}
	}
	if len(pickedAt) != len(droppedAt) {
		return false
	}
	for p, d := range droppedAt {
		pu, ok := pickedAt[p]
		if !ok || pu >= d {
			return false
		}
	}
	return true
}
