package matcher

import (
	"context"
	"sort"
	"time"

	"github.com/example/ride-coordinator/internal/eta"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
)

type Geo interface {
	Nearby(ctx context.Context, at models.Coord, limit int) []models.Driver
}

type ETA interface {
	Estimate(ctx context.Context, from, to models.Coord) eta.Estimate
}

// Candidate is a driver eligible to receive a ride request.
type Candidate struct {
	DriverID   string       `json:"driver_id"`
	Location   models.Coord `json:"location"`
	ETASeconds float64      `json:"eta_seconds"`
	Cost       float64      `json:"cost"`
}

type Service struct {
	Geo    Geo
	Router ETA // optional, haversine at the router's default speed when nil
	TopN   int
}

// Candidates ranks the nearest online drivers for a pickup, cheapest first.
func (s *Service) Candidates(ctx context.Context, pickup models.Coord) []Candidate {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	router := s.Router
	if router == nil {
		router = &eta.Router{}
	}
	drivers := s.Geo.Nearby(ctx, pickup, topN)
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		etaSec := router.Estimate(ctx, d.Loc, pickup).DurationSeconds
		cost := etaSec + 30.0*(5.0-d.Rating) // cost = w1*eta + w2*(5 - rating)
		out = append(out, Candidate{DriverID: d.ID, Location: d.Loc, ETASeconds: etaSec, Cost: cost})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Cost == out[j].Cost {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].Cost < out[j].Cost
	})
	return out
}

func IDs(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.DriverID
	}
	return out
}
