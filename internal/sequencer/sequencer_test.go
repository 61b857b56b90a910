package sequencer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-coordinator/internal/eta"
	"github.com/example/ride-coordinator/internal/models"
)

var (
	ptA = models.Coord{Lat: 1, Lon: 0}
	ptB = models.Coord{Lat: 2, Lon: 0}
	ptC = models.Coord{Lat: 3, Lon: 0}
	ptD = models.Coord{Lat: 4, Lon: 0}
)

// tableRouter returns symmetric distances from a lookup table, 1000 when missing.
type tableRouter map[[2]models.Coord]float64

func (r tableRouter) Estimate(_ context.Context, from, to models.Coord) eta.Estimate {
	if d, ok := r[[2]models.Coord{from, to}]; ok {
		return eta.Estimate{DistanceMeters: d}
	}
	if d, ok := r[[2]models.Coord{to, from}]; ok {
		return eta.Estimate{DistanceMeters: d}
	}
	return eta.Estimate{DistanceMeters: 1000}
}

func sharedLegs() []models.Leg {
	t0 := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	return []models.Leg{
		{PassengerID: "p1", Pickup: models.Place{Coord: ptA}, Dropoff: models.Place{Coord: ptB}, RequestedAt: t0},
		{PassengerID: "p2", Pickup: models.Place{Coord: ptC}, Dropoff: models.Place{Coord: ptD}, RequestedAt: t0.Add(time.Second)},
	}
}

func stopKey(stops []models.Stop) string {
	s := ""
	for _, st := range stops {
		if st.Type == models.StopPickup {
			s += "P"
		} else {
			s += "D"
		}
		s += st.PassengerID[1:]
	}
	return s
}

func TestOrderingsForTwoLegs(t *testing.T) {
	got := Orderings(2)
	if len(got) != 3 {
		t.Fatalf("expected 3 orderings, got %d", len(got))
	}
	want := []string{"P0P1D0D1", "P0P1D1D0", "P0D0P1D1"}
	for i, o := range got {
		s := ""
		for _, w := range o {
			if w.Type == models.StopPickup {
				s += "P"
			} else {
				s += "D"
			}
			s += string(rune('0' + w.Leg))
		}
		if s != want[i] {
			t.Errorf("ordering %d = %s, want %s", i, s, want[i])
		}
	}
}

func TestSequenceSolo(t *testing.T) {
	s := New(nil)
	plan, err := s.Sequence(context.Background(), sharedLegs()[:1])
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	if got := stopKey(plan.Stops); got != "P1D1" {
		t.Fatalf("expected P1D1, got %s", got)
	}
	if !Valid(plan.Stops) {
		t.Fatal("solo plan violates precedence")
	}
}

func TestSequencePicksCheapestSharedOrder(t *testing.T) {
	// A-B, B-C and C-D are short, so dropping p1 before picking up p2 wins.
	r := tableRouter{
		{ptA, ptB}: 1, {ptB, ptC}: 1, {ptC, ptD}: 1,
		{ptA, ptC}: 10, {ptB, ptD}: 10, {ptA, ptD}: 10,
	}
	plan, err := New(r).Sequence(context.Background(), sharedLegs())
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	if got := stopKey(plan.Stops); got != "P1D1P2D2" {
		t.Fatalf("expected P1D1P2D2, got %s", got)
	}
	if plan.Cost != 3 {
		t.Fatalf("expected cost 3, got %f", plan.Cost)
	}
}

func TestSequencePoolsWhenCheaper(t *testing.T) {
	// p2 rides along: A-C-D-B.
	r := tableRouter{
		{ptA, ptC}: 1, {ptC, ptD}: 1, {ptD, ptB}: 1,
		{ptA, ptB}: 10, {ptB, ptC}: 10, {ptA, ptD}: 10,
	}
	plan, err := New(r).Sequence(context.Background(), sharedLegs())
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	if got := stopKey(plan.Stops); got != "P1P2D2D1" {
		t.Fatalf("expected P1P2D2D1, got %s", got)
	}
}

func TestSequenceTieBreaksEarliestPassengerFirst(t *testing.T) {
	// every pair costs the same, so all three orders tie
	plan, err := New(tableRouter{}).Sequence(context.Background(), sharedLegs())
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	if got := stopKey(plan.Stops); got != "P1D1P2D2" {
		t.Fatalf("expected P1D1P2D2 on tie, got %s", got)
	}
}

func TestSequenceOrdersLegsByRequestTime(t *testing.T) {
	legs := sharedLegs()
	legs[0], legs[1] = legs[1], legs[0]
	plan, err := New(tableRouter{}).Sequence(context.Background(), legs)
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	if plan.Stops[0].PassengerID != "p1" {
		t.Fatalf("expected earliest passenger p1 first, got %s", plan.Stops[0].PassengerID)
	}
}

func TestEveryOrderingSatisfiesPrecedence(t *testing.T) {
	legs := sharedLegs()
	for _, order := range Orderings(len(legs)) {
		stops := make([]models.Stop, len(order))
		for i, w := range order {
			stops[i] = models.Stop{Type: w.Type, PassengerID: legs[w.Leg].PassengerID, Index: i}
		}
		if !Valid(stops) {
			t.Fatalf("ordering %v violates precedence", order)
		}
	}

	// and whatever distances the router reports, the chosen plan stays valid
	for _, r := range []tableRouter{
		{},
		{{ptA, ptB}: 1, {ptB, ptC}: 1, {ptC, ptD}: 1},
		{{ptA, ptC}: 1, {ptC, ptD}: 1, {ptD, ptB}: 1},
		{{ptA, ptC}: 1, {ptC, ptB}: 1, {ptB, ptD}: 1},
	} {
		plan, err := New(r).Sequence(context.Background(), legs)
		if err != nil {
			t.Fatalf("sequence: %v", err)
		}
		if !Valid(plan.Stops) {
			t.Fatalf("plan %s violates precedence", stopKey(plan.Stops))
		}
	}
}

func TestValidRejectsDropoffBeforePickup(t *testing.T) {
	stops := []models.Stop{
		{Type: models.StopDropoff, PassengerID: "p1", Index: 0},
		{Type: models.StopPickup, PassengerID: "p1", Index: 1},
	}
	if Valid(stops) {
		t.Fatal("expected dropoff-first sequence to be invalid")
	}
}

func TestSequenceRejectsUnsupportedLegCounts(t *testing.T) {
	s := New(nil)
	legs := sharedLegs()
	for _, n := range []int{0, 3} {
		in := legs
		if n == 0 {
			in = nil
		} else {
			in = append(append([]models.Leg(nil), legs...), legs[0])
		}
		if _, err := s.Sequence(context.Background(), in); !errors.Is(err, ErrInsufficientWaypoints) {
			t.Fatalf("%d legs: expected ErrInsufficientWaypoints, got %v", n, err)
		}
	}
}
