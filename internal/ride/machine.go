package ride

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ride-coordinator/internal/clock"
	"github.com/example/ride-coordinator/internal/models"
)

// Recorder persists a ride version before it becomes visible.
type Recorder interface {
	SaveRide(ctx context.Context, r *models.RideAggregate) error
}

type entry struct {
	mu   sync.Mutex
	ride *models.RideAggregate
	gone bool
}

// Machine owns every live RideAggregate. Each ride has its own lock so
// transitions on different rides run in parallel.
type Machine struct {
	mu     sync.RWMutex
	rides  map[string]*entry
	rec    Recorder
	clock  clock.Clock
	logger *slog.Logger
}

func NewMachine(rec Recorder, clk clock.Clock, logger *slog.Logger) *Machine {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{rides: make(map[string]*entry), rec: rec, clock: clk, logger: logger}
}

// Create validates the request and stores a new ride in state requested.
func (m *Machine) Create(ctx context.Context, req models.RideRequest, estimatedFare int64) (*models.RideAggregate, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	now := m.clock.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	for i := range req.Legs {
		if req.Legs[i].RequestedAt.IsZero() {
			req.Legs[i].RequestedAt = now
		}
	}
	r := &models.RideAggregate{
		ID:            req.ID,
		Request:       req,
		State:         models.StateRequested,
		EstimatedFare: estimatedFare,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r = r.Clone()

	e := &entry{ride: r}
	e.mu.Lock()
	defer e.mu.Unlock()

	m.mu.Lock()
	if _, ok := m.rides[r.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, r.ID)
	}
	m.rides[r.ID] = e
	m.mu.Unlock()

	if err := m.save(ctx, r); err != nil {
		e.gone = true
		m.mu.Lock()
		delete(m.rides, r.ID)
		m.mu.Unlock()
		return nil, err
	}
	m.logger.Info("ride created", "ride_id", r.ID, "mode", req.Mode, "passengers", len(req.Legs))
	return r.Clone(), nil
}

// Transition applies ev to the ride. On success it returns a copy of the new
// aggregate and the events the change produced; a repeated completion returns
// the unchanged aggregate and no events. On any error the ride is untouched.
func (m *Machine) Transition(ctx context.Context, rideID string, ev Event, actor models.Actor) (*models.RideAggregate, []models.RideEvent, error) {
	e := m.lookup(rideID)
	if e == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, rideID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, rideID)
	}

	cur := e.ride
	if !CanTransition(cur.State, ev.Type) {
		return nil, nil, &TransitionError{RideID: rideID, From: cur.State, Event: ev.Type, Err: ErrIllegalTransition}
	}
	next := cur.Clone()
	events, err := apply(next, ev, actor)
	if err != nil {
		return nil, nil, &TransitionError{RideID: rideID, From: cur.State, Event: ev.Type, Err: err}
	}
	if len(events) == 0 {
		return cur.Clone(), nil, nil
	}

	now := m.clock.Now()
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	for i := range events {
		events[i].RideID = rideID
		events[i].Version = next.Version
		events[i].At = now
		if events[i].ActorID == "" {
			events[i].ActorID = actor.ID
		}
		if events[i].State == "" {
			events[i].State = next.State
		}
	}
	if err := m.save(ctx, next); err != nil {
		return nil, nil, err
	}
	e.ride = next
	m.logger.Debug("ride transition", "ride_id", rideID, "event", ev.Type, "from", cur.State, "to", next.State, "version", next.Version)
	return next.Clone(), events, nil
}

// Cancel moves a non-terminal ride to cancelled.
func (m *Machine) Cancel(ctx context.Context, rideID string, actor models.Actor, reason string) (*models.RideAggregate, []models.RideEvent, error) {
	return m.Transition(ctx, rideID, Event{Type: Cancel, Reason: reason}, actor)
}

func (m *Machine) Get(rideID string) (*models.RideAggregate, error) {
	e := m.lookup(rideID)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rideID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ride.Clone(), nil
}

// Forget drops a terminal ride from memory. Live rides are kept.
func (m *Machine) Forget(rideID string) bool {
	e := m.lookup(rideID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	terminal := e.ride.State.Terminal()
	e.mu.Unlock()
	if !terminal {
		return false
	}
	m.mu.Lock()
	delete(m.rides, rideID)
	m.mu.Unlock()
	return true
}

// Active returns copies of every non-terminal ride.
func (m *Machine) Active() []*models.RideAggregate {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.rides))
	for _, e := range m.rides {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*models.RideAggregate, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.ride.State.Terminal() {
			out = append(out, e.ride.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

func (m *Machine) lookup(rideID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rides[rideID]
}

func (m *Machine) save(ctx context.Context, r *models.RideAggregate) error {
	if m.rec == nil {
		return nil
	}
	if err := m.rec.SaveRide(ctx, r); err != nil {
		return fmt.Errorf("persist ride %s v%d: %w", r.ID, r.Version, err)
	}
	return nil
}
