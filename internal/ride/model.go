package ride

import (
	"fmt"

	"github.com/example/ride-coordinator/internal/models"
)

type EventType string

const (
	OfferReceived EventType = "offer_received"
	OfferAccepted EventType = "offer_accepted"
	DriverArrived EventType = "driver_arrived"
	Start         EventType = "start"
	StopCompleted EventType = "stop_completed"
	Expire        EventType = "expire"
	Cancel        EventType = "cancel"
)

// Event is an input to Machine.Transition. StopIndex is read by DriverArrived
// and StopCompleted, Assignment by OfferAccepted, Reason by Expire and Cancel.
type Event struct {
	Type       EventType
	StopIndex  int
	Assignment *Assignment
	Reason     string
}

// Assignment is the outcome of a won offer round.
type Assignment struct {
	DriverID   string
	Fare       int64
	Stops      []models.Stop
	PaymentRef string
}

// transitions is the lifecycle as a table. Targets that depend on stop
// progress are resolved in apply; cancel is legal from every non-terminal state.
var transitions = map[models.State]map[EventType][]models.State{
	models.StateRequested: {
		OfferReceived: {models.StateOffered},
		OfferAccepted: {models.StateAccepted},
		Expire:        {models.StateCancelled},
	},
	models.StateOffered: {
		OfferReceived: {models.StateOffered},
		OfferAccepted: {models.StateAccepted},
		Expire:        {models.StateCancelled},
	},
	models.StateAccepted: {
		DriverArrived: {models.StateDriverEnroute, models.StateReadyToStart},
	},
	models.StateDriverEnroute: {
		DriverArrived: {models.StateDriverEnroute, models.StateReadyToStart},
	},
	models.StateReadyToStart: {
		Start: {models.StateInProgress},
	},
	models.StateInProgress: {
		DriverArrived: {models.StateInProgress},
		StopCompleted: {models.StateInProgress, models.StateCompleted},
	},
}

// CanTransition reports whether ev is legal in state from.
func CanTransition(from models.State, ev EventType) bool {
	if from.Terminal() {
		return false
	}
	if ev == Cancel {
		return true
	}
	_, ok := transitions[from][ev]
	return ok
}

// Validate checks a request's leg invariant: solo has one leg, shared has
// two legs with distinct passengers, and every place has usable coordinates.
func Validate(req models.RideRequest) error {
	switch req.Mode {
	case models.ModeSolo:
		if len(req.Legs) != 1 {
			return fmt.Errorf("%w: solo ride needs exactly 1 leg, got %d", ErrInvalidLegs, len(req.Legs))
		}
	case models.ModeShared:
		if len(req.Legs) != 2 {
			return fmt.Errorf("%w: shared ride needs exactly 2 legs, got %d", ErrInvalidLegs, len(req.Legs))
		}
		if req.Legs[0].PassengerID == req.Legs[1].PassengerID {
			return fmt.Errorf("%w: shared legs must belong to different passengers", ErrInvalidLegs)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidLegs, req.Mode)
	}
	for i, l := range req.Legs {
		if l.PassengerID == "" {
			return fmt.Errorf("%w: leg %d has no passenger", ErrInvalidLegs, i)
		}
		for _, p := range []models.Place{l.Pickup, l.Dropoff} {
			if p.IsZero() || !p.Valid() {
				return fmt.Errorf("%w: leg %d has an unusable coordinate %v", ErrInvalidLegs, i, p.Coord)
			}
		}
		if l.Pickup.Coord == l.Dropoff.Coord {
			return fmt.Errorf("%w: leg %d pickup equals dropoff", ErrInvalidLegs, i)
		}
	}
	if req.RequestedFare != nil && *req.RequestedFare <= 0 {
		return fmt.Errorf("%w: requested fare must be positive", ErrInvalidLegs)
	}
	return nil
}

// boardingCount is the number of pickups before the first drop-off: the
// passengers who must be on board before the ride can start.
func boardingCount(stops []models.Stop) int {
	n := 0
	for _, s := range stops {
		if s.Type != models.StopPickup {
			break
		}
		n++
	}
	return n
}
