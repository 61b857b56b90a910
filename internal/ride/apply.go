package ride

import (
	"fmt"

	"github.com/example/ride-coordinator/internal/models"
)

// apply mutates r (a private copy) for ev and returns the resulting events.
// No events means the event was a no-op.
func apply(r *models.RideAggregate, ev Event, actor models.Actor) ([]models.RideEvent, error) {
	switch ev.Type {
	case OfferReceived:
		if r.State == models.StateOffered {
			return nil, nil
		}
		r.State = models.StateOffered
		return []models.RideEvent{{Type: EventRideOffered}}, nil

	case OfferAccepted:
		return accept(r, ev.Assignment)

	case DriverArrived:
		return arrive(r, ev.StopIndex)

	case Start:
		n := boardingCount(r.Stops)
		for i := 0; i < n; i++ {
			if !r.Stops[i].Arrived {
				return nil, fmt.Errorf("%w: pickup %d not reached", ErrIllegalTransition, i)
			}
			r.Stops[i].Completed = true
		}
		r.State = models.StateInProgress
		return []models.RideEvent{{Type: models.EventRideStarted}}, nil

	case StopCompleted:
		return complete(r, ev.StopIndex)

	case Expire:
		reason := ev.Reason
		if reason == "" {
			reason = models.ReasonRequestExpired
		}
		events := cancel(r, reason, models.SystemActor)
		if reason == models.ReasonNoDriversAvailable {
			events = append(events, models.RideEvent{Type: models.EventNoDriversAvailable, Reason: reason, ActorID: models.SystemActor.ID})
		}
		return events, nil

	case Cancel:
		reason := ev.Reason
		if reason == "" {
			reason = defaultCancelReason(actor)
		}
		return cancel(r, reason, actor), nil
	}
	return nil, fmt.Errorf("%w: unknown event %q", ErrIllegalTransition, ev.Type)
}

// EventRideOffered tells the requester that the first offer has arrived.
const EventRideOffered = "ride_offered"

func accept(r *models.RideAggregate, a *Assignment) ([]models.RideEvent, error) {
	if a == nil || a.DriverID == "" {
		return nil, fmt.Errorf("%w: accept without a driver", ErrIllegalTransition)
	}
	if len(a.Stops) != 2*len(r.Request.Legs) {
		return nil, fmt.Errorf("%w: %d stops for %d legs", ErrIllegalTransition, len(a.Stops), len(r.Request.Legs))
	}
	stops := append([]models.Stop(nil), a.Stops...)
	for i := range stops {
		stops[i].Index = i
		stops[i].Arrived = false
		stops[i].Completed = false
	}
	r.DriverID = a.DriverID
	r.Stops = stops
	r.TotalFare = a.Fare
	r.PaymentRef = a.PaymentRef
	r.State = models.StateAccepted
	return []models.RideEvent{{
		Type: models.EventRideAccepted,
		Payload: AcceptedPayload{
			DriverID:  a.DriverID,
			TotalFare: a.Fare,
			Stops:     append([]models.Stop(nil), stops...),
		},
	}}, nil
}

// AcceptedPayload rides along with ride_accepted so participants learn the
// stop order and fare split without a follow-up read.
type AcceptedPayload struct {
	DriverID  string        `json:"driver_id"`
	TotalFare int64         `json:"total_fare"`
	Stops     []models.Stop `json:"stops"`
}

func arrive(r *models.RideAggregate, i int) ([]models.RideEvent, error) {
	if i < 0 || i >= len(r.Stops) {
		return nil, fmt.Errorf("%w: no stop %d", ErrIllegalTransition, i)
	}
	boarding := boardingCount(r.Stops)
	if r.State != models.StateInProgress && i >= boarding {
		return nil, fmt.Errorf("%w: stop %d is not a boarding pickup", ErrIllegalTransition, i)
	}
	if r.State == models.StateInProgress && r.Stops[i].Completed {
		return nil, fmt.Errorf("%w: stop %d already completed", ErrIllegalTransition, i)
	}
	for j := 0; j < i; j++ {
		if !r.Stops[j].Arrived {
			return nil, fmt.Errorf("%w: stop %d not reached before %d", ErrOutOfOrderStop, j, i)
		}
	}
	if r.Stops[i].Arrived {
		return nil, nil
	}
	r.Stops[i].Arrived = true
	events := []models.RideEvent{{Type: models.EventDriverArrived, StopIndex: intPtr(i)}}
	if r.State == models.StateInProgress {
		return events, nil
	}

	if allArrived(r.Stops[:boarding]) {
		r.State = models.StateReadyToStart
		events[0].State = models.StateReadyToStart
		events = append(events, models.RideEvent{Type: models.EventReadyToStart})
	} else {
		r.State = models.StateDriverEnroute
	}
	return events, nil
}

func complete(r *models.RideAggregate, i int) ([]models.RideEvent, error) {
	if i < 0 || i >= len(r.Stops) {
		return nil, fmt.Errorf("%w: no stop %d", ErrIllegalTransition, i)
	}
	if r.Stops[i].Completed {
		return nil, nil
	}
	for j := 0; j < i; j++ {
		if !r.Stops[j].Completed {
			return nil, fmt.Errorf("%w: stop %d not completed before %d", ErrOutOfOrderStop, j, i)
		}
	}
	r.Stops[i].Arrived = true
	r.Stops[i].Completed = true
	events := []models.RideEvent{{Type: models.EventStopCompleted, StopIndex: intPtr(i)}}
	if i == len(r.Stops)-1 {
		r.State = models.StateCompleted
		events[0].State = models.StateCompleted
		events = append(events, models.RideEvent{Type: models.EventRideCompleted})
	}
	return events, nil
}

func cancel(r *models.RideAggregate, reason string, actor models.Actor) []models.RideEvent {
	r.State = models.StateCancelled
	r.CancelReason = reason
	r.CancelledBy = actor.ID
	return []models.RideEvent{{Type: models.EventRideCancelled, Reason: reason, ActorID: actor.ID}}
}

func defaultCancelReason(actor models.Actor) string {
	switch actor.Kind {
	case models.KindDriver:
		return models.ReasonDriverCancelled
	case models.KindPassenger:
		return models.ReasonPassengerCancelled
	}
	return models.ReasonRequestExpired
}

func allArrived(stops []models.Stop) bool {
	for _, s := range stops {
		if !s.Arrived {
			return false
		}
	}
	return true
}

func intPtr(i int) *int { return &i }
