package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/offers"
	"github.com/example/ride-coordinator/internal/ride"
)

func (c *Coordinator) DriverArrived(ctx context.Context, rideID string, stop int, actor models.Actor) (*models.RideAggregate, error) {
	return c.driverTransition(ctx, rideID, ride.Event{Type: ride.DriverArrived, StopIndex: stop}, actor)
}

func (c *Coordinator) StartRide(ctx context.Context, rideID string, actor models.Actor) (*models.RideAggregate, error) {
	return c.driverTransition(ctx, rideID, ride.Event{Type: ride.Start}, actor)
}

// CompleteStop marks a stop done. Completing the last stop completes the
// ride and captures the held payment.
func (c *Coordinator) CompleteStop(ctx context.Context, rideID string, stop int, actor models.Actor) (*models.RideAggregate, error) {
	r, err := c.driverTransition(ctx, rideID, ride.Event{Type: ride.StopCompleted, StopIndex: stop}, actor)
	if err != nil || r.State != models.StateCompleted {
		return r, err
	}
	if c.Payments != nil && r.PaymentRef != "" {
		if err := c.Payments.Capture(ctx, r.PaymentRef); err != nil {
			c.Logger.Error("payment capture failed", "ride_id", rideID, "error", err)
		}
	}
	return r, nil
}

func (c *Coordinator) driverTransition(ctx context.Context, rideID string, ev ride.Event, actor models.Actor) (*models.RideAggregate, error) {
	cur, err := c.Machine.Get(rideID)
	if err != nil {
		return nil, err
	}
	if actor.Kind != models.KindSystem && (actor.Kind != models.KindDriver || actor.ID != cur.DriverID) {
		return nil, fmt.Errorf("%w: %s is not the assigned driver", ErrNotParticipant, actor.ID)
	}
	r, events, err := c.Machine.Transition(ctx, rideID, ev, actor)
	if err != nil {
		return nil, err
	}
	c.emit(ctx, r, events)
	return r, nil
}

// Cancel cancels a ride on behalf of a participant. While offers are still
// being collected the round is closed first; if an accept already won it the
// caller gets offers.ErrAlreadyAccepted and may retry to cancel the accepted
// ride.
func (c *Coordinator) Cancel(ctx context.Context, rideID string, actor models.Actor, reason string) (*models.RideAggregate, error) {
	cur, err := c.Machine.Get(rideID)
	if err != nil {
		return nil, err
	}
	if actor.Kind != models.KindSystem && !isParticipant(cur, actor.ID) {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, actor.ID)
	}
	var withdrawn []models.Offer
	if cur.State.Matching() {
		if err := c.Ledger.CancelRound(ctx, rideID); err != nil && !errors.Is(err, offers.ErrRoundNotFound) {
			return nil, err
		}
		withdrawn, _ = c.Ledger.ListOffers(rideID)
	}
	r, events, err := c.Machine.Cancel(ctx, rideID, actor, reason)
	if err != nil {
		return nil, err
	}
	c.Broker.RelayWithdrawn(ctx, r, withdrawn)
	c.emit(ctx, r, events)
	return r, nil
}

// expire applies a ledger timeout to the ride.
func (c *Coordinator) expire(ctx context.Context, e offers.Expiration) {
	observability.RoundsExpired.WithLabelValues(e.Reason).Inc()
	r, events, err := c.Machine.Transition(ctx, e.RideID, ride.Event{Type: ride.Expire, Reason: e.Reason}, models.SystemActor)
	if err != nil {
		c.Logger.Info("expiration ignored", "ride_id", e.RideID, "reason", e.Reason, "error", err)
		return
	}
	if list, err := c.Ledger.ListOffers(e.RideID); err == nil {
		c.Broker.RelayWithdrawn(ctx, r, list)
	}
	c.emit(ctx, r, events)
}

// emit delivers events that the state machine has already persisted.
func (c *Coordinator) emit(ctx context.Context, r *models.RideAggregate, events []models.RideEvent) {
	for _, ev := range events {
		c.Broker.RelayLifecycleEvent(ctx, r, ev)
		c.publish(ctx, ev)
		switch ev.Type {
		case models.EventRideCancelled:
			observability.RidesCancelled.WithLabelValues(ev.Reason).Inc()
			c.releasePayment(ctx, r.ID, r.PaymentRef)
		case models.EventRideCompleted:
			observability.RidesCompleted.Inc()
		}
	}
	if r.State.Terminal() {
		c.finish(r)
	}
}

func (c *Coordinator) publish(ctx context.Context, ev models.RideEvent) {
	if c.Events == nil {
		return
	}
	if err := c.Events.PublishRideEvent(ctx, ev); err != nil {
		c.Logger.Warn("publish ride event failed", "ride_id", ev.RideID, "type", ev.Type, "error", err)
	}
}

func (c *Coordinator) releasePayment(ctx context.Context, rideID, ref string) {
	if c.Payments == nil || ref == "" {
		return
	}
	if err := c.Payments.Cancel(ctx, ref); err != nil {
		c.Logger.Error("payment release failed", "ride_id", rideID, "error", err)
	}
}

// finish releases the driver once a ride is terminal. The ride and its
// offers stay readable for RideRetention.
func (c *Coordinator) finish(r *models.RideAggregate) {
	if r.DriverID != "" {
		c.unassign(r.DriverID, r.ID)
	}
	c.Logger.Info("ride finished", "ride_id", r.ID, "state", r.State, "reason", r.CancelReason)
	if c.cfg.RideRetention > 0 {
		id := r.ID
		c.Clock.AfterFunc(c.cfg.RideRetention, func() {
			c.Machine.Forget(id)
			c.Ledger.Forget(id)
			c.Broker.Forget(id)
		})
	}
}

func isParticipant(r *models.RideAggregate, id string) bool {
	for _, p := range r.Participants() {
		if p == id {
			return true
		}
	}
	return false
}
