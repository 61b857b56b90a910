// Package dispatch delivers ride traffic to participants: request
// broadcasts, offers, decisions and lifecycle events.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/session"
)

// Sessions resolves a participant to a live channel.
type Sessions interface {
	Lookup(id string) (session.Channel, error)
}

// Broadcast reports which candidates a request reached.
type Broadcast struct {
	Delivered []string
	Skipped   []string
}

// RequestPayload is what candidate drivers see for a new request.
type RequestPayload struct {
	Mode          models.Mode         `json:"mode"`
	VehicleClass  models.VehicleClass `json:"vehicle_class"`
	Legs          []models.Leg        `json:"legs"`
	EstimatedFare int64               `json:"estimated_fare"`
	RequestedFare *int64              `json:"requested_fare,omitempty"`
}

type Broker struct {
	sessions Sessions
	notifier Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	decided map[string]map[string]struct{}
}

// NewBroker returns a broker. notifier may be nil, in which case participants
// without a session miss lifecycle events.
func NewBroker(sessions Sessions, notifier Notifier, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		sessions: sessions,
		notifier: notifier,
		logger:   logger,
		decided:  make(map[string]map[string]struct{}),
	}
}

// BroadcastRequest pushes the ride to every reachable candidate. Drivers
// without a session are skipped; nothing is queued for them.
func (b *Broker) BroadcastRequest(ctx context.Context, ride *models.RideAggregate, candidates []string) Broadcast {
	msg := session.Message{
		Type:   models.EventRideRequested,
		RideID: ride.ID,
		Payload: RequestPayload{
			Mode:          ride.Request.Mode,
			VehicleClass:  ride.Request.VehicleClass,
			Legs:          ride.Request.Legs,
			EstimatedFare: ride.EstimatedFare,
			RequestedFare: ride.Request.RequestedFare,
		},
	}
	var out Broadcast
	for _, id := range candidates {
		if err := b.send(ctx, id, msg); err != nil {
			observability.BroadcastSkipped.Inc()
			b.logger.Info("broadcast skipped", "ride_id", ride.ID, "driver_id", id, "error", err)
			out.Skipped = append(out.Skipped, id)
			continue
		}
		out.Delivered = append(out.Delivered, id)
	}
	return out
}

// RelayOffer forwards an offer to the requesting passenger when they are
// connected. Offers are not pushed; the passenger can list them later.
func (b *Broker) RelayOffer(ctx context.Context, ride *models.RideAggregate, offer models.Offer) error {
	requester := ride.Request.RequesterID()
	err := b.send(ctx, requester, session.Message{Type: models.EventOfferReceived, RideID: ride.ID, Payload: offer})
	if err != nil {
		b.logger.Info("offer not relayed", "ride_id", ride.ID, "passenger_id", requester, "offer_id", offer.ID, "error", err)
	}
	return err
}

// RelayDecision confirms the winner and tells every loser the ride is gone.
// Each driver hears about a ride's decision at most once.
func (b *Broker) RelayDecision(ctx context.Context, ride *models.RideAggregate, winner models.Offer, losers []models.Offer) {
	if b.claim(ride.ID, winner.DriverID) {
		b.deliver(ctx, winner.DriverID, session.Message{Type: models.EventRideConfirmed, RideID: ride.ID, Payload: ride})
	}
	b.RelayWithdrawn(ctx, ride, losers)
}

// RelayWithdrawn tells drivers holding offers that the ride is no longer
// available, e.g. after a cancellation or expiry. It shares RelayDecision's
// once-per-driver guarantee.
func (b *Broker) RelayWithdrawn(ctx context.Context, ride *models.RideAggregate, offers []models.Offer) {
	for _, o := range offers {
		if !b.claim(ride.ID, o.DriverID) {
			continue
		}
		b.deliver(ctx, o.DriverID, session.Message{Type: models.EventRideUnavailable, RideID: ride.ID, Payload: map[string]string{"offer_id": o.ID}})
	}
}

// RelayLifecycleEvent sends ev to the driver and every passenger.
func (b *Broker) RelayLifecycleEvent(ctx context.Context, ride *models.RideAggregate, ev models.RideEvent) {
	msg := session.Message{Type: ev.Type, RideID: ride.ID, Payload: ev}
	for _, id := range ride.Participants() {
		b.deliver(ctx, id, msg)
	}
}

// Forget drops per-ride de-duplication state.
func (b *Broker) Forget(rideID string) {
	b.mu.Lock()
	delete(b.decided, rideID)
	b.mu.Unlock()
}

func (b *Broker) claim(rideID, driverID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen, ok := b.decided[rideID]
	if !ok {
		seen = make(map[string]struct{})
		b.decided[rideID] = seen
	}
	if _, dup := seen[driverID]; dup {
		return false
	}
	seen[driverID] = struct{}{}
	return true
}

func (b *Broker) send(ctx context.Context, id string, msg session.Message) error {
	ch, err := b.sessions.Lookup(id)
	if err != nil {
		return err
	}
	return ch.Send(ctx, msg)
}

// deliver tries the live session first and falls back to the notifier.
// Failures are logged and never retried.
func (b *Broker) deliver(ctx context.Context, id string, msg session.Message) {
	err := b.send(ctx, id, msg)
	if err == nil {
		return
	}
	if !errors.Is(err, session.ErrParticipantUnreachable) {
		b.logger.Warn("session send failed", "participant_id", id, "ride_id", msg.RideID, "type", msg.Type, "error", err)
	}
	if b.notifier == nil {
		b.logger.Info("participant unreachable", "participant_id", id, "ride_id", msg.RideID, "type", msg.Type)
		return
	}
	if err := b.notifier.Notify(ctx, id, msg); err != nil {
		b.logger.Warn("push notification failed", "participant_id", id, "ride_id", msg.RideID, "type", msg.Type, "error", err)
		return
	}
	observability.PushFallbacks.Inc()
}
