// Package coordinator runs the ride flow: it takes requests into the state
// machine, opens offer rounds for matched drivers, resolves accepts and
// relays every resulting event.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-coordinator/internal/clock"
	"github.com/example/ride-coordinator/internal/dispatch"
	"github.com/example/ride-coordinator/internal/eta"
	"github.com/example/ride-coordinator/internal/fare"
	"github.com/example/ride-coordinator/internal/matcher"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/offers"
	"github.com/example/ride-coordinator/internal/ride"
	"github.com/example/ride-coordinator/internal/sequencer"
	"github.com/example/ride-coordinator/internal/session"
)

// ErrNotParticipant is returned when an actor acts on a ride that is not theirs.
var ErrNotParticipant = errors.New("actor is not a participant of this ride")

// Payments holds a ride's fare on accept and settles it at the end.
type Payments interface {
	Hold(ctx context.Context, rideID string, amount int64, customerID string) (string, error)
	Capture(ctx context.Context, ref string) error
	Cancel(ctx context.Context, ref string) error
}

// EventPublisher appends lifecycle events to an external stream.
type EventPublisher interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

type Router interface {
	Estimate(ctx context.Context, from, to models.Coord) eta.Estimate
}

type Deps struct {
	Machine   *ride.Machine
	Ledger    *offers.Ledger
	Broker    *dispatch.Broker
	Sessions  *session.Registry
	Matcher   *matcher.Service
	Sequencer *sequencer.Sequencer
	Fares     *fare.Estimator
	Router    Router
	Geocoder  eta.Geocoder   // optional
	Payments  Payments       // optional
	Events    EventPublisher // optional
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Config struct {
	OfferTimeout      time.Duration
	DriverGracePeriod time.Duration
	// RideRetention keeps terminal rides readable before they are dropped
	// from memory. Zero keeps them forever.
	RideRetention time.Duration
}

type Coordinator struct {
	Deps
	cfg Config

	mu      sync.Mutex
	drivers map[string]string // driver ID -> active ride ID
	grace   map[string]clock.Timer
}

func New(d Deps, cfg Config) *Coordinator {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Fares == nil {
		d.Fares = fare.NewEstimator(nil)
	}
	if d.Router == nil {
		d.Router = &eta.Router{}
	}
	if d.Sequencer == nil {
		d.Sequencer = sequencer.New(d.Router)
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = 30 * time.Second
	}
	if cfg.DriverGracePeriod <= 0 {
		cfg.DriverGracePeriod = time.Minute
	}
	c := &Coordinator{
		Deps:    d,
		cfg:     cfg,
		drivers: make(map[string]string),
		grace:   make(map[string]clock.Timer),
	}
	if d.Sessions != nil {
		d.Sessions.Watch(c.onSessionChange)
	}
	return c
}

// RequestResult is what the requester learns right after asking for a ride.
type RequestResult struct {
	Ride       *models.RideAggregate `json:"ride"`
	Candidates []matcher.Candidate   `json:"candidates"`
	Reached    int                   `json:"reached"`
}

// RequestRide creates the ride, opens its offer round and broadcasts it to
// the matched drivers. With no candidates the round simply times out.
func (c *Coordinator) RequestRide(ctx context.Context, req models.RideRequest) (RequestResult, error) {
	if req.VehicleClass == "" {
		req.VehicleClass = models.VehicleEconomy
	}
	if !c.Fares.Known(req.VehicleClass) {
		return RequestResult{}, fmt.Errorf("%w: %q", fare.ErrUnknownClass, req.VehicleClass)
	}
	if err := c.geocode(ctx, &req); err != nil {
		return RequestResult{}, err
	}
	if err := ride.Validate(req); err != nil {
		return RequestResult{}, err
	}

	var estimate int64
	for _, l := range req.Legs {
		e := c.Router.Estimate(ctx, l.Pickup.Coord, l.Dropoff.Coord)
		f, err := c.Fares.Estimate(e.DistanceMeters, e.DurationSeconds, req.VehicleClass)
		if err != nil {
			return RequestResult{}, err
		}
		estimate += f
	}

	req.ID = uuid.NewString()
	r, err := c.Machine.Create(ctx, req, estimate)
	if err != nil {
		return RequestResult{}, err
	}

	cands := c.Matcher.Candidates(ctx, r.Request.Legs[0].Pickup.Coord)
	ids := matcher.IDs(cands)
	if err := c.Ledger.OpenRound(ctx, r.ID, ids, c.cfg.OfferTimeout); err != nil {
		return RequestResult{}, fmt.Errorf("open offer round: %w", err)
	}
	b := c.Broker.BroadcastRequest(ctx, r, ids)

	observability.RidesRequested.WithLabelValues(string(r.Request.Mode)).Inc()
	c.publish(ctx, models.RideEvent{Type: models.EventRideRequested, RideID: r.ID, State: r.State, Version: r.Version, At: r.CreatedAt, ActorID: r.Request.RequesterID()})
	c.Logger.Info("ride requested", "ride_id", r.ID, "candidates", len(ids), "reached", len(b.Delivered), "estimated_fare", estimate)
	return RequestResult{Ride: r, Candidates: cands, Reached: len(b.Delivered)}, nil
}

// SubmitOffer records a driver's counter fare and relays it to the requester.
func (c *Coordinator) SubmitOffer(ctx context.Context, rideID string, driver models.Actor, counterFare int64, loc models.Coord) (models.Offer, error) {
	if driver.Kind != models.KindDriver {
		return models.Offer{}, fmt.Errorf("%w: only drivers submit offers", ErrNotParticipant)
	}
	r, err := c.Machine.Get(rideID)
	if err != nil {
		return models.Offer{}, err
	}
	if !r.State.Matching() {
		return models.Offer{}, fmt.Errorf("%w: ride %s is %s", offers.ErrRoundClosed, rideID, r.State)
	}
	o, err := c.Ledger.SubmitOffer(ctx, offers.OfferInput{RideID: rideID, DriverID: driver.ID, CounterFare: counterFare, Location: loc})
	if err != nil {
		return models.Offer{}, err
	}
	observability.OffersSubmitted.Inc()

	// The offer is on record once the ledger has it; a failed ride update
	// does not take it back.
	next, events, err := c.Machine.Transition(ctx, rideID, ride.Event{Type: ride.OfferReceived}, driver)
	if err != nil {
		c.Logger.Error("offer recorded but ride not updated", "ride_id", rideID, "offer_id", o.ID, "error", err)
		if cur, gerr := c.Machine.Get(rideID); gerr == nil && cur.State.Matching() {
			_ = c.Broker.RelayOffer(ctx, cur, o)
		}
		return o, nil
	}
	c.emit(ctx, next, events)
	_ = c.Broker.RelayOffer(ctx, next, o)
	return o, nil
}

// AcceptOffer closes the round for offerID, sequences the stops and moves
// the ride to accepted. Losing a race with another accept or a cancel
// surfaces as offers.ErrRoundAlreadyClosed.
func (c *Coordinator) AcceptOffer(ctx context.Context, rideID, offerID string, actor models.Actor) (*models.RideAggregate, error) {
	r, err := c.Machine.Get(rideID)
	if err != nil {
		return nil, err
	}
	if actor.Kind != models.KindSystem && actor.ID != r.Request.RequesterID() {
		return nil, fmt.Errorf("%w: only the requester accepts offers", ErrNotParticipant)
	}
	w, err := c.Ledger.AcceptOffer(ctx, rideID, offerID)
	if err != nil {
		if errors.Is(err, offers.ErrRoundAlreadyClosed) {
			observability.AcceptConflicts.Inc()
			c.Logger.Info("accept lost race", "ride_id", rideID, "offer_id", offerID)
		}
		return nil, err
	}

	stops, err := c.plan(ctx, r, w.Offer.CounterFare)
	if err != nil {
		c.abortAccept(ctx, rideID)
		return nil, err
	}
	var ref string
	if c.Payments != nil {
		ref, err = c.Payments.Hold(ctx, rideID, w.Offer.CounterFare, r.Request.RequesterID())
		if err != nil {
			c.Logger.Error("payment hold failed", "ride_id", rideID, "error", err)
		}
	}

	assignment := &ride.Assignment{DriverID: w.Offer.DriverID, Fare: w.Offer.CounterFare, Stops: stops, PaymentRef: ref}
	r, events, err := c.Machine.Transition(ctx, rideID, ride.Event{Type: ride.OfferAccepted, Assignment: assignment}, actor)
	if err != nil {
		c.Logger.Error("accepted offer could not be applied", "ride_id", rideID, "offer_id", offerID, "error", err)
		c.releasePayment(ctx, rideID, ref)
		c.abortAccept(ctx, rideID)
		return nil, err
	}

	c.assign(w.Offer.DriverID, rideID)
	c.Broker.RelayDecision(ctx, r, w.Offer, w.Losers)
	c.emit(ctx, r, events)
	c.Logger.Info("offer accepted", "ride_id", rideID, "driver_id", w.Offer.DriverID, "fare", w.Offer.CounterFare, "losers", len(w.Losers))
	return r, nil
}

// abortAccept unwinds a round the ledger awarded but the ride never took:
// the round is cancelled, the ride is cancelled with accept_failed and every
// offering driver hears the ride is gone.
func (c *Coordinator) abortAccept(ctx context.Context, rideID string) {
	withdrawn, err := c.Ledger.Abort(ctx, rideID)
	if err != nil {
		c.Logger.Error("abort accepted round failed", "ride_id", rideID, "error", err)
		return
	}
	r, events, err := c.Machine.Cancel(ctx, rideID, models.SystemActor, models.ReasonAcceptFailed)
	if err != nil {
		// the round is cancelled, so a later participant cancel still closes the ride
		c.Logger.Error("cancel after failed accept", "ride_id", rideID, "error", err)
		if cur, gerr := c.Machine.Get(rideID); gerr == nil {
			c.Broker.RelayWithdrawn(ctx, cur, withdrawn)
		}
		return
	}
	c.Broker.RelayWithdrawn(ctx, r, withdrawn)
	c.emit(ctx, r, events)
}

// plan orders the stops and puts each passenger's share of total on their
// drop-off, weighted by leg distance.
func (c *Coordinator) plan(ctx context.Context, r *models.RideAggregate, total int64) ([]models.Stop, error) {
	p, err := c.Sequencer.Sequence(ctx, r.Request.Legs)
	if err != nil {
		return nil, err
	}
	legs := r.Request.Legs
	weights := make([]float64, len(legs))
	for i, l := range legs {
		weights[i] = c.Router.Estimate(ctx, l.Pickup.Coord, l.Dropoff.Coord).DistanceMeters
	}
	shares := fare.Split(total, weights)
	byPassenger := make(map[string]int64, len(legs))
	for i, l := range legs {
		byPassenger[l.PassengerID] = shares[i]
	}
	for i := range p.Stops {
		if p.Stops[i].Type == models.StopDropoff {
			p.Stops[i].FareShare = byPassenger[p.Stops[i].PassengerID]
		}
	}
	return p.Stops, nil
}

func (c *Coordinator) GetRide(rideID string) (*models.RideAggregate, error) {
	return c.Machine.Get(rideID)
}

func (c *Coordinator) ListOffers(rideID string) ([]models.Offer, error) {
	if _, err := c.Machine.Get(rideID); err != nil {
		return nil, err
	}
	return c.Ledger.ListOffers(rideID)
}

func (c *Coordinator) geocode(ctx context.Context, req *models.RideRequest) error {
	for i := range req.Legs {
		for _, p := range []*models.Place{&req.Legs[i].Pickup, &req.Legs[i].Dropoff} {
			if !p.IsZero() || p.Address == "" || c.Geocoder == nil {
				continue
			}
			coord, err := c.Geocoder.Geocode(ctx, p.Address)
			if err != nil {
				return fmt.Errorf("%w: geocode %q: %v", ride.ErrInvalidLegs, p.Address, err)
			}
			p.Coord = coord
		}
	}
	return nil
}
