package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-coordinator/internal/clock"
	"github.com/example/ride-coordinator/internal/models"
)

var (
	ErrRoundNotFound      = errors.New("offer round not found")
	ErrRoundExists        = errors.New("offer round already open")
	ErrRoundClosed        = errors.New("offer round closed")
	ErrRoundAlreadyClosed = errors.New("offer round already closed")
	ErrAlreadyAccepted    = errors.New("offer already accepted")
	ErrOfferNotFound      = errors.New("offer not found")
	ErrNotCandidate       = errors.New("driver is not a candidate for this ride")
	ErrInvalidOffer       = errors.New("invalid offer")
	ErrNotAccepted        = errors.New("offer round has no accepted offer")
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusAccepted  Status = "accepted"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Expiration is emitted when a round closes on its own timer.
type Expiration struct {
	RideID string
	Reason string
}

// Store persists offers; SaveOffer must be an upsert keyed by offer ID.
type Store interface {
	SaveOffer(ctx context.Context, o models.Offer) error
}

type OfferInput struct {
	RideID      string
	DriverID    string
	CounterFare int64
	Location    models.Coord
}

// Winning is the result of a successful accept.
type Winning struct {
	Offer  models.Offer
	Losers []models.Offer
}

type round struct {
	mu         sync.Mutex
	status     Status
	candidates map[string]struct{}
	offers     map[string]*models.Offer // by driver ID
	winner     string
	timers     []clock.Timer
}

// Ledger holds one offer round per ride. Every round has its own lock and
// closes exactly once.
type Ledger struct {
	mu          sync.RWMutex
	rounds      map[string]*round
	store       Store
	clock       clock.Clock
	maxRound    time.Duration
	expirations chan Expiration
	logger      *slog.Logger
}

type Options struct {
	Store Store
	Clock clock.Clock
	// MaxRoundDuration closes a round with request_expired even if offers
	// are pending. Zero disables the hard deadline.
	MaxRoundDuration time.Duration
	Logger           *slog.Logger
}

func NewLedger(opts Options) *Ledger {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ledger{
		rounds:      make(map[string]*round),
		store:       opts.Store,
		clock:       opts.Clock,
		maxRound:    opts.MaxRoundDuration,
		expirations: make(chan Expiration, 256),
		logger:      opts.Logger,
	}
}

// Expirations delivers rounds closed by a timer.
func (l *Ledger) Expirations() <-chan Expiration { return l.expirations }

// OpenRound starts collecting offers for rideID. An empty candidate set
// accepts offers from any driver. When timeout elapses with no offers the
// round expires with no_drivers_available.
func (l *Ledger) OpenRound(_ context.Context, rideID string, candidates []string, timeout time.Duration) error {
	r := &round{
		status:     StatusOpen,
		candidates: make(map[string]struct{}, len(candidates)),
		offers:     make(map[string]*models.Offer),
	}
	for _, c := range candidates {
		r.candidates[c] = struct{}{}
	}

	l.mu.Lock()
	if old, ok := l.rounds[rideID]; ok {
		old.mu.Lock()
		open := old.status == StatusOpen
		old.mu.Unlock()
		if open {
			l.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrRoundExists, rideID)
		}
	}
	l.rounds[rideID] = r
	l.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if timeout > 0 {
		r.timers = append(r.timers, l.clock.AfterFunc(timeout, func() { l.onTimeout(rideID, r) }))
	}
	if l.maxRound > 0 {
		r.timers = append(r.timers, l.clock.AfterFunc(l.maxRound, func() { l.onDeadline(rideID, r) }))
	}
	return nil
}

func (l *Ledger) onTimeout(rideID string, r *round) {
	r.mu.Lock()
	if r.status != StatusOpen || len(r.offers) > 0 {
		r.mu.Unlock()
		return
	}
	r.status = StatusExpired
	r.mu.Unlock()
	l.logger.Info("offer round expired", "ride_id", rideID, "reason", models.ReasonNoDriversAvailable)
	l.expire(Expiration{RideID: rideID, Reason: models.ReasonNoDriversAvailable})
}

func (l *Ledger) onDeadline(rideID string, r *round) {
	r.mu.Lock()
	if r.status != StatusOpen {
		r.mu.Unlock()
		return
	}
	r.status = StatusExpired
	closed := r.closeOffers()
	r.mu.Unlock()
	l.persist(context.Background(), closed)
	l.logger.Info("offer round expired", "ride_id", rideID, "reason", models.ReasonRequestExpired, "offers", len(closed))
	l.expire(Expiration{RideID: rideID, Reason: models.ReasonRequestExpired})
}

// expire hands e to the consumer without blocking the timer goroutine.
func (l *Ledger) expire(e Expiration) {
	select {
	case l.expirations <- e:
	default:
		l.logger.Error("expiration dropped, no consumer", "ride_id", e.RideID, "reason", e.Reason)
	}
}

// SubmitOffer records a driver's counter fare. A driver resubmitting keeps
// the same offer ID; fare, location and submission time are replaced.
func (l *Ledger) SubmitOffer(ctx context.Context, in OfferInput) (models.Offer, error) {
	if in.DriverID == "" || in.CounterFare <= 0 {
		return models.Offer{}, fmt.Errorf("%w: driver %q fare %d", ErrInvalidOffer, in.DriverID, in.CounterFare)
	}
	r := l.round(in.RideID)
	if r == nil {
		return models.Offer{}, fmt.Errorf("%w: %s", ErrRoundNotFound, in.RideID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusOpen {
		return models.Offer{}, fmt.Errorf("%w: ride %s is %s", ErrRoundClosed, in.RideID, r.status)
	}
	if len(r.candidates) > 0 {
		if _, ok := r.candidates[in.DriverID]; !ok {
			return models.Offer{}, fmt.Errorf("%w: %s", ErrNotCandidate, in.DriverID)
		}
	}

	next := models.Offer{
		ID:          uuid.NewString(),
		RideID:      in.RideID,
		DriverID:    in.DriverID,
		CounterFare: in.CounterFare,
		Location:    in.Location,
		SubmittedAt: l.clock.Now(),
		Status:      models.OfferPending,
	}
	if prev, ok := r.offers[in.DriverID]; ok {
		next.ID = prev.ID
	}
	if l.store != nil {
		if err := l.store.SaveOffer(ctx, next); err != nil {
			return models.Offer{}, fmt.Errorf("persist offer %s: %w", next.ID, err)
		}
	}
	r.offers[in.DriverID] = &next
	return next, nil
}

// AcceptOffer closes the round with offerID as the winner. Only one caller
// can win; the rest get ErrRoundAlreadyClosed. An unknown offer leaves the
// round open.
func (l *Ledger) AcceptOffer(ctx context.Context, rideID, offerID string) (Winning, error) {
	r := l.round(rideID)
	if r == nil {
		return Winning{}, fmt.Errorf("%w: %s", ErrRoundNotFound, rideID)
	}
	r.mu.Lock()
	if r.status != StatusOpen {
		st := r.status
		r.mu.Unlock()
		return Winning{}, fmt.Errorf("%w: ride %s is %s", ErrRoundAlreadyClosed, rideID, st)
	}
	var won *models.Offer
	for _, o := range r.offers {
		if o.ID == offerID {
			won = o
			break
		}
	}
	if won == nil {
		r.mu.Unlock()
		return Winning{}, fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
	}
	r.status = StatusAccepted
	r.winner = offerID
	closed := r.closeOffers()
	r.mu.Unlock()

	l.persist(ctx, closed)
	w := Winning{Losers: make([]models.Offer, 0, len(closed)-1)}
	for _, o := range sortOffers(closed) {
		if o.ID == offerID {
			w.Offer = o
		} else {
			w.Losers = append(w.Losers, o)
		}
	}
	return w, nil
}

// Abort reverts a won round to cancelled when the accept could not be
// applied to the ride. Every offer, the former winner included, is closed
// and returned cheapest first.
func (l *Ledger) Abort(ctx context.Context, rideID string) ([]models.Offer, error) {
	r := l.round(rideID)
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoundNotFound, rideID)
	}
	r.mu.Lock()
	if r.status != StatusAccepted {
		st := r.status
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: ride %s is %s", ErrNotAccepted, rideID, st)
	}
	r.status = StatusCancelled
	r.winner = ""
	closed := r.closeOffers()
	r.mu.Unlock()
	l.persist(ctx, closed)
	return sortOffers(closed), nil
}

// CancelRound closes an open round without a winner. Cancelling a round that
// is already cancelled or expired is a no-op; a round that was already won
// returns ErrAlreadyAccepted.
func (l *Ledger) CancelRound(ctx context.Context, rideID string) error {
	r := l.round(rideID)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrRoundNotFound, rideID)
	}
	r.mu.Lock()
	switch r.status {
	case StatusAccepted:
		r.mu.Unlock()
		return fmt.Errorf("%w: ride %s", ErrAlreadyAccepted, rideID)
	case StatusCancelled, StatusExpired:
		r.mu.Unlock()
		return nil
	}
	r.status = StatusCancelled
	closed := r.closeOffers()
	r.mu.Unlock()
	l.persist(ctx, closed)
	return nil
}

// ListOffers returns the round's offers, cheapest first, then earliest.
func (l *Ledger) ListOffers(rideID string) ([]models.Offer, error) {
	r := l.round(rideID)
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoundNotFound, rideID)
	}
	r.mu.Lock()
	out := make([]models.Offer, 0, len(r.offers))
	for _, o := range r.offers {
		out = append(out, *o)
	}
	r.mu.Unlock()
	return sortOffers(out), nil
}

// Status reports the round's state.
func (l *Ledger) Status(rideID string) (Status, error) {
	r := l.round(rideID)
	if r == nil {
		return "", fmt.Errorf("%w: %s", ErrRoundNotFound, rideID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, nil
}

// Forget drops a closed round.
func (l *Ledger) Forget(rideID string) {
	l.mu.Lock()
	r, ok := l.rounds[rideID]
	if ok {
		r.mu.Lock()
		if r.status == StatusOpen {
			ok = false
		}
		r.mu.Unlock()
	}
	if ok {
		delete(l.rounds, rideID)
	}
	l.mu.Unlock()
}

func (l *Ledger) round(rideID string) *round {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rounds[rideID]
}

func (l *Ledger) persist(ctx context.Context, offers []models.Offer) {
	if l.store == nil {
		return
	}
	for _, o := range offers {
		if err := l.store.SaveOffer(ctx, o); err != nil {
			l.logger.Error("persist offer status", "offer_id", o.ID, "ride_id", o.RideID, "error", err)
		}
	}
}

// closeOffers stops the timers and settles offer statuses. Caller holds r.mu.
func (r *round) closeOffers() []models.Offer {
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
	out := make([]models.Offer, 0, len(r.offers))
	for _, o := range r.offers {
		if o.ID == r.winner {
			o.Status = models.OfferAccepted
		} else {
			o.Status = models.OfferClosed
		}
		out = append(out, *o)
	}
	return out
}

func sortOffers(offers []models.Offer) []models.Offer {
	sort.Slice(offers, func(i, j int) bool {
		a, b := offers[i], offers[j]
		if a.CounterFare != b.CounterFare {
			return a.CounterFare < b.CounterFare
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.DriverID < b.DriverID
	})
	return offers
}
