package offers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-coordinator/internal/clock"
	"github.com/example/ride-coordinator/internal/models"
)

type memStore struct {
	mu     sync.Mutex
	offers map[string]models.Offer
}

func (m *memStore) SaveOffer(_ context.Context, o models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offers == nil {
		m.offers = make(map[string]models.Offer)
	}
	m.offers[o.ID] = o
	return nil
}

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newLedger(store Store, clk clock.Clock, maxRound time.Duration) *Ledger {
	return NewLedger(Options{
		Store:            store,
		Clock:            clk,
		MaxRoundDuration: maxRound,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func submit(t *testing.T, l *Ledger, driver string, fare int64) models.Offer {
	t.Helper()
	o, err := l.SubmitOffer(context.Background(), OfferInput{RideID: "r1", DriverID: driver, CounterFare: fare})
	if err != nil {
		t.Fatalf("submit %s: %v", driver, err)
	}
	return o
}

func TestAcceptExactlyOneWinner(t *testing.T) {
	l := newLedger(nil, clock.NewFake(t0), 0)
	ctx := context.Background()
	if err := l.OpenRound(ctx, "r1", nil, time.Minute); err != nil {
		t.Fatal(err)
	}
	ids := []string{submit(t, l, "d1", 100).ID, submit(t, l, "d2", 110).ID, submit(t, l, "d3", 120).ID}

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []Winning
	conflicts := 0
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			w, err := l.AcceptOffer(ctx, "r1", ids[i%len(ids)])
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, w)
			case errors.Is(err, ErrRoundAlreadyClosed):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", n-1, len(winners), conflicts)
	}
	w := winners[0]
	if w.Offer.Status != models.OfferAccepted || len(w.Losers) != 2 {
		t.Fatalf("unexpected winning %+v", w)
	}
	for _, o := range w.Losers {
		if o.Status != models.OfferClosed {
			t.Fatalf("loser %s not closed", o.DriverID)
		}
	}
}

// Three drivers offer 120, 100 and 110; the list comes back cheapest first
// and accepting the cheapest closes the other two.
func TestListOffersAndAcceptRoundTrip(t *testing.T) {
	fake := clock.NewFake(t0)
	store := &memStore{}
	l := newLedger(store, fake, 0)
	ctx := context.Background()
	if err := l.OpenRound(ctx, "r1", []string{"d1", "d2", "d3"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	submit(t, l, "d1", 120)
	fake.Advance(time.Second)
	cheapest := submit(t, l, "d2", 100)
	fake.Advance(time.Second)
	submit(t, l, "d3", 110)

	list, err := l.ListOffers("r1")
	if err != nil {
		t.Fatal(err)
	}
	got := []int64{list[0].CounterFare, list[1].CounterFare, list[2].CounterFare}
	if got[0] != 100 || got[1] != 110 || got[2] != 120 {
		t.Fatalf("unexpected order %v", got)
	}
	for _, o := range list {
		if o.Status != models.OfferPending {
			t.Fatalf("open round offer %s is %s", o.DriverID, o.Status)
		}
	}

	w, err := l.AcceptOffer(ctx, "r1", cheapest.ID)
	if err != nil {
		t.Fatal(err)
	}
	if w.Offer.DriverID != "d2" || w.Offer.CounterFare != 100 {
		t.Fatalf("unexpected winner %+v", w.Offer)
	}
	if len(w.Losers) != 2 || w.Losers[0].DriverID != "d3" || w.Losers[1].DriverID != "d1" {
		t.Fatalf("unexpected losers %+v", w.Losers)
	}

	list, _ = l.ListOffers("r1")
	for _, o := range list {
		want := models.OfferClosed
		if o.ID == cheapest.ID {
			want = models.OfferAccepted
		}
		if o.Status != want {
			t.Fatalf("offer %s: want %s got %s", o.DriverID, want, o.Status)
		}
		if store.offers[o.ID].Status != want {
			t.Fatalf("stored offer %s: want %s got %s", o.DriverID, want, store.offers[o.ID].Status)
		}
	}

	if _, err := l.SubmitOffer(ctx, OfferInput{RideID: "r1", DriverID: "d1", CounterFare: 90}); !errors.Is(err, ErrRoundClosed) {
		t.Fatalf("expected ErrRoundClosed, got %v", err)
	}
	if fake.Pending() != 0 {
		t.Fatalf("timers should be stopped after accept, %d pending", fake.Pending())
	}
}

func TestListOrderTieBreaks(t *testing.T) {
	fake := clock.NewFake(t0)
	l := newLedger(nil, fake, 0)
	if err := l.OpenRound(context.Background(), "r1", nil, 0); err != nil {
		t.Fatal(err)
	}
	submit(t, l, "d9", 100)
	submit(t, l, "d1", 100)
	fake.Advance(time.Second)
	submit(t, l, "d0", 100)

	list, _ := l.ListOffers("r1")
	if list[0].DriverID != "d1" || list[1].DriverID != "d9" || list[2].DriverID != "d0" {
		t.Fatalf("unexpected order %s %s %s", list[0].DriverID, list[1].DriverID, list[2].DriverID)
	}
}

func TestResubmitKeepsOfferID(t *testing.T) {
	fake := clock.NewFake(t0)
	l := newLedger(nil, fake, 0)
	if err := l.OpenRound(context.Background(), "r1", nil, time.Minute); err != nil {
		t.Fatal(err)
	}
	first := submit(t, l, "d1", 150)
	fake.Advance(5 * time.Second)
	second := submit(t, l, "d1", 130)
	if first.ID != second.ID {
		t.Fatalf("resubmission changed the offer ID")
	}
	if !second.SubmittedAt.After(first.SubmittedAt) || second.CounterFare != 130 {
		t.Fatalf("resubmission did not replace the offer: %+v", second)
	}
	list, _ := l.ListOffers("r1")
	if len(list) != 1 {
		t.Fatalf("expected one offer per driver, got %d", len(list))
	}
}

func TestSubmitRejections(t *testing.T) {
	l := newLedger(nil, clock.NewFake(t0), 0)
	ctx := context.Background()
	if _, err := l.SubmitOffer(ctx, OfferInput{RideID: "nope", DriverID: "d1", CounterFare: 10}); !errors.Is(err, ErrRoundNotFound) {
		t.Fatalf("expected ErrRoundNotFound, got %v", err)
	}
	if err := l.OpenRound(ctx, "r1", []string{"d1"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := l.OpenRound(ctx, "r1", nil, time.Minute); !errors.Is(err, ErrRoundExists) {
		t.Fatalf("expected ErrRoundExists, got %v", err)
	}
	if _, err := l.SubmitOffer(ctx, OfferInput{RideID: "r1", DriverID: "d2", CounterFare: 10}); !errors.Is(err, ErrNotCandidate) {
		t.Fatalf("expected ErrNotCandidate, got %v", err)
	}
	if _, err := l.SubmitOffer(ctx, OfferInput{RideID: "r1", DriverID: "d1", CounterFare: 0}); !errors.Is(err, ErrInvalidOffer) {
		t.Fatalf("expected ErrInvalidOffer, got %v", err)
	}
	if _, err := l.AcceptOffer(ctx, "r1", "missing"); !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("expected ErrOfferNotFound, got %v", err)
	}
	if st, _ := l.Status("r1"); st != StatusOpen {
		t.Fatalf("unknown offer must leave the round open, got %s", st)
	}
}

// Nobody offers before the timeout: the round expires with
// no_drivers_available and later offers are refused.
func TestTimeoutWithoutOffersExpires(t *testing.T) {
	fake := clock.NewFake(t0)
	l := newLedger(nil, fake, 0)
	ctx := context.Background()
	if err := l.OpenRound(ctx, "r1", []string{"d1"}, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	fake.Advance(29 * time.Second)
	select {
	case e := <-l.Expirations():
		t.Fatalf("expired early: %+v", e)
	default:
	}
	fake.Advance(time.Second)
	select {
	case e := <-l.Expirations():
		if e.RideID != "r1" || e.Reason != models.ReasonNoDriversAvailable {
			t.Fatalf("unexpected expiration %+v", e)
		}
	default:
		t.Fatalf("expected expiration")
	}
	if _, err := l.SubmitOffer(ctx, OfferInput{RideID: "r1", DriverID: "d1", CounterFare: 10}); !errors.Is(err, ErrRoundClosed) {
		t.Fatalf("expected ErrRoundClosed, got %v", err)
	}
	if _, err := l.AcceptOffer(ctx, "r1", "x"); !errors.Is(err, ErrRoundAlreadyClosed) {
		t.Fatalf("expected ErrRoundAlreadyClosed, got %v", err)
	}
}

func TestTimeoutWithOffersStaysOpenUntilDeadline(t *testing.T) {
	fake := clock.NewFake(t0)
	l := newLedger(nil, fake, 2*time.Minute)
	if err := l.OpenRound(context.Background(), "r1", nil, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	submit(t, l, "d1", 100)
	fake.Advance(time.Minute)
	if st, _ := l.Status("r1"); st != StatusOpen {
		t.Fatalf("round with offers should stay open, got %s", st)
	}
	fake.Advance(time.Minute)
	e := <-l.Expirations()
	if e.Reason != models.ReasonRequestExpired {
		t.Fatalf("unexpected reason %s", e.Reason)
	}
	list, _ := l.ListOffers("r1")
	if list[0].Status != models.OfferClosed {
		t.Fatalf("expired round must close its offers")
	}
}

func TestCancelRoundRacingAccept(t *testing.T) {
	l := newLedger(nil, clock.NewFake(t0), 0)
	ctx := context.Background()
	if err := l.OpenRound(ctx, "r1", nil, time.Minute); err != nil {
		t.Fatal(err)
	}
	o := submit(t, l, "d1", 100)

	var wg sync.WaitGroup
	var acceptErr, cancelErr error
	wg.Add(2)
	go func() { defer wg.Done(); _, acceptErr = l.AcceptOffer(ctx, "r1", o.ID) }()
	go func() { defer wg.Done(); cancelErr = l.CancelRound(ctx, "r1") }()
	wg.Wait()

	switch {
	case acceptErr == nil:
		if !errors.Is(cancelErr, ErrAlreadyAccepted) {
			t.Fatalf("accept won; cancel should see ErrAlreadyAccepted, got %v", cancelErr)
		}
	case cancelErr == nil:
		if !errors.Is(acceptErr, ErrRoundAlreadyClosed) {
			t.Fatalf("cancel won; accept should see ErrRoundAlreadyClosed, got %v", acceptErr)
		}
	default:
		t.Fatalf("both lost: accept=%v cancel=%v", acceptErr, cancelErr)
	}
	if err := l.CancelRound(ctx, "nope"); !errors.Is(err, ErrRoundNotFound) {
		t.Fatalf("expected ErrRoundNotFound, got %v", err)
	}
}

func TestForgetKeepsOpenRounds(t *testing.T) {
	l := newLedger(nil, clock.NewFake(t0), 0)
	ctx := context.Background()
	if err := l.OpenRound(ctx, "r1", nil, 0); err != nil {
		t.Fatal(err)
	}
	l.Forget("r1")
	if _, err := l.Status("r1"); err != nil {
		t.Fatalf("open round was forgotten: %v", err)
	}
	if err := l.CancelRound(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	l.Forget("r1")
	if _, err := l.Status("r1"); !errors.Is(err, ErrRoundNotFound) {
		t.Fatalf("expected ErrRoundNotFound, got %v", err)
	}
}

func TestAbortReleasesWonRound(t *testing.T) {
	store := &memStore{}
	l := newLedger(store, clock.NewFake(t0), 0)
	ctx := context.Background()
	if err := l.OpenRound(ctx, "r1", nil, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Abort(ctx, "r1"); !errors.Is(err, ErrNotAccepted) {
		t.Fatalf("abort of an open round: expected ErrNotAccepted, got %v", err)
	}
	won := submit(t, l, "d1", 100)
	submit(t, l, "d2", 120)
	if _, err := l.AcceptOffer(ctx, "r1", won.ID); err != nil {
		t.Fatal(err)
	}

	closed, err := l.Abort(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 2 || closed[0].ID != won.ID {
		t.Fatalf("unexpected offers %+v", closed)
	}
	for _, o := range closed {
		if o.Status != models.OfferClosed || store.offers[o.ID].Status != models.OfferClosed {
			t.Fatalf("offer %s not closed: %+v", o.ID, o)
		}
	}
	if st, _ := l.Status("r1"); st != StatusCancelled {
		t.Fatalf("expected cancelled round, got %s", st)
	}
	if err := l.CancelRound(ctx, "r1"); err != nil {
		t.Fatalf("cancel after abort should be a no-op, got %v", err)
	}
	if _, err := l.Abort(ctx, "nope"); !errors.Is(err, ErrRoundNotFound) {
		t.Fatalf("expected ErrRoundNotFound, got %v", err)
	}
}

// Timers must not block when nobody drains Expirations.
func TestExpirationsWithoutConsumerDoNotBlock(t *testing.T) {
	fake := clock.NewFake(t0)
	l := newLedger(nil, fake, 0)
	ctx := context.Background()
	const rounds = 300
	for i := 0; i < rounds; i++ {
		if err := l.OpenRound(ctx, fmt.Sprintf("r%d", i), nil, time.Second); err != nil {
			t.Fatal(err)
		}
	}
	done := make(chan struct{})
	go func() {
		fake.Advance(time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer callbacks blocked on a full expiration channel")
	}
	if n := len(l.Expirations()); n != cap(l.expirations) {
		t.Fatalf("expected a full buffer of %d, got %d", cap(l.expirations), n)
	}
	if st, _ := l.Status("r299"); st != StatusExpired {
		t.Fatalf("dropped expiration must still close the round, got %s", st)
	}
}
