package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-coordinator/internal/clock"
	"github.com/example/ride-coordinator/internal/models"
)

type fakeChannel struct {
	mu     sync.Mutex
	sent   []Message
	closed bool
}

func (f *fakeChannel) Send(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestLookupUnknownIsUnreachable(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Lookup("d1"); !errors.Is(err, ErrParticipantUnreachable) {
		t.Fatalf("expected ErrParticipantUnreachable, got %v", err)
	}
}

func TestRegisterReplacesAndClosesPrevious(t *testing.T) {
	r := NewRegistry(nil)
	var changes []Change
	r.Watch(func(c Change) { changes = append(changes, c) })

	first, second := &fakeChannel{}, &fakeChannel{}
	r.Register("d1", models.KindDriver, first)
	r.Register("d1", models.KindDriver, second)
	if !first.closed {
		t.Fatalf("previous channel should be closed")
	}
	ch, err := r.Lookup("d1")
	if err != nil || ch != second {
		t.Fatalf("lookup returned %v, %v", ch, err)
	}

	if r.Release("d1", first) {
		t.Fatalf("stale channel must not release the new session")
	}
	if !r.Release("d1", second) {
		t.Fatalf("current channel should release")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
	if len(changes) != 3 || !changes[0].Connected || !changes[1].Connected || changes[2].Connected {
		t.Fatalf("unexpected changes %+v", changes)
	}
}

func TestUnregisterNotifiesWatchers(t *testing.T) {
	r := NewRegistry(nil)
	var got []Change
	r.Watch(func(c Change) { got = append(got, c) })
	ch := &fakeChannel{}
	r.Register("p1", models.KindPassenger, ch)
	r.Unregister("p1")
	r.Unregister("p1")
	if !ch.closed {
		t.Fatalf("channel should be closed")
	}
	if len(got) != 2 || got[1].Connected || got[1].Kind != models.KindPassenger {
		t.Fatalf("unexpected changes %+v", got)
	}
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	r := NewRegistry(fake)
	r.Register("d1", models.KindDriver, &fakeChannel{})
	fake.Advance(time.Minute)
	r.Touch("d1")
	s, ok := r.Get("d1")
	if !ok || !s.LastSeenAt.Equal(start.Add(time.Minute)) || !s.ConnectedAt.Equal(start) {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestWSChannelDeliversJSON(t *testing.T) {
	upgrader := websocket.Upgrader{}
	registered := make(chan *WSChannel, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch := NewWSChannel(conn, time.Second)
		registered <- ch
		_ = ch.Serve(r.Context(), time.Minute, nil)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ch := <-registered
	if err := ch.Send(context.Background(), Message{Type: models.EventRideConfirmed, RideID: "r1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	var got Message
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != models.EventRideConfirmed || got.RideID != "r1" {
		t.Fatalf("unexpected message %+v", got)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Send(context.Background(), Message{Type: "x"}); err == nil {
		t.Fatalf("send after close should fail")
	}
}
