// Package session tracks which participants currently have a live channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-coordinator/internal/clock"
	"github.com/example/ride-coordinator/internal/models"
)

var ErrParticipantUnreachable = errors.New("participant unreachable")

// Message is the envelope written to participant channels.
type Message struct {
	Type    string `json:"type"`
	RideID  string `json:"ride_id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Channel delivers messages to one connected participant.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

type Session struct {
	ParticipantID string
	Kind          models.ParticipantKind
	Channel       Channel
	ConnectedAt   time.Time
	LastSeenAt    time.Time
}

// Change is passed to watchers when a participant connects or goes away.
type Change struct {
	ParticipantID string
	Kind          models.ParticipantKind
	Connected     bool
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	watchers []func(Change)
	clock    clock.Clock
}

func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{sessions: make(map[string]*Session), clock: clk}
}

// Register binds ch to the participant. A previous channel is closed.
func (r *Registry) Register(id string, kind models.ParticipantKind, ch Channel) {
	now := r.clock.Now()
	r.mu.Lock()
	prev := r.sessions[id]
	r.sessions[id] = &Session{ParticipantID: id, Kind: kind, Channel: ch, ConnectedAt: now, LastSeenAt: now}
	watchers := r.watchers
	r.mu.Unlock()

	if prev != nil && prev.Channel != ch {
		_ = prev.Channel.Close()
	}
	notify(watchers, Change{ParticipantID: id, Kind: kind, Connected: true})
}

// Unregister removes the participant's session and closes its channel.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	watchers := r.watchers
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = s.Channel.Close()
	notify(watchers, Change{ParticipantID: id, Kind: s.Kind, Connected: false})
}

// Release unregisters id only while ch is still its channel, so a replaced
// connection shutting down does not drop its successor.
func (r *Registry) Release(id string, ch Channel) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.Channel != ch {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	watchers := r.watchers
	r.mu.Unlock()
	_ = ch.Close()
	notify(watchers, Change{ParticipantID: id, Kind: s.Kind, Connected: false})
	return true
}

func (r *Registry) Lookup(id string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrParticipantUnreachable, id)
	}
	return s.Channel, nil
}

// Get returns a snapshot of the participant's session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Touch records activity from the participant.
func (r *Registry) Touch(id string) {
	now := r.clock.Now()
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.LastSeenAt = now
	}
	r.mu.Unlock()
}

// Watch registers fn for connect and disconnect changes. fn runs on the
// goroutine that caused the change and must not block.
func (r *Registry) Watch(fn func(Change)) {
	r.mu.Lock()
	r.watchers = append(r.watchers, fn)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func notify(watchers []func(Change), c Change) {
	for _, fn := range watchers {
		fn(c)
	}
}
