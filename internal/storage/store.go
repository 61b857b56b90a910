package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/example/ride-coordinator/internal/models"
)

// ErrStaleVersion is returned when a ride write is older than what is stored.
var ErrStaleVersion = errors.New("stale ride version")

// Store persists ride versions and offers. Rides are written before their
// events are delivered.
type Store interface {
	SaveRide(ctx context.Context, r *models.RideAggregate) error
	SaveOffer(ctx context.Context, o models.Offer) error
}

type MemoryStore struct {
	mu     sync.RWMutex
	rides  map[string]*models.RideAggregate
	offers map[string]models.Offer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:  make(map[string]*models.RideAggregate),
		offers: make(map[string]models.Offer),
	}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.RideAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rides[r.ID]; ok && cur.Version >= r.Version {
		return fmt.Errorf("%w: ride %s has v%d, got v%d", ErrStaleVersion, r.ID, cur.Version, r.Version)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) SaveOffer(_ context.Context, o models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = o
	return nil
}

func (m *MemoryStore) Get(id string) (*models.RideAggregate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Offers returns the stored offers for a ride ordered by fare.
func (m *MemoryStore) Offers(rideID string) []models.Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Offer
	for _, o := range m.offers {
		if o.RideID == rideID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CounterFare == out[j].CounterFare {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].CounterFare < out[j].CounterFare
	})
	return out
}
