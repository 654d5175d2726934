package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// TripStore archives ride history. It is write-mostly: the registry never
// reads it back, so a restart starts from an empty registry and ride ids
// start over. Every ride is therefore keyed by the run that created it.
type TripStore interface {
	SaveRide(ctx context.Context, runID string, r models.Ride) error
	UpdateRide(ctx context.Context, runID string, r models.Ride) error
	SaveRating(ctx context.Context, runID string, rideID int64, rt models.Rating) error
}

type rideKey struct {
	run string
	id  int64
}

type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[rideKey]models.Ride
	ratings map[rideKey]models.Rating
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[rideKey]models.Ride), ratings: make(map[rideKey]models.Rating)}
}

func (m *MemoryStore) SaveRide(_ context.Context, runID string, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rideKey{runID, r.ID}
	if _, ok := m.rides[k]; !ok {
		m.rides[k] = r
	}
	return nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, runID string, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[rideKey{runID, r.ID}] = r
	return nil
}

func (m *MemoryStore) SaveRating(_ context.Context, runID string, rideID int64, rt models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratings[rideKey{runID, rideID}] = rt
	return nil
}

func (m *MemoryStore) Get(runID string, id int64) (models.Ride, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[rideKey{runID, id}]
	return r, ok
}

func (m *MemoryStore) Rating(runID string, id int64) (models.Rating, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.ratings[rideKey{runID, id}]
	return rt, ok
}

// List returns the rides archived by one run, ordered by id.
func (m *MemoryStore) List(runID string) []models.Ride {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Ride
	for k, r := range m.rides {
		if k.run == runID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
