// Package reservation implements the distributed per-driver lock: at most one
// in-flight ride may hold a given driver at a time. A TTL on every lock lets
// a crashed holder self-heal without operator action.
package reservation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

// DefaultTTL covers the driver response timeout plus delivery slack.
const DefaultTTL = 25 * time.Second

// Manager coordinates exclusive driver reservations across the fleet.
type Manager interface {
	// Acquire takes the driver lock for rideID. Returns
	// domain.ErrReservationConflict when another ride holds the driver.
	Acquire(ctx context.Context, driverID, rideID uuid.UUID) (domain.Reservation, error)
	// Release drops the driver lock. Idempotent.
	Release(ctx context.Context, driverID uuid.UUID) error
	// ReleaseAllForRide drops every lock held on behalf of rideID.
	ReleaseAllForRide(ctx context.Context, rideID uuid.UUID) error
	// IsReserved reports whether a live reservation exists for the driver.
	IsReserved(ctx context.Context, driverID uuid.UUID) (bool, error)
	// ForceReleaseAll clears every reservation. Administrative use only.
	ForceReleaseAll(ctx context.Context) error
}

// MemoryStore is an in-process Manager for tests and redis-less runs.
type MemoryStore struct {
	mu     sync.Mutex
	held   map[uuid.UUID]domain.Reservation
	byRide map[uuid.UUID]map[uuid.UUID]struct{}
	ttl    time.Duration
	clock  domain.Clock
}

// NewMemoryStore constructs the store.
func NewMemoryStore(ttl time.Duration, clock domain.Clock) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryStore{
		held:   make(map[uuid.UUID]domain.Reservation),
		byRide: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		ttl:    ttl,
		clock:  clock,
	}
}

// Acquire takes the lock unless a live reservation exists. Expired entries
// are lazily released.
func (m *MemoryStore) Acquire(_ context.Context, driverID, rideID uuid.UUID) (domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if existing, ok := m.held[driverID]; ok && existing.ReservedUntil.After(now) {
		return domain.Reservation{}, domain.ErrReservationConflict
	}
	resv := domain.Reservation{
		DriverID:      driverID,
		RideID:        rideID,
		ReservedAt:    now,
		ReservedUntil: now.Add(m.ttl),
	}
	m.held[driverID] = resv
	if m.byRide[rideID] == nil {
		m.byRide[rideID] = make(map[uuid.UUID]struct{})
	}
	m.byRide[rideID][driverID] = struct{}{}
	return resv, nil
}

// Release drops the driver lock.
func (m *MemoryStore) Release(_ context.Context, driverID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if resv, ok := m.held[driverID]; ok {
		delete(m.held, driverID)
		if drivers := m.byRide[resv.RideID]; drivers != nil {
			delete(drivers, driverID)
		}
	}
	return nil
}

// ReleaseAllForRide drops every lock held by the ride.
func (m *MemoryStore) ReleaseAllForRide(_ context.Context, rideID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for driverID := range m.byRide[rideID] {
		delete(m.held, driverID)
	}
	delete(m.byRide, rideID)
	return nil
}

// IsReserved reports the live lock state, lazily clearing expired entries.
func (m *MemoryStore) IsReserved(_ context.Context, driverID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resv, ok := m.held[driverID]
	if !ok {
		return false, nil
	}
	if !resv.ReservedUntil.After(m.clock.Now()) {
		delete(m.held, driverID)
		if drivers := m.byRide[resv.RideID]; drivers != nil {
			delete(drivers, driverID)
		}
		return false, nil
	}
	return true, nil
}

// ForceReleaseAll clears everything.
func (m *MemoryStore) ForceReleaseAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = make(map[uuid.UUID]domain.Reservation)
	m.byRide = make(map[uuid.UUID]map[uuid.UUID]struct{})
	return nil
}
