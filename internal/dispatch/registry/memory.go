package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

// MemoryRegistry is an in-process Registry used by tests and redis-less
// local runs. It is not shared across instances.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[uuid.UUID]domain.DriverRecord
	clock   domain.Clock
}

// NewMemoryRegistry constructs an empty registry.
func NewMemoryRegistry(clock domain.Clock) *MemoryRegistry {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryRegistry{records: make(map[uuid.UUID]domain.DriverRecord), clock: clock}
}

// RegisterOrUpdate upserts the record.
func (m *MemoryRegistry) RegisterOrUpdate(_ context.Context, rec domain.DriverRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = now
	}
	rec.LastActiveAt = now
	if rec.Status == "" {
		rec.Status = domain.DriverAvailable
	}
	m.records[rec.ID] = rec
	return nil
}

// UpdateLocation refreshes location and activity.
func (m *MemoryRegistry) UpdateLocation(_ context.Context, driverID uuid.UUID, loc domain.GeoPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[driverID]
	if !ok {
		return
	}
	now := m.clock.Now()
	rec.Location = &loc
	rec.LocationAt = now
	rec.LastActiveAt = now
	m.records[driverID] = rec
}

// UpdateStatus moves the driver between states.
func (m *MemoryRegistry) UpdateStatus(_ context.Context, driverID uuid.UUID, status domain.DriverStatus, progress *RideProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[driverID]
	if !ok {
		return domain.ErrDriverNotFound
	}
	rec.Status = status
	rec.LastActiveAt = m.clock.Now()
	if status == domain.DriverInRide && progress != nil {
		started := progress.StartedAt
		rec.RideStartedAt = &started
		rec.EstRideDuration = progress.EstDuration
	}
	if status != domain.DriverInRide {
		rec.RideStartedAt = nil
		rec.EstRideDuration = 0
	}
	m.records[driverID] = rec
	return nil
}

// MarkOffline clears the driver from candidate queries. Idempotent.
func (m *MemoryRegistry) MarkOffline(_ context.Context, driverID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[driverID]
	if !ok {
		return nil
	}
	rec.Status = domain.DriverOffline
	rec.Location = nil
	m.records[driverID] = rec
	return nil
}

// Get returns the record if present.
func (m *MemoryRegistry) Get(_ context.Context, driverID uuid.UUID) (domain.DriverRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[driverID]
	return rec, ok
}

// FindFreeDrivers filters available drivers within the radius, closest first.
func (m *MemoryRegistry) FindFreeDrivers(_ context.Context, pickup domain.GeoPoint, rideType domain.RideType, radiusKM float64) []domain.Candidate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.Now()
	var candidates []domain.Candidate
	for _, rec := range m.records {
		if !eligible(rec, rideType, domain.DriverAvailable, now) {
			continue
		}
		dist := domain.DistanceKM(*rec.Location, pickup)
		if dist > radiusKM {
			continue
		}
		candidates = append(candidates, domain.Candidate{
			Driver:     rec,
			DistanceKM: dist,
			Tier:       domain.TierFree,
		})
	}
	sortByDistance(candidates)
	return candidates
}

// FindFinishingRideDrivers filters in_ride drivers projected to free up soon.
func (m *MemoryRegistry) FindFinishingRideDrivers(_ context.Context, pickup domain.GeoPoint, rideType domain.RideType, radiusKM float64) []domain.Candidate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.Now()
	var candidates []domain.Candidate
	for _, rec := range m.records {
		if !eligible(rec, rideType, domain.DriverInRide, now) {
			continue
		}
		remaining, ok := finishingWindow(rec, now)
		if !ok {
			continue
		}
		dist := domain.DistanceKM(*rec.Location, pickup)
		if dist > radiusKM {
			continue
		}
		candidates = append(candidates, domain.Candidate{
			Driver:          rec,
			DistanceKM:      dist,
			Tier:            domain.TierFinishing,
			PredictedFreeIn: remaining,
		})
	}
	sortByDistance(candidates)
	return candidates
}

func sortByDistance(candidates []domain.Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].DistanceKM != candidates[j].DistanceKM {
			return candidates[i].DistanceKM < candidates[j].DistanceKM
		}
		return candidates[i].Driver.ID.String() < candidates[j].Driver.ID.String()
	})
}
