// Package repository provides in-memory stand-ins for the persistent ride
// store, which is an external collaborator of the dispatch core.
package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

// MemoryRides implements domain.RidePersistence for tests and local demos.
type MemoryRides struct {
	mu          sync.RWMutex
	rideTypes   map[string]domain.RideType
	assignments map[uuid.UUID]uuid.UUID
	finalized   int
}

// NewMemoryRides constructs the store with the provided ride types.
func NewMemoryRides(rideTypes ...domain.RideType) *MemoryRides {
	byID := make(map[string]domain.RideType, len(rideTypes))
	for _, rt := range rideTypes {
		byID[rt.ID] = rt
	}
	return &MemoryRides{
		rideTypes:   byID,
		assignments: make(map[uuid.UUID]uuid.UUID),
	}
}

// FinalizeAssignment records the accepted driver for the ride.
func (m *MemoryRides) FinalizeAssignment(_ context.Context, rideID, driverID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.assignments[rideID]; ok && existing != driverID {
		return fmt.Errorf("ride %s already assigned to %s", rideID, existing)
	}
	m.assignments[rideID] = driverID
	m.finalized++
	return nil
}

// RideType returns dispatch constraints for the ride type.
func (m *MemoryRides) RideType(_ context.Context, id string) (domain.RideType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.rideTypes[id]
	if !ok {
		return domain.RideType{}, fmt.Errorf("ride type %q not found", id)
	}
	return rt, nil
}

// Assignment returns the recorded driver for a ride (for tests).
func (m *MemoryRides) Assignment(rideID uuid.UUID) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	driverID, ok := m.assignments[rideID]
	return driverID, ok
}

// Finalizations returns how many times FinalizeAssignment ran (for tests).
func (m *MemoryRides) Finalizations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.finalized
}
