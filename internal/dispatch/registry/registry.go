// Package registry maintains live, TTL-bounded driver state and a geospatial
// index, and answers radius queries with eligibility filtering.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

const (
	// FreshnessWindow bounds how stale a driver's last activity may be
	// before the driver is excluded from candidate queries.
	FreshnessWindow = 5 * time.Minute

	// recordTTL is the store expiry for driver records; twice the freshness
	// window so a briefly disconnected driver self-heals on reconnect.
	recordTTL = 2 * FreshnessWindow

	// Finishing-ride tier thresholds.
	finishingMinProgress  = 0.75
	finishingMaxRemaining = 5 * time.Minute
)

// RideProgress carries the current-ride timing written when a driver enters
// the in_ride state.
type RideProgress struct {
	StartedAt   time.Time
	EstDuration time.Duration
}

// Registry answers live driver state questions for the dispatch loop.
// Read operations degrade to empty results when the store is unreachable;
// they never surface store errors into the orchestrator.
type Registry interface {
	RegisterOrUpdate(ctx context.Context, rec domain.DriverRecord) error
	UpdateLocation(ctx context.Context, driverID uuid.UUID, loc domain.GeoPoint)
	UpdateStatus(ctx context.Context, driverID uuid.UUID, status domain.DriverStatus, progress *RideProgress) error
	MarkOffline(ctx context.Context, driverID uuid.UUID) error
	Get(ctx context.Context, driverID uuid.UUID) (domain.DriverRecord, bool)
	FindFreeDrivers(ctx context.Context, pickup domain.GeoPoint, rideType domain.RideType, radiusKM float64) []domain.Candidate
	FindFinishingRideDrivers(ctx context.Context, pickup domain.GeoPoint, rideType domain.RideType, radiusKM float64) []domain.Candidate
}

// MergeAndDedupe unions the two candidate tiers by driver id. Tier 1 wins on
// conflict and the relative order within each tier is preserved.
func MergeAndDedupe(tier1, tier2 []domain.Candidate) []domain.Candidate {
	merged := make([]domain.Candidate, 0, len(tier1)+len(tier2))
	seen := make(map[uuid.UUID]struct{}, len(tier1))
	for _, c := range tier1 {
		if _, ok := seen[c.Driver.ID]; ok {
			continue
		}
		seen[c.Driver.ID] = struct{}{}
		merged = append(merged, c)
	}
	for _, c := range tier2 {
		if _, ok := seen[c.Driver.ID]; ok {
			continue
		}
		seen[c.Driver.ID] = struct{}{}
		merged = append(merged, c)
	}
	return merged
}

// eligible is the shared candidate predicate: vehicle match, required status,
// and recent activity.
func eligible(rec domain.DriverRecord, rideType domain.RideType, want domain.DriverStatus, now time.Time) bool {
	if rec.Status != want {
		return false
	}
	if rideType.VehicleType != "" && rec.VehicleType != rideType.VehicleType {
		return false
	}
	if rec.Location == nil {
		return false
	}
	return now.Sub(rec.LastActiveAt) < FreshnessWindow
}

// finishingWindow projects a driver's current ride and reports whether the
// driver qualifies for the finishing tier, returning the predicted time until
// the driver is free.
func finishingWindow(rec domain.DriverRecord, now time.Time) (time.Duration, bool) {
	if rec.RideStartedAt == nil || rec.EstRideDuration <= 0 {
		return 0, false
	}
	elapsed := now.Sub(*rec.RideStartedAt)
	progress := float64(elapsed) / float64(rec.EstRideDuration)
	remaining := rec.EstRideDuration - elapsed
	if remaining < 0 {
		remaining = 0
	}
	if progress < finishingMinProgress || remaining > finishingMaxRemaining {
		return 0, false
	}
	return remaining, true
}
