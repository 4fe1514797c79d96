package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/dispatch/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var pickup = domain.GeoPoint{Lat: 35.6892, Lng: 51.3890}

// offsetKM shifts a point roughly km kilometers north.
func offsetKM(p domain.GeoPoint, km float64) domain.GeoPoint {
	return domain.GeoPoint{Lat: p.Lat + km/111.0, Lng: p.Lng}
}

func addDriver(t *testing.T, reg *registry.MemoryRegistry, loc domain.GeoPoint, vehicle string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, reg.RegisterOrUpdate(context.Background(), domain.DriverRecord{
		ID:          id,
		Status:      domain.DriverAvailable,
		Location:    &loc,
		VehicleType: vehicle,
		Rating:      4.5,
	}))
	return id
}

func TestFindFreeDriversSortedByDistance(t *testing.T) {
	clock := newFakeClock()
	reg := registry.NewMemoryRegistry(clock)
	ctx := context.Background()

	far := addDriver(t, reg, offsetKM(pickup, 4), "sedan")
	near := addDriver(t, reg, offsetKM(pickup, 1), "sedan")
	outside := addDriver(t, reg, offsetKM(pickup, 20), "sedan")

	found := reg.FindFreeDrivers(ctx, pickup, domain.RideType{VehicleType: "sedan"}, 5)
	require.Len(t, found, 2)
	require.Equal(t, near, found[0].Driver.ID)
	require.Equal(t, far, found[1].Driver.ID)
	require.Less(t, found[0].DistanceKM, found[1].DistanceKM)
	for _, c := range found {
		require.NotEqual(t, outside, c.Driver.ID)
		require.Equal(t, domain.TierFree, c.Tier)
	}
}

func TestFindFreeDriversFiltersVehicleType(t *testing.T) {
	clock := newFakeClock()
	reg := registry.NewMemoryRegistry(clock)
	ctx := context.Background()

	addDriver(t, reg, offsetKM(pickup, 1), "sedan")
	suv := addDriver(t, reg, offsetKM(pickup, 1), "suv")

	found := reg.FindFreeDrivers(ctx, pickup, domain.RideType{VehicleType: "suv"}, 5)
	require.Len(t, found, 1)
	require.Equal(t, suv, found[0].Driver.ID)

	// no vehicle constraint matches everyone
	found = reg.FindFreeDrivers(ctx, pickup, domain.RideType{}, 5)
	require.Len(t, found, 2)
}

func TestFindFreeDriversExcludesStale(t *testing.T) {
	clock := newFakeClock()
	reg := registry.NewMemoryRegistry(clock)
	ctx := context.Background()

	stale := addDriver(t, reg, offsetKM(pickup, 1), "sedan")
	clock.Advance(registry.FreshnessWindow + time.Second)
	fresh := addDriver(t, reg, offsetKM(pickup, 2), "sedan")

	found := reg.FindFreeDrivers(ctx, pickup, domain.RideType{VehicleType: "sedan"}, 5)
	require.Len(t, found, 1)
	require.Equal(t, fresh, found[0].Driver.ID)

	// a location ping refreshes activity
	reg.UpdateLocation(ctx, stale, offsetKM(pickup, 1))
	found = reg.FindFreeDrivers(ctx, pickup, domain.RideType{VehicleType: "sedan"}, 5)
	require.Len(t, found, 2)
}

func TestMarkOfflineRemovesFromQueries(t *testing.T) {
	clock := newFakeClock()
	reg := registry.NewMemoryRegistry(clock)
	ctx := context.Background()

	id := addDriver(t, reg, offsetKM(pickup, 1), "sedan")
	require.NoError(t, reg.MarkOffline(ctx, id))

	require.Empty(t, reg.FindFreeDrivers(ctx, pickup, domain.RideType{}, 5))
	rec, ok := reg.Get(ctx, id)
	require.True(t, ok)
	require.Equal(t, domain.DriverOffline, rec.Status)

	// idempotent, unknown driver included
	require.NoError(t, reg.MarkOffline(ctx, id))
	require.NoError(t, reg.MarkOffline(ctx, uuid.New()))
}

func TestFindFinishingRideDrivers(t *testing.T) {
	clock := newFakeClock()
	reg := registry.NewMemoryRegistry(clock)
	ctx := context.Background()

	qualifies := addDriver(t, reg, offsetKM(pickup, 1), "sedan")
	tooEarly := addDriver(t, reg, offsetKM(pickup, 1), "sedan")
	noProgress := addDriver(t, reg, offsetKM(pickup, 1), "sedan")

	now := clock.Now()
	// 9 of an estimated 10 minutes elapsed: progress 0.9, 1 minute remaining
	require.NoError(t, reg.UpdateStatus(ctx, qualifies, domain.DriverInRide, &registry.RideProgress{
		StartedAt:   now.Add(-9 * time.Minute),
		EstDuration: 10 * time.Minute,
	}))
	// 2 of 10 minutes elapsed: progress 0.2
	require.NoError(t, reg.UpdateStatus(ctx, tooEarly, domain.DriverInRide, &registry.RideProgress{
		StartedAt:   now.Add(-2 * time.Minute),
		EstDuration: 10 * time.Minute,
	}))
	// in_ride without timing data never qualifies
	require.NoError(t, reg.UpdateStatus(ctx, noProgress, domain.DriverInRide, nil))

	found := reg.FindFinishingRideDrivers(ctx, pickup, domain.RideType{VehicleType: "sedan"}, 5)
	require.Len(t, found, 1)
	require.Equal(t, qualifies, found[0].Driver.ID)
	require.Equal(t, domain.TierFinishing, found[0].Tier)
	require.InDelta(t, time.Minute, found[0].PredictedFreeIn, float64(time.Second))
}

func TestFinishingTierRejectsLongRemaining(t *testing.T) {
	clock := newFakeClock()
	reg := registry.NewMemoryRegistry(clock)
	ctx := context.Background()

	// progress 0.8 but 6 minutes remaining, beyond the pickup horizon
	id := addDriver(t, reg, offsetKM(pickup, 1), "sedan")
	require.NoError(t, reg.UpdateStatus(ctx, id, domain.DriverInRide, &registry.RideProgress{
		StartedAt:   clock.Now().Add(-24 * time.Minute),
		EstDuration: 30 * time.Minute,
	}))

	require.Empty(t, reg.FindFinishingRideDrivers(ctx, pickup, domain.RideType{}, 5))
}

func TestUpdateStatusClearsRideTimingOnAvailable(t *testing.T) {
	clock := newFakeClock()
	reg := registry.NewMemoryRegistry(clock)
	ctx := context.Background()

	id := addDriver(t, reg, offsetKM(pickup, 1), "sedan")
	require.NoError(t, reg.UpdateStatus(ctx, id, domain.DriverInRide, &registry.RideProgress{
		StartedAt:   clock.Now(),
		EstDuration: 10 * time.Minute,
	}))
	require.NoError(t, reg.UpdateStatus(ctx, id, domain.DriverAvailable, nil))

	rec, ok := reg.Get(ctx, id)
	require.True(t, ok)
	require.Nil(t, rec.RideStartedAt)
	require.Zero(t, rec.EstRideDuration)
}

func TestUpdateStatusUnknownDriver(t *testing.T) {
	reg := registry.NewMemoryRegistry(newFakeClock())

	err := reg.UpdateStatus(context.Background(), uuid.New(), domain.DriverAvailable, nil)
	require.ErrorIs(t, err, domain.ErrDriverNotFound)
}

func TestMergeAndDedupePrefersFreeTier(t *testing.T) {
	shared := uuid.New()
	tier1 := []domain.Candidate{
		{Driver: domain.DriverRecord{ID: shared}, Tier: domain.TierFree},
		{Driver: domain.DriverRecord{ID: uuid.New()}, Tier: domain.TierFree},
	}
	tier2 := []domain.Candidate{
		{Driver: domain.DriverRecord{ID: shared}, Tier: domain.TierFinishing},
		{Driver: domain.DriverRecord{ID: uuid.New()}, Tier: domain.TierFinishing},
	}

	merged := registry.MergeAndDedupe(tier1, tier2)
	require.Len(t, merged, 3)
	require.Equal(t, shared, merged[0].Driver.ID)
	require.Equal(t, domain.TierFree, merged[0].Tier)
}
