package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

const (
	recordKeyPrefix = "driver:"
	geoKeyPrefix    = "drivers:geo:"
	availableSetKey = "drivers:available"
	inRideSetKey    = "drivers:inride"
	onlineSetKey    = "drivers:online"
)

// RedisRegistry keeps driver records and the geo index in Redis so every
// dispatch instance sees the same fleet.
type RedisRegistry struct {
	client redis.Cmdable
	logger *zap.Logger
	clock  domain.Clock
}

// NewRedisRegistry constructs the registry.
func NewRedisRegistry(client redis.Cmdable, logger *zap.Logger, clock domain.Clock) *RedisRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &RedisRegistry{client: client, logger: logger, clock: clock}
}

func recordKey(id uuid.UUID) string    { return recordKeyPrefix + id.String() }
func geoKey(vehicleType string) string { return geoKeyPrefix + vehicleType }

// RegisterOrUpdate upserts the driver record, refreshing its TTL, and keeps
// the status sets and geo index in step.
func (r *RedisRegistry) RegisterOrUpdate(ctx context.Context, rec domain.DriverRecord) error {
	now := r.clock.Now()
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = now
	}
	rec.LastActiveAt = now
	if rec.Status == "" {
		rec.Status = domain.DriverAvailable
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal driver record: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, recordKey(rec.ID), payload, recordTTL)
	pipe.SAdd(ctx, onlineSetKey, rec.ID.String())
	switch rec.Status {
	case domain.DriverAvailable:
		pipe.SAdd(ctx, availableSetKey, rec.ID.String())
		pipe.SRem(ctx, inRideSetKey, rec.ID.String())
	case domain.DriverInRide:
		pipe.SAdd(ctx, inRideSetKey, rec.ID.String())
		pipe.SRem(ctx, availableSetKey, rec.ID.String())
	default:
		pipe.SRem(ctx, availableSetKey, rec.ID.String())
		pipe.SRem(ctx, inRideSetKey, rec.ID.String())
	}
	if rec.Location != nil {
		pipe.GeoAdd(ctx, geoKey(rec.VehicleType), &redis.GeoLocation{
			Name:      rec.ID.String(),
			Longitude: rec.Location.Lng,
			Latitude:  rec.Location.Lat,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register driver: %w", err)
	}
	return nil
}

// UpdateLocation refreshes the geo index entry and the activity timestamp.
// Store failures are logged and swallowed; a missed update self-heals on the
// driver's next ping.
func (r *RedisRegistry) UpdateLocation(ctx context.Context, driverID uuid.UUID, loc domain.GeoPoint) {
	rec, ok := r.Get(ctx, driverID)
	if !ok {
		r.logger.Debug("location update for unknown driver", zap.String("driver_id", driverID.String()))
		return
	}
	now := r.clock.Now()
	rec.Location = &loc
	rec.LocationAt = now
	rec.LastActiveAt = now

	payload, err := json.Marshal(rec)
	if err != nil {
		r.logger.Warn("marshal driver record", zap.Error(err))
		return
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, recordKey(driverID), payload, recordTTL)
	pipe.GeoAdd(ctx, geoKey(rec.VehicleType), &redis.GeoLocation{
		Name:      driverID.String(),
		Longitude: loc.Lng,
		Latitude:  loc.Lat,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("location update failed", zap.String("driver_id", driverID.String()), zap.Error(err))
	}
}

// UpdateStatus moves the driver between status indices. Entering in_ride may
// carry ride timing used by the finishing-ride tier.
func (r *RedisRegistry) UpdateStatus(ctx context.Context, driverID uuid.UUID, status domain.DriverStatus, progress *RideProgress) error {
	rec, ok := r.Get(ctx, driverID)
	if !ok {
		return domain.ErrDriverNotFound
	}
	rec.Status = status
	rec.LastActiveAt = r.clock.Now()
	if status == domain.DriverInRide && progress != nil {
		started := progress.StartedAt
		rec.RideStartedAt = &started
		rec.EstRideDuration = progress.EstDuration
	}
	if status != domain.DriverInRide {
		rec.RideStartedAt = nil
		rec.EstRideDuration = 0
	}
	return r.RegisterOrUpdate(ctx, rec)
}

// MarkOffline removes the driver from the geo index and all online sets.
// Idempotent: unknown drivers are a no-op.
func (r *RedisRegistry) MarkOffline(ctx context.Context, driverID uuid.UUID) error {
	rec, ok := r.Get(ctx, driverID)
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, onlineSetKey, driverID.String())
	pipe.SRem(ctx, availableSetKey, driverID.String())
	pipe.SRem(ctx, inRideSetKey, driverID.String())
	if ok {
		pipe.ZRem(ctx, geoKey(rec.VehicleType), driverID.String())
		rec.Status = domain.DriverOffline
		rec.Location = nil
		if payload, err := json.Marshal(rec); err == nil {
			pipe.Set(ctx, recordKey(driverID), payload, recordTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	return nil
}

// Get loads a single driver record.
func (r *RedisRegistry) Get(ctx context.Context, driverID uuid.UUID) (domain.DriverRecord, bool) {
	raw, err := r.client.Get(ctx, recordKey(driverID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("driver record read failed", zap.Error(err))
		}
		return domain.DriverRecord{}, false
	}
	var rec domain.DriverRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		r.logger.Warn("driver record corrupt", zap.String("driver_id", driverID.String()), zap.Error(err))
		return domain.DriverRecord{}, false
	}
	return rec, true
}

// FindFreeDrivers runs a geo radius query and filters by availability,
// vehicle type, and freshness. Store failures degrade to no candidates.
func (r *RedisRegistry) FindFreeDrivers(ctx context.Context, pickup domain.GeoPoint, rideType domain.RideType, radiusKM float64) []domain.Candidate {
	results, err := r.client.GeoSearchLocation(ctx, geoKey(rideType.VehicleType), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  pickup.Lng,
			Latitude:   pickup.Lat,
			Radius:     radiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		r.logger.Warn("geo search failed", zap.Error(err))
		return nil
	}

	now := r.clock.Now()
	candidates := make([]domain.Candidate, 0, len(results))
	for _, res := range results {
		if cand, ok := r.freeCandidate(ctx, res, rideType, now); ok {
			candidates = append(candidates, cand)
		}
	}
	return candidates
}

// freeCandidate turns one geo result into a tier-1 candidate. A geo member
// whose record TTL lapsed is removed from the index so it does not grow
// without bound.
func (r *RedisRegistry) freeCandidate(ctx context.Context, res redis.GeoLocation, rideType domain.RideType, now time.Time) (domain.Candidate, bool) {
	id, err := uuid.Parse(res.Name)
	if err != nil {
		return domain.Candidate{}, false
	}
	rec, ok := r.Get(ctx, id)
	if !ok {
		if err := r.client.ZRem(ctx, geoKey(rideType.VehicleType), res.Name).Err(); err != nil {
			r.logger.Warn("geo index cleanup failed", zap.String("driver_id", res.Name), zap.Error(err))
		}
		return domain.Candidate{}, false
	}
	if !eligible(rec, rideType, domain.DriverAvailable, now) {
		return domain.Candidate{}, false
	}
	return domain.Candidate{
		Driver:     rec,
		DistanceKM: res.Dist,
		Tier:       domain.TierFree,
	}, true
}

// FindFinishingRideDrivers scans in_ride drivers and includes those projected
// to complete soon whose last known location is within the radius.
func (r *RedisRegistry) FindFinishingRideDrivers(ctx context.Context, pickup domain.GeoPoint, rideType domain.RideType, radiusKM float64) []domain.Candidate {
	ids, err := r.client.SMembers(ctx, inRideSetKey).Result()
	if err != nil {
		r.logger.Warn("in-ride scan failed", zap.Error(err))
		return nil
	}

	now := r.clock.Now()
	var candidates []domain.Candidate
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		rec, ok := r.Get(ctx, id)
		if !ok || !eligible(rec, rideType, domain.DriverInRide, now) {
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
	return candidates
}
