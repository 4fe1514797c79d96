package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

const (
	lockKeyPrefix      = "reserve:driver:"
	rideIndexKeyPrefix = "reserve:ride:"
)

// RedisStore implements Manager on Redis SETNX semantics. The lock key holds
// the ride id so a conflicting acquire can be diagnosed, and a per-ride set
// indexes locks for bulk release.
type RedisStore struct {
	client redis.Cmdable
	logger *zap.Logger
	ttl    time.Duration
	clock  domain.Clock
}

// NewRedisStore constructs the store.
func NewRedisStore(client redis.Cmdable, logger *zap.Logger, ttl time.Duration, clock domain.Clock) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &RedisStore{client: client, logger: logger, ttl: ttl, clock: clock}
}

func lockKey(driverID uuid.UUID) string    { return lockKeyPrefix + driverID.String() }
func rideIndexKey(rideID uuid.UUID) string { return rideIndexKeyPrefix + rideID.String() }

// Acquire takes the driver lock via SET NX EX. Exactly one of two racing
// acquirers succeeds.
func (r *RedisStore) Acquire(ctx context.Context, driverID, rideID uuid.UUID) (domain.Reservation, error) {
	ok, err := r.client.SetNX(ctx, lockKey(driverID), rideID.String(), r.ttl).Result()
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		acquireTotal.WithLabelValues("conflict").Inc()
		r.logger.Debug("reservation conflict",
			zap.String("driver_id", driverID.String()),
			zap.String("ride_id", rideID.String()))
		return domain.Reservation{}, domain.ErrReservationConflict
	}
	acquireTotal.WithLabelValues("acquired").Inc()

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, rideIndexKey(rideID), driverID.String())
	pipe.Expire(ctx, rideIndexKey(rideID), r.ttl*4)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("reservation index write failed", zap.Error(err))
	}

	now := r.clock.Now()
	return domain.Reservation{
		DriverID:      driverID,
		RideID:        rideID,
		ReservedAt:    now,
		ReservedUntil: now.Add(r.ttl),
	}, nil
}

// Release deletes the lock key. Idempotent.
func (r *RedisStore) Release(ctx context.Context, driverID uuid.UUID) error {
	rideRaw, err := r.client.Get(ctx, lockKey(driverID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis get: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, lockKey(driverID))
	if rideID, perr := uuid.Parse(rideRaw); perr == nil {
		pipe.SRem(ctx, rideIndexKey(rideID), driverID.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// ReleaseAllForRide drains the ride's reservation index.
func (r *RedisStore) ReleaseAllForRide(ctx context.Context, rideID uuid.UUID) error {
	members, err := r.client.SMembers(ctx, rideIndexKey(rideID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis smembers: %w", err)
	}
	pipe := r.client.TxPipeline()
	for _, raw := range members {
		if driverID, perr := uuid.Parse(raw); perr == nil {
			pipe.Del(ctx, lockKey(driverID))
		}
	}
	pipe.Del(ctx, rideIndexKey(rideID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("release ride reservations: %w", err)
	}
	return nil
}

// IsReserved reports whether a live lock exists. A key without an expiry is
// treated as stale and lazily released.
func (r *RedisStore) IsReserved(ctx context.Context, driverID uuid.UUID) (bool, error) {
	ttl, err := r.client.PTTL(ctx, lockKey(driverID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis pttl: %w", err)
	}
	// PTTL sentinels come back as raw -1 (no expiry) and -2 (no key),
	// not scaled to milliseconds.
	switch ttl {
	case time.Duration(-2):
		return false, nil
	case time.Duration(-1):
		// persisted without an expiry: stale, clear it lazily
		if err := r.Release(ctx, driverID); err != nil {
			r.logger.Warn("stale reservation release failed", zap.Error(err))
		}
		return false, nil
	}
	return ttl > 0, nil
}

// ForceReleaseAll scans and deletes every reservation key.
func (r *RedisStore) ForceReleaseAll(ctx context.Context) error {
	for _, pattern := range []string{lockKeyPrefix + "*", rideIndexKeyPrefix + "*"} {
		var cursor uint64
		for {
			keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return fmt.Errorf("redis scan: %w", err)
			}
			if len(keys) > 0 {
				if err := r.client.Del(ctx, keys...).Err(); err != nil {
					return fmt.Errorf("redis del: %w", err)
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return nil
}
