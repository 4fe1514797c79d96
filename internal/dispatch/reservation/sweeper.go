package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Sweeper removes ride-index entries whose lock key already expired. The TTL
// on the lock itself is the primary safety net; the sweep is a fast-path
// cleanup so bulk releases do not iterate dead entries.
type Sweeper struct {
	client   redis.Cmdable
	logger   *zap.Logger
	interval time.Duration
}

// NewSweeper constructs a sweeper. A non-positive interval defaults to 60s.
func NewSweeper(client redis.Cmdable, logger *zap.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Sweeper{client: client, logger: logger, interval: interval}
}

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.sweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("reservation sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, rideIndexKeyPrefix+"*", 100).Result()
		if err != nil {
			return err
		}
		for _, indexKey := range keys {
			members, err := s.client.SMembers(ctx, indexKey).Result()
			if err != nil {
				continue
			}
			for _, raw := range members {
				driverID, perr := uuid.Parse(raw)
				if perr != nil {
					continue
				}
				exists, err := s.client.Exists(ctx, lockKey(driverID)).Result()
				if err != nil || exists > 0 {
					continue
				}
				if err := s.client.SRem(ctx, indexKey, raw).Err(); err == nil {
					sweptTotal.Inc()
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
