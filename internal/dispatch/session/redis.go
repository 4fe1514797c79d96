package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

const (
	sessionKeyPrefix = "dispatch:session:"
	searchingZSetKey = "dispatch:searching"
)

// RedisStore persists sessions as JSON records plus a searching index ZSET
// scored by creation time, which gives queue ordering for free.
type RedisStore struct {
	client redis.Cmdable
	clock  domain.Clock
}

// NewRedisStore constructs the store.
func NewRedisStore(client redis.Cmdable, clock domain.Clock) *RedisStore {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &RedisStore{client: client, clock: clock}
}

func sessionKey(rideID uuid.UUID) string { return sessionKeyPrefix + rideID.String() }

func (r *RedisStore) ttlFor(sess domain.MatchingSession) time.Duration {
	if sess.Status.Terminal() {
		return ArchiveGrace
	}
	ttl := sess.ExpiresAt.Sub(r.clock.Now()) + ArchiveGrace
	if ttl < ArchiveGrace {
		ttl = ArchiveGrace
	}
	return ttl
}

// Create stores the session once; a live record for the ride means the
// request is a duplicate.
func (r *RedisStore) Create(ctx context.Context, sess domain.MatchingSession) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, sessionKey(sess.RideID), payload, r.ttlFor(sess)).Result()
	if err != nil {
		return fmt.Errorf("redis setnx session: %w", err)
	}
	if !ok {
		return domain.ErrDuplicateSession
	}
	if sess.Status == domain.SessionSearching {
		if err := r.client.ZAdd(ctx, searchingZSetKey, redis.Z{
			Score:  float64(sess.CreatedAt.UnixMilli()),
			Member: sess.RideID.String(),
		}).Err(); err != nil {
			return fmt.Errorf("redis zadd searching: %w", err)
		}
	}
	return nil
}

// Get loads the session.
func (r *RedisStore) Get(ctx context.Context, rideID uuid.UUID) (domain.MatchingSession, error) {
	raw, err := r.client.Get(ctx, sessionKey(rideID)).Bytes()
	if err == redis.Nil {
		return domain.MatchingSession{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.MatchingSession{}, fmt.Errorf("redis get session: %w", err)
	}
	var sess domain.MatchingSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return domain.MatchingSession{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

// Update replaces the record and keeps the searching index in step. Terminal
// sessions shrink to the archive grace TTL.
func (r *RedisStore) Update(ctx context.Context, sess domain.MatchingSession) error {
	sess.UpdatedAt = r.clock.Now()
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.RideID), payload, r.ttlFor(sess))
	if sess.Status == domain.SessionSearching {
		pipe.ZAdd(ctx, searchingZSetKey, redis.Z{
			Score:  float64(sess.CreatedAt.UnixMilli()),
			Member: sess.RideID.String(),
		})
	} else {
		pipe.ZRem(ctx, searchingZSetKey, sess.RideID.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis update session: %w", err)
	}
	return nil
}

// SearchingIDs returns searching rides in creation order.
func (r *RedisStore) SearchingIDs(ctx context.Context) ([]uuid.UUID, error) {
	members, err := r.client.ZRange(ctx, searchingZSetKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange searching: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, raw := range members {
		if id, perr := uuid.Parse(raw); perr == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Searching loads the records behind SearchingIDs, pruning index entries
// whose session record already expired.
func (r *RedisStore) Searching(ctx context.Context) ([]domain.MatchingSession, error) {
	ids, err := r.SearchingIDs(ctx)
	if err != nil {
		return nil, err
	}
	sessions := make([]domain.MatchingSession, 0, len(ids))
	for _, id := range ids {
		sess, err := r.Get(ctx, id)
		if err == domain.ErrSessionNotFound {
			_ = r.client.ZRem(ctx, searchingZSetKey, id.String())
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.Status == domain.SessionSearching {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}
