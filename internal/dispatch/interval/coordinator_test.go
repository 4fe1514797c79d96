package interval_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/dispatchcore/internal/dispatch/interval"
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

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

// longPeriod keeps the background timer quiet so tests drive Tick directly.
const longPeriod = time.Hour

func TestCreateValidation(t *testing.T) {
	_, client := newRedis(t)
	c := interval.NewCoordinator(client, nil, newFakeClock(), "inst-a", interval.Config{})
	ctx := context.Background()

	_, err := c.Create(ctx, "k", 0, nil, func(context.Context) {})
	require.Error(t, err)
	_, err = c.Create(ctx, "k", time.Second, nil, nil)
	require.Error(t, err)
}

func TestTickExecutesAndGuardsDuplicates(t *testing.T) {
	_, client := newRedis(t)
	clock := newFakeClock()
	c := interval.NewCoordinator(client, nil, clock, "inst-a", interval.Config{})
	ctx := context.Background()

	var runs atomic.Int32
	id, err := c.Create(ctx, "report", longPeriod, nil, func(context.Context) {
		runs.Add(1)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Clear(ctx, id) })

	require.False(t, c.Tick(ctx, id))
	require.Equal(t, int32(1), runs.Load())

	// within the dup-guard window nothing runs again
	clock.Advance(longPeriod / 2)
	require.False(t, c.Tick(ctx, id))
	require.Equal(t, int32(1), runs.Load())

	// past 0.8x the period the task is due again
	clock.Advance(longPeriod / 2)
	require.False(t, c.Tick(ctx, id))
	require.Equal(t, int32(2), runs.Load())
}

func TestTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	mr, client := newRedis(t)
	clock := newFakeClock()
	c := interval.NewCoordinator(client, nil, clock, "inst-a", interval.Config{})
	ctx := context.Background()

	var runs atomic.Int32
	id, err := c.Create(ctx, "report", longPeriod, nil, func(context.Context) {
		runs.Add(1)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Clear(ctx, id) })

	// another instance holds the execution lock
	require.NoError(t, mr.Set("interval:lock:"+id, "inst-b"))

	require.False(t, c.Tick(ctx, id))
	require.Equal(t, int32(0), runs.Load())

	mr.Del("interval:lock:" + id)
	require.False(t, c.Tick(ctx, id))
	require.Equal(t, int32(1), runs.Load())
}

func TestPauseAndResume(t *testing.T) {
	_, client := newRedis(t)
	clock := newFakeClock()
	c := interval.NewCoordinator(client, nil, clock, "inst-a", interval.Config{})
	ctx := context.Background()

	var runs atomic.Int32
	id, err := c.Create(ctx, "report", longPeriod, nil, func(context.Context) {
		runs.Add(1)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Clear(ctx, id) })

	require.NoError(t, c.Pause(ctx, id))
	require.False(t, c.Tick(ctx, id))
	require.Equal(t, int32(0), runs.Load())

	require.NoError(t, c.Resume(ctx, id))
	require.False(t, c.Tick(ctx, id))
	require.Equal(t, int32(1), runs.Load())
}

func TestClearStopsTheTask(t *testing.T) {
	_, client := newRedis(t)
	c := interval.NewCoordinator(client, nil, newFakeClock(), "inst-a", interval.Config{})
	ctx := context.Background()

	id, err := c.Create(ctx, "report", longPeriod, nil, func(context.Context) {})
	require.NoError(t, err)
	require.NoError(t, c.Clear(ctx, id))

	// metadata gone: the next tick tells the timer to stop
	require.True(t, c.Tick(ctx, id))
}

func TestClearByKeyRemovesAllTasksUnderKey(t *testing.T) {
	_, client := newRedis(t)
	c := interval.NewCoordinator(client, nil, newFakeClock(), "inst-a", interval.Config{})
	ctx := context.Background()

	first, err := c.Create(ctx, "locpush:ride-1", longPeriod, nil, func(context.Context) {})
	require.NoError(t, err)
	second, err := c.Create(ctx, "locpush:ride-1", longPeriod, nil, func(context.Context) {})
	require.NoError(t, err)
	other, err := c.Create(ctx, "locpush:ride-2", longPeriod, nil, func(context.Context) {})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Clear(ctx, other) })

	require.NoError(t, c.ClearByKey(ctx, "locpush:ride-1"))
	require.True(t, c.Tick(ctx, first))
	require.True(t, c.Tick(ctx, second))
	require.False(t, c.Tick(ctx, other))
}

func TestUpdateDataReplacesPayload(t *testing.T) {
	_, client := newRedis(t)
	c := interval.NewCoordinator(client, nil, newFakeClock(), "inst-a", interval.Config{})
	ctx := context.Background()

	id, err := c.Create(ctx, "report", longPeriod, map[string]string{"v": "1"}, func(context.Context) {})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Clear(ctx, id) })

	require.NoError(t, c.UpdateData(ctx, id, map[string]string{"v": "2"}))
	require.Error(t, c.UpdateData(ctx, "missing", nil))
}

func TestSweepOrphansReclaimsDeadInstanceTasks(t *testing.T) {
	_, client := newRedis(t)
	clock := newFakeClock()
	ctx := context.Background()

	dead := interval.NewCoordinator(client, nil, clock, "inst-dead", interval.Config{})
	orphan, err := dead.Create(ctx, "report", longPeriod, nil, func(context.Context) {})
	require.NoError(t, err)

	survivor := interval.NewCoordinator(client, nil, clock, "inst-live", interval.Config{})
	var recovered atomic.Bool
	survivor.RecoveryHook = func(context.Context) { recovered.Store(true) }
	own, err := survivor.Create(ctx, "report", longPeriod, nil, func(context.Context) {})
	require.NoError(t, err)
	t.Cleanup(func() { _ = survivor.Clear(ctx, own) })

	// inst-dead never wrote a heartbeat, so its task is an orphan
	reclaimed, err := survivor.SweepOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)
	require.True(t, dead.Tick(ctx, orphan))

	// the survivor's own task is untouched
	require.False(t, survivor.Tick(ctx, own))
}

func TestSweepOrphansSparesInstancesWithHeartbeat(t *testing.T) {
	_, client := newRedis(t)
	clock := newFakeClock()
	ctx := context.Background()

	other := interval.NewCoordinator(client, nil, clock, "inst-other", interval.Config{})
	id, err := other.Create(ctx, "report", longPeriod, nil, func(context.Context) {})
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Clear(ctx, id) })

	// a live heartbeat protects the owner's tasks
	require.NoError(t, client.Set(ctx, "interval:hb:inst-other", clock.Now().UnixMilli(), time.Minute).Err())

	survivor := interval.NewCoordinator(client, nil, clock, "inst-live", interval.Config{})
	reclaimed, err := survivor.SweepOrphans(ctx)
	require.NoError(t, err)
	require.Zero(t, reclaimed)
	require.False(t, other.Tick(ctx, id))
}

func TestClearInstanceDropsOwnTasksOnly(t *testing.T) {
	_, client := newRedis(t)
	clock := newFakeClock()
	ctx := context.Background()

	a := interval.NewCoordinator(client, nil, clock, "inst-a", interval.Config{})
	b := interval.NewCoordinator(client, nil, clock, "inst-b", interval.Config{})

	mine, err := a.Create(ctx, "report", longPeriod, nil, func(context.Context) {})
	require.NoError(t, err)
	theirs, err := b.Create(ctx, "report", longPeriod, nil, func(context.Context) {})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Clear(ctx, theirs) })

	require.NoError(t, a.ClearInstance(ctx))
	require.True(t, a.Tick(ctx, mine))
	require.False(t, b.Tick(ctx, theirs))
}
