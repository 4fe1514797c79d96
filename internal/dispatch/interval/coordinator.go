// Package interval provides at-most-once execution of recurring background
// tasks across a fleet of identical processes. The shared store holds only
// scheduling metadata and dedup locks; callbacks stay in the memory of the
// process that registered them.
package interval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

// TaskStatus gates execution without destroying the schedule.
type TaskStatus string

const (
	TaskActive TaskStatus = "active"
	TaskPaused TaskStatus = "paused"
)

// Task is the store-side record of a recurring task. The callback is never
// serialized.
type Task struct {
	ID            string            `json:"id"`
	Key           string            `json:"key"`
	OwnerInstance string            `json:"owner_instance"`
	Period        time.Duration     `json:"period"`
	LastExecuted  time.Time         `json:"last_executed"`
	NextExecution time.Time         `json:"next_execution"`
	Status        TaskStatus        `json:"status"`
	Data          map[string]string `json:"data,omitempty"`
}

const (
	taskKeyPrefix     = "interval:task:"
	byKeyPrefix       = "interval:bykey:"
	byInstancePrefix  = "interval:byinstance:"
	execLockPrefix    = "interval:lock:"
	heartbeatPrefix   = "interval:hb:"
	dupGuardFraction  = 0.8
	defaultLockTTL    = 5 * time.Second
	defaultHeartbeat  = 30 * time.Second
	defaultStaleAfter = 5 * time.Minute
	defaultSweepEvery = 5 * time.Minute
)

// Config tunes coordination timing. Zero values take the documented defaults.
type Config struct {
	HeartbeatInterval time.Duration // default 30s
	StaleAfter        time.Duration // owner considered dead, default 5m
	SweepInterval     time.Duration // orphan sweep cadence, default 5m
	LockTTL           time.Duration // execution lock expiry, default 5s
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeat
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepEvery
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	return c
}

type localTask struct {
	cancel   context.CancelFunc
	callback func(context.Context)
}

// Coordinator schedules local timers for tasks this process registered and
// arbitrates execution across the fleet through the shared store.
type Coordinator struct {
	client     redis.Cmdable
	logger     *zap.Logger
	clock      domain.Clock
	instanceID string
	cfg        Config

	// RecoveryHook runs after the orphan sweep reclaimed tasks from a dead
	// instance, so the survivor can re-register the work (e.g. resume
	// in-flight matching sessions). Optional.
	RecoveryHook func(ctx context.Context)

	mu    sync.Mutex
	local map[string]*localTask
}

// NewCoordinator constructs a coordinator for this instance.
func NewCoordinator(client redis.Cmdable, logger *zap.Logger, clock domain.Clock, instanceID string, cfg Config) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &Coordinator{
		client:     client,
		logger:     logger,
		clock:      clock,
		instanceID: instanceID,
		cfg:        cfg.withDefaults(),
		local:      make(map[string]*localTask),
	}
}

// InstanceID returns this process's coordination identity.
func (c *Coordinator) InstanceID() string { return c.instanceID }

func taskKey(id string) string             { return taskKeyPrefix + id }
func byKeyKey(key string) string           { return byKeyPrefix + key }
func byInstanceKey(instance string) string { return byInstancePrefix + instance }
func execLockKey(id string) string         { return execLockPrefix + id }
func heartbeatKey(instance string) string  { return heartbeatPrefix + instance }

func metadataTTL(period time.Duration) time.Duration {
	ttl := 3 * period
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// Run writes heartbeats and sweeps orphans until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.beat(ctx)
	hb := time.NewTicker(c.cfg.HeartbeatInterval)
	defer hb.Stop()
	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			c.stopAllLocal()
			return ctx.Err()
		case <-hb.C:
			c.beat(ctx)
		case <-sweep.C:
			if reclaimed, err := c.SweepOrphans(ctx); err != nil {
				c.logger.Warn("orphan sweep failed", zap.Error(err))
			} else if reclaimed > 0 && c.RecoveryHook != nil {
				c.RecoveryHook(ctx)
			}
		}
	}
}

func (c *Coordinator) beat(ctx context.Context) {
	if err := c.client.Set(ctx, heartbeatKey(c.instanceID), c.clock.Now().UnixMilli(), c.cfg.StaleAfter).Err(); err != nil {
		c.logger.Warn("heartbeat write failed", zap.Error(err))
	}
}

// Create registers a recurring task. Metadata goes to the shared store; the
// callback and its timer stay local. Returns the task id.
func (c *Coordinator) Create(ctx context.Context, key string, period time.Duration, data map[string]string, callback func(context.Context)) (string, error) {
	if period <= 0 {
		return "", fmt.Errorf("interval period must be positive")
	}
	if callback == nil {
		return "", fmt.Errorf("interval callback is required")
	}
	id := uuid.NewString()
	now := c.clock.Now()
	task := Task{
		ID:            id,
		Key:           key,
		OwnerInstance: c.instanceID,
		Period:        period,
		NextExecution: now.Add(period),
		Status:        TaskActive,
		Data:          data,
	}
	if err := c.writeTask(ctx, task); err != nil {
		return "", err
	}
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, byKeyKey(key), id)
	pipe.SAdd(ctx, byInstanceKey(c.instanceID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("task index write failed", zap.Error(err))
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.local[id] = &localTask{cancel: cancel, callback: callback}
	c.mu.Unlock()
	go c.runTimer(taskCtx, id, period)

	tasksCreated.Inc()
	return id, nil
}

func (c *Coordinator) writeTask(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := c.client.Set(ctx, taskKey(task.ID), payload, metadataTTL(task.Period)).Err(); err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	return nil
}

func (c *Coordinator) readTask(ctx context.Context, id string) (Task, bool, error) {
	raw, err := c.client.Get(ctx, taskKey(id)).Bytes()
	if err == redis.Nil {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("read task: %w", err)
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, false, fmt.Errorf("unmarshal task: %w", err)
	}
	return task, true, nil
}

func (c *Coordinator) runTimer(ctx context.Context, id string, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stop := c.Tick(ctx, id); stop {
				c.dropLocal(id)
				return
			}
		}
	}
}

// Tick runs one scheduling round for the task. Returns true when the local
// timer should stop (metadata gone). Exported for deterministic tests; the
// local timer calls it on every period.
func (c *Coordinator) Tick(ctx context.Context, id string) (stop bool) {
	task, ok, err := c.readTask(ctx, id)
	if err != nil {
		c.logger.Warn("task read failed", zap.String("task_id", id), zap.Error(err))
		return false
	}
	if !ok {
		// Evicted or cleared elsewhere.
		return true
	}
	if task.Status == TaskPaused {
		return false
	}
	now := c.clock.Now()
	if !task.LastExecuted.IsZero() && now.Sub(task.LastExecuted) < time.Duration(dupGuardFraction*float64(task.Period)) {
		// Another instance already covered this tick.
		executionsTotal.WithLabelValues("duplicate_skip").Inc()
		return false
	}

	locked, err := c.client.SetNX(ctx, execLockKey(id), c.instanceID, c.cfg.LockTTL).Result()
	if err != nil {
		c.logger.Warn("execution lock failed", zap.String("task_id", id), zap.Error(err))
		return false
	}
	if !locked {
		executionsTotal.WithLabelValues("lock_lost").Inc()
		return false
	}
	defer func() {
		if err := c.client.Del(ctx, execLockKey(id)).Err(); err != nil {
			c.logger.Debug("execution lock release failed", zap.Error(err))
		}
	}()

	task.LastExecuted = now
	task.NextExecution = now.Add(task.Period)
	if err := c.writeTask(ctx, task); err != nil {
		c.logger.Warn("task refresh failed", zap.String("task_id", id), zap.Error(err))
	}

	c.mu.Lock()
	lt := c.local[id]
	c.mu.Unlock()
	if lt != nil {
		lt.callback(ctx)
		executionsTotal.WithLabelValues("executed").Inc()
	}
	return false
}

// Pause suspends execution without touching timers.
func (c *Coordinator) Pause(ctx context.Context, id string) error {
	return c.setStatus(ctx, id, TaskPaused)
}

// Resume re-enables a paused task.
func (c *Coordinator) Resume(ctx context.Context, id string) error {
	return c.setStatus(ctx, id, TaskActive)
}

func (c *Coordinator) setStatus(ctx context.Context, id string, status TaskStatus) error {
	task, ok, err := c.readTask(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("interval task %s not found", id)
	}
	task.Status = status
	return c.writeTask(ctx, task)
}

// UpdateData replaces the task payload.
func (c *Coordinator) UpdateData(ctx context.Context, id string, data map[string]string) error {
	task, ok, err := c.readTask(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("interval task %s not found", id)
	}
	task.Data = data
	return c.writeTask(ctx, task)
}

// Clear removes the task metadata and stops the local timer.
func (c *Coordinator) Clear(ctx context.Context, id string) error {
	task, ok, err := c.readTask(ctx, id)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, taskKey(id))
	pipe.Del(ctx, execLockKey(id))
	if ok {
		pipe.SRem(ctx, byKeyKey(task.Key), id)
		pipe.SRem(ctx, byInstanceKey(task.OwnerInstance), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear task: %w", err)
	}
	c.dropLocal(id)
	return nil
}

// ClearByKey removes every task registered under the key.
func (c *Coordinator) ClearByKey(ctx context.Context, key string) error {
	ids, err := c.client.SMembers(ctx, byKeyKey(key)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("list tasks by key: %w", err)
	}
	for _, id := range ids {
		if err := c.Clear(ctx, id); err != nil {
			return err
		}
	}
	return c.client.Del(ctx, byKeyKey(key)).Err()
}

// ClearInstance removes every task this instance owns. Called on shutdown.
func (c *Coordinator) ClearInstance(ctx context.Context) error {
	ids, err := c.client.SMembers(ctx, byInstanceKey(c.instanceID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("list instance tasks: %w", err)
	}
	for _, id := range ids {
		if err := c.Clear(ctx, id); err != nil {
			return err
		}
	}
	return c.client.Del(ctx, byInstanceKey(c.instanceID)).Err()
}

// SweepOrphans deletes task metadata owned by instances with stale
// heartbeats, so surviving instances can recreate the work. Returns the
// number of reclaimed tasks.
func (c *Coordinator) SweepOrphans(ctx context.Context) (int, error) {
	reclaimed := 0
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, taskKeyPrefix+"*", 100).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("scan tasks: %w", err)
		}
		for _, key := range keys {
			id := key[len(taskKeyPrefix):]
			task, ok, err := c.readTask(ctx, id)
			if err != nil || !ok {
				continue
			}
			if task.OwnerInstance == c.instanceID {
				continue
			}
			alive, err := c.client.Exists(ctx, heartbeatKey(task.OwnerInstance)).Result()
			if err != nil || alive > 0 {
				continue
			}
			if err := c.Clear(ctx, id); err != nil {
				c.logger.Warn("orphan clear failed", zap.String("task_id", id), zap.Error(err))
				continue
			}
			reclaimed++
			orphansReclaimed.Inc()
			c.logger.Info("reclaimed orphaned task",
				zap.String("task_id", id),
				zap.String("key", task.Key),
				zap.String("dead_instance", task.OwnerInstance))
		}
		cursor = next
		if cursor == 0 {
			return reclaimed, nil
		}
	}
}

func (c *Coordinator) dropLocal(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lt, ok := c.local[id]; ok {
		lt.cancel()
		delete(c.local, id)
	}
}

func (c *Coordinator) stopAllLocal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, lt := range c.local {
		lt.cancel()
		delete(c.local, id)
	}
}
