package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// Key layout in the shared store.
const (
	lockKeyFmt      = "task_lock:%s:%s"
	heartbeatKeyFmt = "task_heartbeat:%s:%s"
	cancelKeyFmt    = "task_cancel:%s:%s"
)

// Options tune one manager. Zero values fall back to the defaults used in
// production config.
type Options struct {
	// TTL on the lock and heartbeat keys.
	TTL time.Duration
	// StaleAfter is how long a heartbeat may age before the sweeper reaps
	// the lock.
	StaleAfter time.Duration
	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

// Manager implements the lock protocol over a KV store. One instance per
// worker process; WorkerID names this worker in lock values.
type Manager struct {
	kv         KV
	workerID   string
	ttl        time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewManager(kv KV, workerID string, opts Options, logger *slog.Logger) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 300 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 300 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		kv:         kv,
		workerID:   workerID,
		ttl:        opts.TTL,
		staleAfter: opts.StaleAfter,
		now:        opts.Clock,
		logger:     logger.With("component", "lock", "worker", workerID),
	}
}

func lockKey(taskType types.TaskType, taskID string) string {
	return fmt.Sprintf(lockKeyFmt, taskType, taskID)
}

func heartbeatKey(taskType types.TaskType, taskID string) string {
	return fmt.Sprintf(heartbeatKeyFmt, taskType, taskID)
}

func cancelKey(taskType types.TaskType, taskID string) string {
	return fmt.Sprintf(cancelKeyFmt, taskType, taskID)
}

// Acquire attempts an atomic conditional set of the lock key, recording
// the worker and execution holding it. Returns false when another worker
// holds the lock. A successful acquire writes the first heartbeat and
// clears any stale cancel flag.
func (m *Manager) Acquire(ctx context.Context, taskType types.TaskType, taskID, executionID string) (bool, error) {
	value := m.workerID + "|" + executionID
	ok, err := m.kv.SetNX(ctx, lockKey(taskType, taskID), value, m.ttl)
	if err != nil {
		return false, types.Wrap(types.KindTransport, err, "acquire lock %s/%s", taskType, taskID)
	}
	if !ok {
		return false, nil
	}
	if err := m.Heartbeat(ctx, taskType, taskID); err != nil {
		return false, err
	}
	if err := m.kv.Del(ctx, cancelKey(taskType, taskID)); err != nil {
		return false, types.Wrap(types.KindTransport, err, "clear cancel %s/%s", taskType, taskID)
	}
	m.logger.Debug("lock acquired", "task_type", string(taskType), "task_id", taskID, "execution_id", executionID)
	return true, nil
}

// Heartbeat refreshes the heartbeat timestamp and re-extends the lock TTL,
// preserving the recorded worker and execution. A missing lock means it
// was released or reaped out from under this worker; it is never
// recreated here, so the caller can abort instead of running unlocked.
func (m *Manager) Heartbeat(ctx context.Context, taskType types.TaskType, taskID string) error {
	value, err := m.kv.Get(ctx, lockKey(taskType, taskID))
	if errors.Is(err, ErrNotFound) {
		return types.E(types.KindInternal, "lock %s/%s lost: released or reaped", taskType, taskID)
	}
	if err != nil {
		return types.Wrap(types.KindTransport, err, "read lock %s/%s", taskType, taskID)
	}
	ts := m.now().UTC().Format(time.RFC3339Nano)
	if err := m.kv.Set(ctx, heartbeatKey(taskType, taskID), ts, m.ttl); err != nil {
		return types.Wrap(types.KindTransport, err, "heartbeat %s/%s", taskType, taskID)
	}
	if err := m.kv.Set(ctx, lockKey(taskType, taskID), value, m.ttl); err != nil {
		return types.Wrap(types.KindTransport, err, "extend lock %s/%s", taskType, taskID)
	}
	return nil
}

// Release deletes the lock, heartbeat and cancel keys. Safe to call when
// not held.
func (m *Manager) Release(ctx context.Context, taskType types.TaskType, taskID string) error {
	err := m.kv.Del(ctx,
		lockKey(taskType, taskID),
		heartbeatKey(taskType, taskID),
		cancelKey(taskType, taskID))
	if err != nil {
		return types.Wrap(types.KindTransport, err, "release lock %s/%s", taskType, taskID)
	}
	m.logger.Debug("lock released", "task_type", string(taskType), "task_id", taskID)
	return nil
}

// Held reports whether any worker currently holds the lock, and which.
func (m *Manager) Held(ctx context.Context, taskType types.TaskType, taskID string) (bool, string, error) {
	value, err := m.kv.Get(ctx, lockKey(taskType, taskID))
	if errors.Is(err, ErrNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", types.Wrap(types.KindTransport, err, "check lock %s/%s", taskType, taskID)
	}
	worker, _, _ := strings.Cut(value, "|")
	return true, worker, nil
}

// RequestCancel raises the cancellation flag polled by the running
// execution between ticks.
func (m *Manager) RequestCancel(ctx context.Context, taskType types.TaskType, taskID string) error {
	if err := m.kv.Set(ctx, cancelKey(taskType, taskID), "1", m.ttl); err != nil {
		return types.Wrap(types.KindTransport, err, "request cancel %s/%s", taskType, taskID)
	}
	return nil
}

// CancelRequested reports whether the cancel flag is set.
func (m *Manager) CancelRequested(ctx context.Context, taskType types.TaskType, taskID string) (bool, error) {
	_, err := m.kv.Get(ctx, cancelKey(taskType, taskID))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, types.Wrap(types.KindTransport, err, "check cancel %s/%s", taskType, taskID)
	}
	return true, nil
}

// ClearCancel lowers the cancellation flag.
func (m *Manager) ClearCancel(ctx context.Context, taskType types.TaskType, taskID string) error {
	if err := m.kv.Del(ctx, cancelKey(taskType, taskID)); err != nil {
		return types.Wrap(types.KindTransport, err, "clear cancel %s/%s", taskType, taskID)
	}
	return nil
}

// Sweep walks every lock key with a cursor scan and reaps locks whose
// heartbeat is missing or older than the stale threshold. Returns the
// reaped lock keys.
func (m *Manager) Sweep(ctx context.Context) ([]string, error) {
	var reaped []string
	var cursor uint64
	for {
		keys, next, err := m.kv.Scan(ctx, cursor, "task_lock:*", 100)
		if err != nil {
			return reaped, types.Wrap(types.KindTransport, err, "scan locks")
		}
		for _, key := range keys {
			stale, err := m.isStale(ctx, key)
			if err != nil {
				return reaped, err
			}
			if !stale {
				continue
			}
			// The three keys share a lifecycle, so the cancel flag goes
			// with the lock exactly as in Release.
			suffix := key[len("task_lock:"):]
			if err := m.kv.Del(ctx, key, "task_heartbeat:"+suffix, "task_cancel:"+suffix); err != nil {
				return reaped, types.Wrap(types.KindTransport, err, "reap %s", key)
			}
			m.logger.Warn("reaped stale lock", "key", key)
			reaped = append(reaped, key)
		}
		cursor = next
		if cursor == 0 {
			return reaped, nil
		}
	}
}

func (m *Manager) isStale(ctx context.Context, key string) (bool, error) {
	hbKey := "task_heartbeat:" + key[len("task_lock:"):]
	ts, err := m.kv.Get(ctx, hbKey)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, types.Wrap(types.KindTransport, err, "read heartbeat %s", hbKey)
	}
	beat, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		// Unparseable heartbeat counts as stale rather than wedging the
		// lock forever.
		return true, nil
	}
	return m.now().Sub(beat) > m.staleAfter, nil
}
