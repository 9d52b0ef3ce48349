package lock

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(worker string, kv KV, clock *fakeClock) *Manager {
	return NewManager(kv, worker, Options{
		TTL:        time.Hour, // keep KV expiry out of staleness tests
		StaleAfter: 300 * time.Second,
		Clock:      clock.Now,
	}, slog.New(slog.DiscardHandler))
}

func TestAcquireReleaseCycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	kv := NewMemoryKV(clock.Now)
	workerA := newTestManager("worker-a", kv, clock)
	workerB := newTestManager("worker-b", kv, clock)

	ok, err := workerA.Acquire(ctx, types.TaskBacktest, "42", "exec-1")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = workerB.Acquire(ctx, types.TaskBacktest, "42", "exec-1")
	if err != nil || ok {
		t.Fatalf("contended acquire: ok=%v err=%v, want false", ok, err)
	}

	held, holder, err := workerB.Held(ctx, types.TaskBacktest, "42")
	if err != nil || !held || holder != "worker-a" {
		t.Fatalf("held=%v holder=%q err=%v, want worker-a", held, holder, err)
	}

	if err := workerA.Release(ctx, types.TaskBacktest, "42"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = workerB.Acquire(ctx, types.TaskBacktest, "42", "exec-1")
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestLocksAreScopedByTypeAndID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	kv := NewMemoryKV(clock.Now)
	mgr := newTestManager("worker-a", kv, clock)

	for _, key := range []struct {
		taskType types.TaskType
		id       string
	}{
		{types.TaskBacktest, "1"},
		{types.TaskBacktest, "2"},
		{types.TaskTrading, "1"},
	} {
		ok, err := mgr.Acquire(ctx, key.taskType, key.id, "exec-1")
		if err != nil || !ok {
			t.Fatalf("acquire %s/%s: ok=%v err=%v", key.taskType, key.id, ok, err)
		}
	}
}

func TestSweepReapsOnlyStaleLocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	kv := NewMemoryKV(clock.Now)
	mgr := newTestManager("worker-a", kv, clock)

	if ok, _ := mgr.Acquire(ctx, types.TaskBacktest, "stale", "exec-1"); !ok {
		t.Fatal("acquire stale")
	}
	clock.Advance(200 * time.Second)
	if ok, _ := mgr.Acquire(ctx, types.TaskTrading, "fresh", "exec-1"); !ok {
		t.Fatal("acquire fresh")
	}

	// 301s after the stale lock's heartbeat, 101s after the fresh one's.
	clock.Advance(101 * time.Second)
	reaped, err := mgr.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(reaped) != 1 || reaped[0] != "task_lock:BACKTEST:stale" {
		t.Fatalf("reaped = %v, want exactly the stale lock", reaped)
	}

	// The reaped task can be re-acquired; the fresh one stays held.
	if ok, _ := mgr.Acquire(ctx, types.TaskBacktest, "stale", "exec-1"); !ok {
		t.Error("re-acquire after reap failed")
	}
	if ok, _ := mgr.Acquire(ctx, types.TaskTrading, "fresh", "exec-1"); ok {
		t.Error("fresh lock was reaped")
	}
}

func TestHeartbeatKeepsLockFresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	kv := NewMemoryKV(clock.Now)
	mgr := newTestManager("worker-a", kv, clock)

	if ok, _ := mgr.Acquire(ctx, types.TaskTrading, "7", "exec-1"); !ok {
		t.Fatal("acquire")
	}
	for i := 0; i < 5; i++ {
		clock.Advance(200 * time.Second)
		if err := mgr.Heartbeat(ctx, types.TaskTrading, "7"); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}
	reaped, err := mgr.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(reaped) != 0 {
		t.Fatalf("reaped = %v, want none while heartbeating", reaped)
	}
}

func TestHeartbeatDoesNotResurrectLostLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	kv := NewMemoryKV(clock.Now)
	workerA := newTestManager("worker-a", kv, clock)
	workerB := newTestManager("worker-b", kv, clock)

	if ok, _ := workerA.Acquire(ctx, types.TaskTrading, "7", "exec-1"); !ok {
		t.Fatal("acquire")
	}
	// The sweeper (or an operator) takes the lock away mid-run.
	if err := workerA.Release(ctx, types.TaskTrading, "7"); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := workerA.Heartbeat(ctx, types.TaskTrading, "7"); err == nil {
		t.Fatal("heartbeat on a lost lock succeeded, want an error")
	}
	if held, _, _ := workerA.Held(ctx, types.TaskTrading, "7"); held {
		t.Fatal("heartbeat recreated the lost lock")
	}
	if ok, _ := workerB.Acquire(ctx, types.TaskTrading, "7", "exec-2"); !ok {
		t.Fatal("the freed lock must be acquirable by another worker")
	}
}

func TestSweepClearsCancelFlag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	kv := NewMemoryKV(clock.Now)
	mgr := newTestManager("worker-a", kv, clock)

	if ok, _ := mgr.Acquire(ctx, types.TaskTrading, "9", "exec-1"); !ok {
		t.Fatal("acquire")
	}
	if err := mgr.RequestCancel(ctx, types.TaskTrading, "9"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	clock.Advance(301 * time.Second)
	reaped, err := mgr.Sweep(ctx)
	if err != nil || len(reaped) != 1 {
		t.Fatalf("sweep: reaped=%v err=%v, want one", reaped, err)
	}
	if got, _ := mgr.CancelRequested(ctx, types.TaskTrading, "9"); got {
		t.Error("cancel flag survived the sweep")
	}
}

func TestCancelFlagLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	kv := NewMemoryKV(clock.Now)
	mgr := newTestManager("worker-a", kv, clock)

	if ok, _ := mgr.Acquire(ctx, types.TaskTrading, "9", "exec-1"); !ok {
		t.Fatal("acquire")
	}
	if got, _ := mgr.CancelRequested(ctx, types.TaskTrading, "9"); got {
		t.Error("cancel set before request")
	}
	if err := mgr.RequestCancel(ctx, types.TaskTrading, "9"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if got, _ := mgr.CancelRequested(ctx, types.TaskTrading, "9"); !got {
		t.Error("cancel not visible after request")
	}

	// A fresh acquire clears any leftover cancel flag.
	if err := mgr.Release(ctx, types.TaskTrading, "9"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := mgr.Acquire(ctx, types.TaskTrading, "9", "exec-1"); !ok {
		t.Fatal("re-acquire")
	}
	if got, _ := mgr.CancelRequested(ctx, types.TaskTrading, "9"); got {
		t.Error("cancel flag survived re-acquire")
	}
}
