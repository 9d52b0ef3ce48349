package task

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/lock"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/store"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/ticks"
	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newRunnerEnv(t *testing.T, opts Options) (*store.Store, *lock.Manager, *Runner) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	s, err := store.OpenSQLite(logger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	kv := lock.NewMemoryKV(nil)
	locks := lock.NewManager(kv, "worker-a", lock.Options{}, logger)
	return s, locks, NewRunner(s, locks, opts, logger)
}

func seedBacktest(t *testing.T, s *store.Store, window time.Duration) *store.BacktestTask {
	t.Helper()
	ctx := context.Background()
	cfg := &store.StrategyConfig{
		Owner: "alice", Name: "floor eurusd", StrategyType: "floor", Instrument: "EUR_USD",
		Params: map[string]any{
			"base_lot_size": 1000, "take_profit_pips": 10, "retracement_pips": 15,
			"max_layers": 3, "max_retracements_per_layer": 2,
		},
	}
	if err := s.CreateStrategyConfig(ctx, cfg); err != nil {
		t.Fatalf("CreateStrategyConfig: %v", err)
	}
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	task := &store.BacktestTask{
		Owner: "alice", ConfigID: cfg.ID, Name: "june run",
		StartTime: start, EndTime: start.Add(window), Instrument: "EUR_USD",
		InitialBalance:     d("10000"),
		CommissionPerTrade: d("0.5"),
		MaxRetries:         3,
	}
	if err := s.CreateBacktestTask(ctx, task); err != nil {
		t.Fatalf("CreateBacktestTask: %v", err)
	}
	return task
}

func TestRunBacktestCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, locks, r := newRunnerEnv(t, Options{})
	task := seedBacktest(t, s, 2*time.Minute)

	if err := r.Start(ctx, types.TaskBacktest, task.ID, ActionSubmit); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status, _ := s.TaskStatus(ctx, types.TaskBacktest, task.ID)
	if status != types.TaskCompleted {
		t.Fatalf("status = %s, want COMPLETED", status)
	}

	got, _ := s.GetBacktestTask(ctx, task.ID)
	if got.Result == nil || got.Result["status"] != "COMPLETED" {
		t.Errorf("result = %v, want saved with status COMPLETED", got.Result)
	}
	if got.Result["ticks_processed"] != float64(120) {
		t.Errorf("ticks_processed = %v, want 120", got.Result["ticks_processed"])
	}
	if got.State == nil {
		t.Error("final strategy state not checkpointed")
	}

	execs, _ := s.Executions(ctx, types.TaskBacktest, task.ID)
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	if execs[0].Status != types.ExecutionCompleted || execs[0].Progress != 100 {
		t.Errorf("execution = %s progress %d, want COMPLETED at 100", execs[0].Status, execs[0].Progress)
	}

	// The lock came off with the run.
	ok, err := locks.Acquire(ctx, types.TaskBacktest, task.ID, "next-exec")
	if err != nil || !ok {
		t.Errorf("lock still held after run: ok=%v err=%v", ok, err)
	}

	var metrics []store.TaskMetric
	if err := s.DB().Find(&metrics, "task_id = ?", task.ID).Error; err != nil {
		t.Fatalf("load metrics: %v", err)
	}
	names := map[string]bool{}
	for _, m := range metrics {
		names[m.Name] = true
	}
	for _, want := range []string{"net_pl", "win_rate", "max_drawdown", "final_balance"} {
		if !names[want] {
			t.Errorf("final metric %s missing", want)
		}
	}
}

func TestStartRejectsNonStartActions(t *testing.T) {
	t.Parallel()
	_, _, r := newRunnerEnv(t, Options{})
	if err := r.Start(context.Background(), types.TaskBacktest, "any", ActionPause); !types.IsKind(err, types.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestStartSubmitOnRunningTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, r := newRunnerEnv(t, Options{})
	task := seedBacktest(t, s, time.Minute)
	if err := s.SetTaskStatus(ctx, types.TaskBacktest, task.ID, types.TaskRunning); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	if err := r.Start(ctx, types.TaskBacktest, task.ID, ActionSubmit); !types.IsKind(err, types.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestStartLockHeldByAnotherWorker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	s, err := store.OpenSQLite(logger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	kv := lock.NewMemoryKV(nil)
	locks := lock.NewManager(kv, "worker-a", lock.Options{}, logger)
	other := lock.NewManager(kv, "worker-b", lock.Options{}, logger)
	r := NewRunner(s, locks, Options{}, logger)
	task := seedBacktest(t, s, time.Minute)

	ok, err := other.Acquire(ctx, types.TaskBacktest, task.ID, "exec-elsewhere")
	if err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}

	err = r.Start(ctx, types.TaskBacktest, task.ID, ActionSubmit)
	if !types.IsKind(err, types.KindAlreadyRunning) {
		t.Fatalf("err = %v, want already running", err)
	}

	// The execution row records the collision instead of dangling RUNNING.
	execs, _ := s.Executions(ctx, types.TaskBacktest, task.ID)
	if len(execs) != 1 || execs[0].Status != types.ExecutionFailed {
		t.Fatalf("executions = %+v, want one FAILED", execs)
	}
	if execs[0].ErrorMessage == "" {
		t.Error("failed execution carries no error message")
	}

	// The task never flipped to RUNNING.
	status, _ := s.TaskStatus(ctx, types.TaskBacktest, task.ID)
	if status != types.TaskCreated {
		t.Errorf("status = %s, want CREATED", status)
	}
}

func TestRestartExhaustsRetryBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, r := newRunnerEnv(t, Options{})
	task := seedBacktest(t, s, time.Minute)
	if err := s.DB().Model(task).Updates(map[string]any{
		"status": types.TaskFailed, "retry_count": 3, "max_retries": 3,
	}).Error; err != nil {
		t.Fatalf("seed retries: %v", err)
	}

	err := r.Start(ctx, types.TaskBacktest, task.ID, ActionRestart)
	if !types.IsKind(err, types.KindRetryLimitExceeded) {
		t.Fatalf("err = %v, want retry limit exceeded", err)
	}
	status, _ := s.TaskStatus(ctx, types.TaskBacktest, task.ID)
	if status != types.TaskFailed {
		t.Errorf("status = %s, want still FAILED", status)
	}
}

// seedCrashedRun leaves a task the way a dead worker does once the
// sweeper has reaped its lock: execution row still RUNNING, no lock.
func seedCrashedRun(t *testing.T, s *store.Store, task *store.BacktestTask) *store.TaskExecution {
	t.Helper()
	ctx := context.Background()
	exec, err := s.CreateExecution(ctx, types.TaskBacktest, task.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.SetTaskStatus(ctx, types.TaskBacktest, task.ID, types.TaskRunning); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	return exec
}

func TestRestartAfterCrashedWorker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, r := newRunnerEnv(t, Options{})
	task := seedBacktest(t, s, time.Minute)
	seedCrashedRun(t, s, task)

	if err := r.Start(ctx, types.TaskBacktest, task.ID, ActionRestart); err != nil {
		t.Fatalf("restart after crash: %v", err)
	}

	status, _ := s.TaskStatus(ctx, types.TaskBacktest, task.ID)
	if status != types.TaskCompleted {
		t.Fatalf("status = %s, want COMPLETED", status)
	}
	execs, _ := s.Executions(ctx, types.TaskBacktest, task.ID)
	if len(execs) != 2 {
		t.Fatalf("executions = %d, want orphan + restart", len(execs))
	}
	if execs[0].Status != types.ExecutionFailed || execs[0].ErrorMessage == "" {
		t.Errorf("orphaned execution = %s %q, want FAILED with a message", execs[0].Status, execs[0].ErrorMessage)
	}
	if execs[1].Status != types.ExecutionCompleted {
		t.Errorf("restarted execution = %s, want COMPLETED", execs[1].Status)
	}
}

func TestRestartAfterCrashThenStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, locks, r := newRunnerEnv(t, Options{})
	task := seedBacktest(t, s, time.Minute)
	seedCrashedRun(t, s, task)

	// An operator stops the apparently-running task before restarting it.
	lc := NewLifecycle(s, locks, slog.New(slog.DiscardHandler))
	if _, err := lc.Apply(ctx, types.TaskBacktest, task.ID, ActionStop); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if err := r.Start(ctx, types.TaskBacktest, task.ID, ActionRestart); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	status, _ := s.TaskStatus(ctx, types.TaskBacktest, task.ID)
	if status != types.TaskCompleted {
		t.Fatalf("status = %s, want COMPLETED", status)
	}
	execs, _ := s.Executions(ctx, types.TaskBacktest, task.ID)
	if len(execs) != 2 || execs[0].Status != types.ExecutionFailed {
		t.Fatalf("executions = %+v, want healed orphan + completed restart", execs)
	}
}

func TestHealLeavesLiveRunAlone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, locks, r := newRunnerEnv(t, Options{})
	task := seedBacktest(t, s, time.Minute)
	exec := seedCrashedRun(t, s, task)
	if ok, err := locks.Acquire(ctx, types.TaskBacktest, task.ID, exec.ID); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// The lock is held, so this run is alive and restart stays illegal.
	err := r.Start(ctx, types.TaskBacktest, task.ID, ActionRestart)
	if !types.IsKind(err, types.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	execs, _ := s.Executions(ctx, types.TaskBacktest, task.ID)
	if len(execs) != 1 || execs[0].Status != types.ExecutionRunning {
		t.Fatalf("executions = %+v, want the live one untouched", execs)
	}
}

// cancellingSource raises the task's cancel flag after a fixed number of
// ticks, mimicking a stop request arriving mid-run.
type cancellingSource struct {
	inner  ticks.Source
	after  int
	served int
	cancel func()
}

func (c *cancellingSource) Next(ctx context.Context) (types.Tick, bool, error) {
	if c.served == c.after {
		c.cancel()
	}
	c.served++
	return c.inner.Next(ctx)
}

func TestBacktestStopsOnCancelRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	s, err := store.OpenSQLite(logger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	locks := lock.NewManager(lock.NewMemoryKV(nil), "worker-a", lock.Options{}, logger)
	task := seedBacktest(t, s, 2*time.Minute)

	// The lock acquisition at run start clears any stale cancel flag, so
	// the request has to land after the run is under way.
	loader := func(ctx context.Context, bt *store.BacktestTask) (ticks.Source, int, error) {
		src, total, err := SyntheticBacktestTicks(ctx, bt)
		if err != nil {
			return nil, 0, err
		}
		return &cancellingSource{inner: src, after: 10, cancel: func() {
			if err := locks.RequestCancel(ctx, types.TaskBacktest, task.ID); err != nil {
				t.Errorf("RequestCancel: %v", err)
			}
		}}, total, nil
	}
	r := NewRunner(s, locks, Options{BacktestTicks: loader}, logger)

	if err := r.Start(ctx, types.TaskBacktest, task.ID, ActionSubmit); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status, _ := s.TaskStatus(ctx, types.TaskBacktest, task.ID)
	if status != types.TaskStopped {
		t.Fatalf("status = %s, want STOPPED", status)
	}
	got, _ := s.GetBacktestTask(ctx, task.ID)
	if got.Result == nil || got.Result["status"] != "STOPPED" {
		t.Errorf("result = %v, want partial result with status STOPPED", got.Result)
	}
	if ticksDone, ok := got.Result["ticks_processed"].(float64); !ok || ticksDone >= 120 {
		t.Errorf("ticks_processed = %v, want a partial count", got.Result["ticks_processed"])
	}
	execs, _ := s.Executions(ctx, types.TaskBacktest, task.ID)
	if len(execs) != 1 || execs[0].Status != types.ExecutionStopped {
		t.Fatalf("executions = %+v, want one STOPPED", execs)
	}
}

func TestSyntheticBacktestTicksEmptyRange(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	_, _, err := SyntheticBacktestTicks(context.Background(), &store.BacktestTask{
		Instrument: "EUR_USD", StartTime: start, EndTime: start,
	})
	if !types.IsKind(err, types.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestSyntheticBacktestTicksReproducible(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	task := &store.BacktestTask{Instrument: "EUR_USD", StartTime: start, EndTime: start.Add(30 * time.Second)}

	a, totalA, err := SyntheticBacktestTicks(ctx, task)
	if err != nil {
		t.Fatalf("first expansion: %v", err)
	}
	b, totalB, err := SyntheticBacktestTicks(ctx, task)
	if err != nil {
		t.Fatalf("second expansion: %v", err)
	}
	if totalA != 30 || totalB != 30 {
		t.Fatalf("totals = %d, %d, want 30 each", totalA, totalB)
	}
	for i := 0; i < totalA; i++ {
		ta, _, _ := a.Next(ctx)
		tb, _, _ := b.Next(ctx)
		if !ta.Bid.Equal(tb.Bid) || !ta.Ask.Equal(tb.Ask) || !ta.Time.Equal(tb.Time) {
			t.Fatalf("tick %d diverges: %v vs %v", i, ta, tb)
		}
	}
}
