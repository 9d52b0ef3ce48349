package task

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/backtest"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/lock"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/orders"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/store"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/strategy"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/ticks"
	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// maxBacktestTicks caps how many ticks a synthetic backtest range
// expands to, one per second of the requested window.
const maxBacktestTicks = 200_000

// OrderSubmitter is the slice of the order executor a trading run needs.
// *orders.Executor satisfies it.
type OrderSubmitter interface {
	Submit(ctx context.Context, req orders.Request) (*store.Order, error)
}

// BacktestTickLoader resolves a task's historical tick stream and its
// total length for progress reporting.
type BacktestTickLoader func(ctx context.Context, task *store.BacktestTask) (ticks.Source, int, error)

// LiveTickFeed resolves the live quote stream for a trading run.
type LiveTickFeed func(ctx context.Context, accountID, instrument string) (<-chan types.Tick, error)

// Options tune a Runner. Zero values fall back to defaults: 30 s
// heartbeats, synthetic tick sources, and a nominal trading balance.
type Options struct {
	Orders            OrderSubmitter
	HeartbeatInterval time.Duration
	// TradingBalance seeds the strategy state for live runs; the broker
	// API carries no account-summary operation to read it from.
	TradingBalance decimal.Decimal
	BacktestTicks  BacktestTickLoader
	LiveTicks      LiveTickFeed
}

// Runner executes one task end to end: status gate, lock, execution row,
// run, terminal bookkeeping.
type Runner struct {
	store          *store.Store
	locks          *lock.Manager
	lifecycle      *Lifecycle
	orders         OrderSubmitter
	heartbeatEvery time.Duration
	tradingBalance decimal.Decimal
	backtestTicks  BacktestTickLoader
	liveTicks      LiveTickFeed
	clock          func() time.Time
	logger         *slog.Logger
}

func NewRunner(st *store.Store, locks *lock.Manager, opts Options, logger *slog.Logger) *Runner {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.TradingBalance.LessThanOrEqual(decimal.Zero) {
		opts.TradingBalance = decimal.NewFromInt(10000)
	}
	if opts.BacktestTicks == nil {
		opts.BacktestTicks = SyntheticBacktestTicks
	}
	if opts.LiveTicks == nil {
		opts.LiveTicks = SyntheticLiveTicks
	}
	return &Runner{
		store:          st,
		locks:          locks,
		lifecycle:      NewLifecycle(st, locks, logger),
		orders:         opts.Orders,
		heartbeatEvery: opts.HeartbeatInterval,
		tradingBalance: opts.TradingBalance,
		backtestTicks:  opts.BacktestTicks,
		liveTicks:      opts.LiveTicks,
		clock:          func() time.Time { return time.Now().UTC() },
		logger:         logger.With("component", "runner"),
	}
}

// SyntheticBacktestTicks expands the task's time range into a seeded
// random-walk stream, one tick per second, reproducible per task range.
func SyntheticBacktestTicks(ctx context.Context, task *store.BacktestTask) (ticks.Source, int, error) {
	total := int(task.EndTime.Sub(task.StartTime) / time.Second)
	if total < 1 {
		return nil, 0, types.E(types.KindValidation, "backtest range %s..%s holds no ticks",
			task.StartTime.Format(time.RFC3339), task.EndTime.Format(time.RFC3339))
	}
	if total > maxBacktestTicks {
		total = maxBacktestTicks
	}
	src := ticks.NewSyntheticSource(task.Instrument, task.StartTime.Unix(), 0)
	series := make([]types.Tick, 0, total)
	for i := 0; i < total; i++ {
		tick, ok, err := src.Next(ctx)
		if err != nil || !ok {
			return nil, 0, err
		}
		series = append(series, tick)
	}
	return ticks.NewSliceSource(series), total, nil
}

// SyntheticLiveTicks paces a synthetic walk at one tick per second, for
// demo accounts and workers wired without a broker feed.
func SyntheticLiveTicks(ctx context.Context, accountID, instrument string) (<-chan types.Tick, error) {
	src := ticks.NewSyntheticSource(instrument, time.Now().Unix(), time.Second)
	ch := make(chan types.Tick)
	go func() {
		defer close(ch)
		for {
			tick, ok, err := src.Next(ctx)
			if err != nil || !ok {
				return
			}
			select {
			case ch <- tick:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Start validates the requested transition and runs the task
// synchronously. The status flips to RUNNING only after the lock is
// held; a held lock or busy account surfaces as AlreadyRunning.
func (r *Runner) Start(ctx context.Context, taskType types.TaskType, taskID string, action Action) error {
	if !startAction(action) {
		return types.E(types.KindValidation, "%s does not start a run", action)
	}
	current, err := r.store.TaskStatus(ctx, taskType, taskID)
	if err != nil {
		return err
	}
	current, err = r.healCrashed(ctx, taskType, taskID, current)
	if err != nil {
		return err
	}
	if _, err := Transition(current, action); err != nil {
		return err
	}
	if action == ActionRestart {
		retry, max, err := r.store.IncrementRetry(ctx, taskType, taskID)
		if err != nil {
			return err
		}
		if retry > max {
			return types.E(types.KindRetryLimitExceeded,
				"task %s exhausted %d of %d restarts", taskID, retry, max)
		}
	}
	switch taskType {
	case types.TaskBacktest:
		return r.runBacktest(ctx, taskID, current, action)
	case types.TaskTrading:
		return r.runTrading(ctx, taskID, current, action)
	default:
		return types.E(types.KindValidation, "unknown task type %q", taskType)
	}
}

// healCrashed repairs the leftovers of a worker that died mid-run. The
// sweeper reaps the dead worker's lock, but its execution row stays
// RUNNING and so may the task status, wedging every later start. Once
// the lock is free the open execution is finished as FAILED, and a task
// still marked RUNNING is failed with it so a restart can proceed.
func (r *Runner) healCrashed(ctx context.Context, taskType types.TaskType, taskID string, current types.TaskStatus) (types.TaskStatus, error) {
	execs, err := r.store.Executions(ctx, taskType, taskID)
	if err != nil {
		return current, err
	}
	var open *store.TaskExecution
	for i := range execs {
		if !execs[i].Status.Terminal() {
			open = &execs[i]
			break
		}
	}
	if open == nil {
		return current, nil
	}
	held, _, err := r.locks.Held(ctx, taskType, taskID)
	if err != nil {
		return current, err
	}
	if held {
		return current, nil
	}
	msg := "worker lost: lock reaped while execution was running"
	if err := r.store.FinishExecution(ctx, open.ID, types.ExecutionFailed, msg, r.clock()); err != nil {
		return current, err
	}
	r.logger.Warn("healed orphaned execution",
		"task_type", string(taskType), "task_id", taskID, "execution_number", open.ExecutionNumber)
	if current == types.TaskRunning {
		if err := r.store.SetTaskStatus(ctx, taskType, taskID, types.TaskFailed); err != nil {
			return current, err
		}
		r.lifecycle.logTransition(ctx, taskType, taskID, open.ID, current, types.TaskFailed, ActionFail)
		current = types.TaskFailed
	}
	return current, nil
}

// begin creates the execution row and takes the lock, flipping the task
// to RUNNING. The returned context is cancelled if the heartbeat finds
// the lock gone, so the run stops instead of proceeding unlocked; the
// release func undoes the lock and stops the heartbeat.
func (r *Runner) begin(ctx context.Context, taskType types.TaskType, taskID string, from types.TaskStatus, action Action) (*store.TaskExecution, context.Context, func(), error) {
	exec, err := r.store.CreateExecution(ctx, taskType, taskID, r.clock())
	if err != nil {
		return nil, nil, nil, err
	}
	ok, err := r.locks.Acquire(ctx, taskType, taskID, exec.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !ok {
		_ = r.store.FinishExecution(ctx, exec.ID, types.ExecutionFailed, "lock held by another worker", r.clock())
		return nil, nil, nil, types.E(types.KindAlreadyRunning, "task %s is locked by another worker", taskID)
	}
	if err := r.store.SetTaskStatus(ctx, taskType, taskID, types.TaskRunning); err != nil {
		_ = r.locks.Release(ctx, taskType, taskID)
		return nil, nil, nil, err
	}
	r.lifecycle.logTransition(ctx, taskType, taskID, exec.ID, from, types.TaskRunning, action)

	runCtx, abort := context.WithCancel(ctx)
	hbCtx, stopHB := context.WithCancel(context.Background())
	go r.heartbeat(hbCtx, taskType, taskID, abort)
	release := func() {
		stopHB()
		abort()
		if err := r.locks.Release(context.Background(), taskType, taskID); err != nil {
			r.logger.Error("lock release failed", "task_id", taskID, "error", err)
		}
	}
	return exec, runCtx, release, nil
}

func (r *Runner) heartbeat(ctx context.Context, taskType types.TaskType, taskID string, abort func()) {
	ticker := time.NewTicker(r.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.locks.Heartbeat(ctx, taskType, taskID)
			if err == nil {
				continue
			}
			r.logger.Error("heartbeat failed", "task_id", taskID, "error", err)
			if types.IsKind(err, types.KindInternal) {
				// The lock was reaped or released out from under us.
				abort()
				return
			}
		}
	}
}

// fail records a failed run: execution FAILED with the error, task
// FAILED, transition logged.
func (r *Runner) fail(ctx context.Context, taskType types.TaskType, taskID, execID string, runErr error) {
	if err := r.store.FinishExecution(ctx, execID, types.ExecutionFailed, runErr.Error(), r.clock()); err != nil {
		r.logger.Error("finish execution failed", "task_id", taskID, "error", err)
	}
	if err := r.store.SetTaskStatus(ctx, taskType, taskID, types.TaskFailed); err != nil {
		r.logger.Error("set task status failed", "task_id", taskID, "error", err)
	}
	r.lifecycle.logTransition(ctx, taskType, taskID, execID, types.TaskRunning, types.TaskFailed, ActionFail)
}

func (r *Runner) runBacktest(ctx context.Context, taskID string, from types.TaskStatus, action Action) error {
	task, err := r.store.GetBacktestTask(ctx, taskID)
	if err != nil {
		return err
	}
	cfg, err := r.store.GetStrategyConfig(ctx, task.ConfigID)
	if err != nil {
		return err
	}
	strat, err := strategy.New(cfg.StrategyType, types.NewInstrument(cfg.Instrument), cfg.Params)
	if err != nil {
		return err
	}

	exec, runCtx, release, err := r.begin(ctx, types.TaskBacktest, taskID, from, action)
	if err != nil {
		return err
	}
	defer release()

	src, total, err := r.backtestTicks(ctx, task)
	if err != nil {
		r.fail(ctx, types.TaskBacktest, taskID, exec.ID, err)
		return err
	}
	engine := backtest.NewEngine(strat, backtest.Config{
		InitialBalance: task.InitialBalance,
		Commission:     task.CommissionPerTrade,
		Progress: func(percent int) {
			if err := r.store.SetExecutionProgress(ctx, exec.ID, percent); err != nil {
				r.logger.Error("progress write failed", "task_id", taskID, "error", err)
			}
		},
		Cancelled: func() bool {
			if runCtx.Err() != nil {
				return true
			}
			cancelled, err := r.locks.CancelRequested(ctx, types.TaskBacktest, taskID)
			if err != nil {
				r.logger.Error("cancel poll failed", "task_id", taskID, "error", err)
			}
			return cancelled
		},
	}, r.logger)

	result, err := engine.Run(ctx, src, total)
	if err != nil {
		r.fail(ctx, types.TaskBacktest, taskID, exec.ID, err)
		return err
	}

	resultMap, err := toMap(result)
	if err != nil {
		r.fail(ctx, types.TaskBacktest, taskID, exec.ID, err)
		return err
	}
	if err := r.store.SaveBacktestResult(ctx, taskID, resultMap); err != nil {
		r.fail(ctx, types.TaskBacktest, taskID, exec.ID, err)
		return err
	}
	if err := r.store.SaveTaskState(ctx, types.TaskBacktest, taskID, result.State); err != nil {
		r.fail(ctx, types.TaskBacktest, taskID, exec.ID, err)
		return err
	}
	r.recordFinalMetrics(ctx, types.TaskBacktest, taskID, exec.ID, result)

	status, execStatus, doneAction := types.TaskCompleted, types.ExecutionCompleted, ActionComplete
	if result.Status == backtest.StatusStopped {
		status, execStatus, doneAction = types.TaskStopped, types.ExecutionStopped, ActionStop
	}
	if err := r.store.FinishExecution(ctx, exec.ID, execStatus, "", r.clock()); err != nil {
		return err
	}
	if err := r.store.SetTaskStatus(ctx, types.TaskBacktest, taskID, status); err != nil {
		return err
	}
	r.lifecycle.logTransition(ctx, types.TaskBacktest, taskID, exec.ID, types.TaskRunning, status, doneAction)
	return nil
}

func (r *Runner) recordFinalMetrics(ctx context.Context, taskType types.TaskType, taskID, execID string, result *backtest.Result) {
	now := r.clock()
	for name, value := range map[string]decimal.Decimal{
		"net_pl":        result.Metrics.NetPL,
		"win_rate":      result.Metrics.WinRate,
		"max_drawdown":  result.Metrics.MaxDrawdown,
		"final_balance": result.FinalBalance,
	} {
		err := r.store.RecordMetric(ctx, &store.TaskMetric{
			TaskType: taskType, TaskID: taskID, ExecutionID: execID,
			Name: name, Value: value, RecordedAt: now,
		})
		if err != nil {
			r.logger.Error("metric write failed", "task_id", taskID, "metric", name, "error", err)
		}
	}
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "encode result")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, types.Wrap(types.KindInternal, err, "decode result")
	}
	return m, nil
}
