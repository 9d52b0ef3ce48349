package task

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/orders"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/store"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/strategy"
	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// openEntry is the runner's booking view of one strategy entry, built
// from the events that opened it. Close-style events carry only entry
// ids, so the ledger supplies direction and units.
type openEntry struct {
	direction types.Direction
	units     decimal.Decimal
}

// cancelPollEvery bounds how often the cooperative cancel flag is read
// on an idle feed.
const cancelPollEvery = 2 * time.Second

func (r *Runner) runTrading(ctx context.Context, taskID string, from types.TaskStatus, action Action) error {
	task, err := r.store.GetTradingTask(ctx, taskID)
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
	if r.orders == nil {
		return types.E(types.KindInternal, "runner has no order executor wired")
	}

	// One running trading task per brokerage account, checked before the
	// task lock is even attempted.
	busy, err := r.store.ActiveTradingTaskOnAccount(ctx, task.BrokerAccountID, taskID)
	if err != nil {
		return err
	}
	if busy {
		return types.E(types.KindAlreadyRunning,
			"account %s already has a running trading task", task.BrokerAccountID)
	}

	exec, runCtx, release, err := r.begin(ctx, types.TaskTrading, taskID, from, action)
	if err != nil {
		return err
	}
	defer release()

	st := strat.NewState(r.tradingBalance)
	if action == ActionResume && len(task.State) > 0 {
		if decoded, err := strat.DecodeState(task.State); err == nil {
			st = decoded
		} else {
			r.logger.Warn("checkpointed state unreadable, starting fresh",
				"task_id", taskID, "error", err)
		}
	}

	feed, err := r.liveTicks(ctx, task.BrokerAccountID, cfg.Instrument)
	if err != nil {
		r.fail(ctx, types.TaskTrading, taskID, exec.ID, err)
		return err
	}

	ledger := make(map[string]openEntry)
	poll := time.NewTicker(cancelPollEvery)
	defer poll.Stop()

	for {
		var tick types.Tick
		var open bool
		select {
		case <-runCtx.Done():
			// Worker shutdown or a lost lock; either way stop cleanly.
			return r.finishTrading(ctx, task, exec.ID, st, ledger, types.TaskStopped)
		case <-poll.C:
			if r.cancelRequested(ctx, taskID) {
				return r.finishTrading(ctx, task, exec.ID, st, ledger, types.TaskStopped)
			}
			continue
		case tick, open = <-feed:
			if !open {
				return r.finishTrading(ctx, task, exec.ID, st, ledger, types.TaskCompleted)
			}
		}

		if r.cancelRequested(ctx, taskID) {
			return r.finishTrading(ctx, task, exec.ID, st, ledger, types.TaskStopped)
		}

		next, events, err := strat.OnTick(st, tick)
		if err != nil {
			err = types.Wrap(types.KindStrategy, err, "strategy tick failed")
			r.fail(ctx, types.TaskTrading, taskID, exec.ID, err)
			return err
		}
		st = next

		if m, err := st.ToMap(); err == nil {
			if err := r.store.SaveTaskState(ctx, types.TaskTrading, taskID, m); err != nil {
				r.logger.Error("state checkpoint failed", "task_id", taskID, "error", err)
			}
		}

		if err := r.applyEvents(ctx, task, cfg, ledger, events); err != nil {
			r.fail(ctx, types.TaskTrading, taskID, exec.ID, err)
			return err
		}

		if st.RunStatus() == strategy.StatusStopped {
			return r.finishTrading(ctx, task, exec.ID, st, ledger, types.TaskStopped)
		}
	}
}

func (r *Runner) cancelRequested(ctx context.Context, taskID string) bool {
	cancelled, err := r.locks.CancelRequested(ctx, types.TaskTrading, taskID)
	if err != nil {
		r.logger.Error("cancel poll failed", "task_id", taskID, "error", err)
	}
	return cancelled
}

// applyEvents turns strategy events into broker orders and persisted
// audit events. Broker rejections and compliance blocks are recorded and
// the strategy keeps running; transport failures abort the run.
func (r *Runner) applyEvents(ctx context.Context, task *store.TradingTask, cfg *store.StrategyConfig, ledger map[string]openEntry, events []strategy.Event) error {
	for _, ev := range events {
		r.persistEvent(ctx, task, ev)
		switch t := ev.(type) {
		case strategy.InitialEntry:
			if err := r.openOrder(ctx, task, cfg, ledger, t.EntryID, t.Direction, t.Units, "initial entry"); err != nil {
				return err
			}
		case strategy.Retracement:
			if err := r.openOrder(ctx, task, cfg, ledger, t.EntryID, t.Direction, t.Units, "retracement scale-in"); err != nil {
				return err
			}
		case strategy.TakeProfit:
			if err := r.closeEntry(ctx, task, cfg, ledger, t.EntryID, "take profit"); err != nil {
				return err
			}
		case strategy.VolatilityLock:
			for _, id := range t.ClosedEntryIDs {
				if err := r.closeEntry(ctx, task, cfg, ledger, id, "volatility "+t.Reason); err != nil {
					return err
				}
			}
		case strategy.MarginProtection:
			for _, id := range t.ClosedEntryIDs {
				if err := r.closeEntry(ctx, task, cfg, ledger, id, "margin protection"); err != nil {
					return err
				}
			}
		case strategy.VolatilityHedgeNeutralize:
			// Hedges mirror every open entry, so the net exposure the
			// strategy wants is flat. No broker order is placed; the
			// ledger likewise skips the hedge ids when they close, and
			// only the source entries are flattened at the broker.
		}
	}
	return nil
}

func (r *Runner) openOrder(ctx context.Context, task *store.TradingTask, cfg *store.StrategyConfig, ledger map[string]openEntry, entryID string, direction types.Direction, units decimal.Decimal, rationale string) error {
	placed, err := r.submit(ctx, task, cfg, direction, units, rationale+" "+entryID)
	if err != nil {
		return err
	}
	// A rejected entry holds no broker exposure, so it never enters the
	// ledger and its eventual close is a no-op.
	if placed {
		ledger[entryID] = openEntry{direction: direction, units: units}
	}
	return nil
}

func (r *Runner) closeEntry(ctx context.Context, task *store.TradingTask, cfg *store.StrategyConfig, ledger map[string]openEntry, entryID, rationale string) error {
	entry, ok := ledger[entryID]
	if !ok {
		// Hedge entries and entries opened before a resume have no
		// ledger row; their exposure was never placed this run.
		r.logger.Debug("close for entry not in this run's ledger",
			"task_id", task.ID, "entry_id", entryID)
		return nil
	}
	delete(ledger, entryID)
	_, err := r.submit(ctx, task, cfg, entry.direction.Opposite(), entry.units, rationale+" "+entryID)
	return err
}

// submit sends one market order, tolerating order-level failures. The
// bool reports whether the broker actually accepted the order.
func (r *Runner) submit(ctx context.Context, task *store.TradingTask, cfg *store.StrategyConfig, direction types.Direction, units decimal.Decimal, rationale string) (bool, error) {
	_, err := r.orders.Submit(ctx, orders.Request{
		AccountID:    task.BrokerAccountID,
		StrategyType: cfg.StrategyType,
		Instrument:   cfg.Instrument,
		Type:         types.OrderTypeMarket,
		Direction:    direction,
		Units:        units,
		Rationale:    rationale,
	})
	if err == nil {
		return true, nil
	}
	if types.IsKind(err, types.KindBrokerReject) || types.IsKind(err, types.KindComplianceViolation) {
		r.logger.Warn("order not placed, strategy continues",
			"task_id", task.ID, "rationale", rationale, "error", err)
		return false, nil
	}
	return false, err
}

// finishTrading closes out a run that ended without error. With
// sell_on_stop set, a stop flattens every entry the run still holds.
func (r *Runner) finishTrading(ctx context.Context, task *store.TradingTask, execID string, st strategy.State, ledger map[string]openEntry, status types.TaskStatus) error {
	if ctx.Err() != nil {
		// Worker shutdown cancelled the run context; the terminal
		// bookkeeping still has to land.
		ctx = context.Background()
	}
	if status == types.TaskStopped && task.SellOnStop {
		cfg, err := r.store.GetStrategyConfig(ctx, task.ConfigID)
		if err == nil {
			for id, entry := range ledger {
				if _, err := r.submit(ctx, task, cfg, entry.direction.Opposite(), entry.units, "sell on stop "+id); err != nil {
					r.logger.Error("sell-on-stop order failed", "task_id", task.ID, "error", err)
				}
			}
		}
	}
	if m, err := st.ToMap(); err == nil {
		if err := r.store.SaveTaskState(ctx, types.TaskTrading, task.ID, m); err != nil {
			r.logger.Error("final state checkpoint failed", "task_id", task.ID, "error", err)
		}
	}

	execStatus, doneAction := types.ExecutionCompleted, ActionComplete
	if status == types.TaskStopped {
		execStatus, doneAction = types.ExecutionStopped, ActionStop
	}
	if err := r.store.FinishExecution(ctx, execID, execStatus, "", r.clock()); err != nil {
		return err
	}
	if err := r.store.SetTaskStatus(ctx, types.TaskTrading, task.ID, status); err != nil {
		return err
	}
	r.lifecycle.logTransition(ctx, types.TaskTrading, task.ID, execID, types.TaskRunning, status, doneAction)
	return nil
}

func (r *Runner) persistEvent(ctx context.Context, task *store.TradingTask, ev strategy.Event) {
	err := r.store.AppendEvent(ctx, &store.Event{
		Category:  types.EventTrading,
		Severity:  types.SeverityInfo,
		AccountID: task.BrokerAccountID,
		Actor:     "strategy",
		TaskType:  types.TaskTrading,
		TaskID:    task.ID,
		Payload:   ev.ToMap(),
	})
	if err != nil {
		r.logger.Error("event write failed", "task_id", task.ID, "error", err)
	}
}
