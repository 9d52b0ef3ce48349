// Package task drives the task lifecycle: the state machine over trading
// and backtest tasks, and the runner that executes one task end to end
// under a distributed lock.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/lock"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/store"
	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// Action is one request against the task state machine.
type Action string

const (
	ActionSubmit   Action = "submit"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionStop     Action = "stop"
	ActionRestart  Action = "restart"
	ActionComplete Action = "complete"
	ActionFail     Action = "fail"
)

// Transition returns the state an action leads to from the current state.
// Illegal actions return a validation error and leave the state
// unchanged; a submit against a STOPPED task is told to restart or
// resume instead.
func Transition(current types.TaskStatus, action Action) (types.TaskStatus, error) {
	switch action {
	case ActionSubmit:
		if current == types.TaskCreated {
			return types.TaskRunning, nil
		}
		if current == types.TaskStopped {
			return current, types.E(types.KindValidation,
				"cannot submit a STOPPED task").WithSuggestion("use restart or resume")
		}
	case ActionPause:
		if current == types.TaskRunning {
			return types.TaskPaused, nil
		}
	case ActionResume:
		if current == types.TaskPaused || current == types.TaskStopped {
			return types.TaskRunning, nil
		}
	case ActionStop:
		if current == types.TaskRunning || current == types.TaskPaused {
			return types.TaskStopped, nil
		}
	case ActionComplete:
		if current == types.TaskRunning {
			return types.TaskCompleted, nil
		}
	case ActionFail:
		if current == types.TaskRunning || current == types.TaskPaused {
			return types.TaskFailed, nil
		}
	case ActionRestart:
		if current.Terminal() {
			return types.TaskRunning, nil
		}
	default:
		return current, types.E(types.KindValidation, "unknown action %q", action)
	}
	return current, types.E(types.KindValidation,
		"cannot %s a %s task", action, current)
}

// startAction reports whether an action begins a run (and therefore goes
// through the full lock/execution pipeline rather than a plain status
// write).
func startAction(a Action) bool {
	return a == ActionSubmit || a == ActionRestart || a == ActionResume
}

// Lifecycle applies non-run transitions (pause, stop, complete, fail)
// and the bookkeeping around them. Run-starting transitions go through
// Runner.Start, which flips the status only after the lock is held.
type Lifecycle struct {
	store  *store.Store
	locks  *lock.Manager
	clock  func() time.Time
	logger *slog.Logger
}

func NewLifecycle(st *store.Store, locks *lock.Manager, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		store:  st,
		locks:  locks,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "task"),
	}
}

// Apply runs one non-start transition. Stop additionally raises the
// cooperative cancel flag so a running execution halts between ticks.
func (l *Lifecycle) Apply(ctx context.Context, taskType types.TaskType, taskID string, action Action) (types.TaskStatus, error) {
	if startAction(action) {
		return "", types.E(types.KindValidation,
			"%s starts a run and must go through the runner", action)
	}
	current, err := l.store.TaskStatus(ctx, taskType, taskID)
	if err != nil {
		return "", err
	}
	next, err := Transition(current, action)
	if err != nil {
		return current, err
	}
	if err := l.store.SetTaskStatus(ctx, taskType, taskID, next); err != nil {
		return current, err
	}
	if action == ActionStop {
		if err := l.locks.RequestCancel(ctx, taskType, taskID); err != nil {
			return next, err
		}
	}
	l.logTransition(ctx, taskType, taskID, "", current, next, action)
	return next, nil
}

func (l *Lifecycle) logTransition(ctx context.Context, taskType types.TaskType, taskID, executionID string, from, to types.TaskStatus, action Action) {
	msg := fmt.Sprintf("%s: %s -> %s", action, from, to)
	err := l.store.AppendLog(ctx, &store.TaskLog{
		TaskType:    taskType,
		TaskID:      taskID,
		ExecutionID: executionID,
		Level:       "info",
		Message:     msg,
	})
	if err != nil {
		l.logger.Error("transition log write failed", "task_id", taskID, "error", err)
	}
	l.logger.Info("task transition",
		"task_type", string(taskType), "task_id", taskID, "transition", msg)
}
