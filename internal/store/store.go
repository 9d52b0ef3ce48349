package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// Store wraps the database handle and exposes the repository surface the
// task executor, reconciler and fan-out layer use.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to Postgres and migrates the schema.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "open database")
	}
	return newStore(db, logger)
}

// OpenSQLite opens an in-memory SQLite database. Used by tests and demo
// deployments without Postgres.
func OpenSQLite(logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "open sqlite")
	}
	return newStore(db, logger)
}

func newStore(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := db.AutoMigrate(
		&BrokerAccount{}, &StrategyConfig{},
		&BacktestTask{}, &TradingTask{}, &TaskExecution{},
		&Order{}, &Position{}, &Event{}, &TaskLog{}, &TaskMetric{},
	); err != nil {
		return nil, types.Wrap(types.KindInternal, err, "migrate schema")
	}
	return s, nil
}

// DB exposes the raw handle for transactional composition.
func (s *Store) DB() *gorm.DB { return s.db }

// lockForUpdate applies FOR UPDATE row locking where the dialect supports
// it. SQLite serialises writers on its own.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// ————————————————————————————————————————————————————————————————————————
// Accounts and strategy configs
// ————————————————————————————————————————————————————————————————————————

func (s *Store) CreateBrokerAccount(ctx context.Context, a *BrokerAccount) error {
	return wrapDB(s.db.WithContext(ctx).Create(a).Error, "create broker account")
}

func (s *Store) GetBrokerAccount(ctx context.Context, id string) (*BrokerAccount, error) {
	var a BrokerAccount
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.E(types.KindNotFound, "broker account %s not found", id)
	}
	return &a, wrapDB(err, "get broker account")
}

// BrokerAccountByBrokerID resolves an account by the broker's own
// account identifier, the one orders and streams are keyed on.
func (s *Store) BrokerAccountByBrokerID(ctx context.Context, accountID string) (*BrokerAccount, error) {
	var a BrokerAccount
	err := s.db.WithContext(ctx).First(&a, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.E(types.KindNotFound, "broker account %s not registered", accountID)
	}
	return &a, wrapDB(err, "get broker account by broker id")
}

// BrokerAccounts lists every registered account, oldest first. The
// worker spins up one stream consumer and reconciler per account.
func (s *Store) BrokerAccounts(ctx context.Context) ([]BrokerAccount, error) {
	var out []BrokerAccount
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&out).Error
	return out, wrapDB(err, "list broker accounts")
}

func (s *Store) CreateStrategyConfig(ctx context.Context, c *StrategyConfig) error {
	return wrapDB(s.db.WithContext(ctx).Create(c).Error, "create strategy config")
}

func (s *Store) GetStrategyConfig(ctx context.Context, id string) (*StrategyConfig, error) {
	var c StrategyConfig
	err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.E(types.KindNotFound, "strategy config %s not found", id)
	}
	return &c, wrapDB(err, "get strategy config")
}

// ————————————————————————————————————————————————————————————————————————
// Tasks
// ————————————————————————————————————————————————————————————————————————

func (s *Store) CreateBacktestTask(ctx context.Context, t *BacktestTask) error {
	if t.Status == "" {
		t.Status = types.TaskCreated
	}
	return wrapDB(s.db.WithContext(ctx).Create(t).Error, "create backtest task")
}

func (s *Store) CreateTradingTask(ctx context.Context, t *TradingTask) error {
	if t.Status == "" {
		t.Status = types.TaskCreated
	}
	return wrapDB(s.db.WithContext(ctx).Create(t).Error, "create trading task")
}

func (s *Store) GetBacktestTask(ctx context.Context, id string) (*BacktestTask, error) {
	var t BacktestTask
	err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.E(types.KindNotFound, "backtest task %s not found", id)
	}
	return &t, wrapDB(err, "get backtest task")
}

func (s *Store) GetTradingTask(ctx context.Context, id string) (*TradingTask, error) {
	var t TradingTask
	err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.E(types.KindNotFound, "trading task %s not found", id)
	}
	return &t, wrapDB(err, "get trading task")
}

// TaskStatus reads the current status of either task variant.
func (s *Store) TaskStatus(ctx context.Context, taskType types.TaskType, id string) (types.TaskStatus, error) {
	if taskType == types.TaskBacktest {
		t, err := s.GetBacktestTask(ctx, id)
		if err != nil {
			return "", err
		}
		return t.Status, nil
	}
	t, err := s.GetTradingTask(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// SetTaskStatus updates the status column of either task variant.
func (s *Store) SetTaskStatus(ctx context.Context, taskType types.TaskType, id string, status types.TaskStatus) error {
	model := s.taskModel(taskType)
	res := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return wrapDB(res.Error, "set task status")
	}
	if res.RowsAffected == 0 {
		return types.E(types.KindNotFound, "%s task %s not found", taskType, id)
	}
	return nil
}

// SaveTaskState checkpoints the strategy state map on the task row.
func (s *Store) SaveTaskState(ctx context.Context, taskType types.TaskType, id string, state map[string]any) error {
	// gorm does not run the serializer:json field serializer for
	// single-column map updates, so marshal explicitly.
	raw, err := json.Marshal(state)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "save task state")
	}
	model := s.taskModel(taskType)
	return wrapDB(s.db.WithContext(ctx).Model(model).Where("id = ?", id).
		Update("state", string(raw)).Error, "save task state")
}

// SaveBacktestResult persists the full result document on the task row.
func (s *Store) SaveBacktestResult(ctx context.Context, id string, result map[string]any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "save backtest result")
	}
	return wrapDB(s.db.WithContext(ctx).Model(&BacktestTask{}).Where("id = ?", id).
		Update("result", string(raw)).Error, "save backtest result")
}

// IncrementRetry bumps retry_count and returns the new value.
func (s *Store) IncrementRetry(ctx context.Context, taskType types.TaskType, id string) (int, int, error) {
	var retry, max int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if taskType == types.TaskBacktest {
			var t BacktestTask
			if err := lockForUpdate(tx).First(&t, "id = ?", id).Error; err != nil {
				return err
			}
			t.RetryCount++
			retry, max = t.RetryCount, t.MaxRetries
			return tx.Model(&t).Update("retry_count", t.RetryCount).Error
		}
		var t TradingTask
		if err := lockForUpdate(tx).First(&t, "id = ?", id).Error; err != nil {
			return err
		}
		t.RetryCount++
		retry, max = t.RetryCount, t.MaxRetries
		return tx.Model(&t).Update("retry_count", t.RetryCount).Error
	})
	return retry, max, wrapDB(err, "increment retry")
}

// ActiveTradingTaskOnAccount reports whether another non-terminal trading
// task already targets the account, enforcing account exclusivity.
func (s *Store) ActiveTradingTaskOnAccount(ctx context.Context, accountID, excludeTaskID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&TradingTask{}).
		Where("broker_account_id = ? AND id <> ? AND status IN ?",
			accountID, excludeTaskID,
			[]types.TaskStatus{types.TaskRunning, types.TaskPaused}).
		Count(&n).Error
	return n > 0, wrapDB(err, "count active tasks on account")
}

func (s *Store) taskModel(taskType types.TaskType) any {
	if taskType == types.TaskBacktest {
		return &BacktestTask{}
	}
	return &TradingTask{}
}

// ————————————————————————————————————————————————————————————————————————
// Executions
// ————————————————————————————————————————————————————————————————————————

// CreateExecution allocates the next gap-free execution number inside a
// transaction with the task's execution rows locked. Fails with
// KindAlreadyRunning when a non-terminal execution exists.
func (s *Store) CreateExecution(ctx context.Context, taskType types.TaskType, taskID string, startedAt time.Time) (*TaskExecution, error) {
	var exec TaskExecution
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []TaskExecution
		if err := lockForUpdate(tx).
			Where("task_type = ? AND task_id = ?", taskType, taskID).
			Order("execution_number DESC").
			Find(&existing).Error; err != nil {
			return err
		}
		next := 1
		for _, e := range existing {
			if !e.Status.Terminal() {
				return types.E(types.KindAlreadyRunning,
					"task %s/%s already has execution %d in status %s",
					taskType, taskID, e.ExecutionNumber, e.Status)
			}
		}
		if len(existing) > 0 {
			next = existing[0].ExecutionNumber + 1
		}
		exec = TaskExecution{
			TaskType:        taskType,
			TaskID:          taskID,
			ExecutionNumber: next,
			Status:          types.ExecutionRunning,
			StartedAt:       startedAt,
		}
		return tx.Create(&exec).Error
	})
	if err != nil {
		return nil, wrapDB(err, "create execution")
	}
	return &exec, nil
}

// FinishExecution moves an execution to a terminal status.
func (s *Store) FinishExecution(ctx context.Context, id string, status types.ExecutionStatus, errMsg string, completedAt time.Time) error {
	updates := map[string]any{
		"status":       status,
		"completed_at": completedAt,
	}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	if status == types.ExecutionCompleted {
		updates["progress"] = 100
	}
	return wrapDB(s.db.WithContext(ctx).Model(&TaskExecution{}).
		Where("id = ?", id).Updates(updates).Error, "finish execution")
}

// SetExecutionProgress records integer percent progress.
func (s *Store) SetExecutionProgress(ctx context.Context, id string, percent int) error {
	return wrapDB(s.db.WithContext(ctx).Model(&TaskExecution{}).
		Where("id = ?", id).Update("progress", percent).Error, "set progress")
}

// Executions lists a task's executions in number order.
func (s *Store) Executions(ctx context.Context, taskType types.TaskType, taskID string) ([]TaskExecution, error) {
	var out []TaskExecution
	err := s.db.WithContext(ctx).
		Where("task_type = ? AND task_id = ?", taskType, taskID).
		Order("execution_number ASC").
		Find(&out).Error
	return out, wrapDB(err, "list executions")
}

// ————————————————————————————————————————————————————————————————————————
// Orders and positions
// ————————————————————————————————————————————————————————————————————————

func (s *Store) CreateOrder(ctx context.Context, o *Order) error {
	if o.Status == "" {
		o.Status = types.OrderPending
	}
	return wrapDB(s.db.WithContext(ctx).Create(o).Error, "create order")
}

func (s *Store) UpdateOrder(ctx context.Context, o *Order) error {
	return wrapDB(s.db.WithContext(ctx).Save(o).Error, "update order")
}

// OrderByBrokerID resolves the local order mirroring a broker order.
func (s *Store) OrderByBrokerID(ctx context.Context, brokerOrderID string) (*Order, error) {
	var o Order
	err := s.db.WithContext(ctx).First(&o, "broker_order_id = ?", brokerOrderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.E(types.KindNotFound, "order with broker id %s not found", brokerOrderID)
	}
	return &o, wrapDB(err, "get order by broker id")
}

// MarkOrderStatus transitions an order and stamps filled_at on fills.
func (s *Store) MarkOrderStatus(ctx context.Context, orderID string, status types.OrderStatus, at time.Time) error {
	updates := map[string]any{"status": status}
	if status == types.OrderFilled {
		updates["filled_at"] = at
	}
	return wrapDB(s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ?", orderID).Updates(updates).Error, "mark order status")
}

// PendingOrders lists unfilled orders for an account.
func (s *Store) PendingOrders(ctx context.Context, accountID string) ([]Order, error) {
	var out []Order
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, types.OrderPending).
		Find(&out).Error
	return out, wrapDB(err, "list pending orders")
}

func (s *Store) CreatePosition(ctx context.Context, p *Position) error {
	return wrapDB(s.db.WithContext(ctx).Create(p).Error, "create position")
}

func (s *Store) UpdatePosition(ctx context.Context, p *Position) error {
	return wrapDB(s.db.WithContext(ctx).Save(p).Error, "update position")
}

// OpenPositions lists the account's open positions.
func (s *Store) OpenPositions(ctx context.Context, accountID string) ([]Position, error) {
	var out []Position
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND closed_at IS NULL", accountID).
		Find(&out).Error
	return out, wrapDB(err, "list open positions")
}

// ClosePosition stamps closed_at and the realised P&L.
func (s *Store) ClosePosition(ctx context.Context, id string, realized decimal.Decimal, at time.Time) error {
	return wrapDB(s.db.WithContext(ctx).Model(&Position{}).
		Where("id = ? AND closed_at IS NULL", id).
		Updates(map[string]any{
			"closed_at":    at,
			"realized_pnl": realized,
		}).Error, "close position")
}

// ————————————————————————————————————————————————————————————————————————
// Events, logs, metrics
// ————————————————————————————————————————————————————————————————————————

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	return wrapDB(s.db.WithContext(ctx).Create(e).Error, "append event")
}

func (s *Store) AppendLog(ctx context.Context, l *TaskLog) error {
	return wrapDB(s.db.WithContext(ctx).Create(l).Error, "append log")
}

func (s *Store) RecordMetric(ctx context.Context, m *TaskMetric) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	return wrapDB(s.db.WithContext(ctx).Create(m).Error, "record metric")
}

// RecentEvents lists the newest events for an account, newest first.
func (s *Store) RecentEvents(ctx context.Context, accountID string, limit int) ([]Event, error) {
	var out []Event
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, wrapDB(err, "list recent events")
}

func wrapDB(err error, msg string) error {
	if err == nil {
		return nil
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		return err
	}
	return types.Wrap(types.KindInternal, err, "%s", msg)
}
