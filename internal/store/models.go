// Package store is the relational persistence layer: tasks, executions,
// orders, positions, events, logs and metrics, backed by Postgres in
// production and in-memory SQLite in tests.
package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// BrokerAccount is a registered brokerage account. Credentials stay in the
// environment; only the reference and environment live here.
type BrokerAccount struct {
	ID          string            `gorm:"primaryKey"`
	Owner       string            `gorm:"index;not null"`
	AccountID   string            `gorm:"uniqueIndex;not null"`
	Environment types.Environment `gorm:"not null"`
	// Jurisdiction selects the compliance rule set for every order on
	// this account (orders.RulesFor).
	Jurisdiction string `gorm:"not null;default:default"`
	// IsActive gates order flow and stream consumption; registration
	// sets it, deactivation is an update.
	IsActive    bool `gorm:"not null"`
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (BrokerAccount) TableName() string { return "broker_account" }

// StrategyConfig is a named, schema-validated parameter set for one
// strategy type and instrument.
type StrategyConfig struct {
	ID           string         `gorm:"primaryKey"`
	Owner        string         `gorm:"index;not null"`
	Name         string         `gorm:"not null"`
	StrategyType string         `gorm:"not null"`
	Instrument   string         `gorm:"not null"`
	Params       map[string]any `gorm:"serializer:json"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (StrategyConfig) TableName() string { return "strategy_config" }

// BacktestTask runs a strategy over a historical range.
type BacktestTask struct {
	ID                 string           `gorm:"primaryKey"`
	Owner              string           `gorm:"index;not null"`
	ConfigID           string           `gorm:"index;not null"`
	Name               string           `gorm:"not null"`
	Status             types.TaskStatus `gorm:"index;not null"`
	RetryCount         int              `gorm:"not null;default:0"`
	MaxRetries         int              `gorm:"not null;default:3"`
	StartTime          time.Time        `gorm:"not null"`
	EndTime            time.Time        `gorm:"not null"`
	Instrument         string           `gorm:"not null"`
	InitialBalance     decimal.Decimal  `gorm:"type:numeric;not null"`
	CommissionPerTrade decimal.Decimal  `gorm:"type:numeric;not null"`
	DataSource         string
	Result             map[string]any `gorm:"serializer:json"`
	State              map[string]any `gorm:"serializer:json"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (BacktestTask) TableName() string { return "backtest_task" }

// TradingTask runs a strategy against a live brokerage account.
type TradingTask struct {
	ID              string           `gorm:"primaryKey"`
	Owner           string           `gorm:"index;not null"`
	ConfigID        string           `gorm:"index;not null"`
	Name            string           `gorm:"not null"`
	Status          types.TaskStatus `gorm:"index;not null"`
	RetryCount      int              `gorm:"not null;default:0"`
	MaxRetries      int              `gorm:"not null;default:3"`
	BrokerAccountID string           `gorm:"index;not null"`
	SellOnStop      bool             `gorm:"not null;default:false"`
	State           map[string]any   `gorm:"serializer:json"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (TradingTask) TableName() string { return "trading_task" }

// TaskExecution is one run of a task. execution_number is gap-free and
// monotonically increasing per task; at most one execution per task is
// non-terminal.
type TaskExecution struct {
	ID              string                `gorm:"primaryKey"`
	TaskType        types.TaskType        `gorm:"uniqueIndex:idx_task_exec,priority:1;not null"`
	TaskID          string                `gorm:"uniqueIndex:idx_task_exec,priority:2;not null"`
	ExecutionNumber int                   `gorm:"uniqueIndex:idx_task_exec,priority:3;not null"`
	Status          types.ExecutionStatus `gorm:"index;not null"`
	StartedAt       time.Time             `gorm:"not null"`
	CompletedAt     *time.Time
	ErrorMessage    string
	Progress        int `gorm:"not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (TaskExecution) TableName() string { return "task_execution" }

// Order mirrors a broker order through its lifecycle.
type Order struct {
	ID            string            `gorm:"primaryKey"`
	AccountID     string            `gorm:"index;not null"`
	BrokerOrderID string            `gorm:"index"`
	Instrument    string            `gorm:"not null"`
	Type          types.OrderType   `gorm:"not null"`
	Direction     types.Direction   `gorm:"not null"`
	Units         decimal.Decimal   `gorm:"type:numeric;not null"`
	Price         *decimal.Decimal  `gorm:"type:numeric"`
	TakeProfit    *decimal.Decimal  `gorm:"type:numeric"`
	StopLoss      *decimal.Decimal  `gorm:"type:numeric"`
	Status        types.OrderStatus `gorm:"index;not null"`
	// LinkedOrderID ties the two legs of an OCO pair together.
	LinkedOrderID string `gorm:"index"`
	FilledAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Order) TableName() string { return "orders" }

// Position is a live position owned by an account. Closed iff ClosedAt is
// set.
type Position struct {
	ID            string          `gorm:"primaryKey"`
	AccountID     string          `gorm:"index:idx_pos_account;not null"`
	StrategyType  string          `gorm:"not null"`
	Instrument    string          `gorm:"index:idx_pos_account;not null"`
	Direction     types.Direction `gorm:"not null"`
	Units         decimal.Decimal `gorm:"type:numeric;not null"`
	EntryPrice    decimal.Decimal `gorm:"type:numeric;not null"`
	CurrentPrice  decimal.Decimal `gorm:"type:numeric;not null"`
	UnrealizedPnl decimal.Decimal `gorm:"column:unrealized_pnl;type:numeric;not null"`
	RealizedPnl   decimal.Decimal `gorm:"column:realized_pnl;type:numeric;not null"`
	BrokerTradeID string          `gorm:"index"`
	OpenedAt      time.Time       `gorm:"not null"`
	ClosedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Position) TableName() string { return "position" }

// Event is one persisted audit/system event, fanned out to websocket
// clients after commit.
type Event struct {
	ID        string              `gorm:"primaryKey"`
	Category  types.EventCategory `gorm:"index;not null"`
	Severity  types.EventSeverity `gorm:"not null"`
	AccountID string              `gorm:"index"`
	// Actor names the subsystem or user that produced the event; empty
	// when nothing meaningful can be attributed.
	Actor     string
	TaskType  types.TaskType
	TaskID    string         `gorm:"index"`
	Payload   map[string]any `gorm:"serializer:json"`
	CreatedAt time.Time      `gorm:"index"`
}

func (Event) TableName() string { return "event" }

// TaskLog is a per-execution log line kept for operator inspection.
type TaskLog struct {
	ID          string         `gorm:"primaryKey"`
	TaskType    types.TaskType `gorm:"index:idx_log_task;not null"`
	TaskID      string         `gorm:"index:idx_log_task;not null"`
	ExecutionID string         `gorm:"index"`
	Level       string         `gorm:"not null"`
	Message     string         `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"index"`
}

func (TaskLog) TableName() string { return "task_log" }

// TaskMetric is one named numeric sample recorded during an execution.
type TaskMetric struct {
	ID          string          `gorm:"primaryKey"`
	TaskType    types.TaskType  `gorm:"index:idx_metric_task;not null"`
	TaskID      string          `gorm:"index:idx_metric_task;not null"`
	ExecutionID string          `gorm:"index"`
	Name        string          `gorm:"not null"`
	Value       decimal.Decimal `gorm:"type:numeric;not null"`
	RecordedAt  time.Time       `gorm:"index;not null"`
}

func (TaskMetric) TableName() string { return "task_metric" }

func newID() string { return uuid.NewString() }

// BeforeCreate hooks assign UUIDs so callers never hand-build IDs.

func (a *BrokerAccount) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = newID()
	}
	return nil
}

func (c *StrategyConfig) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = newID()
	}
	return nil
}

func (t *BacktestTask) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = newID()
	}
	return nil
}

func (t *TradingTask) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = newID()
	}
	return nil
}

func (e *TaskExecution) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = newID()
	}
	return nil
}

func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = newID()
	}
	return nil
}

func (p *Position) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = newID()
	}
	return nil
}

func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = newID()
	}
	return nil
}

func (l *TaskLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = newID()
	}
	return nil
}

func (m *TaskMetric) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = newID()
	}
	return nil
}
