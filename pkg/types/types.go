// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the platform — instruments,
// ticks, orders, positions, task and execution states, strategy events,
// and broker transaction payloads. It has no dependencies on internal
// packages, so it can be imported by any layer.
//
// All monetary and quantity fields are shopspring decimals. Floating point
// is never used for prices, units, or P&L.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Direction represents the side of an entry or order: LONG or SHORT.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the mirror direction. Used when opening hedge entries
// and when booking a close against the other side of the quote.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Sign returns +1 for LONG and -1 for SHORT as a decimal multiplier.
func (d Direction) Sign() decimal.Decimal {
	if d == Long {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET" // fill-or-kill at current quote
	OrderTypeLimit  OrderType = "LIMIT"  // good-til-cancelled at limit price
	OrderTypeStop   OrderType = "STOP"   // good-til-cancelled stop trigger
	OrderTypeOCO    OrderType = "OCO"    // two independent legs: LIMIT + STOP
)

// OrderStatus is the lifecycle state of a local order row.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// TaskType distinguishes the two task variants.
type TaskType string

const (
	TaskBacktest TaskType = "BACKTEST"
	TaskTrading  TaskType = "TRADING"
)

// TaskStatus is a node in the task state machine.
type TaskStatus string

const (
	TaskCreated   TaskStatus = "CREATED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskPaused    TaskStatus = "PAUSED"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskStopped   TaskStatus = "STOPPED"
	TaskFailed    TaskStatus = "FAILED"
)

// Terminal reports whether no further ticks will be processed without an
// explicit restart or resume.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskStopped, TaskFailed:
		return true
	}
	return false
}

// ExecutionStatus is the lifecycle state of a single task execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionStopped   ExecutionStatus = "STOPPED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// Terminal reports whether the execution has finished.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecutionRunning
}

// Environment selects the broker endpoint set for an account.
type Environment string

const (
	EnvPractice Environment = "practice"
	EnvLive     Environment = "live"
)

// TradeMode is the regulatory disposition of simultaneous long/short
// exposure. Netting jurisdictions (e.g. US) force FIFO close order and
// forbid hedged entries on the same instrument.
type TradeMode string

const (
	ModeHedging TradeMode = "hedging"
	ModeNetting TradeMode = "netting"
)

// ————————————————————————————————————————————————————————————————————————
// Instruments and ticks
// ————————————————————————————————————————————————————————————————————————

// Instrument is immutable configuration for a tradeable currency pair.
type Instrument struct {
	Symbol  string          // e.g. "EUR_USD"
	PipSize decimal.Decimal // 0.0001 for most pairs, 0.01 for JPY pairs
	LotUnit int64           // units per lot, typically 1000
}

// NewInstrument builds an Instrument, inferring pip size from the quote
// currency when none is supplied.
func NewInstrument(symbol string) Instrument {
	pip := decimal.RequireFromString("0.0001")
	if len(symbol) == 7 && symbol[4:7] == "JPY" {
		pip = decimal.RequireFromString("0.01")
	}
	return Instrument{Symbol: symbol, PipSize: pip, LotUnit: 1000}
}

// PipsBetween converts a signed price distance to pips for this instrument.
func (i Instrument) PipsBetween(from, to decimal.Decimal) decimal.Decimal {
	return to.Sub(from).Div(i.PipSize)
}

// Tick is one quote sample for an instrument. Invariant: Bid ≤ Mid ≤ Ask.
type Tick struct {
	Instrument string          `json:"instrument"`
	Time       time.Time       `json:"time"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Mid        decimal.Decimal `json:"mid"`
}

// NewTick builds a Tick, deriving Mid = (bid+ask)/2 when not supplied.
func NewTick(instrument string, ts time.Time, bid, ask decimal.Decimal) Tick {
	return Tick{
		Instrument: instrument,
		Time:       ts,
		Bid:        bid,
		Ask:        ask,
		Mid:        bid.Add(ask).Div(decimal.NewFromInt(2)),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Broker transactions
// ————————————————————————————————————————————————————————————————————————

// TransactionType tags a message on the broker transaction stream.
type TransactionType string

const (
	TxOrderFill   TransactionType = "ORDER_FILL"
	TxOrderCancel TransactionType = "ORDER_CANCEL"
	TxOrderReject TransactionType = "ORDER_REJECT"
	TxTradeClose  TransactionType = "TRADE_CLOSE"
	TxTradeReduce TransactionType = "TRADE_REDUCE"
	TxHeartbeat   TransactionType = "HEARTBEAT"
)

// Transaction is one typed message from the broker transaction stream.
// Fields are populated according to Type; absent decimals are zero.
type Transaction struct {
	ID         string          `json:"id"`
	Type       TransactionType `json:"type"`
	Time       time.Time       `json:"time"`
	AccountID  string          `json:"accountID"`
	OrderID    string          `json:"orderID,omitempty"`
	TradeID    string          `json:"tradeID,omitempty"`
	Instrument string          `json:"instrument,omitempty"`
	Units      decimal.Decimal `json:"units"` // signed: >0 long, <0 short
	Price      decimal.Decimal `json:"price"` // fill or close price
	PL         decimal.Decimal `json:"pl"`    // realized P&L on closes
	Reason     string          `json:"reason,omitempty"`
}

// StreamState describes the health of a broker stream connection,
// broadcast to the realtime fan-out on every change.
type StreamState string

const (
	StreamConnected    StreamState = "connected"
	StreamDisconnected StreamState = "disconnected"
	StreamReconnecting StreamState = "reconnecting"
	StreamError        StreamState = "error"
)

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

// EventCategory groups audit events.
type EventCategory string

const (
	EventTrading  EventCategory = "trading"
	EventSystem   EventCategory = "system"
	EventSecurity EventCategory = "security"
	EventAdmin    EventCategory = "admin"
)

// EventSeverity orders audit events by importance.
type EventSeverity string

const (
	SeverityDebug    EventSeverity = "debug"
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// Event is one append-only audit record.
type Event struct {
	Category  EventCategory  `json:"category"`
	Type      string         `json:"type"`
	Severity  EventSeverity  `json:"severity"`
	Time      time.Time      `json:"time"`
	Actor     string         `json:"actor,omitempty"`
	AccountID string         `json:"account_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}
