// Package backtest drives a strategy over a bounded historical tick
// stream and books the emitted events into a trade log, an equity curve,
// and performance metrics. Live trading and backtests share the strategy
// contract; only the booking side differs.
package backtest

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/strategy"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/ticks"
	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// Result status values.
const (
	StatusCompleted = "COMPLETED"
	StatusStopped   = "STOPPED"
)

// Config bounds one backtest run.
type Config struct {
	InitialBalance decimal.Decimal
	// Commission charged per closed trade.
	Commission decimal.Decimal
	// SampleEvery is the tick stride between equity samples. Realisations
	// are always sampled regardless.
	SampleEvery int
	// MaxEquityPoints caps the curve; when exceeded the curve is thinned
	// and the stride doubled so memory stays bounded on long ranges.
	MaxEquityPoints int
	// Progress, when set, receives the integer percent of ticks consumed
	// each time it changes.
	Progress func(percent int)
	// Cancelled, when set, is polled between ticks; a true return stops
	// the run and marks the result STOPPED.
	Cancelled func() bool
}

// Trade is one closed round trip in the trade log.
type Trade struct {
	EntryID    string          `json:"entry_id"`
	Layer      int             `json:"layer"`
	Direction  types.Direction `json:"direction"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ClosePrice decimal.Decimal `json:"close_price"`
	Units      decimal.Decimal `json:"units"`
	RealizedPL decimal.Decimal `json:"realized_pl"`
	Commission decimal.Decimal `json:"commission"`
	Reason     string          `json:"reason"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// EquityPoint is one sample of the account over time.
type EquityPoint struct {
	Time    time.Time       `json:"time"`
	Balance decimal.Decimal `json:"balance"`
	Equity  decimal.Decimal `json:"equity"`
}

// Result is the full output of a run. State carries the final strategy
// state map for checkpointing.
type Result struct {
	Status         string          `json:"status"`
	TicksProcessed int             `json:"ticks_processed"`
	Trades         []Trade         `json:"trades"`
	EquityCurve    []EquityPoint   `json:"equity_curve"`
	Metrics        Metrics         `json:"metrics"`
	FinalBalance   decimal.Decimal `json:"final_balance"`
	State          map[string]any  `json:"state"`
	Events         []map[string]any `json:"events"`
}

type openTrade struct {
	layer      int
	direction  types.Direction
	entryPrice decimal.Decimal
	units      decimal.Decimal
	openedAt   time.Time
}

// Engine runs one strategy over one tick source.
type Engine struct {
	strat  strategy.Strategy
	cfg    Config
	logger *slog.Logger
}

func NewEngine(strat strategy.Strategy, cfg Config, logger *slog.Logger) *Engine {
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = 100
	}
	if cfg.MaxEquityPoints <= 0 {
		cfg.MaxEquityPoints = 10000
	}
	return &Engine{
		strat:  strat,
		cfg:    cfg,
		logger: logger.With("component", "backtest"),
	}
}

// Run consumes the source to exhaustion (or cancellation) and returns the
// booked result. totalTicks drives progress reporting; pass 0 when the
// total is unknown.
func (e *Engine) Run(ctx context.Context, src ticks.Source, totalTicks int) (*Result, error) {
	res := &Result{
		Status:       StatusCompleted,
		Trades:       []Trade{},
		EquityCurve:  []EquityPoint{},
		FinalBalance: e.cfg.InitialBalance,
	}
	open := make(map[string]openTrade)
	st := e.strat.NewState(e.cfg.InitialBalance)

	balance := e.cfg.InitialBalance
	sampleEvery := e.cfg.SampleEvery
	lastPercent := -1
	var lastTick types.Tick

	for {
		if e.cfg.Cancelled != nil && e.cfg.Cancelled() {
			res.Status = StatusStopped
			break
		}
		tick, ok, err := src.Next(ctx)
		if err != nil {
			return nil, types.Wrap(types.KindTransport, err, "tick source failed")
		}
		if !ok {
			break
		}
		lastTick = tick

		next, events, err := e.strat.OnTick(st, tick)
		if err != nil {
			return nil, types.Wrap(types.KindStrategy, err, "strategy tick %d", res.TicksProcessed)
		}
		st = next
		res.TicksProcessed++

		realised := false
		for _, ev := range events {
			res.Events = append(res.Events, ev.ToMap())
			if e.book(res, open, &balance, ev, tick) {
				realised = true
			}
		}

		if realised || res.TicksProcessed%sampleEvery == 0 {
			e.sample(res, tick.Time, balance, st)
			if len(res.EquityCurve) > e.cfg.MaxEquityPoints {
				res.EquityCurve = thin(res.EquityCurve)
				sampleEvery *= 2
			}
		}

		if totalTicks > 0 && e.cfg.Progress != nil {
			percent := res.TicksProcessed * 100 / totalTicks
			if percent > 100 {
				percent = 100
			}
			if percent != lastPercent {
				lastPercent = percent
				e.cfg.Progress(percent)
			}
		}

		if st.RunStatus() == strategy.StatusStopped {
			e.logger.Info("strategy requested stop", "ticks", res.TicksProcessed)
			break
		}
	}

	if !lastTick.Time.IsZero() {
		e.sample(res, lastTick.Time, balance, st)
	}
	res.FinalBalance = balance
	res.Metrics = computeMetrics(e.cfg.InitialBalance, balance, res.Trades, res.EquityCurve)
	m, err := st.ToMap()
	if err != nil {
		return nil, err
	}
	res.State = m

	e.logger.Info("backtest finished",
		"status", res.Status,
		"ticks", res.TicksProcessed,
		"trades", len(res.Trades),
		"final_balance", balance.String())
	return res, nil
}

// book applies one event to the trade log. Returns true when a trade was
// realised and the equity curve should be sampled.
func (e *Engine) book(res *Result, open map[string]openTrade, balance *decimal.Decimal, ev strategy.Event, tick types.Tick) bool {
	switch t := ev.(type) {
	case strategy.InitialEntry:
		open[t.EntryID] = openTrade{
			layer: t.Layer, direction: t.Direction,
			entryPrice: t.Price, units: t.Units, openedAt: t.Time,
		}
	case strategy.Retracement:
		open[t.EntryID] = openTrade{
			layer: t.Layer, direction: t.Direction,
			entryPrice: t.Price, units: t.Units, openedAt: t.Time,
		}
	case strategy.TakeProfit:
		openedAt := openTime(open, t.EntryID, t.Time)
		delete(open, t.EntryID)
		*balance = balance.Add(t.RealizedPL.Sub(e.cfg.Commission))
		res.Trades = append(res.Trades, Trade{
			EntryID: t.EntryID, Layer: t.Layer, Direction: t.Direction,
			EntryPrice: t.EntryPrice, ClosePrice: t.ClosePrice, Units: t.Units,
			RealizedPL: t.RealizedPL, Commission: e.cfg.Commission,
			Reason: "take_profit", OpenedAt: openedAt, ClosedAt: t.Time,
		})
		return true
	case strategy.VolatilityLock:
		return e.closeForced(res, open, balance, t.ClosedEntryIDs, "volatility_lock", tick)
	case strategy.MarginProtection:
		return e.closeForced(res, open, balance, t.ClosedEntryIDs, "margin_protection", tick)
	}
	return false
}

// closeForced books lock and margin closes at the opposite side of the
// current tick.
func (e *Engine) closeForced(res *Result, open map[string]openTrade, balance *decimal.Decimal, ids []string, reason string, tick types.Tick) bool {
	realised := false
	for _, id := range ids {
		ot, ok := open[id]
		if !ok {
			continue
		}
		delete(open, id)
		closePrice := tick.Bid
		pl := closePrice.Sub(ot.entryPrice).Mul(ot.units)
		if ot.direction == types.Short {
			closePrice = tick.Ask
			pl = ot.entryPrice.Sub(closePrice).Mul(ot.units)
		}
		*balance = balance.Add(pl.Sub(e.cfg.Commission))
		res.Trades = append(res.Trades, Trade{
			EntryID: id, Layer: ot.layer, Direction: ot.direction,
			EntryPrice: ot.entryPrice, ClosePrice: closePrice, Units: ot.units,
			RealizedPL: pl, Commission: e.cfg.Commission,
			Reason: reason, OpenedAt: ot.openedAt, ClosedAt: tick.Time,
		})
		realised = true
	}
	return realised
}

func (e *Engine) sample(res *Result, ts time.Time, balance decimal.Decimal, st strategy.State) {
	equity := balance
	if fs, ok := st.(*strategy.FloorState); ok {
		equity = balance.Add(fs.UnrealizedPL())
	}
	res.EquityCurve = append(res.EquityCurve, EquityPoint{Time: ts, Balance: balance, Equity: equity})
}

// thin halves the equity curve, keeping every second point plus the last.
func thin(curve []EquityPoint) []EquityPoint {
	out := curve[:0]
	for i := 0; i < len(curve); i += 2 {
		out = append(out, curve[i])
	}
	if last := curve[len(curve)-1]; len(out) == 0 || !out[len(out)-1].Time.Equal(last.Time) {
		out = append(out, last)
	}
	return out
}

func openTime(open map[string]openTrade, id string, fallback time.Time) time.Time {
	if ot, ok := open[id]; ok {
		return ot.openedAt
	}
	return fallback
}
