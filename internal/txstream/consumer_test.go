package txstream

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/store"
	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite(slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	return s
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pendingOrder(t *testing.T, s *store.Store, brokerOrderID string) *store.Order {
	t.Helper()
	o := &store.Order{
		AccountID:     "acct-1",
		BrokerOrderID: brokerOrderID,
		Instrument:    "EUR_USD",
		Type:          types.OrderTypeMarket,
		Direction:     types.Long,
		Units:         decimal.NewFromInt(1000),
		Status:        types.OrderPending,
	}
	if err := s.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o
}

func openPosition(t *testing.T, s *store.Store, tradeID string, units int64) *store.Position {
	t.Helper()
	p := &store.Position{
		AccountID:     "acct-1",
		StrategyType:  "floor",
		Instrument:    "EUR_USD",
		Direction:     types.Long,
		Units:         decimal.NewFromInt(units),
		EntryPrice:    d("1.1000"),
		CurrentPrice:  d("1.1000"),
		BrokerTradeID: tradeID,
		OpenedAt:      time.Now().UTC(),
	}
	if err := s.CreatePosition(context.Background(), p); err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}
	return p
}

func TestApplyFillMarksOrderAndCreatesPosition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	c := NewConsumer(s, "acct-1", discard())
	order := pendingOrder(t, s, "41")

	err := c.Apply(ctx, types.Transaction{
		ID: "t1", Type: types.TxOrderFill, Time: time.Now().UTC(),
		AccountID: "acct-1", OrderID: "41", TradeID: "43",
		Instrument: "EUR_USD", Units: decimal.NewFromInt(1000), Price: d("1.1002"),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, err := s.OrderByBrokerID(ctx, "41")
	if err != nil {
		t.Fatalf("OrderByBrokerID: %v", err)
	}
	if got.Status != types.OrderFilled || got.FilledAt == nil {
		t.Errorf("order = %s filled_at=%v, want FILLED with timestamp", got.Status, got.FilledAt)
	}

	open, err := s.OpenPositions(ctx, "acct-1")
	if err != nil || len(open) != 1 {
		t.Fatalf("open = %d err = %v, want 1", len(open), err)
	}
	p := open[0]
	// The fill creates the position under the order's id.
	if p.ID != order.ID {
		t.Errorf("position id = %s, want order id %s", p.ID, order.ID)
	}
	if p.Direction != types.Long || !p.Units.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("position = %s %s units", p.Direction, p.Units)
	}
	if !p.EntryPrice.Equal(d("1.1002")) || p.BrokerTradeID != "43" {
		t.Errorf("entry = %s trade = %s", p.EntryPrice, p.BrokerTradeID)
	}
}

func TestApplyFillAddsToExistingPosition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	c := NewConsumer(s, "acct-1", discard())
	openPosition(t, s, "43", 1000)
	pendingOrder(t, s, "45")

	err := c.Apply(ctx, types.Transaction{
		ID: "t2", Type: types.TxOrderFill, Time: time.Now().UTC(),
		AccountID: "acct-1", OrderID: "45", TradeID: "46",
		Instrument: "EUR_USD", Units: decimal.NewFromInt(500), Price: d("1.1010"),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	open, err := s.OpenPositions(ctx, "acct-1")
	if err != nil || len(open) != 1 {
		t.Fatalf("open = %d err = %v, want the one merged position", len(open), err)
	}
	if !open[0].Units.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("units = %s, want 1500", open[0].Units)
	}
	if !open[0].CurrentPrice.Equal(d("1.1010")) {
		t.Errorf("current price = %s, want 1.1010", open[0].CurrentPrice)
	}
}

func TestApplyFillOppositeDirectionOpensSecondPosition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	c := NewConsumer(s, "acct-1", discard())
	openPosition(t, s, "43", 1000)

	err := c.Apply(ctx, types.Transaction{
		ID: "t3", Type: types.TxOrderFill, Time: time.Now().UTC(),
		AccountID: "acct-1", OrderID: "47", TradeID: "48",
		Instrument: "EUR_USD", Units: decimal.NewFromInt(-700), Price: d("1.0995"),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	open, _ := s.OpenPositions(ctx, "acct-1")
	if len(open) != 2 {
		t.Fatalf("open = %d, want separate long and short", len(open))
	}
	var short *store.Position
	for i := range open {
		if open[i].Direction == types.Short {
			short = &open[i]
		}
	}
	if short == nil || !short.Units.Equal(decimal.NewFromInt(700)) {
		t.Fatalf("short position = %+v, want 700 units", short)
	}
}

func TestApplyCancelAndReject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	c := NewConsumer(s, "acct-1", discard())
	a := pendingOrder(t, s, "51")
	b := pendingOrder(t, s, "52")

	if err := c.Apply(ctx, types.Transaction{
		Type: types.TxOrderCancel, Time: time.Now().UTC(), AccountID: "acct-1", OrderID: "51",
	}); err != nil {
		t.Fatalf("Apply cancel: %v", err)
	}
	if err := c.Apply(ctx, types.Transaction{
		Type: types.TxOrderReject, Time: time.Now().UTC(), AccountID: "acct-1",
		OrderID: "52", Reason: "INSUFFICIENT_MARGIN",
	}); err != nil {
		t.Fatalf("Apply reject: %v", err)
	}

	gotA, _ := s.OrderByBrokerID(ctx, "51")
	gotB, _ := s.OrderByBrokerID(ctx, "52")
	if gotA.Status != types.OrderCancelled {
		t.Errorf("order %s = %s, want CANCELLED", a.ID, gotA.Status)
	}
	if gotB.Status != types.OrderRejected {
		t.Errorf("order %s = %s, want REJECTED", b.ID, gotB.Status)
	}

	// Unknown orders are logged, not fatal.
	if err := c.Apply(ctx, types.Transaction{
		Type: types.TxOrderCancel, Time: time.Now().UTC(), AccountID: "acct-1", OrderID: "99",
	}); err != nil {
		t.Errorf("Apply unknown cancel: %v", err)
	}
}

func TestApplyTradeCloseRealizesPnl(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	c := NewConsumer(s, "acct-1", discard())
	p := openPosition(t, s, "43", 1000)

	err := c.Apply(ctx, types.Transaction{
		Type: types.TxTradeClose, Time: time.Now().UTC(), AccountID: "acct-1",
		TradeID: "43", Price: d("1.1012"), PL: d("12.5"),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	open, _ := s.OpenPositions(ctx, "acct-1")
	if len(open) != 0 {
		t.Fatalf("open = %d, want closed", len(open))
	}
	var closed store.Position
	if err := s.DB().First(&closed, "id = ?", p.ID).Error; err != nil {
		t.Fatalf("load closed: %v", err)
	}
	if closed.ClosedAt == nil || !closed.RealizedPnl.Equal(d("12.5")) {
		t.Errorf("closed_at=%v realized=%s, want set and 12.5", closed.ClosedAt, closed.RealizedPnl)
	}
	if !closed.CurrentPrice.Equal(d("1.1012")) {
		t.Errorf("current price = %s, want close price", closed.CurrentPrice)
	}
}

func TestApplyTradeReduceDecrementsUnits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	c := NewConsumer(s, "acct-1", discard())
	openPosition(t, s, "43", 3000)

	err := c.Apply(ctx, types.Transaction{
		Type: types.TxTradeReduce, Time: time.Now().UTC(), AccountID: "acct-1",
		TradeID: "43", Units: decimal.NewFromInt(-1000), Price: d("1.1005"), PL: d("5"),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	open, _ := s.OpenPositions(ctx, "acct-1")
	if len(open) != 1 || !open[0].Units.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("open = %+v, want 2000 units remaining", open)
	}
	if !open[0].RealizedPnl.Equal(d("5")) {
		t.Errorf("realized = %s, want partial PL banked", open[0].RealizedPnl)
	}

	// Reducing the remainder closes the position.
	err = c.Apply(ctx, types.Transaction{
		Type: types.TxTradeReduce, Time: time.Now().UTC(), AccountID: "acct-1",
		TradeID: "43", Units: decimal.NewFromInt(-2000), Price: d("1.1008"), PL: d("16"),
	})
	if err != nil {
		t.Fatalf("Apply remainder: %v", err)
	}
	open, _ = s.OpenPositions(ctx, "acct-1")
	if len(open) != 0 {
		t.Fatalf("open = %d, want fully reduced position closed", len(open))
	}
}

func TestHeartbeatUpdatesLastSeen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	c := NewConsumer(s, "acct-1", discard())

	if !c.LastSeen().IsZero() {
		t.Fatal("last seen set before any message")
	}
	at := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if err := c.Apply(ctx, types.Transaction{Type: types.TxHeartbeat, Time: at, AccountID: "acct-1"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !c.LastSeen().Equal(at) {
		t.Errorf("last seen = %v, want %v", c.LastSeen(), at)
	}
}
