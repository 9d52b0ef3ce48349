// Package txstream applies broker-originated updates to local state: the
// live transaction stream consumer and the periodic reconciler that heals
// divergence between the local store and the broker.
package txstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/store"
	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// Consumer applies one account's transaction stream to the store. The
// stream is authoritative on order status.
type Consumer struct {
	store     *store.Store
	accountID string
	clock     func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	lastSeen time.Time
}

func NewConsumer(st *store.Store, accountID string, logger *slog.Logger) *Consumer {
	return &Consumer{
		store:     st,
		accountID: accountID,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    logger.With("component", "txstream", "account_id", accountID),
	}
}

// Run applies transactions until the channel closes or the context dies.
func (c *Consumer) Run(ctx context.Context, txs <-chan types.Transaction) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case tx, ok := <-txs:
			if !ok {
				return nil
			}
			if err := c.Apply(ctx, tx); err != nil {
				c.logger.Error("transaction apply failed",
					"tx_id", tx.ID, "tx_type", string(tx.Type), "error", err)
			}
		}
	}
}

// LastSeen is the time of the most recent message, heartbeats included.
func (c *Consumer) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Apply routes one transaction to its handler.
func (c *Consumer) Apply(ctx context.Context, tx types.Transaction) error {
	c.touch(tx.Time)
	switch tx.Type {
	case types.TxOrderFill:
		return c.applyFill(ctx, tx)
	case types.TxOrderCancel:
		return c.markOrder(ctx, tx, types.OrderCancelled)
	case types.TxOrderReject:
		c.logger.Warn("broker rejected order",
			"broker_order_id", tx.OrderID, "reason", tx.Reason)
		return c.markOrder(ctx, tx, types.OrderRejected)
	case types.TxTradeClose:
		return c.applyTradeClose(ctx, tx)
	case types.TxTradeReduce:
		return c.applyTradeReduce(ctx, tx)
	case types.TxHeartbeat:
		return nil
	default:
		c.logger.Debug("ignoring transaction", "tx_type", string(tx.Type))
		return nil
	}
}

func (c *Consumer) touch(at time.Time) {
	if at.IsZero() {
		at = c.clock()
	}
	c.mu.Lock()
	if at.After(c.lastSeen) {
		c.lastSeen = at
	}
	c.mu.Unlock()
}

// applyFill marks the order FILLED and folds the fill into the account's
// position for (instrument, direction): existing open position gains the
// units, otherwise a new position is created reusing the order's id.
func (c *Consumer) applyFill(ctx context.Context, tx types.Transaction) error {
	direction := types.Long
	if tx.Units.IsNegative() {
		direction = types.Short
	}
	units := tx.Units.Abs()

	positionID := ""
	order, err := c.store.OrderByBrokerID(ctx, tx.OrderID)
	switch {
	case err == nil:
		if err := c.store.MarkOrderStatus(ctx, order.ID, types.OrderFilled, tx.Time); err != nil {
			return err
		}
		positionID = order.ID
	case types.IsKind(err, types.KindNotFound):
		c.logger.Warn("fill for unknown order", "broker_order_id", tx.OrderID)
	default:
		return err
	}

	open, err := c.store.OpenPositions(ctx, tx.AccountID)
	if err != nil {
		return err
	}
	for i := range open {
		p := &open[i]
		if p.Instrument == tx.Instrument && p.Direction == direction {
			p.Units = p.Units.Add(units)
			p.CurrentPrice = tx.Price
			if tx.TradeID != "" {
				p.BrokerTradeID = tx.TradeID
			}
			return c.store.UpdatePosition(ctx, p)
		}
	}

	return c.store.CreatePosition(ctx, &store.Position{
		ID:            positionID,
		AccountID:     tx.AccountID,
		Instrument:    tx.Instrument,
		Direction:     direction,
		Units:         units,
		EntryPrice:    tx.Price,
		CurrentPrice:  tx.Price,
		BrokerTradeID: tx.TradeID,
		OpenedAt:      tx.Time,
	})
}

func (c *Consumer) markOrder(ctx context.Context, tx types.Transaction, status types.OrderStatus) error {
	order, err := c.store.OrderByBrokerID(ctx, tx.OrderID)
	if types.IsKind(err, types.KindNotFound) {
		c.logger.Warn("status for unknown order",
			"broker_order_id", tx.OrderID, "status", string(status))
		return nil
	}
	if err != nil {
		return err
	}
	return c.store.MarkOrderStatus(ctx, order.ID, status, tx.Time)
}

func (c *Consumer) applyTradeClose(ctx context.Context, tx types.Transaction) error {
	p, err := c.positionByTradeID(ctx, tx.TradeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.logger.Warn("close for unknown trade", "trade_id", tx.TradeID)
			return nil
		}
		return err
	}
	p.CurrentPrice = tx.Price
	if err := c.store.UpdatePosition(ctx, p); err != nil {
		return err
	}
	return c.store.ClosePosition(ctx, p.ID, tx.PL, tx.Time)
}

func (c *Consumer) applyTradeReduce(ctx context.Context, tx types.Transaction) error {
	p, err := c.positionByTradeID(ctx, tx.TradeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.logger.Warn("reduce for unknown trade", "trade_id", tx.TradeID)
			return nil
		}
		return err
	}
	p.Units = p.Units.Sub(tx.Units.Abs())
	p.CurrentPrice = tx.Price
	p.RealizedPnl = p.RealizedPnl.Add(tx.PL)
	if p.Units.LessThanOrEqual(decimal.Zero) {
		if err := c.store.UpdatePosition(ctx, p); err != nil {
			return err
		}
		return c.store.ClosePosition(ctx, p.ID, p.RealizedPnl, tx.Time)
	}
	return c.store.UpdatePosition(ctx, p)
}

func (c *Consumer) positionByTradeID(ctx context.Context, tradeID string) (*store.Position, error) {
	var p store.Position
	err := c.store.DB().WithContext(ctx).
		Where("broker_trade_id = ? AND closed_at IS NULL", tradeID).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}
