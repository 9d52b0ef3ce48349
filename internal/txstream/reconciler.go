package txstream

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/broker"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/store"
	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// brokerLister is the read-only slice of the broker API the reconciler
// needs. *broker.Client satisfies it.
type brokerLister interface {
	PendingOrders(ctx context.Context, accountID string) ([]broker.PendingOrder, error)
	OpenPositions(ctx context.Context, accountID string) ([]broker.BrokerPosition, error)
}

// unitEpsilon is the tolerance below which broker and local quantities
// are considered equal.
var unitEpsilon = decimal.RequireFromString("0.000001")

// Summary counts the discrepancies healed in one reconciliation pass.
type Summary struct {
	OrdersCancelled  int
	OrdersCreated    int
	PositionsClosed  int
	PositionsCreated int
	PositionsUpdated int
}

func (s Summary) Total() int {
	return s.OrdersCancelled + s.OrdersCreated + s.PositionsClosed + s.PositionsCreated + s.PositionsUpdated
}

// Reconciler periodically heals divergence between the local store and
// the broker for one account. The broker is treated as the source of
// truth.
type Reconciler struct {
	store     *store.Store
	broker    brokerLister
	accountID string
	interval  time.Duration
	clock     func() time.Time
	logger    *slog.Logger
}

func NewReconciler(st *store.Store, bc brokerLister, accountID string, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		store:     st,
		broker:    bc,
		accountID: accountID,
		interval:  interval,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    logger.With("component", "reconciler", "account_id", accountID),
	}
}

// Run reconciles on a fixed interval until the context dies.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := r.ReconcileOnce(ctx)
			if err != nil {
				r.logger.Error("reconciliation failed", "error", err)
				continue
			}
			if summary.Total() > 0 {
				r.logger.Warn("reconciliation healed discrepancies",
					"orders_cancelled", summary.OrdersCancelled,
					"orders_created", summary.OrdersCreated,
					"positions_closed", summary.PositionsClosed,
					"positions_created", summary.PositionsCreated,
					"positions_updated", summary.PositionsUpdated)
			}
		}
	}
}

// ReconcileOnce runs the orders pass then the positions pass. A second
// pass immediately after a successful one finds nothing to heal.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Summary, error) {
	var summary Summary
	if err := r.reconcileOrders(ctx, &summary); err != nil {
		return summary, err
	}
	if err := r.reconcilePositions(ctx, &summary); err != nil {
		return summary, err
	}
	return summary, nil
}

func (r *Reconciler) reconcileOrders(ctx context.Context, summary *Summary) error {
	remote, err := r.broker.PendingOrders(ctx, r.accountID)
	if err != nil {
		return err
	}
	local, err := r.store.PendingOrders(ctx, r.accountID)
	if err != nil {
		return err
	}

	remoteByID := make(map[string]broker.PendingOrder, len(remote))
	for _, o := range remote {
		remoteByID[o.ID] = o
	}
	localByBrokerID := make(map[string]bool, len(local))

	for i := range local {
		o := &local[i]
		localByBrokerID[o.BrokerOrderID] = true
		if _, ok := remoteByID[o.BrokerOrderID]; ok {
			continue
		}
		// Pending locally, gone at the broker.
		if err := r.store.MarkOrderStatus(ctx, o.ID, types.OrderCancelled, r.clock()); err != nil {
			return err
		}
		summary.OrdersCancelled++
		r.event(ctx, "order_reconciliation", map[string]any{
			"action":          "cancelled_local_only_order",
			"order_id":        o.ID,
			"broker_order_id": o.BrokerOrderID,
			"instrument":      o.Instrument,
		})
	}

	for _, o := range remote {
		if localByBrokerID[o.ID] {
			continue
		}
		// Resting at the broker with no local row.
		direction := types.Long
		units := o.Units
		if units.IsNegative() {
			direction = types.Short
			units = units.Abs()
		}
		price := o.Price
		row := &store.Order{
			AccountID:     r.accountID,
			BrokerOrderID: o.ID,
			Instrument:    o.Instrument,
			Type:          o.Type,
			Direction:     direction,
			Units:         units,
			Price:         &price,
			Status:        types.OrderPending,
		}
		if err := r.store.CreateOrder(ctx, row); err != nil {
			return err
		}
		summary.OrdersCreated++
		r.event(ctx, "order_reconciliation", map[string]any{
			"action":          "created_broker_only_order",
			"order_id":        row.ID,
			"broker_order_id": o.ID,
			"instrument":      o.Instrument,
		})
	}
	return nil
}

type positionKey struct {
	instrument string
	direction  types.Direction
}

func (r *Reconciler) reconcilePositions(ctx context.Context, summary *Summary) error {
	remote, err := r.broker.OpenPositions(ctx, r.accountID)
	if err != nil {
		return err
	}
	local, err := r.store.OpenPositions(ctx, r.accountID)
	if err != nil {
		return err
	}

	remoteByKey := make(map[positionKey]broker.BrokerPosition)
	for _, p := range remote {
		if p.LongUnits.IsPositive() {
			remoteByKey[positionKey{p.Instrument, types.Long}] = p
		}
		if p.ShortUnits.IsPositive() {
			remoteByKey[positionKey{p.Instrument, types.Short}] = p
		}
	}

	localByKey := make(map[positionKey][]*store.Position)
	for i := range local {
		key := positionKey{local[i].Instrument, local[i].Direction}
		localByKey[key] = append(localByKey[key], &local[i])
	}

	for key, rows := range localByKey {
		remotePos, ok := remoteByKey[key]
		if !ok {
			// Open locally, flat at the broker: realise what we were
			// tracking as unrealised.
			for _, p := range rows {
				if err := r.store.ClosePosition(ctx, p.ID, p.RealizedPnl.Add(p.UnrealizedPnl), r.clock()); err != nil {
					return err
				}
				summary.PositionsClosed++
				r.event(ctx, "position_reconciliation", map[string]any{
					"action":      "closed_local_only_position",
					"position_id": p.ID,
					"instrument":  key.instrument,
					"direction":   string(key.direction),
				})
			}
			continue
		}

		brokerUnits := remotePos.LongUnits
		if key.direction == types.Short {
			brokerUnits = remotePos.ShortUnits
		}
		localUnits := decimal.Zero
		localUnrealized := decimal.Zero
		for _, p := range rows {
			localUnits = localUnits.Add(p.Units)
			localUnrealized = localUnrealized.Add(p.UnrealizedPnl)
		}

		unitsDrift := brokerUnits.Sub(localUnits)
		plDrift := remotePos.UnrealizedPL.Sub(localUnrealized)
		if unitsDrift.Abs().LessThanOrEqual(unitEpsilon) && plDrift.Abs().LessThanOrEqual(unitEpsilon) {
			continue
		}

		// Fold the drift into the newest row so the aggregate matches
		// the broker again.
		target := rows[len(rows)-1]
		target.Units = target.Units.Add(unitsDrift)
		target.UnrealizedPnl = target.UnrealizedPnl.Add(plDrift)
		target.CurrentPrice = remotePos.AvgPrice
		if err := r.store.UpdatePosition(ctx, target); err != nil {
			return err
		}
		summary.PositionsUpdated++
		r.event(ctx, "position_reconciliation", map[string]any{
			"action":       "updated_drifted_position",
			"position_id":  target.ID,
			"instrument":   key.instrument,
			"direction":    string(key.direction),
			"units_drift":  unitsDrift.String(),
			"pnl_drift":    plDrift.String(),
			"broker_units": brokerUnits.String(),
		})
	}

	for key, remotePos := range remoteByKey {
		if _, ok := localByKey[key]; ok {
			continue
		}
		units := remotePos.LongUnits
		if key.direction == types.Short {
			units = remotePos.ShortUnits
		}
		row := &store.Position{
			AccountID:     r.accountID,
			Instrument:    key.instrument,
			Direction:     key.direction,
			Units:         units,
			EntryPrice:    remotePos.AvgPrice,
			CurrentPrice:  remotePos.AvgPrice,
			UnrealizedPnl: remotePos.UnrealizedPL,
			OpenedAt:      r.clock(),
		}
		if err := r.store.CreatePosition(ctx, row); err != nil {
			return err
		}
		summary.PositionsCreated++
		r.event(ctx, "position_reconciliation", map[string]any{
			"action":      "created_broker_only_position",
			"position_id": row.ID,
			"instrument":  key.instrument,
			"direction":   string(key.direction),
			"units":       units.String(),
		})
	}
	return nil
}

func (r *Reconciler) event(ctx context.Context, eventType string, payload map[string]any) {
	payload["type"] = eventType
	err := r.store.AppendEvent(ctx, &store.Event{
		Category:  types.EventTrading,
		Severity:  types.SeverityWarning,
		AccountID: r.accountID,
		Actor:     "reconciler",
		Payload:   payload,
	})
	if err != nil {
		r.logger.Error("reconciliation event write failed", "error", err)
	}
}
