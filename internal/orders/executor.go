package orders

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/broker"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/store"
	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// brokerClient is the slice of the broker API the executor needs.
// *broker.Client satisfies it.
type brokerClient interface {
	CreateOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error)
	CancelOrder(ctx context.Context, accountID, brokerOrderID string) error
}

// Request is one order from a strategy. Units are always positive;
// Direction carries the side. OCO requests need both LimitPrice and
// StopPrice and submit two independently resting legs.
type Request struct {
	AccountID    string
	StrategyType string
	Instrument   string
	Type         types.OrderType
	Direction    types.Direction
	Units        decimal.Decimal
	Price        *decimal.Decimal
	LimitPrice   *decimal.Decimal
	StopPrice    *decimal.Decimal
	TakeProfit   *decimal.Decimal
	StopLoss     *decimal.Decimal
	// Rationale is the strategy's reason for the order, carried into the
	// audit event verbatim.
	Rationale string
}

// Executor gates, adjusts, submits and records orders.
type Executor struct {
	store   *store.Store
	broker  brokerClient
	rules   JurisdictionRules
	policy  DifferentiationPolicy
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	clock   func() time.Time
	logger  *slog.Logger
}

func NewExecutor(st *store.Store, bc brokerClient, rules JurisdictionRules, policy DifferentiationPolicy, logger *slog.Logger) *Executor {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "broker-orders",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Broker rejections are order-level outcomes, not transport
		// health, and must not open the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || types.IsKind(err, types.KindBrokerReject)
		},
	})
	return &Executor{
		store:   st,
		broker:  bc,
		rules:   rules,
		policy:  policy,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		clock:   func() time.Time { return time.Now().UTC() },
		logger:  logger.With("component", "orders"),
	}
}

// Submit runs the full pipeline: compliance check, position
// differentiation, rate limit, breaker-guarded broker call, store write,
// audit event. Broker rejections come back as KindBrokerReject with a
// REJECTED order row already persisted.
func (e *Executor) Submit(ctx context.Context, req Request) (*store.Order, error) {
	if req.Type == types.OrderTypeOCO {
		return e.submitOCO(ctx, req)
	}
	return e.submitLeg(ctx, req, req.Type, req.Price, "")
}

func (e *Executor) submitOCO(ctx context.Context, req Request) (*store.Order, error) {
	if req.LimitPrice == nil || req.StopPrice == nil {
		return nil, types.E(types.KindValidation, "OCO order needs both limit and stop prices")
	}
	// Two independently resting legs; the store link is the only pairing.
	limitLeg, err := e.submitLeg(ctx, req, types.OrderTypeLimit, req.LimitPrice, "")
	if err != nil {
		return nil, err
	}
	stopLeg, err := e.submitLeg(ctx, req, types.OrderTypeStop, req.StopPrice, limitLeg.ID)
	if err != nil {
		return limitLeg, err
	}
	limitLeg.LinkedOrderID = stopLeg.ID
	if err := e.store.UpdateOrder(ctx, limitLeg); err != nil {
		return limitLeg, err
	}
	return limitLeg, nil
}

func (e *Executor) submitLeg(ctx context.Context, req Request, orderType types.OrderType, price *decimal.Decimal, linkedID string) (*store.Order, error) {
	rules, err := e.accountRules(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	open, err := e.store.OpenPositions(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if err := rules.Check(req, open); err != nil {
		e.logger.Warn("order blocked by compliance",
			"account_id", req.AccountID,
			"instrument", req.Instrument,
			"units", req.Units.String(),
			"error", err)
		return nil, err
	}

	units, adjusted := e.policy.Adjust(req.Units, openUnits(open, req.Instrument))
	if adjusted {
		e.logger.Info("order units differentiated",
			"instrument", req.Instrument,
			"requested", req.Units.String(),
			"submitted", units.String())
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, types.Wrap(types.KindTransport, err, "rate limit wait")
	}

	signed := units.Mul(req.Direction.Sign())
	result, brokerErr := e.callBroker(ctx, broker.OrderRequest{
		AccountID:  req.AccountID,
		Type:       orderType,
		Instrument: req.Instrument,
		Units:      signed,
		Price:      price,
		TakeProfit: req.TakeProfit,
		StopLoss:   req.StopLoss,
	})

	now := e.clock()
	row := &store.Order{
		AccountID:     req.AccountID,
		Instrument:    req.Instrument,
		Type:          orderType,
		Direction:     req.Direction,
		Units:         units,
		Price:         price,
		TakeProfit:    req.TakeProfit,
		StopLoss:      req.StopLoss,
		Status:        types.OrderPending,
		LinkedOrderID: linkedID,
	}

	if brokerErr != nil {
		if !types.IsKind(brokerErr, types.KindBrokerReject) {
			return nil, brokerErr
		}
		row.Status = types.OrderRejected
		if err := e.store.CreateOrder(ctx, row); err != nil {
			return nil, err
		}
		e.audit(ctx, req, row, adjusted, "order_rejected", result.RejectReason)
		return row, brokerErr
	}

	row.BrokerOrderID = result.BrokerOrderID
	if result.Filled {
		row.Status = types.OrderFilled
		fill := result.FillPrice
		row.Price = &fill
		row.FilledAt = &now
	}
	if err := e.store.CreateOrder(ctx, row); err != nil {
		return nil, err
	}
	e.audit(ctx, req, row, adjusted, "order_submitted", "")
	return row, nil
}

// accountRules resolves the rule set from the account's registered
// jurisdiction. Accounts without a registration row (backtests, the
// demo account) trade under the executor's configured rules.
func (e *Executor) accountRules(ctx context.Context, accountID string) (JurisdictionRules, error) {
	acct, err := e.store.BrokerAccountByBrokerID(ctx, accountID)
	if types.IsKind(err, types.KindNotFound) {
		return e.rules, nil
	}
	if err != nil {
		return JurisdictionRules{}, err
	}
	if !acct.IsActive {
		return JurisdictionRules{}, types.E(types.KindComplianceViolation,
			"broker account %s is deactivated", accountID)
	}
	return RulesFor(acct.Jurisdiction), nil
}

func (e *Executor) callBroker(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	out, err := e.breaker.Execute(func() (any, error) {
		return e.broker.CreateOrder(ctx, req)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		err = types.Wrap(types.KindTransport, err, "order submission suspended")
	}
	if err != nil {
		if result, ok := out.(*broker.OrderResult); ok && result != nil {
			return result, err
		}
		return &broker.OrderResult{}, err
	}
	return out.(*broker.OrderResult), nil
}

// Cancel asks the broker to cancel a pending order and records the
// CANCELLED transition on acknowledgement.
func (e *Executor) Cancel(ctx context.Context, orderID string) error {
	order, err := e.orderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != types.OrderPending {
		return types.E(types.KindValidation, "order %s is %s, only PENDING orders cancel", orderID, order.Status)
	}
	if err := e.broker.CancelOrder(ctx, order.AccountID, order.BrokerOrderID); err != nil {
		return err
	}
	if err := e.store.MarkOrderStatus(ctx, order.ID, types.OrderCancelled, e.clock()); err != nil {
		return err
	}
	e.appendEvent(ctx, order.AccountID, map[string]any{
		"type":       "order_cancelled",
		"order_id":   order.ID,
		"instrument": order.Instrument,
	})
	return nil
}

func (e *Executor) orderByID(ctx context.Context, id string) (*store.Order, error) {
	var order store.Order
	if err := e.store.DB().WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		return nil, types.Wrap(types.KindNotFound, err, "order %s", id)
	}
	return &order, nil
}

// audit writes the per-order audit event including the full rationale
// and any units adjustment.
func (e *Executor) audit(ctx context.Context, req Request, row *store.Order, adjusted bool, eventType, rejectReason string) {
	payload := map[string]any{
		"type":            eventType,
		"order_id":        row.ID,
		"broker_order_id": row.BrokerOrderID,
		"instrument":      row.Instrument,
		"order_type":      string(row.Type),
		"direction":       string(row.Direction),
		"requested_units": req.Units.String(),
		"submitted_units": row.Units.String(),
		"units_adjusted":  adjusted,
		"status":          string(row.Status),
		"rationale":       req.Rationale,
	}
	if rejectReason != "" {
		payload["reject_reason"] = rejectReason
	}
	e.appendEvent(ctx, req.AccountID, payload)
}

func (e *Executor) appendEvent(ctx context.Context, accountID string, payload map[string]any) {
	severity := types.SeverityInfo
	if t, _ := payload["type"].(string); t == "order_rejected" {
		severity = types.SeverityWarning
	}
	err := e.store.AppendEvent(ctx, &store.Event{
		Category:  types.EventTrading,
		Severity:  severity,
		AccountID: accountID,
		Actor:     "order-executor",
		Payload:   payload,
	})
	if err != nil {
		e.logger.Error("audit event write failed", "error", err)
	}
}

func openUnits(open []store.Position, instrument string) []decimal.Decimal {
	var units []decimal.Decimal
	for _, p := range open {
		if p.Instrument == instrument {
			units = append(units, p.Units)
		}
	}
	return units
}
