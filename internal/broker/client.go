package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/config"
	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// Client talks to the broker's v20 REST API. Order submission retries
// transport failures and 5xx responses; broker rejections come back as
// typed errors and are never retried.
type Client struct {
	http       *resty.Client
	streamBase string
	token      string
	logger     *slog.Logger
}

func NewClient(cfg config.BrokerConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	http := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+cfg.APIToken)

	return &Client{
		http:       http,
		streamBase: cfg.StreamBaseURL,
		token:      cfg.APIToken,
		logger:     logger.With("component", "broker"),
	}
}

// CreateOrder submits one order. MARKET orders go out FOK; LIMIT and
// STOP orders rest GTC until filled or cancelled.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	spec := orderSpec{
		Type:         string(req.Type),
		Instrument:   req.Instrument,
		Units:        req.Units.String(),
		PositionFill: "DEFAULT",
	}
	switch req.Type {
	case types.OrderTypeMarket:
		spec.TimeInForce = "FOK"
	case types.OrderTypeLimit, types.OrderTypeStop:
		spec.TimeInForce = "GTC"
		if req.Price == nil {
			return nil, types.E(types.KindValidation, "%s order needs a price", req.Type)
		}
		spec.Price = req.Price.String()
	default:
		return nil, types.E(types.KindValidation, "unsupported order type %q", req.Type)
	}
	if req.TakeProfit != nil {
		spec.TakeProfitOnFill = &priceSpec{Price: req.TakeProfit.String()}
	}
	if req.StopLoss != nil {
		spec.StopLossOnFill = &priceSpec{Price: req.StopLoss.String()}
	}

	var out createOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(orderBody{Order: spec}).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/v3/accounts/%s/orders", req.AccountID))
	if err != nil {
		return nil, types.Wrap(types.KindTransport, err, "create order on %s", req.Instrument)
	}

	if out.OrderRejectTransaction != nil {
		reason := out.OrderRejectTransaction.RejectReason
		if reason == "" {
			reason = out.OrderRejectTransaction.Reason
		}
		c.logger.Warn("order rejected",
			"account_id", req.AccountID,
			"instrument", req.Instrument,
			"reason", reason)
		return &OrderResult{RejectReason: reason},
			types.E(types.KindBrokerReject, "order rejected: %s", reason)
	}
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
		return nil, types.E(types.KindTransport, "create order: status %d: %s",
			resp.StatusCode(), resp.String())
	}

	result := &OrderResult{}
	if out.OrderCreateTransaction != nil {
		result.BrokerOrderID = out.OrderCreateTransaction.ID
	}
	if fill := out.OrderFillTransaction; fill != nil {
		result.Filled = true
		result.FillPrice = parseDecimal(fill.Price)
		result.FillUnits = parseDecimal(fill.Units)
		result.TradeID = fill.TradeID
		if result.BrokerOrderID == "" {
			result.BrokerOrderID = fill.OrderID
		}
	}
	return result, nil
}

// CancelOrder cancels a pending order by its broker-side id.
func (c *Client) CancelOrder(ctx context.Context, accountID, brokerOrderID string) error {
	var out cancelOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		Put(fmt.Sprintf("/v3/accounts/%s/orders/%s/cancel", accountID, brokerOrderID))
	if err != nil {
		return types.Wrap(types.KindTransport, err, "cancel order %s", brokerOrderID)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return types.E(types.KindNotFound, "order %s not found at broker", brokerOrderID)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.E(types.KindTransport, "cancel order %s: status %d: %s",
			brokerOrderID, resp.StatusCode(), resp.String())
	}
	return nil
}

// PendingOrders lists the broker's unfilled orders for an account.
func (c *Client) PendingOrders(ctx context.Context, accountID string) ([]PendingOrder, error) {
	var out pendingOrdersResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/v3/accounts/%s/pendingOrders", accountID))
	if err != nil {
		return nil, types.Wrap(types.KindTransport, err, "list pending orders")
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, types.E(types.KindTransport, "list pending orders: status %d: %s",
			resp.StatusCode(), resp.String())
	}
	orders := make([]PendingOrder, 0, len(out.Orders))
	for _, o := range out.Orders {
		orders = append(orders, PendingOrder{
			ID:         o.ID,
			Instrument: o.Instrument,
			Type:       types.OrderType(o.Type),
			Units:      parseDecimal(o.Units),
			Price:      parseDecimal(o.Price),
		})
	}
	return orders, nil
}

// OpenPositions lists the broker's open positions for an account. Each
// instrument yields at most one long and one short row.
func (c *Client) OpenPositions(ctx context.Context, accountID string) ([]BrokerPosition, error) {
	var out openPositionsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/v3/accounts/%s/openPositions", accountID))
	if err != nil {
		return nil, types.Wrap(types.KindTransport, err, "list open positions")
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, types.E(types.KindTransport, "list open positions: status %d: %s",
			resp.StatusCode(), resp.String())
	}
	positions := make([]BrokerPosition, 0, len(out.Positions))
	for _, p := range out.Positions {
		long := parseDecimal(p.Long.Units)
		short := parseDecimal(p.Short.Units)
		avg := parseDecimal(p.Long.AveragePrice)
		if long.IsZero() {
			avg = parseDecimal(p.Short.AveragePrice)
		}
		positions = append(positions, BrokerPosition{
			Instrument:   p.Instrument,
			LongUnits:    long,
			ShortUnits:   short.Abs(),
			AvgPrice:     avg,
			UnrealizedPL: parseDecimal(p.UnrealizedPL),
		})
	}
	return positions, nil
}
