package broker

import (
	"github.com/shopspring/decimal"

	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// OrderRequest is the broker-facing order. Units are signed: positive
// buys, negative sells.
type OrderRequest struct {
	AccountID  string
	Type       types.OrderType
	Instrument string
	Units      decimal.Decimal
	Price      *decimal.Decimal // required for LIMIT and STOP
	TakeProfit *decimal.Decimal
	StopLoss   *decimal.Decimal
}

// OrderResult is the broker's answer to a create-order call.
type OrderResult struct {
	BrokerOrderID string
	Filled        bool
	FillPrice     decimal.Decimal
	FillUnits     decimal.Decimal
	TradeID       string
	RejectReason  string
}

// PendingOrder is one broker-side unfilled order.
type PendingOrder struct {
	ID         string
	Instrument string
	Type       types.OrderType
	Units      decimal.Decimal
	Price      decimal.Decimal
}

// BrokerPosition is the broker's view of one open position.
type BrokerPosition struct {
	Instrument   string
	LongUnits    decimal.Decimal
	ShortUnits   decimal.Decimal
	AvgPrice     decimal.Decimal
	UnrealizedPL decimal.Decimal
}

// Wire shapes. The v20 API carries every decimal as a string.

type priceSpec struct {
	Price string `json:"price"`
}

type orderSpec struct {
	Type             string     `json:"type"`
	Instrument       string     `json:"instrument"`
	Units            string     `json:"units"`
	TimeInForce      string     `json:"timeInForce"`
	PositionFill     string     `json:"positionFill"`
	Price            string     `json:"price,omitempty"`
	TakeProfitOnFill *priceSpec `json:"takeProfitOnFill,omitempty"`
	StopLossOnFill   *priceSpec `json:"stopLossOnFill,omitempty"`
}

type orderBody struct {
	Order orderSpec `json:"order"`
}

type txRecord struct {
	ID           string `json:"id"`
	OrderID      string `json:"orderID"`
	TradeID      string `json:"tradeID"`
	Instrument   string `json:"instrument"`
	Units        string `json:"units"`
	Price        string `json:"price"`
	PL           string `json:"pl"`
	Reason       string `json:"reason"`
	RejectReason string `json:"rejectReason"`
}

type createOrderResponse struct {
	OrderCreateTransaction *txRecord `json:"orderCreateTransaction"`
	OrderFillTransaction   *txRecord `json:"orderFillTransaction"`
	OrderRejectTransaction *txRecord `json:"orderRejectTransaction"`
	OrderCancelTransaction *txRecord `json:"orderCancelTransaction"`
	ErrorMessage           string    `json:"errorMessage"`
}

type cancelOrderResponse struct {
	OrderCancelTransaction *txRecord `json:"orderCancelTransaction"`
	ErrorMessage           string    `json:"errorMessage"`
}

type pendingOrdersResponse struct {
	Orders []struct {
		ID         string `json:"id"`
		Instrument string `json:"instrument"`
		Type       string `json:"type"`
		Units      string `json:"units"`
		Price      string `json:"price"`
	} `json:"orders"`
}

type openPositionsResponse struct {
	Positions []struct {
		Instrument string `json:"instrument"`
		Long       struct {
			Units        string `json:"units"`
			AveragePrice string `json:"averagePrice"`
			UnrealizedPL string `json:"unrealizedPL"`
		} `json:"long"`
		Short struct {
			Units        string `json:"units"`
			AveragePrice string `json:"averagePrice"`
			UnrealizedPL string `json:"unrealizedPL"`
		} `json:"short"`
		UnrealizedPL string `json:"unrealizedPL"`
	} `json:"positions"`
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
