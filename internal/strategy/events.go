// events.go defines the closed event vocabulary emitted by strategies.
//
// Events are value objects: the strategy performs no I/O, and every side
// effect (order submission, booking, fan-out) is realised by downstream
// handlers consuming these events. Each event serialises to a map with a
// "type" tag; decoding dispatches on the tag and falls back to
// GenericSignal for unknown tags rather than failing.
package strategy

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// Event tags.
const (
	TagInitialEntry       = "initial_entry"
	TagRetracement        = "retracement"
	TagTakeProfit         = "take_profit"
	TagAddLayer           = "add_layer"
	TagRemoveLayer        = "remove_layer"
	TagVolatilityLock     = "volatility_lock"
	TagHedgeNeutralize    = "volatility_hedge_neutralize"
	TagMarginProtection   = "margin_protection"
	TagGenericSignal      = "generic_signal"
)

// Event is one strategy output. Implementations are immutable value objects.
type Event interface {
	Tag() string
	ToMap() map[string]any
}

// InitialEntry is emitted when a layer opens its first entry.
type InitialEntry struct {
	EntryID   string
	Layer     int
	Direction types.Direction
	Price     decimal.Decimal // ask for long, bid for short
	Units     decimal.Decimal
	Time      time.Time
}

func (e InitialEntry) Tag() string { return TagInitialEntry }

func (e InitialEntry) ToMap() map[string]any {
	return map[string]any{
		"type": e.Tag(), "entry_id": e.EntryID, "layer": e.Layer,
		"direction": string(e.Direction), "price": e.Price.String(),
		"units": e.Units.String(), "time": e.Time.Format(time.RFC3339Nano),
	}
}

// Retracement is emitted when an adverse move opens a scale-in entry on the
// active layer.
type Retracement struct {
	EntryID   string
	Layer     int
	Index     int // retracement index within the layer, 1-based
	Direction types.Direction
	Price     decimal.Decimal
	Units     decimal.Decimal
	Time      time.Time
}

func (e Retracement) Tag() string { return TagRetracement }

func (e Retracement) ToMap() map[string]any {
	return map[string]any{
		"type": e.Tag(), "entry_id": e.EntryID, "layer": e.Layer, "index": e.Index,
		"direction": string(e.Direction), "price": e.Price.String(),
		"units": e.Units.String(), "time": e.Time.Format(time.RFC3339Nano),
	}
}

// TakeProfit is emitted when an entry's unrealised pips reach the effective
// take-profit threshold and the entry is closed.
type TakeProfit struct {
	EntryID    string
	Layer      int
	Direction  types.Direction
	EntryPrice decimal.Decimal
	ClosePrice decimal.Decimal // bid for long, ask for short
	Units      decimal.Decimal
	Pips       decimal.Decimal
	RealizedPL decimal.Decimal
	Time       time.Time
}

func (e TakeProfit) Tag() string { return TagTakeProfit }

func (e TakeProfit) ToMap() map[string]any {
	return map[string]any{
		"type": e.Tag(), "entry_id": e.EntryID, "layer": e.Layer,
		"direction": string(e.Direction), "entry_price": e.EntryPrice.String(),
		"close_price": e.ClosePrice.String(), "units": e.Units.String(),
		"pips": e.Pips.String(), "realized_pl": e.RealizedPL.String(),
		"time": e.Time.Format(time.RFC3339Nano),
	}
}

// AddLayer is emitted when the active layer exhausts its retracements and a
// new layer is pushed.
type AddLayer struct {
	Layer     int
	Direction types.Direction
	Time      time.Time
}

func (e AddLayer) Tag() string { return TagAddLayer }

func (e AddLayer) ToMap() map[string]any {
	return map[string]any{
		"type": e.Tag(), "layer": e.Layer,
		"direction": string(e.Direction), "time": e.Time.Format(time.RFC3339Nano),
	}
}

// RemoveLayer is emitted when a non-home layer empties and control returns
// to the layer popped from the return stack.
type RemoveLayer struct {
	Layer    int
	ReturnTo int
	Time     time.Time
}

func (e RemoveLayer) Tag() string { return TagRemoveLayer }

func (e RemoveLayer) ToMap() map[string]any {
	return map[string]any{
		"type": e.Tag(), "layer": e.Layer, "return_to": e.ReturnTo,
		"time": e.Time.Format(time.RFC3339Nano),
	}
}

// VolatilityLock is emitted when the ATR regime check locks or unwinds.
// Reason is "CLOSE" for a non-hedging lock and "CLOSE unwind" when hedges
// and their source entries are removed on unlock.
type VolatilityLock struct {
	Reason         string
	CurrentATR     decimal.Decimal
	BaselineATR    decimal.Decimal
	Threshold      decimal.Decimal
	ClosedEntryIDs []string
	Time           time.Time
}

func (e VolatilityLock) Tag() string { return TagVolatilityLock }

func (e VolatilityLock) ToMap() map[string]any {
	return map[string]any{
		"type": e.Tag(), "reason": e.Reason,
		"current_atr": e.CurrentATR.String(), "baseline_atr": e.BaselineATR.String(),
		"threshold": e.Threshold.String(), "closed_entry_ids": e.ClosedEntryIDs,
		"time": e.Time.Format(time.RFC3339Nano),
	}
}

// VolatilityHedgeNeutralize is emitted in hedging mode when mirror entries
// are opened to zero net exposure during a volatility lock.
type VolatilityHedgeNeutralize struct {
	HedgeEntryIDs []string
	Time          time.Time
}

func (e VolatilityHedgeNeutralize) Tag() string { return TagHedgeNeutralize }

func (e VolatilityHedgeNeutralize) ToMap() map[string]any {
	return map[string]any{
		"type": e.Tag(), "hedge_entry_ids": e.HedgeEntryIDs,
		"time": e.Time.Format(time.RFC3339Nano),
	}
}

// MarginProtection is emitted when the margin ratio forces closing the
// oldest entries down to TargetUnits.
type MarginProtection struct {
	MarginRatio    decimal.Decimal
	TargetUnits    decimal.Decimal
	ClosedEntryIDs []string
	Time           time.Time
}

func (e MarginProtection) Tag() string { return TagMarginProtection }

func (e MarginProtection) ToMap() map[string]any {
	return map[string]any{
		"type": e.Tag(), "margin_ratio": e.MarginRatio.String(),
		"target_units": e.TargetUnits.String(), "closed_entry_ids": e.ClosedEntryIDs,
		"time": e.Time.Format(time.RFC3339Nano),
	}
}

// GenericSignal carries any event that has no dedicated struct, including
// events decoded from unknown tags.
type GenericSignal struct {
	Name    string
	Details map[string]any
	Time    time.Time
}

func (e GenericSignal) Tag() string { return TagGenericSignal }

func (e GenericSignal) ToMap() map[string]any {
	return map[string]any{
		"type": e.Tag(), "name": e.Name, "details": e.Details,
		"time": e.Time.Format(time.RFC3339Nano),
	}
}

// DecodeEvent rebuilds an Event from its map form. Unknown tags decode to a
// GenericSignal carrying the raw map rather than returning an error.
func DecodeEvent(m map[string]any) Event {
	tag, _ := m["type"].(string)
	ts := decodeTime(m["time"])

	switch tag {
	case TagInitialEntry:
		return InitialEntry{
			EntryID:   str(m["entry_id"]),
			Layer:     toInt(m["layer"]),
			Direction: types.Direction(str(m["direction"])),
			Price:     dec(m["price"]),
			Units:     dec(m["units"]),
			Time:      ts,
		}
	case TagRetracement:
		return Retracement{
			EntryID:   str(m["entry_id"]),
			Layer:     toInt(m["layer"]),
			Index:     toInt(m["index"]),
			Direction: types.Direction(str(m["direction"])),
			Price:     dec(m["price"]),
			Units:     dec(m["units"]),
			Time:      ts,
		}
	case TagTakeProfit:
		return TakeProfit{
			EntryID:    str(m["entry_id"]),
			Layer:      toInt(m["layer"]),
			Direction:  types.Direction(str(m["direction"])),
			EntryPrice: dec(m["entry_price"]),
			ClosePrice: dec(m["close_price"]),
			Units:      dec(m["units"]),
			Pips:       dec(m["pips"]),
			RealizedPL: dec(m["realized_pl"]),
			Time:       ts,
		}
	case TagAddLayer:
		return AddLayer{Layer: toInt(m["layer"]), Direction: types.Direction(str(m["direction"])), Time: ts}
	case TagRemoveLayer:
		return RemoveLayer{Layer: toInt(m["layer"]), ReturnTo: toInt(m["return_to"]), Time: ts}
	case TagVolatilityLock:
		return VolatilityLock{
			Reason:         str(m["reason"]),
			CurrentATR:     dec(m["current_atr"]),
			BaselineATR:    dec(m["baseline_atr"]),
			Threshold:      dec(m["threshold"]),
			ClosedEntryIDs: strSlice(m["closed_entry_ids"]),
			Time:           ts,
		}
	case TagHedgeNeutralize:
		return VolatilityHedgeNeutralize{HedgeEntryIDs: strSlice(m["hedge_entry_ids"]), Time: ts}
	case TagMarginProtection:
		return MarginProtection{
			MarginRatio:    dec(m["margin_ratio"]),
			TargetUnits:    dec(m["target_units"]),
			ClosedEntryIDs: strSlice(m["closed_entry_ids"]),
			Time:           ts,
		}
	case TagGenericSignal:
		details, _ := m["details"].(map[string]any)
		return GenericSignal{Name: str(m["name"]), Details: details, Time: ts}
	default:
		return GenericSignal{Name: tag, Details: m, Time: ts}
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func dec(v any) decimal.Decimal {
	switch n := v.(type) {
	case string:
		d, err := decimal.NewFromString(n)
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(n)
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err == nil {
			return d
		}
	}
	return decimal.Zero
}

func strSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			out = append(out, str(e))
		}
		return out
	}
	return nil
}

func decodeTime(v any) time.Time {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Time{}
}
