package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// RunStatus is the strategy-side run state, independent of the task
// state machine that drives it.
type RunStatus string

const (
	StatusRunning RunStatus = "RUNNING"
	StatusPaused  RunStatus = "PAUSED"
	StatusStopped RunStatus = "STOPPED"
)

// Entry is one open position layer member. Hedge links are held as entry
// IDs, never as pointers, so the state graph stays acyclic and serialises
// cleanly.
type Entry struct {
	ID             string          `json:"id"`
	LayerIndex     int             `json:"layer_index"`
	Direction      types.Direction `json:"direction"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	Units          decimal.Decimal `json:"units"`
	TakeProfitPips decimal.Decimal `json:"take_profit_pips"`
	OpenedAt       time.Time       `json:"opened_at"`
	IsInitial      bool            `json:"is_initial"`
	IsHedge        bool            `json:"is_hedge,omitempty"`
	SourceEntryID  string          `json:"source_entry_id,omitempty"`
}

// UnrealizedPL returns the mark-to-market P&L of the entry. Longs close at
// bid, shorts at ask.
func (e Entry) UnrealizedPL(bid, ask decimal.Decimal) decimal.Decimal {
	if e.Direction == types.Long {
		return bid.Sub(e.EntryPrice).Mul(e.Units)
	}
	return e.EntryPrice.Sub(ask).Mul(e.Units)
}

// FloorState is the complete mutable state of one Floor strategy run. It is
// owned by the running execution, checkpointed to the task row after every
// tick, and must round-trip losslessly through ToMap/StateFromMap.
type FloorState struct {
	Status      RunStatus `json:"status"`
	Initialized bool      `json:"initialized"`
	TicksSeen   int64     `json:"ticks_seen"`
	EntrySeq    int64     `json:"entry_seq"` // deterministic entry ID counter

	// Bounded ring of recent mids, newest last, trimmed to the largest
	// indicator window.
	PriceHistory []decimal.Decimal `json:"price_history"`

	LastBid decimal.Decimal `json:"last_bid"`
	LastAsk decimal.Decimal `json:"last_ask"`
	LastMid decimal.Decimal `json:"last_mid"`

	OpenEntries []Entry `json:"open_entries"`

	LayerDirections        map[int]types.Direction `json:"layer_directions"`
	LayerRetracementCounts map[int]int             `json:"layer_retracement_counts"`

	// Weighted-average entry price per layer across initial + scale-ins.
	// Indicator input only; booking always uses the per-entry price.
	LayerAvgPrices map[int]decimal.Decimal `json:"layer_avg_prices"`

	ActiveLayerIndex int   `json:"active_layer_index"`
	HomeLayerIndex   int   `json:"home_layer_index"`
	ReturnStack      []int `json:"return_stack"`

	VolatilityLocked bool     `json:"volatility_locked"`
	HedgeNeutralized bool     `json:"hedge_neutralized"`
	HedgeEntryIDs    []string `json:"hedge_entry_ids"`
	LockReason       string   `json:"lock_reason,omitempty"`

	AccountBalance decimal.Decimal `json:"account_balance"`
	AccountNAV     decimal.Decimal `json:"account_nav"`

	// Per-tick observability values, overwritten each tick.
	Metrics map[string]decimal.Decimal `json:"metrics"`
}

// RunStatus implements the State contract.
func (s *FloorState) RunStatus() RunStatus { return s.Status }

// NewFloorState seeds a fresh state with the given starting balance.
func NewFloorState(balance decimal.Decimal) *FloorState {
	return &FloorState{
		Status:                 StatusRunning,
		LayerDirections:        make(map[int]types.Direction),
		LayerRetracementCounts: make(map[int]int),
		LayerAvgPrices:         make(map[int]decimal.Decimal),
		HedgeEntryIDs:          []string{},
		ReturnStack:            []int{},
		OpenEntries:            []Entry{},
		PriceHistory:           []decimal.Decimal{},
		AccountBalance:         balance,
		AccountNAV:             balance,
		Metrics:                make(map[string]decimal.Decimal),
	}
}

// Clone deep-copies the state. OnTick never mutates its input; it works on
// a clone and returns it.
func (s *FloorState) Clone() *FloorState {
	dup := *s
	dup.PriceHistory = append([]decimal.Decimal(nil), s.PriceHistory...)
	dup.OpenEntries = append([]Entry(nil), s.OpenEntries...)
	dup.ReturnStack = append([]int(nil), s.ReturnStack...)
	dup.HedgeEntryIDs = append([]string(nil), s.HedgeEntryIDs...)
	dup.LayerDirections = make(map[int]types.Direction, len(s.LayerDirections))
	for k, v := range s.LayerDirections {
		dup.LayerDirections[k] = v
	}
	dup.LayerRetracementCounts = make(map[int]int, len(s.LayerRetracementCounts))
	for k, v := range s.LayerRetracementCounts {
		dup.LayerRetracementCounts[k] = v
	}
	dup.LayerAvgPrices = make(map[int]decimal.Decimal, len(s.LayerAvgPrices))
	for k, v := range s.LayerAvgPrices {
		dup.LayerAvgPrices[k] = v
	}
	dup.Metrics = make(map[string]decimal.Decimal, len(s.Metrics))
	for k, v := range s.Metrics {
		dup.Metrics[k] = v
	}
	return &dup
}

// ActiveEntries returns the open entries on the active layer, excluding
// hedges, in insertion order.
func (s *FloorState) ActiveEntries() []Entry {
	var out []Entry
	for _, e := range s.OpenEntries {
		if e.LayerIndex == s.ActiveLayerIndex && !e.IsHedge {
			out = append(out, e)
		}
	}
	return out
}

// TotalUnits sums absolute units across all open entries.
func (s *FloorState) TotalUnits() decimal.Decimal {
	total := decimal.Zero
	for _, e := range s.OpenEntries {
		total = total.Add(e.Units.Abs())
	}
	return total
}

// UnrealizedPL sums mark-to-market P&L across all open entries.
func (s *FloorState) UnrealizedPL() decimal.Decimal {
	total := decimal.Zero
	for _, e := range s.OpenEntries {
		total = total.Add(e.UnrealizedPL(s.LastBid, s.LastAsk))
	}
	return total
}

func (s *FloorState) nextEntryID() string {
	s.EntrySeq++
	return "e" + strconv.FormatInt(s.EntrySeq, 10)
}

func (s *FloorState) removeEntry(id string) {
	for i, e := range s.OpenEntries {
		if e.ID == id {
			s.OpenEntries = append(s.OpenEntries[:i], s.OpenEntries[i+1:]...)
			return
		}
	}
}

func (s *FloorState) findEntry(id string) (Entry, bool) {
	for _, e := range s.OpenEntries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// ToMap serialises the state for checkpointing on the task row. The JSON
// round-trip keeps decimals as strings, so ToMap followed by StateFromMap
// is the identity.
func (s *FloorState) ToMap() (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode state map: %w", err)
	}
	return m, nil
}

// StateFromMap rebuilds a FloorState from its checkpointed map form.
func StateFromMap(m map[string]any) (*FloorState, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal state map: %w", err)
	}
	st := NewFloorState(decimal.Zero)
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if st.LayerDirections == nil {
		st.LayerDirections = make(map[int]types.Direction)
	}
	if st.LayerRetracementCounts == nil {
		st.LayerRetracementCounts = make(map[int]int)
	}
	if st.LayerAvgPrices == nil {
		st.LayerAvgPrices = make(map[int]decimal.Decimal)
	}
	if st.Metrics == nil {
		st.Metrics = make(map[string]decimal.Decimal)
	}
	return st, nil
}
