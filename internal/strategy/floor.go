// floor.go implements the Floor layered-retracement strategy.
//
// Floor maintains up to MaxLayers layers of same-direction entries. Each
// adverse move of the retracement trigger opens a scale-in on the active
// layer; when a layer exhausts its retracements a new layer opens in a
// freshly detected direction and the old layer's index is pushed onto a
// return stack for resumption after take-profit. A volatility regime
// detector can lock the strategy (closing entries, or hedging them to net
// zero), and a margin guard force-closes the oldest entries when the
// margin ratio climbs past the cut threshold.
package strategy

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// FloorType is the registry key for the Floor strategy.
const FloorType = "floor"

// FloorSchema declares the accepted parameters. Validated before
// persistence and before every task start.
const FloorSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "base_lot_size":               {"type": "number", "exclusiveMinimum": 0},
    "min_lot_size":                {"type": "number", "minimum": 0},
    "take_profit_pips":            {"type": "number", "exclusiveMinimum": 0},
    "retracement_pips":            {"type": "number", "exclusiveMinimum": 0},
    "max_layers":                  {"type": "integer", "minimum": 1, "maximum": 20},
    "max_retracements_per_layer":  {"type": "integer", "minimum": 0, "maximum": 50},
    "retracement_lot_mode":        {"enum": ["constant", "additive", "subtractive", "multiplicative", "divisive"]},
    "retracement_lot_increment":   {"type": "number", "minimum": 0},
    "direction_method":            {"enum": ["momentum", "sma_cross", "ema_cross", "price_sma", "rsi"]},
    "momentum_window":             {"type": "integer", "minimum": 1},
    "sma_short_period":            {"type": "integer", "minimum": 1},
    "sma_long_period":             {"type": "integer", "minimum": 2},
    "rsi_period":                  {"type": "integer", "minimum": 2},
    "rsi_lower":                   {"type": "number", "minimum": 0, "maximum": 100},
    "rsi_upper":                   {"type": "number", "minimum": 0, "maximum": 100},
    "trade_mode":                  {"enum": ["hedging", "netting"]},
    "volatility_enabled":          {"type": "boolean"},
    "volatility_hedging":          {"type": "boolean"},
    "atr_period":                  {"type": "integer", "minimum": 2},
    "atr_baseline_period":         {"type": "integer", "minimum": 2},
    "volatility_lock_multiplier":  {"type": "number", "exclusiveMinimum": 1},
    "volatility_unlock_multiplier":{"type": "number", "exclusiveMinimum": 0},
    "margin_rate":                 {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
    "margin_cut_start_ratio":      {"type": "number", "exclusiveMinimum": 0},
    "margin_cut_target_ratio":     {"type": "number", "exclusiveMinimum": 0},
    "dynamic_params_enabled":      {"type": "boolean"}
  },
  "required": ["base_lot_size", "take_profit_pips", "retracement_pips", "max_layers", "max_retracements_per_layer"],
  "additionalProperties": false
}`

func init() {
	Register(FloorType, FloorSchema, func(inst types.Instrument, params map[string]any) (Strategy, error) {
		cfg, err := floorConfigFrom(params)
		if err != nil {
			return nil, err
		}
		return &Floor{instrument: inst, cfg: cfg}, nil
	})
}

// FloorConfig is the immutable parameter set of one Floor instance.
type FloorConfig struct {
	BaseLotSize decimal.Decimal
	MinLotSize  decimal.Decimal

	TakeProfitPips  decimal.Decimal
	RetracementPips decimal.Decimal

	MaxLayers               int
	MaxRetracementsPerLayer int

	RetracementLotMode      ProgressionMode
	RetracementLotIncrement decimal.Decimal

	DirectionMethod string
	MomentumWindow  int
	SMAShortPeriod  int
	SMALongPeriod   int
	RSIPeriod       int
	RSILower        decimal.Decimal
	RSIUpper        decimal.Decimal

	TradeMode types.TradeMode

	VolatilityEnabled bool
	VolatilityHedging bool
	ATRPeriod         int
	ATRBaselinePeriod int
	LockMultiplier    decimal.Decimal
	UnlockMultiplier  decimal.Decimal

	MarginRate           decimal.Decimal
	MarginCutStartRatio  decimal.Decimal
	MarginCutTargetRatio decimal.Decimal

	DynamicParamsEnabled bool
}

func floorConfigFrom(p map[string]any) (FloorConfig, error) {
	cfg := FloorConfig{
		BaseLotSize:             dec(p["base_lot_size"]),
		MinLotSize:              dec(p["min_lot_size"]),
		TakeProfitPips:          dec(p["take_profit_pips"]),
		RetracementPips:         dec(p["retracement_pips"]),
		MaxLayers:               toInt(p["max_layers"]),
		MaxRetracementsPerLayer: toInt(p["max_retracements_per_layer"]),
		RetracementLotMode:      ProgressionConstant,
		RetracementLotIncrement: dec(p["retracement_lot_increment"]),
		DirectionMethod:         "momentum",
		MomentumWindow:          5,
		SMAShortPeriod:          5,
		SMALongPeriod:           20,
		RSIPeriod:               14,
		RSILower:                decimal.NewFromInt(30),
		RSIUpper:                decimal.NewFromInt(70),
		TradeMode:               types.ModeHedging,
		ATRPeriod:               14,
		ATRBaselinePeriod:       50,
		LockMultiplier:          decimal.NewFromInt(2),
		UnlockMultiplier:        decimal.RequireFromString("1.2"),
		MarginRate:              decimal.RequireFromString("0.02"),
		MarginCutStartRatio:     decimal.RequireFromString("0.5"),
		MarginCutTargetRatio:    decimal.RequireFromString("0.3"),
	}
	if v, ok := p["retracement_lot_mode"].(string); ok {
		cfg.RetracementLotMode = ProgressionMode(v)
	}
	if v, ok := p["direction_method"].(string); ok {
		cfg.DirectionMethod = v
	}
	if v, ok := p["trade_mode"].(string); ok {
		cfg.TradeMode = types.TradeMode(v)
	}
	if _, ok := p["momentum_window"]; ok {
		cfg.MomentumWindow = toInt(p["momentum_window"])
	}
	if _, ok := p["sma_short_period"]; ok {
		cfg.SMAShortPeriod = toInt(p["sma_short_period"])
	}
	if _, ok := p["sma_long_period"]; ok {
		cfg.SMALongPeriod = toInt(p["sma_long_period"])
	}
	if _, ok := p["rsi_period"]; ok {
		cfg.RSIPeriod = toInt(p["rsi_period"])
	}
	if _, ok := p["rsi_lower"]; ok {
		cfg.RSILower = dec(p["rsi_lower"])
	}
	if _, ok := p["rsi_upper"]; ok {
		cfg.RSIUpper = dec(p["rsi_upper"])
	}
	if v, ok := p["volatility_enabled"].(bool); ok {
		cfg.VolatilityEnabled = v
	}
	if v, ok := p["volatility_hedging"].(bool); ok {
		cfg.VolatilityHedging = v
	}
	if _, ok := p["atr_period"]; ok {
		cfg.ATRPeriod = toInt(p["atr_period"])
	}
	if _, ok := p["atr_baseline_period"]; ok {
		cfg.ATRBaselinePeriod = toInt(p["atr_baseline_period"])
	}
	if _, ok := p["volatility_lock_multiplier"]; ok {
		cfg.LockMultiplier = dec(p["volatility_lock_multiplier"])
	}
	if _, ok := p["volatility_unlock_multiplier"]; ok {
		cfg.UnlockMultiplier = dec(p["volatility_unlock_multiplier"])
	}
	if _, ok := p["margin_rate"]; ok {
		cfg.MarginRate = dec(p["margin_rate"])
	}
	if _, ok := p["margin_cut_start_ratio"]; ok {
		cfg.MarginCutStartRatio = dec(p["margin_cut_start_ratio"])
	}
	if _, ok := p["margin_cut_target_ratio"]; ok {
		cfg.MarginCutTargetRatio = dec(p["margin_cut_target_ratio"])
	}
	if v, ok := p["dynamic_params_enabled"].(bool); ok {
		cfg.DynamicParamsEnabled = v
	}
	if cfg.MinLotSize.IsZero() {
		cfg.MinLotSize = cfg.BaseLotSize
	}
	// Netting jurisdictions cannot hold hedged exposure on one instrument.
	if cfg.TradeMode == types.ModeNetting {
		cfg.VolatilityHedging = false
	}
	return cfg, nil
}

// lookback is the largest indicator window the state must retain.
func (c FloorConfig) lookback() int {
	max := c.MomentumWindow + 1
	for _, n := range []int{c.SMALongPeriod, c.RSIPeriod + 1, c.ATRBaselinePeriod + 1} {
		if n > max {
			max = n
		}
	}
	return max
}

// Floor is one configured Floor strategy bound to an instrument.
type Floor struct {
	instrument types.Instrument
	cfg        FloorConfig
}

func (f *Floor) Type() string { return FloorType }

// Config exposes the parsed parameters, used by handlers that need lot
// bounds (position differentiation) without re-parsing the raw map.
func (f *Floor) Config() FloorConfig { return f.cfg }

func (f *Floor) NewState(initialBalance decimal.Decimal) State {
	return NewFloorState(initialBalance)
}

func (f *Floor) DecodeState(m map[string]any) (State, error) {
	return StateFromMap(m)
}

// OnStart marks the state RUNNING. Same shape as OnTick.
func (f *Floor) OnStart(st State, tick types.Tick) (State, []Event, error) {
	s, err := f.floorState(st)
	if err != nil {
		return st, nil, err
	}
	next := s.Clone()
	next.Status = StatusRunning
	return next, nil, nil
}

func (f *Floor) OnPause(st State, tick types.Tick) (State, []Event, error) {
	s, err := f.floorState(st)
	if err != nil {
		return st, nil, err
	}
	next := s.Clone()
	next.Status = StatusPaused
	return next, nil, nil
}

func (f *Floor) OnResume(st State, tick types.Tick) (State, []Event, error) {
	s, err := f.floorState(st)
	if err != nil {
		return st, nil, err
	}
	next := s.Clone()
	next.Status = StatusRunning
	return next, nil, nil
}

// OnStop marks the state STOPPED. Open entries are left in place; the task
// executor decides whether to close them (sell_on_stop).
func (f *Floor) OnStop(st State, tick types.Tick) (State, []Event, error) {
	s, err := f.floorState(st)
	if err != nil {
		return st, nil, err
	}
	next := s.Clone()
	next.Status = StatusStopped
	return next, nil, nil
}

// OnTick is the per-tick transition. Pure: it clones the input state,
// reads no clock other than tick.Time, and is deterministic for any
// (state, tick) pair.
func (f *Floor) OnTick(st State, tick types.Tick) (State, []Event, error) {
	prev, err := f.floorState(st)
	if err != nil {
		return st, nil, err
	}

	s := prev.Clone()
	var events []Event

	// 1. Update state.
	s.TicksSeen++
	s.LastBid, s.LastAsk, s.LastMid = tick.Bid, tick.Ask, tick.Mid
	s.PriceHistory = append(s.PriceHistory, tick.Mid)
	if lb := f.cfg.lookback(); len(s.PriceHistory) > lb {
		s.PriceHistory = s.PriceHistory[len(s.PriceHistory)-lb:]
	}
	s.AccountNAV = s.AccountBalance.Add(s.UnrealizedPL())
	if !s.Initialized && len(s.PriceHistory) >= f.cfg.lookback() {
		s.Initialized = true
	}

	if s.Status != StatusRunning {
		return s, nil, nil
	}

	curATR, curOK := atr(s.PriceHistory, f.cfg.ATRPeriod)
	baseATR, baseOK := atr(s.PriceHistory, f.cfg.ATRBaselinePeriod)

	// 2. Volatility regime.
	if f.cfg.VolatilityEnabled && curOK && baseOK && baseATR.IsPositive() {
		events = append(events, f.volatilityStep(s, tick, curATR, baseATR)...)
	}

	// 3. Margin protection.
	marginRatio := f.marginRatio(s)
	if len(s.OpenEntries) > 0 && marginRatio.GreaterThanOrEqual(f.cfg.MarginCutStartRatio) {
		events = append(events, f.marginCut(s, tick, marginRatio))
		f.recordMetrics(s, marginRatio, curATR, baseATR)
		return s, events, nil
	}

	// 4. Blow-out guard: even a minimum-lot entry would breach the target
	// ratio, so ask for a stop instead of opening doomed positions.
	if len(s.OpenEntries) == 0 && s.AccountNAV.IsPositive() {
		hypothetical := f.cfg.MinLotSize.Mul(tick.Mid).Mul(f.cfg.MarginRate).DivRound(s.AccountNAV, indicatorScale)
		if hypothetical.GreaterThanOrEqual(f.cfg.MarginCutTargetRatio) {
			s.Status = StatusStopped
			s.LockReason = "margin_blowout_stop"
			events = append(events, GenericSignal{
				Name:    "margin_blowout_stop",
				Details: map[string]any{"nav": s.AccountNAV.String(), "hypothetical_ratio": hypothetical.String()},
				Time:    tick.Time,
			})
			f.recordMetrics(s, marginRatio, curATR, baseATR)
			return s, events, nil
		}
	}

	// 5. Entry / take-profit / retracement / layer transitions.
	if s.Initialized && !s.VolatilityLocked {
		events = append(events, f.tradeStep(s, tick, curATR, baseATR)...)
	}

	// 7. Record metrics.
	f.recordMetrics(s, f.marginRatio(s), curATR, baseATR)
	return s, events, nil
}

func (f *Floor) floorState(st State) (*FloorState, error) {
	s, ok := st.(*FloorState)
	if !ok {
		return nil, types.E(types.KindStrategy, "floor: unexpected state type %T", st)
	}
	return s, nil
}

// effectiveParams scales take-profit and retracement triggers by the ATR
// ratio when dynamic parameters are enabled.
func (f *Floor) effectiveParams(curATR, baseATR decimal.Decimal) (tp, retr decimal.Decimal) {
	tp, retr = f.cfg.TakeProfitPips, f.cfg.RetracementPips
	if !f.cfg.DynamicParamsEnabled || baseATR.IsZero() {
		return tp, retr
	}
	ratio := curATR.DivRound(baseATR, indicatorScale)
	switch {
	case ratio.GreaterThanOrEqual(two):
		scale := decimal.RequireFromString("1.5")
		return tp.Mul(scale), retr.Mul(scale)
	case ratio.LessThanOrEqual(decimal.RequireFromString("0.7")):
		scale := decimal.RequireFromString("0.8")
		return tp.Mul(scale), retr.Mul(scale)
	default:
		return tp, retr
	}
}

// volatilityStep runs the regime check: lock (close or hedge) when current
// ATR spikes past baseline*lock, unwind and unlock when it settles below
// baseline*unlock.
func (f *Floor) volatilityStep(s *FloorState, tick types.Tick, curATR, baseATR decimal.Decimal) []Event {
	var events []Event
	lockAt := baseATR.Mul(f.cfg.LockMultiplier)
	unlockAt := baseATR.Mul(f.cfg.UnlockMultiplier)

	if !s.VolatilityLocked {
		if curATR.GreaterThanOrEqual(lockAt) && len(s.OpenEntries) > 0 {
			s.VolatilityLocked = true
			if f.cfg.VolatilityHedging {
				// Open one mirror entry per existing entry: net exposure
				// goes to zero without realising losses.
				s.LockReason = "volatility_hedge"
				var hedgeIDs []string
				for _, e := range s.ActiveAndOtherEntries() {
					if e.IsHedge {
						continue
					}
					hedge := Entry{
						ID:            s.nextEntryID(),
						LayerIndex:    e.LayerIndex,
						Direction:     e.Direction.Opposite(),
						EntryPrice:    f.entryPrice(e.Direction.Opposite(), tick),
						Units:         e.Units,
						OpenedAt:      tick.Time,
						IsHedge:       true,
						SourceEntryID: e.ID,
					}
					s.OpenEntries = append(s.OpenEntries, hedge)
					hedgeIDs = append(hedgeIDs, hedge.ID)
				}
				s.HedgeEntryIDs = hedgeIDs
				s.HedgeNeutralized = true
				events = append(events, VolatilityHedgeNeutralize{HedgeEntryIDs: hedgeIDs, Time: tick.Time})
			} else {
				s.LockReason = "volatility_close"
				closed := f.closeAllEntries(s, tick)
				events = append(events, VolatilityLock{
					Reason:         "CLOSE",
					CurrentATR:     curATR,
					BaselineATR:    baseATR,
					Threshold:      lockAt,
					ClosedEntryIDs: closed,
					Time:           tick.Time,
				})
			}
		}
		return events
	}

	if curATR.LessThanOrEqual(unlockAt) {
		if s.HedgeNeutralized {
			// Unwind removes hedges and their source entries directly and
			// also emits the close event. Both behaviours are intentional;
			// do not deduplicate.
			var closed []string
			for _, hid := range s.HedgeEntryIDs {
				hedge, ok := s.findEntry(hid)
				if !ok {
					continue
				}
				if src, ok := s.findEntry(hedge.SourceEntryID); ok {
					s.AccountBalance = s.AccountBalance.Add(src.UnrealizedPL(tick.Bid, tick.Ask))
					s.removeEntry(src.ID)
					closed = append(closed, src.ID)
				}
				s.AccountBalance = s.AccountBalance.Add(hedge.UnrealizedPL(tick.Bid, tick.Ask))
				s.removeEntry(hid)
				closed = append(closed, hid)
			}
			events = append(events, VolatilityLock{
				Reason:         "CLOSE unwind",
				CurrentATR:     curATR,
				BaselineATR:    baseATR,
				Threshold:      unlockAt,
				ClosedEntryIDs: closed,
				Time:           tick.Time,
			})
			f.resetLayers(s)
			s.HedgeNeutralized = false
			s.HedgeEntryIDs = []string{}
		}
		s.VolatilityLocked = false
		s.LockReason = ""
	}
	return events
}

// marginCut closes the oldest entries (layer index, then opened_at, then
// entry id) until total units fall to the target implied by the cut-target
// ratio, then bails out of the tick.
func (f *Floor) marginCut(s *FloorState, tick types.Tick, ratio decimal.Decimal) Event {
	targetUnits := decimal.Zero
	if s.LastMid.IsPositive() {
		targetUnits = f.cfg.MarginCutTargetRatio.Mul(s.AccountNAV).
			DivRound(s.LastMid.Mul(f.cfg.MarginRate), indicatorScale)
	}

	ordered := append([]Entry(nil), s.OpenEntries...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].LayerIndex != ordered[j].LayerIndex {
			return ordered[i].LayerIndex < ordered[j].LayerIndex
		}
		if !ordered[i].OpenedAt.Equal(ordered[j].OpenedAt) {
			return ordered[i].OpenedAt.Before(ordered[j].OpenedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	var closed []string
	for _, e := range ordered {
		if s.TotalUnits().LessThanOrEqual(targetUnits) {
			break
		}
		s.AccountBalance = s.AccountBalance.Add(e.UnrealizedPL(tick.Bid, tick.Ask))
		s.removeEntry(e.ID)
		closed = append(closed, e.ID)
	}
	f.recountRetracements(s)
	s.AccountNAV = s.AccountBalance.Add(s.UnrealizedPL())

	return MarginProtection{
		MarginRatio:    ratio,
		TargetUnits:    targetUnits,
		ClosedEntryIDs: closed,
		Time:           tick.Time,
	}
}

// tradeStep is the entry / take-profit / retracement / layer logic.
func (f *Floor) tradeStep(s *FloorState, tick types.Tick, curATR, baseATR decimal.Decimal) []Event {
	var events []Event
	effTP, effRetr := f.effectiveParams(curATR, baseATR)

	active := s.ActiveEntries()
	if len(active) == 0 {
		dir, ok := f.detectDirection(s)
		if !ok {
			return nil
		}
		events = append(events, f.openInitialEntry(s, tick, dir, effTP))
		return events
	}

	// Take-profit pass. Netting jurisdictions close FIFO; hedging closes
	// LIFO so the newest scale-ins realise first.
	ordered := append([]Entry(nil), active...)
	if f.cfg.TradeMode == types.ModeHedging {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}
	closedAny := false
	for _, e := range ordered {
		pips := f.unrealizedPips(e, tick)
		tp := e.TakeProfitPips
		if tp.IsZero() {
			tp = effTP
		}
		if pips.GreaterThanOrEqual(tp) {
			pl := e.UnrealizedPL(tick.Bid, tick.Ask)
			s.AccountBalance = s.AccountBalance.Add(pl)
			s.removeEntry(e.ID)
			closedAny = true
			events = append(events, TakeProfit{
				EntryID:    e.ID,
				Layer:      e.LayerIndex,
				Direction:  e.Direction,
				EntryPrice: e.EntryPrice,
				ClosePrice: f.closePrice(e.Direction, tick),
				Units:      e.Units,
				Pips:       pips,
				RealizedPL: pl,
				Time:       tick.Time,
			})
		}
	}
	if closedAny {
		f.recountRetracements(s)
		s.AccountNAV = s.AccountBalance.Add(s.UnrealizedPL())
		if len(s.ActiveEntries()) == 0 && s.ActiveLayerIndex != s.HomeLayerIndex {
			removed := s.ActiveLayerIndex
			returnTo := s.HomeLayerIndex
			if n := len(s.ReturnStack); n > 0 {
				returnTo = s.ReturnStack[n-1]
				s.ReturnStack = s.ReturnStack[:n-1]
			}
			delete(s.LayerDirections, removed)
			delete(s.LayerRetracementCounts, removed)
			delete(s.LayerAvgPrices, removed)
			s.ActiveLayerIndex = returnTo
			events = append(events, RemoveLayer{Layer: removed, ReturnTo: returnTo, Time: tick.Time})
		}
		// Bail out until next tick after any close.
		return events
	}

	// Retracement pass: adverse distance from the latest entry.
	latest := active[len(active)-1]
	adverse := f.adversePips(latest, tick)
	if adverse.LessThan(effRetr) {
		return events
	}

	count := s.LayerRetracementCounts[s.ActiveLayerIndex]
	switch {
	case count < f.cfg.MaxRetracementsPerLayer:
		events = append(events, f.openRetracementEntry(s, tick, latest.Direction, effTP, count+1))
	case s.ActiveLayerIndex+1 < f.cfg.MaxLayers:
		s.ReturnStack = append(s.ReturnStack, s.ActiveLayerIndex)
		s.ActiveLayerIndex++
		dir, ok := f.detectDirection(s)
		if !ok {
			dir = latest.Direction.Opposite()
		}
		events = append(events, AddLayer{Layer: s.ActiveLayerIndex, Direction: dir, Time: tick.Time})
		events = append(events, f.openInitialEntry(s, tick, dir, effTP))
	}
	return events
}

func (f *Floor) openInitialEntry(s *FloorState, tick types.Tick, dir types.Direction, tp decimal.Decimal) Event {
	e := Entry{
		ID:             s.nextEntryID(),
		LayerIndex:     s.ActiveLayerIndex,
		Direction:      dir,
		EntryPrice:     f.entryPrice(dir, tick),
		Units:          f.cfg.BaseLotSize,
		TakeProfitPips: tp,
		OpenedAt:       tick.Time,
		IsInitial:      true,
	}
	s.OpenEntries = append(s.OpenEntries, e)
	s.LayerDirections[s.ActiveLayerIndex] = dir
	s.LayerRetracementCounts[s.ActiveLayerIndex] = 0
	s.LayerAvgPrices[s.ActiveLayerIndex] = e.EntryPrice
	return InitialEntry{
		EntryID:   e.ID,
		Layer:     e.LayerIndex,
		Direction: dir,
		Price:     e.EntryPrice,
		Units:     e.Units,
		Time:      tick.Time,
	}
}

func (f *Floor) openRetracementEntry(s *FloorState, tick types.Tick, dir types.Direction, tp decimal.Decimal, index int) Event {
	units := progressionValue(
		f.cfg.RetracementLotMode,
		f.cfg.BaseLotSize,
		f.cfg.RetracementLotIncrement,
		f.cfg.MinLotSize,
		index,
	)
	e := Entry{
		ID:             s.nextEntryID(),
		LayerIndex:     s.ActiveLayerIndex,
		Direction:      dir,
		EntryPrice:     f.entryPrice(dir, tick),
		Units:          units,
		TakeProfitPips: tp,
		OpenedAt:       tick.Time,
	}
	s.OpenEntries = append(s.OpenEntries, e)
	s.LayerRetracementCounts[s.ActiveLayerIndex] = index

	// Weighted-average layer price, updated for indicator use only.
	totalCost, totalUnits := decimal.Zero, decimal.Zero
	for _, oe := range s.OpenEntries {
		if oe.LayerIndex == s.ActiveLayerIndex && !oe.IsHedge {
			totalCost = totalCost.Add(oe.EntryPrice.Mul(oe.Units))
			totalUnits = totalUnits.Add(oe.Units)
		}
	}
	if totalUnits.IsPositive() {
		s.LayerAvgPrices[s.ActiveLayerIndex] = totalCost.DivRound(totalUnits, indicatorScale)
	}

	return Retracement{
		EntryID:   e.ID,
		Layer:     e.LayerIndex,
		Index:     index,
		Direction: dir,
		Price:     e.EntryPrice,
		Units:     units,
		Time:      tick.Time,
	}
}

// detectDirection picks a direction from price history using the
// configured method. RSI falls back to momentum in the neutral band.
func (f *Floor) detectDirection(s *FloorState) (types.Direction, bool) {
	h := s.PriceHistory
	switch f.cfg.DirectionMethod {
	case "sma_cross":
		short, ok1 := sma(h, f.cfg.SMAShortPeriod)
		long, ok2 := sma(h, f.cfg.SMALongPeriod)
		if !ok1 || !ok2 {
			return "", false
		}
		if short.GreaterThanOrEqual(long) {
			return types.Long, true
		}
		return types.Short, true
	case "ema_cross":
		short, ok1 := ema(h, f.cfg.SMAShortPeriod)
		long, ok2 := ema(h, f.cfg.SMALongPeriod)
		if !ok1 || !ok2 {
			return "", false
		}
		if short.GreaterThanOrEqual(long) {
			return types.Long, true
		}
		return types.Short, true
	case "price_sma":
		avg, ok := sma(h, f.cfg.SMALongPeriod)
		if !ok || len(h) == 0 {
			return "", false
		}
		if h[len(h)-1].GreaterThanOrEqual(avg) {
			return types.Long, true
		}
		return types.Short, true
	case "rsi":
		v, ok := rsi(h, f.cfg.RSIPeriod)
		if !ok {
			return "", false
		}
		if v.LessThanOrEqual(f.cfg.RSILower) {
			return types.Long, true
		}
		if v.GreaterThanOrEqual(f.cfg.RSIUpper) {
			return types.Short, true
		}
		fallthrough
	default: // momentum
		m, ok := momentum(h, f.cfg.MomentumWindow)
		if !ok {
			return "", false
		}
		if m.IsNegative() {
			return types.Short, true
		}
		return types.Long, true
	}
}

// entryPrice: longs open at ask, shorts at bid.
func (f *Floor) entryPrice(dir types.Direction, tick types.Tick) decimal.Decimal {
	if dir == types.Long {
		return tick.Ask
	}
	return tick.Bid
}

// closePrice: longs close at bid, shorts at ask.
func (f *Floor) closePrice(dir types.Direction, tick types.Tick) decimal.Decimal {
	if dir == types.Long {
		return tick.Bid
	}
	return tick.Ask
}

// unrealizedPips is the favourable distance in pips for a single entry.
func (f *Floor) unrealizedPips(e Entry, tick types.Tick) decimal.Decimal {
	if e.Direction == types.Long {
		return f.instrument.PipsBetween(e.EntryPrice, tick.Bid)
	}
	return f.instrument.PipsBetween(tick.Ask, e.EntryPrice)
}

// adversePips is the distance price has moved against an entry, measured
// at the side a fresh same-direction entry would pay.
func (f *Floor) adversePips(e Entry, tick types.Tick) decimal.Decimal {
	if e.Direction == types.Long {
		return f.instrument.PipsBetween(tick.Ask, e.EntryPrice)
	}
	return f.instrument.PipsBetween(e.EntryPrice, tick.Bid)
}

func (f *Floor) marginRatio(s *FloorState) decimal.Decimal {
	if !s.AccountNAV.IsPositive() || s.LastMid.IsZero() {
		return decimal.Zero
	}
	required := s.TotalUnits().Mul(s.LastMid).Mul(f.cfg.MarginRate)
	return required.DivRound(s.AccountNAV, indicatorScale)
}

// closeAllEntries realises P&L on every open entry and clears layer state.
func (f *Floor) closeAllEntries(s *FloorState, tick types.Tick) []string {
	var closed []string
	for _, e := range s.OpenEntries {
		s.AccountBalance = s.AccountBalance.Add(e.UnrealizedPL(tick.Bid, tick.Ask))
		closed = append(closed, e.ID)
	}
	s.OpenEntries = []Entry{}
	f.resetLayers(s)
	s.AccountNAV = s.AccountBalance
	return closed
}

func (f *Floor) resetLayers(s *FloorState) {
	s.ActiveLayerIndex = s.HomeLayerIndex
	s.ReturnStack = []int{}
	s.LayerDirections = make(map[int]types.Direction)
	s.LayerRetracementCounts = make(map[int]int)
	s.LayerAvgPrices = make(map[int]decimal.Decimal)
}

// recountRetracements rebuilds per-layer retracement counts from the
// surviving entries after closes.
func (f *Floor) recountRetracements(s *FloorState) {
	counts := make(map[int]int)
	for _, e := range s.OpenEntries {
		if e.IsHedge {
			continue
		}
		if !e.IsInitial {
			counts[e.LayerIndex]++
		} else if _, ok := counts[e.LayerIndex]; !ok {
			counts[e.LayerIndex] = 0
		}
	}
	for layer := range s.LayerRetracementCounts {
		if n, ok := counts[layer]; ok {
			s.LayerRetracementCounts[layer] = n
		} else {
			s.LayerRetracementCounts[layer] = 0
		}
	}
}

func (f *Floor) recordMetrics(s *FloorState, marginRatio, curATR, baseATR decimal.Decimal) {
	s.Metrics["margin_ratio"] = marginRatio
	s.Metrics["current_atr"] = curATR
	s.Metrics["baseline_atr"] = baseATR
	s.Metrics["volatility_threshold"] = baseATR.Mul(f.cfg.LockMultiplier)
}

// ActiveAndOtherEntries returns all open entries in insertion order.
func (s *FloorState) ActiveAndOtherEntries() []Entry {
	return append([]Entry(nil), s.OpenEntries...)
}
