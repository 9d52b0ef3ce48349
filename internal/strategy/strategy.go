// Package strategy defines the per-tick strategy contract and implements
// the Floor layered-retracement strategy.
//
// A strategy is a pure transition function: OnTick(state, tick) returns a
// new state plus the events describing what happened. Strategies never
// perform I/O, read no clock other than tick.Time, and never mutate their
// inputs; every side effect is realised by downstream handlers consuming
// the emitted events. This is what makes live trading and backtests share
// one code path and makes every run reproducible.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// State is the opaque, serialisable run state owned by a task execution.
type State interface {
	RunStatus() RunStatus
	ToMap() (map[string]any, error)
}

// Strategy is the contract every strategy implements. All five hooks have
// the same pure shape.
type Strategy interface {
	Type() string
	NewState(initialBalance decimal.Decimal) State
	DecodeState(m map[string]any) (State, error)
	OnTick(st State, tick types.Tick) (State, []Event, error)
	OnStart(st State, tick types.Tick) (State, []Event, error)
	OnPause(st State, tick types.Tick) (State, []Event, error)
	OnResume(st State, tick types.Tick) (State, []Event, error)
	OnStop(st State, tick types.Tick) (State, []Event, error)
}

// Factory builds a strategy from schema-validated parameters.
type Factory func(instrument types.Instrument, params map[string]any) (Strategy, error)

type registration struct {
	factory Factory
	schema  *jsonschema.Schema
	raw     string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]registration)
)

// Register adds a strategy type with its parameter JSON-Schema. Called from
// package init; panics on a malformed schema because that is a programming
// error, not a runtime condition.
func Register(name, schema string, factory Factory) {
	compiled, err := jsonschema.CompileString(name+".schema.json", schema)
	if err != nil {
		panic(fmt.Sprintf("strategy %q schema: %v", name, err))
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = registration{factory: factory, schema: compiled, raw: schema}
}

// Types lists the registered strategy type names, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SchemaFor returns the raw JSON-Schema for a strategy type.
func SchemaFor(name string) (string, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[name]
	if !ok {
		return "", types.E(types.KindNotFound, "unknown strategy type %q", name)
	}
	return reg.raw, nil
}

// ValidateParams checks a parameter map against the strategy's declared
// schema. Run before persistence and again before every task start.
func ValidateParams(name string, params map[string]any) error {
	registryMu.RLock()
	reg, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return types.E(types.KindNotFound, "unknown strategy type %q", name)
	}
	if err := reg.schema.Validate(normalizeForSchema(params)); err != nil {
		return types.Wrap(types.KindValidation, err, "invalid parameters for strategy %q", name)
	}
	return nil
}

// New validates params and builds the strategy.
func New(name string, instrument types.Instrument, params map[string]any) (Strategy, error) {
	if err := ValidateParams(name, params); err != nil {
		return nil, err
	}
	registryMu.RLock()
	reg := registry[name]
	registryMu.RUnlock()
	return reg.factory(instrument, params)
}

// normalizeForSchema converts params to the plain JSON value shapes the
// schema validator expects (float64 numbers, not json.Number or int).
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeForSchema(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeForSchema(e)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case decimal.Decimal:
		f, _ := t.Float64()
		return f
	case interface{ Float64() (float64, error) }: // json.Number
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}
