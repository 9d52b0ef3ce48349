// Package orders submits strategy orders to the broker with compliance
// gating, position differentiation, rate limiting and a circuit breaker,
// and mirrors every order into the relational store with an audit trail.
package orders

import (
	"github.com/shopspring/decimal"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/store"
	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// JurisdictionRules is the compliance rule set applied before any order
// leaves the process. Violations are never retried.
type JurisdictionRules struct {
	// MinUnits and MaxUnits bound the size of a single order.
	MinUnits decimal.Decimal
	MaxUnits decimal.Decimal
	// FIFORequired marks a netting jurisdiction: positions close oldest
	// first and hedging (simultaneous long and short on one instrument)
	// is forbidden.
	FIFORequired bool
}

// Jurisdiction codes carried on broker accounts.
const (
	JurisdictionDefault = "default"
	// JurisdictionUS accounts trade under NFA netting rules: FIFO close
	// order and no hedging.
	JurisdictionUS = "us"
)

// DefaultRules matches the broker's practice-environment limits.
func DefaultRules() JurisdictionRules {
	return JurisdictionRules{
		MinUnits: decimal.NewFromInt(1),
		MaxUnits: decimal.NewFromInt(10_000_000),
	}
}

// RulesFor resolves the rule set for an account's jurisdiction. Unknown
// codes trade under the default rules.
func RulesFor(jurisdiction string) JurisdictionRules {
	switch jurisdiction {
	case JurisdictionUS:
		r := DefaultRules()
		r.FIFORequired = true
		return r
	default:
		return DefaultRules()
	}
}

// Check validates a request against the rule set and the account's open
// positions. A nil return means the order may proceed.
func (r JurisdictionRules) Check(req Request, open []store.Position) error {
	if req.Units.LessThanOrEqual(decimal.Zero) {
		return types.E(types.KindValidation, "order units must be positive, got %s", req.Units)
	}
	if req.Units.LessThan(r.MinUnits) {
		return types.E(types.KindComplianceViolation,
			"order of %s units is below the %s minimum", req.Units, r.MinUnits)
	}
	if r.MaxUnits.IsPositive() && req.Units.GreaterThan(r.MaxUnits) {
		return types.E(types.KindComplianceViolation,
			"order of %s units exceeds the %s maximum", req.Units, r.MaxUnits)
	}
	if r.FIFORequired {
		for _, p := range open {
			if p.Instrument == req.Instrument && p.Direction == req.Direction.Opposite() {
				return types.E(types.KindComplianceViolation,
					"hedging is not permitted: %s already holds a %s position on %s",
					req.AccountID, p.Direction, req.Instrument)
			}
		}
	}
	return nil
}
