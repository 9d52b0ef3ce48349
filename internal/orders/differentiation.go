package orders

import (
	"github.com/shopspring/decimal"
)

// DifferentiationPolicy nudges an order's units away from existing open
// positions of the same size on the same instrument, so broker-side fills
// stay attributable to a single entry. Adjustments never leave
// [MinUnits, MaxUnits].
type DifferentiationPolicy struct {
	Enabled  bool
	MinUnits decimal.Decimal
	MaxUnits decimal.Decimal
	// Step is the nudge increment; zero means 1 unit.
	Step decimal.Decimal
}

// Adjust returns the units to submit and whether they were changed.
// It probes requested, requested+step, requested-step, requested+2*step
// and so on, taking the first size that collides with no existing entry.
// When every candidate in range collides the requested size goes out
// unchanged.
func (p DifferentiationPolicy) Adjust(requested decimal.Decimal, existing []decimal.Decimal) (decimal.Decimal, bool) {
	if !p.Enabled || !collides(requested, existing) {
		return requested, false
	}
	step := p.Step
	if step.LessThanOrEqual(decimal.Zero) {
		step = decimal.NewFromInt(1)
	}
	for i := 1; ; i++ {
		offset := step.Mul(decimal.NewFromInt(int64(i)))
		up := requested.Add(offset)
		down := requested.Sub(offset)
		upOK := p.inRange(up)
		downOK := p.inRange(down)
		if !upOK && !downOK {
			return requested, false
		}
		if upOK && !collides(up, existing) {
			return up, true
		}
		if downOK && !collides(down, existing) {
			return down, true
		}
	}
}

func (p DifferentiationPolicy) inRange(units decimal.Decimal) bool {
	if units.LessThanOrEqual(decimal.Zero) {
		return false
	}
	if p.MinUnits.IsPositive() && units.LessThan(p.MinUnits) {
		return false
	}
	if p.MaxUnits.IsPositive() && units.GreaterThan(p.MaxUnits) {
		return false
	}
	return true
}

func collides(units decimal.Decimal, existing []decimal.Decimal) bool {
	for _, e := range existing {
		if units.Equal(e) {
			return true
		}
	}
	return false
}
