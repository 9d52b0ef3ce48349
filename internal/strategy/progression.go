package strategy

import (
	"github.com/shopspring/decimal"
)

// ProgressionMode selects how a parameter scales across retracement or
// layer indices.
type ProgressionMode string

const (
	ProgressionConstant       ProgressionMode = "constant"
	ProgressionAdditive       ProgressionMode = "additive"
	ProgressionSubtractive    ProgressionMode = "subtractive"
	ProgressionMultiplicative ProgressionMode = "multiplicative"
	ProgressionDivisive       ProgressionMode = "divisive"
)

// progressionValue returns the parameter value at 0-based index i.
//
//	constant:        base
//	additive:        base + inc*i
//	subtractive:     max(base - inc*i, floor)
//	multiplicative:  base * 2^i
//	divisive:        base / 2^i, clamped to floor
func progressionValue(mode ProgressionMode, base, inc, floor decimal.Decimal, i int) decimal.Decimal {
	idx := decimal.NewFromInt(int64(i))
	switch mode {
	case ProgressionAdditive:
		return base.Add(inc.Mul(idx))
	case ProgressionSubtractive:
		v := base.Sub(inc.Mul(idx))
		if v.LessThan(floor) {
			return floor
		}
		return v
	case ProgressionMultiplicative:
		return base.Mul(pow2(i))
	case ProgressionDivisive:
		v := base.DivRound(pow2(i), indicatorScale)
		if v.LessThan(floor) {
			return floor
		}
		return v
	default:
		return base
	}
}

func pow2(i int) decimal.Decimal {
	v := one
	for ; i > 0; i-- {
		v = v.Mul(two)
	}
	return v
}
