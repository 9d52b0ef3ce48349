// indicators.go computes the direction-detection and volatility indicators
// over the bounded mid-price history. Everything is decimal arithmetic so
// results are identical across runs and platforms.
package strategy

import (
	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// indicatorScale bounds division precision so repeated EMA/RSI steps stay
// deterministic regardless of input scale.
const indicatorScale = 12

// sma returns the simple moving average of the last period values.
// ok is false when history is shorter than period.
func sma(history []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(history) < period {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, v := range history[len(history)-period:] {
		sum = sum.Add(v)
	}
	return sum.DivRound(decimal.NewFromInt(int64(period)), indicatorScale), true
}

// ema returns the exponential moving average over the last period values,
// seeded with the SMA of the first period values in the window.
func ema(history []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(history) < period {
		return decimal.Zero, false
	}
	window := history[len(history)-period:]
	k := two.DivRound(decimal.NewFromInt(int64(period)+1), indicatorScale)
	avg := window[0]
	for _, v := range window[1:] {
		avg = v.Sub(avg).Mul(k).Add(avg).Round(indicatorScale)
	}
	return avg, true
}

// rsi returns the relative strength index over period steps (period+1
// prices). 100 when there are no losses in the window.
func rsi(history []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(history) < period+1 {
		return decimal.Zero, false
	}
	window := history[len(history)-period-1:]
	gains, losses := decimal.Zero, decimal.Zero
	for i := 1; i < len(window); i++ {
		diff := window[i].Sub(window[i-1])
		if diff.IsPositive() {
			gains = gains.Add(diff)
		} else {
			losses = losses.Add(diff.Neg())
		}
	}
	if losses.IsZero() {
		return hundred, true
	}
	rs := gains.DivRound(losses, indicatorScale)
	return hundred.Sub(hundred.DivRound(one.Add(rs), indicatorScale)), true
}

// atr estimates average true range over the last period steps, treating
// each tick's mid as a one-sample candle: TR_i = |mid_i - mid_{i-1}|.
func atr(history []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(history) < period+1 {
		return decimal.Zero, false
	}
	window := history[len(history)-period-1:]
	sum := decimal.Zero
	for i := 1; i < len(window); i++ {
		sum = sum.Add(window[i].Sub(window[i-1]).Abs())
	}
	return sum.DivRound(decimal.NewFromInt(int64(period)), indicatorScale), true
}

// momentum returns the signed mid change over the last period steps.
func momentum(history []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(history) < period+1 {
		return decimal.Zero, false
	}
	return history[len(history)-1].Sub(history[len(history)-1-period]), true
}
