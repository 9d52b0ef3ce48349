package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Metrics summarises a finished run. Monetary figures are exact decimals;
// Sharpe is a dimensionless statistic and tolerates float math.
type Metrics struct {
	TotalTrades     int             `json:"total_trades"`
	WinningTrades   int             `json:"winning_trades"`
	LosingTrades    int             `json:"losing_trades"`
	WinRate         decimal.Decimal `json:"win_rate"`
	TotalPL         decimal.Decimal `json:"total_pl"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	NetPL           decimal.Decimal `json:"net_pl"`
	AvgWin          decimal.Decimal `json:"avg_win"`
	AvgLoss         decimal.Decimal `json:"avg_loss"`
	ProfitFactor    decimal.Decimal `json:"profit_factor"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPct  decimal.Decimal `json:"max_drawdown_pct"`
	Sharpe          decimal.Decimal `json:"sharpe"`
	InitialBalance  decimal.Decimal `json:"initial_balance"`
	FinalBalance    decimal.Decimal `json:"final_balance"`
}

const metricScale = 6

func computeMetrics(initial, final decimal.Decimal, trades []Trade, curve []EquityPoint) Metrics {
	m := Metrics{
		TotalTrades:    len(trades),
		InitialBalance: initial,
		FinalBalance:   final,
	}

	grossWin, grossLoss := decimal.Zero, decimal.Zero
	for _, t := range trades {
		m.TotalPL = m.TotalPL.Add(t.RealizedPL)
		m.TotalCommission = m.TotalCommission.Add(t.Commission)
		if t.RealizedPL.IsPositive() {
			m.WinningTrades++
			grossWin = grossWin.Add(t.RealizedPL)
		} else if t.RealizedPL.IsNegative() {
			m.LosingTrades++
			grossLoss = grossLoss.Add(t.RealizedPL.Neg())
		}
	}
	m.NetPL = m.TotalPL.Sub(m.TotalCommission)

	if m.TotalTrades > 0 {
		m.WinRate = decimal.NewFromInt(int64(m.WinningTrades)).
			DivRound(decimal.NewFromInt(int64(m.TotalTrades)), metricScale)
	}
	if m.WinningTrades > 0 {
		m.AvgWin = grossWin.DivRound(decimal.NewFromInt(int64(m.WinningTrades)), metricScale)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = grossLoss.DivRound(decimal.NewFromInt(int64(m.LosingTrades)), metricScale)
	}
	if grossLoss.IsPositive() {
		m.ProfitFactor = grossWin.DivRound(grossLoss, metricScale)
	}

	m.MaxDrawdown, m.MaxDrawdownPct = maxDrawdown(curve)
	m.Sharpe = sharpe(curve)
	return m
}

// maxDrawdown is the largest peak-to-trough equity drop over the curve.
func maxDrawdown(curve []EquityPoint) (decimal.Decimal, decimal.Decimal) {
	dd, ddPct := decimal.Zero, decimal.Zero
	if len(curve) == 0 {
		return dd, ddPct
	}
	peak := curve[0].Equity
	for _, p := range curve[1:] {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
			continue
		}
		drop := peak.Sub(p.Equity)
		if drop.GreaterThan(dd) {
			dd = drop
			if peak.IsPositive() {
				ddPct = drop.DivRound(peak, metricScale)
			}
		}
	}
	return dd, ddPct
}

// sharpe is mean/stdev of per-sample equity returns, annualised by the
// average sample spacing.
func sharpe(curve []EquityPoint) decimal.Decimal {
	if len(curve) < 3 {
		return decimal.Zero
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev, _ := curve[i-1].Equity.Float64()
		cur, _ := curve[i].Equity.Float64()
		if prev == 0 {
			continue
		}
		returns = append(returns, cur/prev-1)
	}
	if len(returns) < 2 {
		return decimal.Zero
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var varSum float64
	for _, r := range returns {
		varSum += (r - mean) * (r - mean)
	}
	stdev := math.Sqrt(varSum / float64(len(returns)-1))
	if stdev == 0 {
		return decimal.Zero
	}

	spacing := curve[len(curve)-1].Time.Sub(curve[0].Time) / time.Duration(len(curve)-1)
	if spacing <= 0 {
		spacing = time.Second
	}
	periodsPerYear := float64(365*24*time.Hour) / float64(spacing)
	return decimal.NewFromFloat(mean / stdev * math.Sqrt(periodsPerYear)).Round(metricScale)
}
