package strategy

import (
	"math"
	"time"
)

// PerformanceReport aggregates trade and equity statistics for a run.
type PerformanceReport struct {
	ReturnPct      float64 `json:"return_pct"`
	CAGR           float64 `json:"cagr"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
}

// Summarize computes a report over a completed run. Only exit records count
// as trades; entries and pyramids are legs of the same round trip.
func Summarize(initialCash float64, trades []Trade, curve []EquityPoint) PerformanceReport {
	var report PerformanceReport

	var winSum, lossSum float64
	for _, t := range trades {
		if t.Action != ActionExit {
			continue
		}
		report.TotalTrades++
		if t.PnL > 0 {
			report.WinningTrades++
			winSum += t.PnL
		} else {
			report.LosingTrades++
			lossSum += t.PnL
		}
	}
	if report.TotalTrades > 0 {
		report.WinRate = float64(report.WinningTrades) / float64(report.TotalTrades)
	}
	if report.WinningTrades > 0 {
		report.AvgWin = winSum / float64(report.WinningTrades)
	}
	if report.LosingTrades > 0 {
		report.AvgLoss = lossSum / float64(report.LosingTrades)
	}

	report.MaxDrawdownPct = MaxDrawdown(curve) * 100
	if len(curve) > 0 && initialCash > 0 {
		final := curve[len(curve)-1].Equity
		report.ReturnPct = (final - initialCash) / initialCash * 100
		report.CAGR = CalculateCAGR(initialCash, final, curve[0].Date, curve[len(curve)-1].Date)
	}
	return report
}

// MaxDrawdown returns the largest peak-to-trough equity decline as a fraction.
func MaxDrawdown(curve []EquityPoint) float64 {
	peak := math.Inf(-1)
	maxDD := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			dd := (peak - p.Equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// CalculateCAGR annualizes the growth between two equity marks.
func CalculateCAGR(initial, final float64, start, end time.Time) float64 {
	if initial <= 0 || final <= 0 {
		return 0
	}
	years := end.Sub(start).Hours() / (24 * 365.25)
	if years <= 0 {
		return 0
	}
	return math.Pow(final/initial, 1/years) - 1
}
