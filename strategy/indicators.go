package strategy

import (
	"Shellback/utilities"
	"fmt"
	"math"
)

// IndicatorRow holds the turtle indicator values aligned to a single bar.
// Every field is computed from bars strictly preceding that bar, so reading
// row i while processing bar i always sees "yesterday's" values. Fields are
// NaN until their lookback window is full; NaN means no signal, never zero.
type IndicatorRow struct {
	N           float64 // volatility unit: rolling mean of true range
	EntryHighS1 float64 // prior high over the System 1 entry window
	EntryLowS1  float64
	ExitHighS1  float64 // prior high over the System 1 exit window
	ExitLowS1   float64
	EntryHighS2 float64
	EntryLowS2  float64
	ExitHighS2  float64
	ExitLowS2   float64
}

// CalculateTrueRange computes the true range of curr given the previous bar.
func CalculateTrueRange(curr, prev utilities.OHLCVBar) float64 {
	highLow := curr.High - curr.Low
	highClose := math.Abs(curr.High - prev.Close)
	lowClose := math.Abs(curr.Low - prev.Close)
	return math.Max(highLow, math.Max(highClose, lowClose))
}

// ComputeIndicators builds the full indicator series for a bar history.
// The returned slice is index-aligned with bars.
func ComputeIndicators(bars []utilities.OHLCVBar, cfg utilities.TradingConfig) []IndicatorRow {
	rows := make([]IndicatorRow, len(bars))
	if len(bars) == 0 {
		return rows
	}

	// True range series. The first bar has no prior close, so its range
	// degrades to high minus low.
	tr := make([]float64, len(bars))
	tr[0] = bars[0].High - bars[0].Low
	for i := 1; i < len(bars); i++ {
		tr[i] = CalculateTrueRange(bars[i], bars[i-1])
	}

	nan := math.NaN()
	for i := range rows {
		rows[i] = IndicatorRow{
			N:           nan,
			EntryHighS1: nan, EntryLowS1: nan,
			ExitHighS1: nan, ExitLowS1: nan,
			EntryHighS2: nan, EntryLowS2: nan,
			ExitHighS2: nan, ExitLowS2: nan,
		}
	}

	// N at row i averages the true ranges of the atrPeriod bars ending at i-1.
	atrPeriod := cfg.ATRPeriod
	for i := atrPeriod; i < len(bars); i++ {
		sum := 0.0
		for j := i - atrPeriod; j < i; j++ {
			sum += tr[j]
		}
		rows[i].N = sum / float64(atrPeriod)
	}

	fillChannel(bars, rows, cfg.System1EntryWindow, func(r *IndicatorRow, hi, lo float64) {
		r.EntryHighS1, r.EntryLowS1 = hi, lo
	})
	fillChannel(bars, rows, cfg.System1ExitWindow, func(r *IndicatorRow, hi, lo float64) {
		r.ExitHighS1, r.ExitLowS1 = hi, lo
	})
	fillChannel(bars, rows, cfg.System2EntryWindow, func(r *IndicatorRow, hi, lo float64) {
		r.EntryHighS2, r.EntryLowS2 = hi, lo
	})
	fillChannel(bars, rows, cfg.System2ExitWindow, func(r *IndicatorRow, hi, lo float64) {
		r.ExitHighS2, r.ExitLowS2 = hi, lo
	})

	return rows
}

// fillChannel writes the rolling max/min of the window bars preceding each row.
func fillChannel(bars []utilities.OHLCVBar, rows []IndicatorRow, window int, set func(*IndicatorRow, float64, float64)) {
	if window <= 0 {
		return
	}
	for i := window; i < len(bars); i++ {
		hi := bars[i-window].High
		lo := bars[i-window].Low
		for j := i - window + 1; j < i; j++ {
			if bars[j].High > hi {
				hi = bars[j].High
			}
			if bars[j].Low < lo {
				lo = bars[j].Low
			}
		}
		set(&rows[i], hi, lo)
	}
}

// SignalRow returns the indicator row aligned to the most recent completed
// bar, computed from the bars strictly preceding it. Judging that bar's
// high, low and close against this row keeps the signal bar out of its own
// channel, the same shift-by-one the backtester applies.
func SignalRow(bars []utilities.OHLCVBar, cfg utilities.TradingConfig) (IndicatorRow, error) {
	required := WarmupBars(cfg) + 1
	if len(bars) < required {
		return IndicatorRow{}, fmt.Errorf("need at least %d completed bars, have %d", required, len(bars))
	}
	rows := ComputeIndicators(bars, cfg)
	return rows[len(rows)-1], nil
}

// LatestIndicators computes the indicator row that applies to the next,
// not-yet-completed bar. Live callers feed it completed daily bars only;
// an in-progress bar for today must be excluded by the caller.
func LatestIndicators(bars []utilities.OHLCVBar, cfg utilities.TradingConfig) (IndicatorRow, error) {
	required := cfg.System2EntryWindow
	if cfg.ATRPeriod > required {
		required = cfg.ATRPeriod
	}
	if len(bars) < required {
		return IndicatorRow{}, fmt.Errorf("need at least %d completed bars, have %d", required, len(bars))
	}

	// Append a sentinel slot so the shifted series produces a row computed
	// from every completed bar.
	extended := make([]utilities.OHLCVBar, len(bars)+1)
	copy(extended, bars)
	extended[len(bars)] = bars[len(bars)-1]
	rows := ComputeIndicators(extended, cfg)
	return rows[len(rows)-1], nil
}

// WarmupBars is the number of completed bars needed before every indicator
// field is populated.
func WarmupBars(cfg utilities.TradingConfig) int {
	warmup := cfg.ATRPeriod
	for _, w := range []int{cfg.System1EntryWindow, cfg.System1ExitWindow, cfg.System2EntryWindow, cfg.System2ExitWindow} {
		if w > warmup {
			warmup = w
		}
	}
	return warmup
}
