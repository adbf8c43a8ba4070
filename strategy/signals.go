package strategy

import (
	"Shellback/utilities"
	"fmt"
	"math"
)

// Exit reasons recorded on trade log entries.
const (
	ExitReasonStop    = "stop_loss"
	ExitReasonChannel = "channel_exit"
)

// EntrySignal is a breakout the portfolio may act on this cycle.
type EntrySignal struct {
	Ticker string
	Side   Side
	System System
	Price  float64 // the broken channel level, which is also the fill price
}

// WhipsawFilter suppresses System 1 entries after a winning System 1 trade
// on the same ticker and side. The theory holds that a win leaves the trend
// exhausted; the block lifts once price crosses the opposite entry channel.
// System 2 never consults or mutates this state.
//
// Not safe for concurrent use; both execution contexts drive it from a
// single goroutine.
type WhipsawFilter struct {
	lastTradeWasWin map[string]bool
}

// NewWhipsawFilter returns an empty filter.
func NewWhipsawFilter() *WhipsawFilter {
	return &WhipsawFilter{lastTradeWasWin: make(map[string]bool)}
}

// WhipsawKey is the serialized map key, shared with the persisted state file.
func WhipsawKey(ticker string, side Side) string {
	return fmt.Sprintf("%s_%s", ticker, side)
}

// Suppressed reports whether a System 1 entry on (ticker, side) is blocked.
func (w *WhipsawFilter) Suppressed(ticker string, side Side) bool {
	return w.lastTradeWasWin[WhipsawKey(ticker, side)]
}

// Record stores the outcome of a closed System 1 trade.
func (w *WhipsawFilter) Record(ticker string, side Side, won bool) {
	w.lastTradeWasWin[WhipsawKey(ticker, side)] = won
}

// MaybeReset clears suppression for either side of ticker the first day price
// crosses the opposite System 1 entry channel: a break below the low channel
// unblocks longs, a break above the high channel unblocks shorts.
func (w *WhipsawFilter) MaybeReset(ticker string, bar utilities.OHLCVBar, row IndicatorRow) {
	if w.Suppressed(ticker, SideLong) && !math.IsNaN(row.EntryLowS1) && bar.Low < row.EntryLowS1 {
		delete(w.lastTradeWasWin, WhipsawKey(ticker, SideLong))
	}
	if w.Suppressed(ticker, SideShort) && !math.IsNaN(row.EntryHighS1) && bar.High > row.EntryHighS1 {
		delete(w.lastTradeWasWin, WhipsawKey(ticker, SideShort))
	}
}

// Snapshot copies the filter state for persistence.
func (w *WhipsawFilter) Snapshot() map[string]bool {
	out := make(map[string]bool, len(w.lastTradeWasWin))
	for k, v := range w.lastTradeWasWin {
		out[k] = v
	}
	return out
}

// Restore replaces the filter state, e.g. when reloading a live state file.
func (w *WhipsawFilter) Restore(state map[string]bool) {
	w.lastTradeWasWin = make(map[string]bool, len(state))
	for k, v := range state {
		w.lastTradeWasWin[k] = v
	}
}

// EvaluateEntry checks one ticker's bar for a breakout under the given system.
// A long breakout takes precedence: when the bar pierces the high channel the
// short side is not considered that day, even if the entry ends up suppressed.
// The fill price is the channel level itself.
func EvaluateEntry(ticker string, bar utilities.OHLCVBar, row IndicatorRow, sys System, cfg utilities.TradingConfig, wf *WhipsawFilter) (EntrySignal, bool) {
	hi, lo := entryChannels(row, sys)

	if !math.IsNaN(hi) && bar.High > hi {
		if !cfg.EnableLongs {
			return EntrySignal{}, false
		}
		if sys == System1 && wf.Suppressed(ticker, SideLong) {
			return EntrySignal{}, false
		}
		return EntrySignal{Ticker: ticker, Side: SideLong, System: sys, Price: hi}, true
	}

	if !math.IsNaN(lo) && bar.Low < lo {
		if !cfg.EnableShorts {
			return EntrySignal{}, false
		}
		if sys == System1 && wf.Suppressed(ticker, SideShort) {
			return EntrySignal{}, false
		}
		return EntrySignal{Ticker: ticker, Side: SideShort, System: sys, Price: lo}, true
	}

	return EntrySignal{}, false
}

func entryChannels(row IndicatorRow, sys System) (hi, lo float64) {
	if sys == System2 {
		return row.EntryHighS2, row.EntryLowS2
	}
	return row.EntryHighS1, row.EntryLowS1
}

func exitChannels(row IndicatorRow, sys System) (hi, lo float64) {
	if sys == System2 {
		return row.ExitHighS2, row.ExitLowS2
	}
	return row.ExitHighS1, row.ExitLowS1
}

// EvaluateExit decides whether a position must be liquidated on this bar.
// The protective stop is checked first and fills at the stop price, which is
// never better than the channel exit. Channel exits trigger on the close
// crossing yesterday's exit extreme and fill at the close.
func EvaluateExit(pos *Position, bar utilities.OHLCVBar, row IndicatorRow) (price float64, reason string, ok bool) {
	hi, lo := exitChannels(row, pos.System)

	if pos.Side == SideLong {
		if bar.Low <= pos.StopPrice {
			return pos.StopPrice, ExitReasonStop, true
		}
		if !math.IsNaN(lo) && bar.Close < lo {
			return bar.Close, ExitReasonChannel, true
		}
		return 0, "", false
	}

	if bar.High >= pos.StopPrice {
		return pos.StopPrice, ExitReasonStop, true
	}
	if !math.IsNaN(hi) && bar.Close > hi {
		return bar.Close, ExitReasonChannel, true
	}
	return 0, "", false
}

// EvaluatePyramid reports whether this bar reached the next pyramid trigger.
// The fill price is the trigger level, not the traded extreme.
func EvaluatePyramid(pos *Position, bar utilities.OHLCVBar, spacing float64, maxUnits int) (float64, bool) {
	if len(pos.Units) == 0 || len(pos.Units) >= maxUnits {
		return 0, false
	}
	trigger := pos.PyramidTriggerPrice(spacing)
	if pos.Side == SideLong && bar.High >= trigger {
		return trigger, true
	}
	if pos.Side == SideShort && bar.Low <= trigger {
		return trigger, true
	}
	return 0, false
}
