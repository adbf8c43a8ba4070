package strategy

import (
	"math"

	"Shellback/utilities"
)

// UnitSize converts account equity and current volatility into a share count.
// One N of adverse movement on one unit loses riskPerUnitPct of equity.
// Returns 0 when N or equity make the formula meaningless.
func UnitSize(equity, riskPerUnitPct, n float64) int {
	if math.IsNaN(n) || n <= 0 || equity <= 0 {
		return 0
	}
	return int(equity * riskPerUnitPct / n)
}

// BuyingPowerMultiplier resolves the configured committable-notional scale.
// 1x is a cash account; 2x matches a standard margin account.
func BuyingPowerMultiplier(cfg utilities.TradingConfig) float64 {
	if !cfg.UseMargin || cfg.MarginMultiplier <= 0 {
		return 1.0
	}
	return cfg.MarginMultiplier
}

// CapitalBook tracks committable notional within one trading cycle. The limit
// is the cycle's equity snapshot scaled by the buying-power multiplier; fills
// consume it, exits during the same cycle hand it back. It caps exposure only;
// the cash ledger is accounted separately and never goes negative.
type CapitalBook struct {
	limit     float64
	committed float64
}

// NewCapitalBook opens a book for one cycle.
func NewCapitalBook(equitySnapshot, multiplier, alreadyCommitted float64) *CapitalBook {
	limit := equitySnapshot * multiplier
	if limit < 0 {
		limit = 0
	}
	return &CapitalBook{limit: limit, committed: alreadyCommitted}
}

// Available returns the notional still committable this cycle.
func (b *CapitalBook) Available() float64 {
	avail := b.limit - b.committed
	if avail < 0 {
		return 0
	}
	return avail
}

// CanCommit reports whether a fill of the given notional fits the book.
func (b *CapitalBook) CanCommit(notional float64) bool {
	return notional > 0 && b.committed+notional <= b.limit
}

// Commit records a fill against the book.
func (b *CapitalBook) Commit(notional float64) {
	b.committed += notional
}

// Release hands notional back after an exit.
func (b *CapitalBook) Release(notional float64) {
	b.committed -= notional
	if b.committed < 0 {
		b.committed = 0
	}
}
