package strategy

import (
	"errors"
	"fmt"
	"time"
)

// Side distinguishes long from short positions.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// System identifies which breakout system opened a position.
// System 1 trades the 20-day entry / 10-day exit channels, System 2 the 55/20.
type System int

const (
	System1 System = 1
	System2 System = 2
)

var (
	// ErrInvalidState is returned when an operation is applied to a position
	// in a state that cannot accept it. This is a programming error, never a
	// market condition, so callers must not swallow it.
	ErrInvalidState = errors.New("position operation in invalid state")

	// ErrMaxUnits is returned when a pyramid add would exceed the unit cap.
	ErrMaxUnits = errors.New("position already at maximum pyramid units")
)

// PyramidUnit records a single fill that contributed to a position.
// Units are immutable once appended.
type PyramidUnit struct {
	Units      int       `json:"units"`
	EntryPrice float64   `json:"entry_price"`
	EntryN     float64   `json:"entry_n"`
	EntryValue float64   `json:"entry_value"`
	EntryTime  time.Time `json:"entry_time"`
	OrderID    string    `json:"order_id,omitempty"`
}

// Position is an open holding built from one to four pyramid units.
// AddUnit is the only growth path; exits normally liquidate the whole
// position at once.
type Position struct {
	Ticker       string        `json:"ticker"`
	Side         Side          `json:"side"`
	System       System        `json:"system"`
	Units        []PyramidUnit `json:"units"`
	StopPrice    float64       `json:"stop_price"`
	InitialN     float64       `json:"initial_n"`
	InitialUnits int           `json:"initial_units"`
}

// NewPosition opens a position from its first fill and sets the initial stop.
func NewPosition(ticker string, side Side, system System, unit PyramidUnit, stopMultiple float64) (*Position, error) {
	if unit.Units <= 0 {
		return nil, fmt.Errorf("%w: cannot open %s %s with %d units", ErrInvalidState, ticker, side, unit.Units)
	}
	if unit.EntryN <= 0 {
		return nil, fmt.Errorf("%w: cannot open %s %s with N=%.4f", ErrInvalidState, ticker, side, unit.EntryN)
	}
	p := &Position{
		Ticker:       ticker,
		Side:         side,
		System:       system,
		Units:        []PyramidUnit{unit},
		InitialN:     unit.EntryN,
		InitialUnits: unit.Units,
	}
	p.recomputeStop(stopMultiple, unit.EntryN)
	return p, nil
}

// AddUnit appends a pyramid fill and moves the stop to protect the whole stack.
// The stop reference is the latest fill's entry price; the N used for the
// offset is the initial N unless useLatestN selects the newest unit's N.
func (p *Position) AddUnit(unit PyramidUnit, stopMultiple float64, maxUnits int, useLatestN bool) error {
	if len(p.Units) == 0 {
		return fmt.Errorf("%w: pyramid add on flat position %s", ErrInvalidState, p.Ticker)
	}
	if len(p.Units) >= maxUnits {
		return fmt.Errorf("%w: %s has %d units", ErrMaxUnits, p.Ticker, len(p.Units))
	}
	if unit.Units <= 0 {
		return fmt.Errorf("%w: pyramid add of %d units on %s", ErrInvalidState, unit.Units, p.Ticker)
	}
	p.Units = append(p.Units, unit)
	p.recomputeStop(stopMultiple, p.stopN(useLatestN))
	return nil
}

// recomputeStop anchors the stop to the most recent fill.
func (p *Position) recomputeStop(stopMultiple, n float64) {
	last := p.Units[len(p.Units)-1]
	if p.Side == SideLong {
		p.StopPrice = last.EntryPrice - stopMultiple*n
	} else {
		p.StopPrice = last.EntryPrice + stopMultiple*n
	}
}

func (p *Position) stopN(useLatestN bool) float64 {
	if useLatestN && len(p.Units) > 0 {
		if n := p.Units[len(p.Units)-1].EntryN; n > 0 {
			return n
		}
	}
	return p.InitialN
}

// LastEntryPrice returns the entry price of the most recent fill.
func (p *Position) LastEntryPrice() float64 {
	if len(p.Units) == 0 {
		return 0
	}
	return p.Units[len(p.Units)-1].EntryPrice
}

// PyramidTriggerPrice is the level at which the next unit would be added:
// the previous fill's entry moved by spacing multiples of the initial N.
func (p *Position) PyramidTriggerPrice(spacing float64) float64 {
	last := p.LastEntryPrice()
	if p.Side == SideLong {
		return last + spacing*p.InitialN
	}
	return last - spacing*p.InitialN
}

// TotalUnits sums the share count across all pyramid fills.
func (p *Position) TotalUnits() int {
	total := 0
	for _, u := range p.Units {
		total += u.Units
	}
	return total
}

// EntryNotional is the total dollars committed at entry prices.
func (p *Position) EntryNotional() float64 {
	notional := 0.0
	for _, u := range p.Units {
		notional += float64(u.Units) * u.EntryPrice
	}
	return notional
}

// AvgEntryPrice is the unit-weighted average fill price.
func (p *Position) AvgEntryPrice() float64 {
	units := p.TotalUnits()
	if units == 0 {
		return 0
	}
	return p.EntryNotional() / float64(units)
}

// MarginHeld is the cash reserved against a short position.
func (p *Position) MarginHeld(marginPct float64) float64 {
	if p.Side != SideShort {
		return 0
	}
	return marginPct * p.EntryNotional()
}

// MarketValue prices the position at the given quote. Only meaningful for longs;
// short exposure is carried as margin plus unrealized P&L instead.
func (p *Position) MarketValue(price float64) float64 {
	return float64(p.TotalUnits()) * price
}

// UnrealizedPnL marks the position against the given price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	pnl := 0.0
	for _, u := range p.Units {
		if p.Side == SideLong {
			pnl += float64(u.Units) * (price - u.EntryPrice)
		} else {
			pnl += float64(u.Units) * (u.EntryPrice - price)
		}
	}
	return pnl
}

// RealizedPnL computes the profit of liquidating every unit at exitPrice.
func (p *Position) RealizedPnL(exitPrice float64) float64 {
	return p.UnrealizedPnL(exitPrice)
}
