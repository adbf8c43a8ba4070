package strategy

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"Shellback/utilities"
)

// Trade actions recorded in the log.
const (
	ActionEntry   = "entry"
	ActionPyramid = "pyramid"
	ActionExit    = "exit"
)

// ErrNegativeCash signals corrupted accounting. The only sanctioned path to
// zero is the short loss cap; anything below zero aborts the run.
var ErrNegativeCash = errors.New("cash balance went negative")

// Trade is one append-only trade log record.
type Trade struct {
	Date          time.Time `json:"date"`
	Ticker        string    `json:"ticker"`
	Side          Side      `json:"side"`
	System        System    `json:"system"`
	Action        string    `json:"action"`
	Units         int       `json:"units"`
	Price         float64   `json:"price"`
	N             float64   `json:"n"`
	PnL           float64   `json:"pnl,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	PyramidLevel  int       `json:"pyramid_level,omitempty"`
	ResultingCash float64   `json:"resulting_cash"`
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Date   time.Time `json:"date"`
	Equity float64   `json:"equity"`
	Cash   float64   `json:"cash"`
}

// PortfolioEngine owns the cash ledger and every open position, and applies
// one full decision cycle per call to Step. It is single-threaded; sweeps run
// one engine per goroutine instead of sharing one.
type PortfolioEngine struct {
	cfg    utilities.TradingConfig
	logger *utilities.Logger
	rng    *rand.Rand

	Cash        float64
	Longs       map[string]*Position
	Shorts      map[string]*Position
	Whipsaw     *WhipsawFilter
	TradeLog    []Trade
	EquityCurve []EquityPoint

	committedNotional float64
	lastClose         map[string]float64
}

// NewPortfolioEngine builds an engine with the given starting cash. The seed
// fixes the System 1 candidate shuffle, making a run reproducible.
func NewPortfolioEngine(cfg utilities.TradingConfig, logger *utilities.Logger, initialCash float64, seed int64) *PortfolioEngine {
	utilities.ApplyTradingDefaults(&cfg)
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
	}
	return &PortfolioEngine{
		cfg:       cfg,
		logger:    logger,
		rng:       rand.New(rand.NewSource(seed)),
		Cash:      initialCash,
		Longs:     make(map[string]*Position),
		Shorts:    make(map[string]*Position),
		Whipsaw:   NewWhipsawFilter(),
		lastClose: make(map[string]float64),
	}
}

// Config returns the engine's effective (defaulted) parameters.
func (e *PortfolioEngine) Config() utilities.TradingConfig {
	return e.cfg
}

// Equity marks the account: cash, long market value, and for each short the
// margin held plus unrealized P&L. Tickers without a quote fall back to the
// last close the engine has seen.
func (e *PortfolioEngine) Equity(prices map[string]float64) float64 {
	eq := e.Cash
	for t, pos := range e.Longs {
		eq += pos.MarketValue(e.priceFor(t, prices, pos))
	}
	for t, pos := range e.Shorts {
		eq += pos.MarginHeld(e.cfg.ShortMarginPct) + pos.UnrealizedPnL(e.priceFor(t, prices, pos))
	}
	return eq
}

func (e *PortfolioEngine) priceFor(ticker string, prices map[string]float64, pos *Position) float64 {
	if prices != nil {
		if p, ok := prices[ticker]; ok && utilities.IsValidPrice(p) {
			return p
		}
	}
	if p, ok := e.lastClose[ticker]; ok {
		return p
	}
	return pos.LastEntryPrice()
}

// OpenPositionCount counts positions across both sides.
func (e *PortfolioEngine) OpenPositionCount() int {
	return len(e.Longs) + len(e.Shorts)
}

// HasPosition reports whether ticker is held on either side.
func (e *PortfolioEngine) HasPosition(ticker string) bool {
	_, long := e.Longs[ticker]
	_, short := e.Shorts[ticker]
	return long || short
}

// Step runs one decision cycle over the day's bars: exits first, then
// pyramids, then System 2 entries, then shuffled System 1 entries. The equity
// snapshot that sizes every fill is taken once, before anything trades.
func (e *PortfolioEngine) Step(date time.Time, bars map[string]utilities.OHLCVBar, rows map[string]IndicatorRow) error {
	equitySnapshot := e.Equity(nil)
	book := NewCapitalBook(equitySnapshot, BuyingPowerMultiplier(e.cfg), e.committedNotional)

	e.processExits(date, bars, rows, book)

	for _, t := range sortedBarTickers(bars) {
		if row, ok := rows[t]; ok {
			e.Whipsaw.MaybeReset(t, bars[t], row)
		}
	}

	e.processPyramids(date, bars, rows, equitySnapshot, book)
	e.processEntries(date, bars, rows, equitySnapshot, book)

	for t, bar := range bars {
		if utilities.IsValidPrice(bar.Close) {
			e.lastClose[t] = bar.Close
		}
	}

	if e.Cash < 0 {
		return fmt.Errorf("%w: %.4f on %s", ErrNegativeCash, e.Cash, date.Format("2006-01-02"))
	}
	e.EquityCurve = append(e.EquityCurve, EquityPoint{Date: date, Equity: e.Equity(nil), Cash: e.Cash})
	return nil
}

func (e *PortfolioEngine) processExits(date time.Time, bars map[string]utilities.OHLCVBar, rows map[string]IndicatorRow, book *CapitalBook) {
	for _, t := range sortedPositionTickers(e.Longs) {
		bar, row, ok := barAndRow(t, bars, rows)
		if !ok {
			continue
		}
		pos := e.Longs[t]
		if price, reason, exit := EvaluateExit(pos, bar, row); exit {
			e.closeLong(date, pos, price, reason, row.N, book)
		}
	}
	for _, t := range sortedPositionTickers(e.Shorts) {
		bar, row, ok := barAndRow(t, bars, rows)
		if !ok {
			continue
		}
		pos := e.Shorts[t]
		if price, reason, exit := EvaluateExit(pos, bar, row); exit {
			e.closeShort(date, pos, price, reason, row.N, book)
		}
	}
}

func (e *PortfolioEngine) closeLong(date time.Time, pos *Position, price float64, reason string, n float64, book *CapitalBook) {
	pnl := pos.RealizedPnL(price)
	notional := pos.EntryNotional()
	e.Cash += float64(pos.TotalUnits()) * price
	e.committedNotional -= notional
	if e.committedNotional < 0 {
		e.committedNotional = 0
	}
	book.Release(notional)
	delete(e.Longs, pos.Ticker)

	if pos.System == System1 {
		e.Whipsaw.Record(pos.Ticker, SideLong, pnl > 0)
	}
	e.logTrade(Trade{
		Date: date, Ticker: pos.Ticker, Side: SideLong, System: pos.System,
		Action: ActionExit, Units: pos.TotalUnits(), Price: price, N: n,
		PnL: pnl, Reason: reason, ResultingCash: e.Cash,
	})
}

func (e *PortfolioEngine) closeShort(date time.Time, pos *Position, price float64, reason string, n float64, book *CapitalBook) {
	margin := pos.MarginHeld(e.cfg.ShortMarginPct)
	pnl := pos.RealizedPnL(price)
	notional := pos.EntryNotional()

	if e.Cash+margin+pnl < 0 {
		capped := -e.Cash - margin
		e.logger.LogWarn("short exit %s: loss %.2f exceeds cash+margin, capping at %.2f", pos.Ticker, pnl, capped)
		pnl = capped
		e.Cash = 0
	} else {
		e.Cash += margin + pnl
	}

	e.committedNotional -= notional
	if e.committedNotional < 0 {
		e.committedNotional = 0
	}
	book.Release(notional)
	delete(e.Shorts, pos.Ticker)

	if pos.System == System1 {
		e.Whipsaw.Record(pos.Ticker, SideShort, pnl > 0)
	}
	e.logTrade(Trade{
		Date: date, Ticker: pos.Ticker, Side: SideShort, System: pos.System,
		Action: ActionExit, Units: pos.TotalUnits(), Price: price, N: n,
		PnL: pnl, Reason: reason, ResultingCash: e.Cash,
	})
}

func (e *PortfolioEngine) processPyramids(date time.Time, bars map[string]utilities.OHLCVBar, rows map[string]IndicatorRow, equitySnapshot float64, book *CapitalBook) {
	for _, side := range []Side{SideLong, SideShort} {
		positions := e.Longs
		if side == SideShort {
			positions = e.Shorts
		}
		for _, t := range sortedPositionTickers(positions) {
			bar, row, ok := barAndRow(t, bars, rows)
			if !ok {
				continue
			}
			pos := positions[t]
			price, trigger := EvaluatePyramid(pos, bar, e.cfg.PyramidSpacing, e.cfg.MaxUnits)
			if !trigger {
				continue
			}
			units := UnitSize(equitySnapshot, e.cfg.RiskPerUnitPct, row.N)
			if units <= 0 {
				continue
			}
			cost := float64(units) * price
			if !e.reserve(side, cost, book) {
				continue
			}
			unit := PyramidUnit{Units: units, EntryPrice: price, EntryN: row.N, EntryValue: cost, EntryTime: date}
			if err := pos.AddUnit(unit, e.cfg.StopMultiple, e.cfg.MaxUnits, e.cfg.UseLatestN); err != nil {
				e.release(side, cost, book)
				e.logger.LogError("pyramid add rejected for %s: %v", t, err)
				continue
			}
			e.logTrade(Trade{
				Date: date, Ticker: t, Side: side, System: pos.System,
				Action: ActionPyramid, Units: units, Price: price, N: row.N,
				PyramidLevel: len(pos.Units), ResultingCash: e.Cash,
			})
		}
	}
}

func (e *PortfolioEngine) processEntries(date time.Time, bars map[string]utilities.OHLCVBar, rows map[string]IndicatorRow, equitySnapshot float64, book *CapitalBook) {
	if e.cfg.EnableSystem2 {
		for _, t := range sortedBarTickers(bars) {
			e.tryEntry(date, t, bars, rows, System2, equitySnapshot, book)
		}
	}
	if e.cfg.EnableSystem1 {
		candidates := sortedBarTickers(bars)
		e.rng.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
		for _, t := range candidates {
			e.tryEntry(date, t, bars, rows, System1, equitySnapshot, book)
		}
	}
}

func (e *PortfolioEngine) tryEntry(date time.Time, ticker string, bars map[string]utilities.OHLCVBar, rows map[string]IndicatorRow, sys System, equitySnapshot float64, book *CapitalBook) {
	if e.HasPosition(ticker) {
		return
	}
	if e.cfg.MaxPositions > 0 && e.OpenPositionCount() >= e.cfg.MaxPositions {
		return
	}
	bar, row, ok := barAndRow(ticker, bars, rows)
	if !ok {
		return
	}
	sig, ok := EvaluateEntry(ticker, bar, row, sys, e.cfg, e.Whipsaw)
	if !ok {
		return
	}
	units := UnitSize(equitySnapshot, e.cfg.RiskPerUnitPct, row.N)
	if units <= 0 {
		return
	}
	cost := float64(units) * sig.Price
	if !e.reserve(sig.Side, cost, book) {
		return
	}
	unit := PyramidUnit{Units: units, EntryPrice: sig.Price, EntryN: row.N, EntryValue: cost, EntryTime: date}
	pos, err := NewPosition(ticker, sig.Side, sys, unit, e.cfg.StopMultiple)
	if err != nil {
		e.release(sig.Side, cost, book)
		e.logger.LogError("entry rejected for %s: %v", ticker, err)
		return
	}
	if sig.Side == SideLong {
		e.Longs[ticker] = pos
	} else {
		e.Shorts[ticker] = pos
	}
	e.logTrade(Trade{
		Date: date, Ticker: ticker, Side: sig.Side, System: sys,
		Action: ActionEntry, Units: units, Price: sig.Price, N: row.N,
		PyramidLevel: 1, ResultingCash: e.Cash,
	})
}

// reserve debits cash and the cycle's capital book for a fill. Longs pay full
// notional; shorts reserve the margin fraction but still commit full notional
// against buying power. A fill that does not fit is skipped, not an error.
func (e *PortfolioEngine) reserve(side Side, notional float64, book *CapitalBook) bool {
	if !book.CanCommit(notional) {
		return false
	}
	cashNeeded := notional
	if side == SideShort {
		cashNeeded = e.cfg.ShortMarginPct * notional
	}
	if e.Cash < cashNeeded {
		return false
	}
	e.Cash -= cashNeeded
	e.committedNotional += notional
	book.Commit(notional)
	return true
}

func (e *PortfolioEngine) release(side Side, notional float64, book *CapitalBook) {
	cashHeld := notional
	if side == SideShort {
		cashHeld = e.cfg.ShortMarginPct * notional
	}
	e.Cash += cashHeld
	e.committedNotional -= notional
	if e.committedNotional < 0 {
		e.committedNotional = 0
	}
	book.Release(notional)
}

func (e *PortfolioEngine) logTrade(t Trade) {
	e.TradeLog = append(e.TradeLog, t)
	e.logger.LogDebug("trade: %s %s %s %s units=%d price=%.4f pnl=%.2f cash=%.2f",
		t.Date.Format("2006-01-02"), t.Action, t.Ticker, t.Side, t.Units, t.Price, t.PnL, t.ResultingCash)
}

func barAndRow(ticker string, bars map[string]utilities.OHLCVBar, rows map[string]IndicatorRow) (utilities.OHLCVBar, IndicatorRow, bool) {
	bar, okBar := bars[ticker]
	row, okRow := rows[ticker]
	if !okBar || !okRow {
		return utilities.OHLCVBar{}, IndicatorRow{}, false
	}
	if math.IsNaN(bar.Close) || !utilities.IsValidPrice(bar.Close) {
		return utilities.OHLCVBar{}, IndicatorRow{}, false
	}
	return bar, row, true
}

func sortedPositionTickers(positions map[string]*Position) []string {
	keys := make([]string, 0, len(positions))
	for t := range positions {
		keys = append(keys, t)
	}
	sort.Strings(keys)
	return keys
}

func sortedBarTickers(bars map[string]utilities.OHLCVBar) []string {
	keys := make([]string, 0, len(bars))
	for t := range bars {
		keys = append(keys, t)
	}
	sort.Strings(keys)
	return keys
}
