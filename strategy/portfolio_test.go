package strategy_test

import (
	"math"
	"testing"
	"time"

	"Shellback/strategy"
	"Shellback/utilities"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(cash float64, mutate func(*utilities.TradingConfig)) *strategy.PortfolioEngine {
	cfg := defaultTradingConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	logger := utilities.NewLogger(utilities.Error)
	return strategy.NewPortfolioEngine(cfg, logger, cash, 42)
}

func day(i int) time.Time {
	return time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
}

func step(t *testing.T, e *strategy.PortfolioEngine, i int, bars map[string]utilities.OHLCVBar, rows map[string]strategy.IndicatorRow) {
	t.Helper()
	require.NoError(t, e.Step(day(i), bars, rows))
}

func longBreakoutRow(channel, n float64) strategy.IndicatorRow {
	row := nanRow()
	row.N = n
	row.EntryHighS1 = channel
	return row
}

func TestStepOpensLongAtChannelWithSizedUnits(t *testing.T) {
	e := newTestEngine(10000, nil)

	bars := map[string]utilities.OHLCVBar{"AAA": bar(101, 99, 100.5)}
	rows := map[string]strategy.IndicatorRow{"AAA": longBreakoutRow(100, 2.0)}
	step(t, e, 0, bars, rows)

	pos := e.Longs["AAA"]
	require.NotNil(t, pos)
	assert.Equal(t, 50, pos.TotalUnits()) // 10000 * 0.01 / 2
	assert.InDelta(t, 100.0, pos.LastEntryPrice(), 1e-12)
	assert.InDelta(t, 96.0, pos.StopPrice, 1e-12)
	assert.InDelta(t, 5000.0, e.Cash, 1e-9)

	require.Len(t, e.TradeLog, 1)
	assert.Equal(t, strategy.ActionEntry, e.TradeLog[0].Action)
	assert.Equal(t, 1, e.TradeLog[0].PyramidLevel)
}

func TestStepPyramidsAtTriggerAndMovesStop(t *testing.T) {
	e := newTestEngine(20000, nil)

	step(t, e, 0,
		map[string]utilities.OHLCVBar{"AAA": bar(101, 99, 100.5)},
		map[string]strategy.IndicatorRow{"AAA": longBreakoutRow(100, 2.0)})
	require.Equal(t, 100, e.Longs["AAA"].TotalUnits())
	require.InDelta(t, 10000.0, e.Cash, 1e-9)

	// Trigger sits at 101 (entry + 0.5 * initial N). Today's N is larger, so
	// the new unit is sized smaller but spacing and stop still key off entry.
	row := nanRow()
	row.N = 4.0
	step(t, e, 1,
		map[string]utilities.OHLCVBar{"AAA": bar(101.8, 100, 101.5)},
		map[string]strategy.IndicatorRow{"AAA": row})

	pos := e.Longs["AAA"]
	require.Len(t, pos.Units, 2)
	assert.InDelta(t, 101.0, pos.Units[1].EntryPrice, 1e-12)
	assert.InDelta(t, 97.0, pos.StopPrice, 1e-12) // 101 - 2 * initial N

	last := e.TradeLog[len(e.TradeLog)-1]
	assert.Equal(t, strategy.ActionPyramid, last.Action)
	assert.Equal(t, 2, last.PyramidLevel)
	assert.InDelta(t, 4.0, last.N, 1e-12)
}

func TestStepExitFreesCashBeforeEntries(t *testing.T) {
	e := newTestEngine(10000, nil)

	step(t, e, 0,
		map[string]utilities.OHLCVBar{"AAA": bar(101, 99, 100)},
		map[string]strategy.IndicatorRow{"AAA": longBreakoutRow(100, 2.0)})
	require.InDelta(t, 5000.0, e.Cash, 1e-9)

	// AAA stops out at 96 while BBB breaks out at 180. The BBB fill costs
	// 9000, affordable only with the exit proceeds.
	bars := map[string]utilities.OHLCVBar{
		"AAA": bar(97, 95, 95.8),
		"BBB": bar(181, 176, 180.5),
	}
	rows := map[string]strategy.IndicatorRow{
		"AAA": nanRow(),
		"BBB": longBreakoutRow(180, 2.0),
	}
	step(t, e, 1, bars, rows)

	assert.NotContains(t, e.Longs, "AAA")
	require.Contains(t, e.Longs, "BBB")
	assert.InDelta(t, 800.0, e.Cash, 1e-9) // 5000 + 4800 - 9000

	n := len(e.TradeLog)
	require.GreaterOrEqual(t, n, 3)
	assert.Equal(t, strategy.ActionExit, e.TradeLog[n-2].Action)
	assert.Equal(t, "AAA", e.TradeLog[n-2].Ticker)
	assert.Equal(t, strategy.ActionEntry, e.TradeLog[n-1].Action)
	assert.Equal(t, "BBB", e.TradeLog[n-1].Ticker)
}

func TestShortEntryHoldsMargin(t *testing.T) {
	e := newTestEngine(10000, func(cfg *utilities.TradingConfig) {
		cfg.RiskPerUnitPct = 0.06
	})

	row := nanRow()
	row.N = 3.0
	row.EntryLowS1 = 50
	step(t, e, 0,
		map[string]utilities.OHLCVBar{"AAA": bar(50.5, 49, 49.5)},
		map[string]strategy.IndicatorRow{"AAA": row})

	pos := e.Shorts["AAA"]
	require.NotNil(t, pos)
	assert.Equal(t, 200, pos.TotalUnits()) // 10000 * 0.06 / 3
	assert.InDelta(t, 5000.0, pos.MarginHeld(0.5), 1e-9)
	assert.InDelta(t, 5000.0, e.Cash, 1e-9)
	assert.InDelta(t, 56.0, pos.StopPrice, 1e-12)
}

func TestShortStopExitReturnsMarginPlusPnL(t *testing.T) {
	e := newTestEngine(10000, func(cfg *utilities.TradingConfig) {
		cfg.RiskPerUnitPct = 0.06
	})
	row := nanRow()
	row.N = 3.0
	row.EntryLowS1 = 50
	step(t, e, 0,
		map[string]utilities.OHLCVBar{"AAA": bar(50.5, 49, 49.5)},
		map[string]strategy.IndicatorRow{"AAA": row})

	// Stop at 56 trips: margin 5000 comes back minus the 200 * 6 loss.
	exitRow := nanRow()
	exitRow.N = 3.2
	step(t, e, 1,
		map[string]utilities.OHLCVBar{"AAA": bar(57, 52, 55)},
		map[string]strategy.IndicatorRow{"AAA": exitRow})

	assert.Empty(t, e.Shorts)
	assert.InDelta(t, 8800.0, e.Cash, 1e-9)
	last := e.TradeLog[len(e.TradeLog)-1]
	assert.Equal(t, strategy.ExitReasonStop, last.Reason)
	assert.InDelta(t, -1200.0, last.PnL, 1e-9)
	assert.InDelta(t, 3.2, last.N, 1e-12, "the exit record carries the exit bar's N")
}

func TestShortLossCapClampsCashToZero(t *testing.T) {
	e := newTestEngine(10000, func(cfg *utilities.TradingConfig) {
		cfg.RiskPerUnitPct = 0.6
		cfg.UseMargin = true
		cfg.MarginMultiplier = 2.0
	})

	// Violent regime: N is 40% of price, so the 2N stop sits far away and a
	// stop exit loses more than cash plus margin.
	row := nanRow()
	row.N = 20.0
	row.EntryLowS1 = 50
	step(t, e, 0,
		map[string]utilities.OHLCVBar{"AAA": bar(50.5, 49, 49.5)},
		map[string]strategy.IndicatorRow{"AAA": row})

	pos := e.Shorts["AAA"]
	require.NotNil(t, pos)
	require.Equal(t, 300, pos.TotalUnits()) // 10000 * 0.6 / 20
	require.InDelta(t, 2500.0, e.Cash, 1e-9)
	require.InDelta(t, 90.0, pos.StopPrice, 1e-12)

	step(t, e, 1,
		map[string]utilities.OHLCVBar{"AAA": bar(92, 80, 85)},
		map[string]strategy.IndicatorRow{"AAA": nanRow()})

	assert.Empty(t, e.Shorts)
	assert.Zero(t, e.Cash) // exactly zero, the sanctioned floor
	last := e.TradeLog[len(e.TradeLog)-1]
	assert.InDelta(t, -10000.0, last.PnL, 1e-9) // capped from -12000
	for _, p := range e.EquityCurve {
		assert.GreaterOrEqual(t, p.Cash, 0.0)
	}
}

func TestWhipsawSuppressionAcrossCycles(t *testing.T) {
	e := newTestEngine(10000, func(cfg *utilities.TradingConfig) {
		cfg.EnableShorts = false
	})

	// Cycle 0: System 1 long entry at 100.
	step(t, e, 0,
		map[string]utilities.OHLCVBar{"AAA": bar(101, 99, 100)},
		map[string]strategy.IndicatorRow{"AAA": longBreakoutRow(100, 2.0)})
	require.Contains(t, e.Longs, "AAA")

	// Cycle 1: profitable channel exit above entry.
	row := nanRow()
	row.ExitLowS1 = 106
	step(t, e, 1,
		map[string]utilities.OHLCVBar{"AAA": bar(107, 104, 105)},
		map[string]strategy.IndicatorRow{"AAA": row})
	require.Empty(t, e.Longs)
	require.True(t, e.Whipsaw.Suppressed("AAA", strategy.SideLong))

	// Cycle 2: fresh breakout is suppressed.
	step(t, e, 2,
		map[string]utilities.OHLCVBar{"AAA": bar(112, 108, 111)},
		map[string]strategy.IndicatorRow{"AAA": longBreakoutRow(110, 2.0)})
	assert.Empty(t, e.Longs)

	// Cycle 3: price crosses the opposite channel, clearing the block.
	resetRow := nanRow()
	resetRow.EntryLowS1 = 100
	step(t, e, 3,
		map[string]utilities.OHLCVBar{"AAA": bar(101, 99, 100.2)},
		map[string]strategy.IndicatorRow{"AAA": resetRow})
	require.False(t, e.Whipsaw.Suppressed("AAA", strategy.SideLong))

	// Cycle 4: the same breakout now fills.
	step(t, e, 4,
		map[string]utilities.OHLCVBar{"AAA": bar(112, 108, 111)},
		map[string]strategy.IndicatorRow{"AAA": longBreakoutRow(110, 2.0)})
	assert.Contains(t, e.Longs, "AAA")
}

func TestMaxPositionsCap(t *testing.T) {
	e := newTestEngine(100000, func(cfg *utilities.TradingConfig) {
		cfg.MaxPositions = 1
	})

	bars := map[string]utilities.OHLCVBar{
		"AAA": bar(101, 99, 100.5),
		"BBB": bar(51, 49, 50.5),
	}
	rows := map[string]strategy.IndicatorRow{
		"AAA": longBreakoutRow(100, 2.0),
		"BBB": longBreakoutRow(50, 1.0),
	}
	step(t, e, 0, bars, rows)

	assert.Equal(t, 1, e.OpenPositionCount())
}

func TestNegativeCashAbortsStep(t *testing.T) {
	e := newTestEngine(1000, nil)
	e.Cash = -5
	err := e.Step(day(0), map[string]utilities.OHLCVBar{}, map[string]strategy.IndicatorRow{})
	assert.ErrorIs(t, err, strategy.ErrNegativeCash)
}

func TestEquityMarksShortsAsMarginPlusPnL(t *testing.T) {
	e := newTestEngine(10000, func(cfg *utilities.TradingConfig) {
		cfg.RiskPerUnitPct = 0.06
	})
	row := nanRow()
	row.N = 3.0
	row.EntryLowS1 = 50
	step(t, e, 0,
		map[string]utilities.OHLCVBar{"AAA": bar(50.5, 49, 49.5)},
		map[string]strategy.IndicatorRow{"AAA": row})

	// cash 5000 + margin 5000 + 200 * (50 - 45) unrealized
	assert.InDelta(t, 11000.0, e.Equity(map[string]float64{"AAA": 45}), 1e-9)
	// missing quote falls back to the last close the engine saw
	assert.InDelta(t, 5000+5000+200*(50-49.5), e.Equity(nil), 1e-9)
}

func TestMissingBarSkipsTicker(t *testing.T) {
	e := newTestEngine(10000, nil)
	step(t, e, 0,
		map[string]utilities.OHLCVBar{"AAA": bar(101, 99, 100)},
		map[string]strategy.IndicatorRow{"AAA": longBreakoutRow(100, 2.0)})
	require.Contains(t, e.Longs, "AAA")
	stop := e.Longs["AAA"].StopPrice

	// No bar for AAA this cycle: the position is left untouched.
	step(t, e, 1, map[string]utilities.OHLCVBar{}, map[string]strategy.IndicatorRow{})
	require.Contains(t, e.Longs, "AAA")
	assert.Equal(t, stop, e.Longs["AAA"].StopPrice)

	// A NaN close is treated the same as a missing bar.
	badBar := bar(math.NaN(), math.NaN(), math.NaN())
	step(t, e, 2,
		map[string]utilities.OHLCVBar{"AAA": badBar},
		map[string]strategy.IndicatorRow{"AAA": nanRow()})
	assert.Contains(t, e.Longs, "AAA")
}

func TestSameSeedSameDecisions(t *testing.T) {
	run := func() []strategy.Trade {
		e := newTestEngine(6000, nil)
		bars := map[string]utilities.OHLCVBar{
			"AAA": bar(101, 99, 100.5),
			"BBB": bar(101, 99, 100.5),
			"CCC": bar(101, 99, 100.5),
		}
		rows := map[string]strategy.IndicatorRow{
			"AAA": longBreakoutRow(100, 2.0),
			"BBB": longBreakoutRow(100, 2.0),
			"CCC": longBreakoutRow(100, 2.0),
		}
		require.NoError(t, e.Step(day(0), bars, rows))
		return e.TradeLog
	}

	first := run()
	second := run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Ticker, second[i].Ticker)
	}
}
