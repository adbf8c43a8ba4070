package strategy_test

import (
	"testing"

	"Shellback/strategy"
	"Shellback/utilities"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// breakoutHistory builds 40 daily bars: a flat base, a breakout above the
// 20-day channel, a short run-up, then a slide through the protective stop.
func breakoutHistory() []utilities.OHLCVBar {
	bars := flatBars(25, 100, 99, 99.5)
	add := func(high, low, close float64) {
		bars = append(bars, utilities.OHLCVBar{
			Timestamp: dayMillis(len(bars)),
			Open:      close, High: high, Low: low, Close: close, Volume: 1000,
		})
	}
	add(106, 100, 105) // breakout day: channel high is 100
	for i := 0; i < 4; i++ {
		add(104, 102, 103)
	}
	add(103, 97, 98) // trips the stop at 98
	for len(bars) < 40 {
		add(99, 97.5, 98)
	}
	return bars
}

func TestRunBacktestBreakoutRoundTrip(t *testing.T) {
	trading := defaultTradingConfig()
	trading.EnableShorts = false // the slide through the stop also breaks the low channel
	bt := utilities.BacktestConfig{InitialCash: 10000, Seed: 7}
	logger := utilities.NewLogger(utilities.Error)

	result, err := strategy.RunBacktest(map[string][]utilities.OHLCVBar{"AAA": breakoutHistory()}, trading, bt, logger)
	require.NoError(t, err)

	var entry, exit *strategy.Trade
	for i := range result.Trades {
		switch result.Trades[i].Action {
		case strategy.ActionEntry:
			entry = &result.Trades[i]
		case strategy.ActionExit:
			exit = &result.Trades[i]
		}
	}
	require.NotNil(t, entry)
	require.NotNil(t, exit)

	assert.InDelta(t, 100.0, entry.Price, 1e-9) // the channel level
	assert.Equal(t, 100, entry.Units)           // 10000 * 0.01 / N where N = 1
	assert.Equal(t, strategy.SideLong, entry.Side)

	assert.Equal(t, strategy.ExitReasonStop, exit.Reason)
	assert.InDelta(t, 98.0, exit.Price, 1e-9)
	assert.InDelta(t, -200.0, exit.PnL, 1e-9)

	assert.InDelta(t, 9800.0, result.FinalEquity, 1e-6)
	assert.Equal(t, 1, result.Report.TotalTrades)
	require.NotEmpty(t, result.EquityCurve)
	for _, p := range result.EquityCurve {
		assert.GreaterOrEqual(t, p.Cash, 0.0)
	}
}

func TestRunBacktestDeterministicPerSeed(t *testing.T) {
	trading := defaultTradingConfig()
	trading.EnableShorts = false
	bt := utilities.BacktestConfig{InitialCash: 10000, Seed: 11}
	logger := utilities.NewLogger(utilities.Error)
	data := map[string][]utilities.OHLCVBar{"AAA": breakoutHistory()}

	first, err := strategy.RunBacktest(data, trading, bt, logger)
	require.NoError(t, err)
	second, err := strategy.RunBacktest(data, trading, bt, logger)
	require.NoError(t, err)

	assert.Equal(t, first.FinalEquity, second.FinalEquity)
	assert.Equal(t, len(first.Trades), len(second.Trades))
}

func TestRunBacktestInputValidation(t *testing.T) {
	trading := defaultTradingConfig()
	logger := utilities.NewLogger(utilities.Error)

	_, err := strategy.RunBacktest(nil, trading, utilities.BacktestConfig{InitialCash: 10000}, logger)
	assert.Error(t, err)

	_, err = strategy.RunBacktest(
		map[string][]utilities.OHLCVBar{"AAA": breakoutHistory()},
		trading,
		utilities.BacktestConfig{InitialCash: 10000, StartDate: "2030-01-01"},
		logger)
	assert.Error(t, err, "no bars inside the requested range")

	_, err = strategy.RunBacktest(
		map[string][]utilities.OHLCVBar{"AAA": breakoutHistory()},
		trading,
		utilities.BacktestConfig{InitialCash: 10000, StartDate: "not-a-date"},
		logger)
	assert.Error(t, err)
}

func TestSummarizeReport(t *testing.T) {
	curve := []strategy.EquityPoint{
		{Date: day(0), Equity: 10000},
		{Date: day(1), Equity: 12000},
		{Date: day(2), Equity: 9000},
		{Date: day(3), Equity: 11000},
	}
	trades := []strategy.Trade{
		{Action: strategy.ActionEntry},
		{Action: strategy.ActionExit, PnL: 500},
		{Action: strategy.ActionExit, PnL: -300},
	}

	report := strategy.Summarize(10000, trades, curve)
	assert.Equal(t, 2, report.TotalTrades)
	assert.Equal(t, 1, report.WinningTrades)
	assert.Equal(t, 1, report.LosingTrades)
	assert.InDelta(t, 0.5, report.WinRate, 1e-12)
	assert.InDelta(t, 25.0, report.MaxDrawdownPct, 1e-9) // 12000 -> 9000
	assert.InDelta(t, 10.0, report.ReturnPct, 1e-9)
}
