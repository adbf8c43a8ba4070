package strategy

import (
	"fmt"
	"sort"
	"time"

	"Shellback/utilities"
)

// BacktestResult summarizes one historical simulation.
type BacktestResult struct {
	Seed        int64             `json:"seed"`
	InitialCash float64           `json:"initial_cash"`
	FinalEquity float64           `json:"final_equity"`
	NetProfit   float64           `json:"net_profit"`
	Report      PerformanceReport `json:"report"`
	Trades      []Trade           `json:"-"`
	EquityCurve []EquityPoint     `json:"-"`
}

// RunBacktest replays daily bars for every ticker through a fresh portfolio
// engine. Bars are keyed by ticker and may cover different date ranges; a
// ticker simply sits out the days it has no bar for.
func RunBacktest(data map[string][]utilities.OHLCVBar, trading utilities.TradingConfig, bt utilities.BacktestConfig, logger *utilities.Logger) (BacktestResult, error) {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
	}
	if len(data) == 0 {
		return BacktestResult{}, fmt.Errorf("no bar data supplied")
	}

	start, end, err := parseDateRange(bt)
	if err != nil {
		return BacktestResult{}, err
	}

	// Per-ticker indicator series, index-aligned with the sorted bars.
	type tickerSeries struct {
		bars []utilities.OHLCVBar
		rows []IndicatorRow
		idx  map[int64]int
	}
	series := make(map[string]*tickerSeries, len(data))
	dateSet := make(map[int64]struct{})
	for ticker, bars := range data {
		sorted := make([]utilities.OHLCVBar, len(bars))
		copy(sorted, bars)
		utilities.SortBarsByTimestamp(sorted)
		ts := &tickerSeries{
			bars: sorted,
			rows: ComputeIndicators(sorted, trading),
			idx:  make(map[int64]int, len(sorted)),
		}
		for i, b := range sorted {
			ts.idx[b.Timestamp] = i
			if inRange(b.Timestamp, start, end) {
				dateSet[b.Timestamp] = struct{}{}
			}
		}
		series[ticker] = ts
	}

	dates := make([]int64, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })
	if len(dates) == 0 {
		return BacktestResult{}, fmt.Errorf("no bars within the requested date range")
	}

	engine := NewPortfolioEngine(trading, logger, bt.InitialCash, bt.Seed)
	logger.LogInfo("backtest: %d tickers, %d trading days, cash %.2f, seed %d",
		len(series), len(dates), bt.InitialCash, bt.Seed)

	for _, ts := range dates {
		day := time.UnixMilli(ts).UTC()
		bars := make(map[string]utilities.OHLCVBar)
		rows := make(map[string]IndicatorRow)
		for ticker, s := range series {
			if i, ok := s.idx[ts]; ok {
				bars[ticker] = s.bars[i]
				rows[ticker] = s.rows[i]
			}
		}
		if err := engine.Step(day, bars, rows); err != nil {
			return BacktestResult{}, fmt.Errorf("backtest aborted on %s: %w", day.Format("2006-01-02"), err)
		}
	}

	finalEquity := engine.Equity(nil)
	result := BacktestResult{
		Seed:        bt.Seed,
		InitialCash: bt.InitialCash,
		FinalEquity: finalEquity,
		NetProfit:   finalEquity - bt.InitialCash,
		Report:      Summarize(bt.InitialCash, engine.TradeLog, engine.EquityCurve),
		Trades:      engine.TradeLog,
		EquityCurve: engine.EquityCurve,
	}
	logger.LogInfo("backtest complete: final equity %.2f, net %.2f, trades %d, max drawdown %.2f%%",
		result.FinalEquity, result.NetProfit, result.Report.TotalTrades, result.Report.MaxDrawdownPct)
	return result, nil
}

func parseDateRange(bt utilities.BacktestConfig) (start, end int64, err error) {
	start, end = 0, 1<<62
	if bt.StartDate != "" {
		t, perr := time.Parse("2006-01-02", bt.StartDate)
		if perr != nil {
			return 0, 0, fmt.Errorf("invalid start_date %q: %w", bt.StartDate, perr)
		}
		start = t.UnixMilli()
	}
	if bt.EndDate != "" {
		t, perr := time.Parse("2006-01-02", bt.EndDate)
		if perr != nil {
			return 0, 0, fmt.Errorf("invalid end_date %q: %w", bt.EndDate, perr)
		}
		end = t.AddDate(0, 0, 1).UnixMilli() - 1
	}
	return start, end, nil
}

func inRange(ts, start, end int64) bool {
	return ts >= start && ts <= end
}
