// File: pkg/app/app.go
package app

import (
	"Shellback/dataprovider"
	"Shellback/dataprovider/alpacamd"
	"Shellback/notification/slack"
	"Shellback/pkg/broker"
	alpacaBroker "Shellback/pkg/broker/alpaca"
	"Shellback/strategy"
	"Shellback/utilities"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"
)

// TradingState carries everything the live loop needs between cycles.
type TradingState struct {
	broker      broker.Broker
	data        dataprovider.DataProvider
	orders      *OrderManager
	slackClient *slack.Client
	cache       *dataprovider.SQLiteCache
	logger      *utilities.Logger
	config      *utilities.AppConfig
	state       *BotState
	whipsaw     *strategy.WhipsawFilter
	statePath   string
	stateMutex  sync.RWMutex
}

// Run performs pre-flight checks, reconciles persisted state against the
// broker, then drives the trading loop until ctx is canceled.
func Run(ctx context.Context, cfg *utilities.AppConfig, logger *utilities.Logger) error {
	if len(cfg.Trading.Tickers) == 0 {
		return errors.New("pre-flight check failed: no tickers configured")
	}
	if cfg.Orders.PollIntervalSec <= 0 {
		return errors.New("pre-flight check failed: orders.poll_interval_sec must be a positive integer")
	}
	utilities.ApplyTradingDefaults(&cfg.Trading)

	slackClient := slack.NewClient(cfg.Slack, logger)
	slackClient.SendMessage(":turtle: *Shellback starting up*")
	defer slackClient.SendMessage(":octagonal_sign: *Shellback shutting down*")

	logger.LogInfo("AppRun: starting pre-flight checks...")

	cache, err := dataprovider.NewSQLiteCache(cfg.DB, logger)
	if err != nil {
		return fmt.Errorf("pre-flight check failed: sqlite cache init failed: %w", err)
	}
	defer cache.Close()
	cache.StartScheduledCleanup(ctx, 24*time.Hour, "alpaca", 400)

	sharedHTTPClient := &http.Client{Timeout: 15 * time.Second}

	adapter, err := alpacaBroker.NewAdapter(&cfg.Alpaca, sharedHTTPClient, logger)
	if err != nil {
		return fmt.Errorf("pre-flight check failed: could not initialize Alpaca adapter: %w", err)
	}
	account, err := adapter.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("pre-flight check failed: could not reach Alpaca account. Check API keys: %w", err)
	}
	logger.LogInfo("Pre-Flight: broker verification passed. Equity: %.2f, cash: %.2f.", account.Equity, account.Cash)

	dataClient := alpacamd.NewClient(&cfg.Alpaca, sharedHTTPClient, logger, cache)
	warmup := strategy.WarmupBars(cfg.Trading) + 10
	for _, ticker := range cfg.Trading.Tickers {
		if err := dataClient.PrimeHistoricalData(ctx, ticker, warmup); err != nil {
			logger.LogWarn("Pre-Flight: priming %s failed: %v. The ticker will be retried each cycle.", ticker, err)
		}
	}

	statePath := cfg.Orders.StateFilePath
	if statePath == "" {
		statePath = "shellback_state.json"
	}
	state, err := LoadState(statePath)
	if err != nil {
		return fmt.Errorf("pre-flight check failed: %w", err)
	}
	logger.LogInfo("AppRun: loaded %d long, %d short position(s) and %d pending order(s).",
		len(state.LongPositions), len(state.ShortPositions), len(state.PendingOrders))

	orderMgr := NewOrderManager(adapter, logger, cfg.Orders)
	if err := orderMgr.ReconcileStartup(ctx, state); err != nil {
		return err
	}
	if err := SaveState(statePath, state); err != nil {
		return fmt.Errorf("failed to persist reconciled state: %w", err)
	}

	whipsaw := strategy.NewWhipsawFilter()
	whipsaw.Restore(state.LastTradeWasWin)

	StartMetricsServer(ctx, cfg.Metrics, logger)

	ts := &TradingState{
		broker:      adapter,
		data:        dataClient,
		orders:      orderMgr,
		slackClient: slackClient,
		cache:       cache,
		logger:      logger,
		config:      cfg,
		state:       state,
		whipsaw:     whipsaw,
		statePath:   statePath,
	}

	loopInterval := time.Duration(cfg.Orders.PollIntervalSec) * time.Second
	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	logger.LogInfo("AppRun: pre-flight checks complete. Trading loop every %s.", loopInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := processTradingCycle(ctx, ts, time.Now().UTC()); err != nil {
				metricCycleErrors.Inc()
				logger.LogError("AppRun: trading cycle failed: %v", err)
				ts.slackClient.SendMessage(fmt.Sprintf(":warning: trading cycle failed: %v", err))
			}
		}
	}
}

// isMarketDay gates cycles to weekdays; exchange holidays fall out
// naturally because no new bar appears.
func isMarketDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// tickerContext is one ticker's data for the current cycle.
type tickerContext struct {
	bar utilities.OHLCVBar
	row strategy.IndicatorRow
}

func processTradingCycle(ctx context.Context, s *TradingState, now time.Time) error {
	metricCycles.Inc()
	if !isMarketDay(now) {
		s.logger.LogDebug("Cycle: %s is not a market day, skipping.", now.Format("2006-01-02"))
		return nil
	}

	// Resolve fills first so freed capital and closed slots are visible to
	// everything downstream in the same cycle.
	for _, fill := range s.orders.ResolvePending(ctx, s.state) {
		applyFill(s, fill)
	}

	var account broker.Account
	retry := utilities.RetryPolicy{MaxAttempts: 3, InitialDelay: 2 * time.Second, BackoffFactor: 2}
	err := utilities.DoWithRetry(ctx, retry, func() error {
		var accErr error
		account, accErr = s.broker.GetAccount(ctx)
		return accErr
	})
	if err != nil {
		return fmt.Errorf("could not fetch account: %w", err)
	}
	metricAccountEquity.Set(account.Equity)

	contexts, err := s.fetchTickerContexts(ctx, now)
	if err != nil {
		return err
	}

	tickers := make([]string, 0, len(contexts))
	for t := range contexts {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	for _, t := range tickers {
		s.whipsaw.MaybeReset(t, contexts[t].bar, contexts[t].row)
	}

	s.processExits(ctx, contexts, tickers)
	s.processPyramids(ctx, contexts, tickers, account.Equity)
	s.updateEntryQueue(contexts, tickers)
	s.processEntryQueue(ctx, account.Equity)

	s.stateMutex.Lock()
	s.state.LastTradeWasWin = s.whipsaw.Snapshot()
	metricOpenPositions.Set(float64(s.state.OpenPositionCount()))
	metricPendingOrders.Set(float64(len(s.state.PendingOrders)))
	err = SaveState(s.statePath, s.state)
	s.stateMutex.Unlock()
	return err
}

// fetchTickerContexts pulls recent daily bars and computes the indicator
// row for every configured ticker. The row is aligned to the latest
// completed bar, so a breakout on that bar registers against the channel
// of the bars before it. Tickers with missing or invalid data are skipped
// for the cycle, never treated as zero.
func (s *TradingState) fetchTickerContexts(ctx context.Context, now time.Time) (map[string]tickerContext, error) {
	warmup := strategy.WarmupBars(s.config.Trading)
	start := now.AddDate(0, 0, -(warmup*7/5 + 20))

	contexts := make(map[string]tickerContext)
	for _, ticker := range s.config.Trading.Tickers {
		bars, err := s.data.GetBars(ctx, ticker, start, now)
		if err != nil {
			s.logger.LogWarn("Cycle: no bars for %s, skipping: %v", ticker, err)
			continue
		}
		latest := bars[len(bars)-1]
		if !utilities.IsValidPrice(latest.Close) {
			s.logger.LogWarn("Cycle: invalid latest close for %s, skipping.", ticker)
			continue
		}
		row, err := strategy.SignalRow(bars, s.config.Trading)
		if err != nil {
			s.logger.LogDebug("Cycle: indicators not warm for %s: %v", ticker, err)
			continue
		}
		contexts[ticker] = tickerContext{bar: latest, row: row}
	}
	if len(contexts) == 0 {
		return nil, errors.New("no ticker produced usable data this cycle")
	}
	return contexts, nil
}

func (s *TradingState) processExits(ctx context.Context, contexts map[string]tickerContext, tickers []string) {
	for _, side := range []strategy.Side{strategy.SideLong, strategy.SideShort} {
		for _, ticker := range tickers {
			pos, ok := s.state.PositionFor(ticker, side)
			if !ok || s.state.HasPendingFor(ticker) {
				continue
			}
			tc := contexts[ticker]
			price, reason, exit := strategy.EvaluateExit(pos, tc.bar, tc.row)
			if !exit {
				continue
			}
			po := PendingOrder{
				Ticker:  ticker,
				Side:    side,
				System:  pos.System,
				Purpose: PurposeExit,
				Qty:     pos.TotalUnits(),
				Price:   price,
				N:       tc.row.N,
				Reason:  reason,
			}
			if err := s.orders.Place(ctx, s.state, s.statePath, po); err != nil {
				s.logger.LogError("Cycle: exit order for %s failed: %v", ticker, err)
				continue
			}
			metricOrdersPlaced.WithLabelValues(PurposeExit).Inc()
		}
	}
}

func (s *TradingState) processPyramids(ctx context.Context, contexts map[string]tickerContext, tickers []string, equity float64) {
	cfg := s.config.Trading
	for _, side := range []strategy.Side{strategy.SideLong, strategy.SideShort} {
		for _, ticker := range tickers {
			pos, ok := s.state.PositionFor(ticker, side)
			if !ok || s.state.HasPendingFor(ticker) {
				continue
			}
			tc := contexts[ticker]
			price, add := strategy.EvaluatePyramid(pos, tc.bar, cfg.PyramidSpacing, cfg.MaxUnits)
			if !add {
				continue
			}
			qty := strategy.UnitSize(equity, cfg.RiskPerUnitPct, tc.row.N)
			if qty <= 0 {
				s.logger.LogDebug("Cycle: pyramid for %s sized to zero, skipping.", ticker)
				continue
			}
			po := PendingOrder{
				Ticker:  ticker,
				Side:    side,
				System:  pos.System,
				Purpose: PurposePyramid,
				Qty:     qty,
				Price:   price,
				N:       tc.row.N,
			}
			if err := s.orders.Place(ctx, s.state, s.statePath, po); err != nil {
				s.logger.LogError("Cycle: pyramid order for %s failed: %v", ticker, err)
				continue
			}
			metricOrdersPlaced.WithLabelValues(PurposePyramid).Inc()
		}
	}
}

// updateEntryQueue regenerates the queue of breakout candidates from this
// cycle's indicators. System 2 signals sort ahead of System 1; within a
// system, candidates closer to their channel come first. Tickers that left
// the configured universe drop out because the queue is rebuilt from it.
func (s *TradingState) updateEntryQueue(contexts map[string]tickerContext, tickers []string) {
	cfg := s.config.Trading
	var systems []strategy.System
	if cfg.EnableSystem2 {
		systems = append(systems, strategy.System2)
	}
	if cfg.EnableSystem1 {
		systems = append(systems, strategy.System1)
	}

	var queue []QueuedSignal
	seen := make(map[string]bool)
	for _, system := range systems {
		for _, ticker := range tickers {
			if _, long := s.state.PositionFor(ticker, strategy.SideLong); long {
				continue
			}
			if _, short := s.state.PositionFor(ticker, strategy.SideShort); short {
				continue
			}
			tc := contexts[ticker]
			sig, ok := strategy.EvaluateEntry(ticker, tc.bar, tc.row, system, cfg, s.whipsaw)
			if !ok {
				continue
			}
			// System 2 ran first, so its claim on a ticker+side wins.
			key := strategy.WhipsawKey(ticker, sig.Side)
			if seen[key] {
				continue
			}
			seen[key] = true
			queue = append(queue, QueuedSignal{
				Ticker:    ticker,
				Side:      sig.Side,
				System:    sig.System,
				Price:     sig.Price,
				N:         tc.row.N,
				Proximity: math.Abs(tc.bar.Close-sig.Price) / sig.Price,
			})
		}
	}
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].System != queue[j].System {
			return queue[i].System > queue[j].System
		}
		return queue[i].Proximity < queue[j].Proximity
	})
	s.state.EntryQueue = queue
	if len(queue) > 0 {
		s.logger.LogInfo("Cycle: entry queue holds %d candidate(s).", len(queue))
	}
}

// processEntryQueue turns queued candidates into orders, best candidates
// first, until the position cap or sizing stops it. Current prices are
// fetched in one batch; a ticker without a quote is skipped this cycle.
func (s *TradingState) processEntryQueue(ctx context.Context, equity float64) {
	if len(s.state.EntryQueue) == 0 {
		return
	}
	cfg := s.config.Trading

	tickersToFetch := make([]string, 0, len(s.state.EntryQueue))
	for _, sig := range s.state.EntryQueue {
		tickersToFetch = append(tickersToFetch, sig.Ticker)
	}
	prices, err := s.data.GetCurrentPricesBatch(ctx, tickersToFetch)
	if err != nil {
		s.logger.LogWarn("Cycle: batch price fetch failed, entry queue deferred: %v", err)
		return
	}

	for _, sig := range s.state.EntryQueue {
		if s.state.HasPendingFor(sig.Ticker) {
			continue
		}
		if cfg.MaxPositions > 0 && s.state.OpenPositionCount()+len(s.state.PendingOrders) >= cfg.MaxPositions {
			s.logger.LogDebug("Cycle: max positions reached, remaining queue deferred.")
			return
		}
		if _, ok := prices[sig.Ticker]; !ok {
			s.logger.LogDebug("Cycle: no current quote for %s, deferring its entry.", sig.Ticker)
			continue
		}
		qty := strategy.UnitSize(equity, cfg.RiskPerUnitPct, sig.N)
		if qty <= 0 {
			s.logger.LogDebug("Cycle: entry for %s sized to zero, skipping.", sig.Ticker)
			continue
		}
		po := PendingOrder{
			Ticker:  sig.Ticker,
			Side:    sig.Side,
			System:  sig.System,
			Purpose: PurposeEntry,
			Qty:     qty,
			Price:   sig.Price,
			N:       sig.N,
		}
		if err := s.orders.Place(ctx, s.state, s.statePath, po); err != nil {
			s.logger.LogError("Cycle: entry order for %s failed: %v", sig.Ticker, err)
			continue
		}
		metricOrdersPlaced.WithLabelValues(PurposeEntry).Inc()
	}
}

// applyFill routes a terminal order back into position state. Partial
// fills count for whatever quantity actually executed.
func applyFill(s *TradingState, fill FillResult) {
	po := fill.Order
	cfg := s.config.Trading

	if fill.FilledQty <= 0 {
		s.logger.LogInfo("Fill: order %s for %s ended %s with no fill.", po.OrderID, po.Ticker, fill.Status)
		return
	}
	price := fill.AvgPrice
	if !utilities.IsValidPrice(price) {
		price = po.Price
	}
	metricOrdersFilled.WithLabelValues(po.Purpose).Inc()

	switch po.Purpose {
	case PurposeEntry:
		unit := strategy.PyramidUnit{
			Units:      fill.FilledQty,
			EntryPrice: price,
			EntryN:     po.N,
			EntryValue: float64(fill.FilledQty) * price,
			EntryTime:  time.Now().UTC(),
			OrderID:    po.OrderID,
		}
		pos, err := strategy.NewPosition(po.Ticker, po.Side, po.System, unit, cfg.StopMultiple)
		if err != nil {
			s.logger.LogError("Fill: could not open position for %s: %v", po.Ticker, err)
			return
		}
		s.state.SetPosition(pos)
		s.logger.LogInfo("Fill: opened %s %s, %d units @ %.2f, stop %.2f.",
			po.Side, po.Ticker, fill.FilledQty, price, pos.StopPrice)
		s.slackClient.SendSummary(fmt.Sprintf("Entered %s %s", po.Side, po.Ticker), map[string]string{
			"Units": fmt.Sprintf("%d @ %.2f", fill.FilledQty, price),
			"Stop":  fmt.Sprintf("%.2f", pos.StopPrice),
		})

	case PurposePyramid:
		pos, ok := s.state.PositionFor(po.Ticker, po.Side)
		if !ok {
			s.logger.LogError("Fill: pyramid fill for %s but no open position.", po.Ticker)
			return
		}
		unit := strategy.PyramidUnit{
			Units:      fill.FilledQty,
			EntryPrice: price,
			EntryN:     po.N,
			EntryValue: float64(fill.FilledQty) * price,
			EntryTime:  time.Now().UTC(),
			OrderID:    po.OrderID,
		}
		if err := pos.AddUnit(unit, cfg.StopMultiple, cfg.MaxUnits, cfg.UseLatestN); err != nil {
			s.logger.LogError("Fill: could not add unit to %s: %v", po.Ticker, err)
			return
		}
		s.logger.LogInfo("Fill: pyramided %s %s to %d units, stop now %.2f.",
			po.Side, po.Ticker, len(pos.Units), pos.StopPrice)
		s.slackClient.SendSummary(fmt.Sprintf("Pyramided %s %s", po.Side, po.Ticker), map[string]string{
			"Units": fmt.Sprintf("+%d @ %.2f (level %d)", fill.FilledQty, price, len(pos.Units)),
			"Stop":  fmt.Sprintf("%.2f", pos.StopPrice),
		})

	case PurposeExit:
		pos, ok := s.state.PositionFor(po.Ticker, po.Side)
		if !ok {
			s.logger.LogError("Fill: exit fill for %s but no open position.", po.Ticker)
			return
		}
		pnl := pos.RealizedPnL(price)
		if fill.FilledQty >= pos.TotalUnits() {
			if pos.System == strategy.System1 {
				s.whipsaw.Record(po.Ticker, po.Side, pnl > 0)
			}
			s.state.RemovePosition(po.Ticker, po.Side)
			s.logger.LogInfo("Fill: closed %s %s @ %.2f (%s), P&L %.2f.",
				po.Side, po.Ticker, price, po.Reason, pnl)
			s.slackClient.SendSummary(fmt.Sprintf("Exited %s %s", po.Side, po.Ticker), map[string]string{
				"Price":  fmt.Sprintf("%.2f", price),
				"Reason": po.Reason,
				"P&L":    fmt.Sprintf("%.2f", pnl),
			})
		} else {
			shrinkPosition(pos, pos.TotalUnits()-fill.FilledQty)
			s.logger.LogWarn("Fill: partial exit for %s, %d units remain. Exit will re-arm next cycle.",
				po.Ticker, pos.TotalUnits())
		}
	}
}

// shrinkPosition trims units from the most recent entries first until the
// position holds remaining shares. A straddled record is replaced with a
// smaller copy rather than edited, keeping appended records themselves
// immutable; a partial exit is the one sanctioned shrink path.
func shrinkPosition(pos *strategy.Position, remaining int) {
	excess := pos.TotalUnits() - remaining
	for excess > 0 && len(pos.Units) > 0 {
		last := pos.Units[len(pos.Units)-1]
		if last.Units <= excess {
			excess -= last.Units
			pos.Units = pos.Units[:len(pos.Units)-1]
			continue
		}
		trimmed := last
		trimmed.Units -= excess
		trimmed.EntryValue = float64(trimmed.Units) * trimmed.EntryPrice
		pos.Units[len(pos.Units)-1] = trimmed
		excess = 0
	}
}
