// File: pkg/app/rebuild.go
package app

import (
	"Shellback/dataprovider"
	"Shellback/dataprovider/alpacamd"
	alpacaBroker "Shellback/pkg/broker/alpaca"
	"Shellback/strategy"
	"Shellback/utilities"
	"context"
	"fmt"
	"math"
	"net/http"
	"time"
)

// RebuildState reconstructs the persisted state file from the broker's
// open positions, for recovery when the file is lost or corrupt. Each
// broker position becomes a single-unit position at its average entry
// price; pyramid history cannot be recovered, so the stop is re-derived
// from current N. The operator reviews the result before going live.
func RebuildState(ctx context.Context, cfg *utilities.AppConfig, logger *utilities.Logger) error {
	utilities.ApplyTradingDefaults(&cfg.Trading)

	sharedHTTPClient := &http.Client{Timeout: 15 * time.Second}
	adapter, err := alpacaBroker.NewAdapter(&cfg.Alpaca, sharedHTTPClient, logger)
	if err != nil {
		return fmt.Errorf("rebuild failed: %w", err)
	}

	cache, err := dataprovider.NewSQLiteCache(cfg.DB, logger)
	if err != nil {
		return fmt.Errorf("rebuild failed: sqlite cache init failed: %w", err)
	}
	defer cache.Close()
	dataClient := alpacamd.NewClient(&cfg.Alpaca, sharedHTTPClient, logger, cache)

	positions, err := adapter.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("rebuild failed: could not list broker positions: %w", err)
	}
	logger.LogInfo("Rebuild: broker reports %d open position(s).", len(positions))

	state := NewBotState()
	now := time.Now().UTC()
	warmup := strategy.WarmupBars(cfg.Trading)

	for _, bp := range positions {
		qty := int(math.Abs(bp.Qty))
		if qty == 0 {
			continue
		}
		side := strategy.SideLong
		if bp.Qty < 0 || bp.Side == "short" {
			side = strategy.SideShort
		}

		start := now.AddDate(0, 0, -(warmup*7/5 + 20))
		bars, err := dataClient.GetBars(ctx, bp.Ticker, start, now)
		if err != nil {
			return fmt.Errorf("rebuild failed: no bars for %s to derive N: %w", bp.Ticker, err)
		}
		row, err := strategy.LatestIndicators(bars, cfg.Trading)
		if err != nil {
			return fmt.Errorf("rebuild failed: indicators not warm for %s: %w", bp.Ticker, err)
		}
		if math.IsNaN(row.N) || row.N <= 0 {
			return fmt.Errorf("rebuild failed: no valid N for %s", bp.Ticker)
		}

		unit := strategy.PyramidUnit{
			Units:      qty,
			EntryPrice: bp.AvgEntryPrice,
			EntryN:     row.N,
			EntryValue: float64(qty) * bp.AvgEntryPrice,
			EntryTime:  now,
		}
		// System is unknowable from broker data; System 1 is assumed so the
		// tighter exit channel applies.
		pos, err := strategy.NewPosition(bp.Ticker, side, strategy.System1, unit, cfg.Trading.StopMultiple)
		if err != nil {
			return fmt.Errorf("rebuild failed: could not reconstruct %s: %w", bp.Ticker, err)
		}
		state.SetPosition(pos)
		logger.LogInfo("Rebuild: reconstructed %s %s, %d units @ %.2f, stop %.2f (N %.4f).",
			side, bp.Ticker, qty, bp.AvgEntryPrice, pos.StopPrice, row.N)
	}

	statePath := cfg.Orders.StateFilePath
	if statePath == "" {
		statePath = "shellback_state.json"
	}
	if err := SaveState(statePath, state); err != nil {
		return fmt.Errorf("rebuild failed: could not write %s: %w", statePath, err)
	}
	logger.LogInfo("Rebuild: wrote %s with %d position(s). Review it before restarting live trading.",
		statePath, state.OpenPositionCount())
	return nil
}
