// File: pkg/app/metrics.go
package app

import (
	"Shellback/utilities"
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shellback_trading_cycles_total",
		Help: "Number of completed trading cycles.",
	})
	metricCycleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shellback_cycle_errors_total",
		Help: "Number of trading cycles that ended with an error.",
	})
	metricOrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellback_orders_placed_total",
		Help: "Orders submitted to the broker, by purpose.",
	}, []string{"purpose"})
	metricOrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellback_orders_filled_total",
		Help: "Orders that reached a terminal fill, by purpose.",
	}, []string{"purpose"})
	metricOpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shellback_open_positions",
		Help: "Open positions across both sides.",
	})
	metricPendingOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shellback_pending_orders",
		Help: "Orders awaiting a terminal status.",
	})
	metricAccountEquity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shellback_account_equity",
		Help: "Broker-reported account equity in dollars.",
	})
)

// StartMetricsServer exposes /metrics until ctx is canceled. It never
// blocks the trading loop; listen failures are logged and swallowed.
func StartMetricsServer(ctx context.Context, cfg utilities.MetricsConfig, logger *utilities.Logger) {
	if !cfg.Enabled {
		logger.LogInfo("Metrics: disabled by config.")
		return
	}
	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.LogInfo("Metrics: serving /metrics on %s.", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.LogError("Metrics: server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
}
