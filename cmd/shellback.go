package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"Shellback/dataprovider"
	"Shellback/pkg/app"
	"Shellback/pkg/sweep"
	"Shellback/strategy"
	"Shellback/utilities"
)

var (
	cfgFile string
	cfg     utilities.AppConfig
	logger  *utilities.Logger
)

// rootCmd represents the base command for the Shellback CLI.
var rootCmd = &cobra.Command{
	Use:   "shellback",
	Short: "Shellback turtle breakout trading bot",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetConfigFile(cfgFile)
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}

		level, err := utilities.ParseLogLevel(cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logger = utilities.NewLogger(level)
		return nil
	},
	// Running the bare binary trades live, same as the live subcommand.
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Run(cmd.Context(), &cfg, logger)
	},
}

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Run the live trading loop against the configured broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Run(cmd.Context(), &cfg, logger)
	},
}

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay the system over local daily CSV data",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := dataprovider.LoadCSVDir(cfg.Backtest.DataDir, cfg.Trading.Tickers, logger)
		if err != nil {
			return err
		}
		result, err := strategy.RunBacktest(data, cfg.Trading, cfg.Backtest, logger)
		if err != nil {
			return err
		}
		printReport(result)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the backtest across many shuffle seeds and aggregate",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := dataprovider.LoadCSVDir(cfg.Backtest.DataDir, cfg.Trading.Tickers, logger)
		if err != nil {
			return err
		}
		agg, err := sweep.Run(cmd.Context(), data, cfg.Trading, cfg.Backtest, cfg.Sweep, logger)
		if err != nil {
			return err
		}
		fmt.Printf("Seeds:            %d\n", agg.Seeds)
		fmt.Printf("Mean final equity %.2f (return %.2f%%)\n", agg.MeanFinal, agg.MeanReturnPct)
		fmt.Printf("Best seed %d:     %.2f\n", agg.BestSeed, agg.MaxFinal)
		fmt.Printf("Worst seed %d:    %.2f\n", agg.WorstSeed, agg.MinFinal)
		fmt.Printf("Std deviation:    %.2f\n", agg.StdDevFinal)
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Reconstruct the state file from the broker's open positions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.RebuildState(cmd.Context(), &cfg, logger)
	},
}

func printReport(result strategy.BacktestResult) {
	r := result.Report
	fmt.Printf("Initial cash:   %.2f\n", result.InitialCash)
	fmt.Printf("Final equity:   %.2f\n", result.FinalEquity)
	fmt.Printf("Net profit:     %.2f (%.2f%%)\n", result.NetProfit, r.ReturnPct)
	fmt.Printf("CAGR:           %.2f%%\n", r.CAGR)
	fmt.Printf("Max drawdown:   %.2f%%\n", r.MaxDrawdownPct)
	fmt.Printf("Trades:         %d (%d wins / %d losses, %.1f%% win rate)\n",
		r.TotalTrades, r.WinningTrades, r.LosingTrades, r.WinRate*100)
	fmt.Printf("Avg win/loss:   %.2f / %.2f\n", r.AvgWin, r.AvgLoss)
}

// Execute runs the root command under the given context.
func Execute(ctx context.Context) {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config/config.json", "config file")
	rootCmd.AddCommand(liveCmd, backtestCmd, sweepCmd, rebuildCmd)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
