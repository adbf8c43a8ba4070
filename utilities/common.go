package utilities

import (
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"strings"
	"time"
)

// LogLevel defines the severity of a log message.
type LogLevel int

// Logging Level
const (
	Debug LogLevel = iota
	Info
	Warn
	Error
	Fatal
)

// Colors.
const (
	ColorReset  = "\033[0m"
	ColorYellow = "\033[93m" // For tickers
	ColorCyan   = "\033[96m" // For long entries
	ColorRed    = "\033[91m" // For short entries and exits
	ColorWhite  = "\033[97m" // For neutral status lines
)

// --- Global Logger ---
var globalLogger = NewLogger(Info) // Default to Info

// --- Types (Alphabetized) ---

// AlpacaConfig holds credentials and connection settings for the Alpaca API.
type AlpacaConfig struct {
	APIKey            string `mapstructure:"api_key"`
	APISecret         string `mapstructure:"api_secret"`
	BaseURL           string `mapstructure:"base_url"`
	DataBaseURL       string `mapstructure:"data_base_url"`
	MaxRetries        int    `mapstructure:"max_retries"`
	Paper             bool   `mapstructure:"paper"`
	RateLimitBurst    int    `mapstructure:"rate_limit_burst"`
	RateLimitPerSec   int    `mapstructure:"rate_limit_per_sec"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec"`
	RetryDelaySec     int    `mapstructure:"retry_delay_sec"`
}

// AppConfig is the root configuration structure, holding all other config sections.
type AppConfig struct {
	AppName     string         `mapstructure:"app_name"`
	Version     string         `mapstructure:"version"`
	Environment string         `mapstructure:"environment"`
	Alpaca      AlpacaConfig   `mapstructure:"alpaca"`
	Backtest    BacktestConfig `mapstructure:"backtest"`
	DB          DatabaseConfig `mapstructure:"database"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
	Orders      OrdersConfig   `mapstructure:"orders"`
	Slack       SlackConfig    `mapstructure:"slack"`
	Sweep       SweepConfig    `mapstructure:"sweep"`
	Trading     TradingConfig  `mapstructure:"trading"`
}

// BacktestConfig holds settings for historical simulations.
type BacktestConfig struct {
	DataDir     string  `mapstructure:"data_dir"`
	EndDate     string  `mapstructure:"end_date"`
	InitialCash float64 `mapstructure:"initial_cash"`
	Seed        int64   `mapstructure:"seed"`
	StartDate   string  `mapstructure:"start_date"`
}

// DatabaseConfig holds settings for the bar cache database.
type DatabaseConfig struct {
	DBPath string `mapstructure:"database_path"`
}

// Logger provides a structured logger with different levels.
type Logger struct {
	Level  LogLevel
	Logger *log.Logger
}

// NewLogger creates a new Logger instance.
func NewLogger(level LogLevel) *Logger {
	return &Logger{
		Level:  level,
		Logger: log.New(os.Stdout, "[Shellback] ", log.Ldate|log.Ltime|log.Lshortfile),
	}
}

// LogDebug logs a message at Debug level.
func (l *Logger) LogDebug(format string, v ...interface{}) {
	if l.Level <= Debug {
		_ = l.Logger.Output(2, fmt.Sprintf("[DEBUG] "+format, v...))
	}
}

// LogError logs a message at Error level.
func (l *Logger) LogError(format string, v ...interface{}) {
	if l.Level <= Error {
		_ = l.Logger.Output(2, fmt.Sprintf("[ERROR] "+format, v...))
	}
}

// LogFatal logs a message at Fatal level and then calls os.Exit(1).
func (l *Logger) LogFatal(format string, v ...interface{}) {
	_ = l.Logger.Output(2, fmt.Sprintf("[FATAL] "+format, v...))
	os.Exit(1)
}

// LogInfo logs a message at Info level.
func (l *Logger) LogInfo(format string, v ...interface{}) {
	if l.Level <= Info {
		_ = l.Logger.Output(2, fmt.Sprintf("[INFO] "+format, v...))
	}
}

// LogWarn logs a message at Warn level.
func (l *Logger) LogWarn(format string, v ...interface{}) {
	if l.Level <= Warn {
		_ = l.Logger.Output(2, fmt.Sprintf("[WARN] "+format, v...))
	}
}

// SetLogLevel updates the logging level of the logger.
func (l *Logger) SetLogLevel(level LogLevel) {
	l.Level = level
}

// LoggingConfig holds settings related to logging.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	LogToFile   bool   `mapstructure:"log_to_file"`
	LogFilePath string `mapstructure:"log_file_path"`
}

// MetricsConfig holds settings for the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// OHLCVBar represents a single Open, High, Low, Close, Volume data point.
type OHLCVBar struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Date returns the bar's timestamp as a UTC time.
func (b OHLCVBar) Date() time.Time {
	return time.UnixMilli(b.Timestamp).UTC()
}

// OrdersConfig holds settings for live order placement and tracking.
type OrdersConfig struct {
	EntrySlippagePct  float64 `mapstructure:"entry_slippage_pct"`
	ExitSlippagePct   float64 `mapstructure:"exit_slippage_pct"`
	PlacingTimeoutSec int     `mapstructure:"placing_timeout_sec"`
	PollIntervalSec   int     `mapstructure:"poll_interval_sec"`
	StateFilePath     string  `mapstructure:"state_file_path"`
	TimeInForce       string  `mapstructure:"time_in_force"`
}

// RetryPolicy bounds a retried operation.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
}

// SlackConfig holds settings for sending notifications via Slack.
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// SweepConfig holds settings for seed sweeps over the backtester.
type SweepConfig struct {
	OutputPath string `mapstructure:"output_path"`
	Seeds      int    `mapstructure:"seeds"`
	Workers    int    `mapstructure:"workers"`
}

// TradingConfig holds the turtle system parameters shared by backtest and live runs.
type TradingConfig struct {
	Tickers            []string `mapstructure:"tickers"`
	RiskPerUnitPct     float64  `mapstructure:"risk_per_unit_pct"`
	StopMultiple       float64  `mapstructure:"stop_multiple"`
	PyramidSpacing     float64  `mapstructure:"pyramid_spacing"`
	MaxUnits           int      `mapstructure:"max_units"`
	MaxPositions       int      `mapstructure:"max_positions"`
	EnableLongs        bool     `mapstructure:"enable_longs"`
	EnableShorts       bool     `mapstructure:"enable_shorts"`
	EnableSystem1      bool     `mapstructure:"enable_system1"`
	EnableSystem2      bool     `mapstructure:"enable_system2"`
	UseLatestN         bool     `mapstructure:"use_latest_n"`
	UseMargin          bool     `mapstructure:"use_margin"`
	MarginMultiplier   float64  `mapstructure:"margin_multiplier"`
	ShortMarginPct     float64  `mapstructure:"short_margin_pct"`
	ATRPeriod          int      `mapstructure:"atr_period"`
	System1EntryWindow int      `mapstructure:"system1_entry_window"`
	System1ExitWindow  int      `mapstructure:"system1_exit_window"`
	System2EntryWindow int      `mapstructure:"system2_entry_window"`
	System2ExitWindow  int      `mapstructure:"system2_exit_window"`
}

// --- Standalone Functions (Alphabetized) ---

// ApplyTradingDefaults fills zero-valued turtle parameters with the canonical values.
func ApplyTradingDefaults(cfg *TradingConfig) {
	if cfg.RiskPerUnitPct == 0 {
		cfg.RiskPerUnitPct = 0.01
	}
	if cfg.StopMultiple == 0 {
		cfg.StopMultiple = 2.0
	}
	if cfg.PyramidSpacing == 0 {
		cfg.PyramidSpacing = 0.5
	}
	if cfg.MaxUnits == 0 {
		cfg.MaxUnits = 4
	}
	if cfg.MarginMultiplier == 0 {
		cfg.MarginMultiplier = 1.0
	}
	if cfg.ShortMarginPct == 0 {
		cfg.ShortMarginPct = 0.5
	}
	if cfg.ATRPeriod == 0 {
		cfg.ATRPeriod = 20
	}
	if cfg.System1EntryWindow == 0 {
		cfg.System1EntryWindow = 20
	}
	if cfg.System1ExitWindow == 0 {
		cfg.System1ExitWindow = 10
	}
	if cfg.System2EntryWindow == 0 {
		cfg.System2EntryWindow = 55
	}
	if cfg.System2ExitWindow == 0 {
		cfg.System2ExitWindow = 20
	}
}

// FilterAfter returns a subset of items that occur after a given cutoff time.
func FilterAfter[T any](items []T, getTime func(T) time.Time, cutoff time.Time) []T {
	var out []T
	for _, it := range items {
		if getTime(it).After(cutoff) {
			out = append(out, it)
		}
	}
	return out
}

// IsValidPrice reports whether v is a usable price or indicator value.
func IsValidPrice(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// LogDebugF is a package-level convenience function for Debug logging.
func LogDebugF(format string, v ...interface{}) {
	globalLogger.LogDebug(format, v...)
}

// LogInfoF is a package-level convenience function for Info logging.
func LogInfoF(format string, v ...interface{}) {
	globalLogger.LogInfo(format, v...)
}

// LogWarnF is a package-level convenience function for Warn logging.
func LogWarnF(format string, v ...interface{}) {
	globalLogger.LogWarn(format, v...)
}

// MinInt returns the minimum of two integers.
func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ParseLogLevel converts a string log level to the LogLevel type.
func ParseLogLevel(levelStr string) (LogLevel, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn":
		return Warn, nil
	case "error":
		return Error, nil
	case "fatal":
		return Fatal, nil
	default:
		return Info, fmt.Errorf("invalid log level string: %s", levelStr)
	}
}

// SortBarsByTimestamp sorts a slice of OHLCVBar by ascending Timestamp.
func SortBarsByTimestamp(bars []OHLCVBar) {
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp < bars[j].Timestamp
	})
}
