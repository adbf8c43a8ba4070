// File: dataprovider/db.go
package dataprovider

import (
	"Shellback/utilities"
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCache persists daily bars locally so restarts and backtests do not
// re-download history the venue has already served.
type SQLiteCache struct {
	db     *sql.DB
	logger *utilities.Logger
}

func NewSQLiteCache(cfg utilities.DatabaseConfig, logger *utilities.Logger) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS daily_bars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		ticker TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		UNIQUE(provider, ticker, timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_provider_ticker_timestamp ON daily_bars (provider, ticker, timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
	}
	return &SQLiteCache{db: db, logger: logger}, nil
}

func (s *SQLiteCache) SaveBar(provider, ticker string, bar utilities.OHLCVBar) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO daily_bars (provider, ticker, timestamp, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		provider, ticker, bar.Timestamp, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
	return err
}

func (s *SQLiteCache) SaveBars(provider, ticker string, bars []utilities.OHLCVBar) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO daily_bars (provider, ticker, timestamp, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, bar := range bars {
		if _, err := stmt.Exec(provider, ticker, bar.Timestamp, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteCache) GetBars(provider, ticker string, start, end int64) ([]utilities.OHLCVBar, error) {
	rows, err := s.db.Query(`SELECT timestamp, open, high, low, close, volume FROM daily_bars WHERE provider=? AND ticker=? AND timestamp BETWEEN ? AND ? ORDER BY timestamp ASC`,
		provider, ticker, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bars []utilities.OHLCVBar
	for rows.Next() {
		var bar utilities.OHLCVBar
		if err := rows.Scan(&bar.Timestamp, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, rows.Err()
}

// LatestTimestamp returns the newest cached bar timestamp for the ticker,
// or 0 when nothing is cached yet.
func (s *SQLiteCache) LatestTimestamp(provider, ticker string) (int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(timestamp) FROM daily_bars WHERE provider=? AND ticker=?`, provider, ticker).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

func (s *SQLiteCache) CleanupOldBars(provider string, olderThan time.Time) error {
	_, err := s.db.Exec(`DELETE FROM daily_bars WHERE provider=? AND timestamp < ?`, provider, olderThan.UnixMilli())
	return err
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}

// StartScheduledCleanup prunes bars older than retentionDays on a fixed
// interval until ctx is canceled.
func (s *SQLiteCache) StartScheduledCleanup(ctx context.Context, interval time.Duration, provider string, retentionDays int) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -retentionDays)
				if err := s.CleanupOldBars(provider, cutoff); err != nil {
					s.logger.LogWarn("SQLiteCache: scheduled cleanup for %s failed: %v", provider, err)
				} else {
					s.logger.LogDebug("SQLiteCache: pruned %s bars older than %s.", provider, cutoff.Format("2006-01-02"))
				}
			}
		}
	}()
}
