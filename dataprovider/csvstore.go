// File: dataprovider/csvstore.go
package dataprovider

import (
	"Shellback/utilities"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const csvFileSuffix = "_daily.csv"

// LoadCSVDir reads every <TICKER>_daily.csv under dataDir and returns the
// bars keyed by ticker, sorted ascending. When tickers is non-empty only
// those files are loaded; otherwise the whole directory is scanned.
func LoadCSVDir(dataDir string, tickers []string, logger *utilities.Logger) (map[string][]utilities.OHLCVBar, error) {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
	}

	wanted := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		wanted[strings.ToUpper(t)] = true
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory %s: %w", dataDir, err)
	}

	data := make(map[string][]utilities.OHLCVBar)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, csvFileSuffix) {
			continue
		}
		ticker := strings.ToUpper(strings.TrimSuffix(name, csvFileSuffix))
		if len(wanted) > 0 && !wanted[ticker] {
			continue
		}
		bars, err := LoadCSVFile(filepath.Join(dataDir, name))
		if err != nil {
			logger.LogWarn("csvstore: skipping %s: %v", name, err)
			continue
		}
		if len(bars) == 0 {
			logger.LogWarn("csvstore: %s contained no usable bars, skipping.", name)
			continue
		}
		utilities.SortBarsByTimestamp(bars)
		data[ticker] = bars
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("no %s files found in %s", csvFileSuffix, dataDir)
	}
	for _, t := range tickers {
		if _, ok := data[strings.ToUpper(t)]; !ok {
			logger.LogWarn("csvstore: no data file for requested ticker %s.", t)
		}
	}
	return data, nil
}

// LoadCSVFile parses a single daily-bar CSV. The header row names the
// columns; timestamp, open, high, low, close and volume are required.
func LoadCSVFile(path string) ([]utilities.OHLCVBar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"timestamp", "open", "high", "low", "close", "volume"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var bars []utilities.OHLCVBar
	line := 1
	for {
		record, err := reader.Read()
		if err != nil {
			break
		}
		line++
		ts, err := parseCSVTimestamp(record[col["timestamp"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bar := utilities.OHLCVBar{Timestamp: ts}
		fields := []struct {
			name string
			dst  *float64
		}{
			{"open", &bar.Open}, {"high", &bar.High}, {"low", &bar.Low},
			{"close", &bar.Close}, {"volume", &bar.Volume},
		}
		bad := false
		for _, fld := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[col[fld.name]]), 64)
			if err != nil {
				bad = true
				break
			}
			*fld.dst = v
		}
		if bad || !utilities.IsValidPrice(bar.Close) {
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseCSVTimestamp(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05-07:00", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().UnixMilli(), nil
		}
	}
	if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// Seconds vs milliseconds, decided by magnitude.
		if epoch < 1e12 {
			epoch *= 1000
		}
		return epoch, nil
	}
	return 0, fmt.Errorf("unparseable timestamp %q", raw)
}
