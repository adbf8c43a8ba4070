// File: dataprovider/dataproviders.go
package dataprovider

import (
	"Shellback/utilities"
	"context"
	"errors"
	"time"
)

// ErrNoData is returned when a provider has no bars or no quote for a ticker.
// Callers treat it as "skip this ticker for the cycle", not as a fault.
var ErrNoData = errors.New("dataprovider: no data for ticker")

// DataProvider defines the interface for accessing equity market data.
type DataProvider interface {
	// GetBars returns daily bars for the ticker between start and end
	// inclusive, sorted ascending by timestamp.
	GetBars(ctx context.Context, ticker string, start, end time.Time) ([]utilities.OHLCVBar, error)

	// GetCurrentPrice returns the latest trade price for the ticker.
	GetCurrentPrice(ctx context.Context, ticker string) (float64, error)

	// GetCurrentPricesBatch resolves prices for many tickers in one call.
	// Tickers the venue has no quote for are absent from the result map.
	GetCurrentPricesBatch(ctx context.Context, tickers []string) (map[string]float64, error)

	// PrimeHistoricalData warms the local cache with enough history to
	// compute indicators before the first trading cycle.
	PrimeHistoricalData(ctx context.Context, ticker string, days int) error
}
