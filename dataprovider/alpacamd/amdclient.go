// File: dataprovider/alpacamd/amdclient.go
package alpacamd

import (
	"Shellback/dataprovider"
	utils "Shellback/utilities"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultDataBaseURL = "https://data.alpaca.markets"
	providerName       = "alpaca"
	pageLimit          = 10000
)

// Client fetches daily bars and latest trades from Alpaca's market data
// API, backed by the shared SQLite bar cache.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	limiter    *rate.Limiter
	logger     *utils.Logger
	cfg        *utils.AlpacaConfig
	cache      *dataprovider.SQLiteCache
}

// --- Internal structs for Alpaca market data responses ---

type mdBar struct {
	Timestamp string  `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
}

type mdBarsResponse struct {
	Bars          []mdBar `json:"bars"`
	Symbol        string  `json:"symbol"`
	NextPageToken *string `json:"next_page_token"`
}

type mdTrade struct {
	Price     float64 `json:"p"`
	Timestamp string  `json:"t"`
}

type mdLatestTradeResponse struct {
	Symbol string  `json:"symbol"`
	Trade  mdTrade `json:"trade"`
}

type mdLatestTradesBatchResponse struct {
	Trades map[string]mdTrade `json:"trades"`
}

func NewClient(cfg *utils.AlpacaConfig, httpClient *http.Client, logger *utils.Logger, cache *dataprovider.SQLiteCache) *Client {
	baseURL := cfg.DataBaseURL
	if baseURL == "" {
		baseURL = defaultDataBaseURL
	}
	perSec := cfg.RateLimitPerSec
	if perSec <= 0 {
		perSec = 3
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = perSec
	}
	if httpClient == nil {
		timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = utils.NewLogger(utils.Info)
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(perSec), burst),
		logger:     logger,
		cfg:        cfg,
		cache:      cache,
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("alpacamd rate limiter: %w", err)
	}
	fullURL := c.BaseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("alpacamd: failed to build request for %s: %w", path, err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.cfg.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.cfg.APISecret)
	req.Header.Set("Accept", "application/json")

	retryDelay := time.Duration(c.cfg.RetryDelaySec) * time.Second
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	return utils.DoJSONRequest(c.HTTPClient, req, c.cfg.MaxRetries, retryDelay, result)
}

// GetBars serves from the SQLite cache when it already covers the range and
// fetches the missing tail from the API otherwise.
func (c *Client) GetBars(ctx context.Context, ticker string, start, end time.Time) ([]utils.OHLCVBar, error) {
	startMs := start.UTC().UnixMilli()
	endMs := end.UTC().UnixMilli()

	if c.cache != nil {
		latest, err := c.cache.LatestTimestamp(providerName, ticker)
		if err == nil && latest >= endMs {
			cached, err := c.cache.GetBars(providerName, ticker, startMs, endMs)
			if err == nil && len(cached) > 0 {
				return cached, nil
			}
		}
	}

	bars, err := c.fetchDailyBars(ctx, ticker, start, end)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s between %s and %s", dataprovider.ErrNoData,
			ticker, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	if c.cache != nil {
		if err := c.cache.SaveBars(providerName, ticker, bars); err != nil {
			c.logger.LogWarn("alpacamd: failed to cache %d bars for %s: %v", len(bars), ticker, err)
		}
	}
	return bars, nil
}

func (c *Client) fetchDailyBars(ctx context.Context, ticker string, start, end time.Time) ([]utils.OHLCVBar, error) {
	var bars []utils.OHLCVBar
	pageToken := ""
	for {
		query := url.Values{
			"timeframe":  {"1Day"},
			"start":      {start.UTC().Format(time.RFC3339)},
			"end":        {end.UTC().Format(time.RFC3339)},
			"adjustment": {"split"},
			"limit":      {fmt.Sprintf("%d", pageLimit)},
		}
		if pageToken != "" {
			query.Set("page_token", pageToken)
		}
		var resp mdBarsResponse
		if err := c.get(ctx, "/v2/stocks/"+url.PathEscape(ticker)+"/bars", query, &resp); err != nil {
			return nil, fmt.Errorf("alpacamd: bars request for %s failed: %w", ticker, err)
		}
		for _, raw := range resp.Bars {
			ts, err := time.Parse(time.RFC3339, raw.Timestamp)
			if err != nil {
				c.logger.LogWarn("alpacamd: skipping %s bar with bad timestamp %q.", ticker, raw.Timestamp)
				continue
			}
			bars = append(bars, utils.OHLCVBar{
				Timestamp: ts.UTC().UnixMilli(),
				Open:      raw.Open,
				High:      raw.High,
				Low:       raw.Low,
				Close:     raw.Close,
				Volume:    raw.Volume,
			})
		}
		if resp.NextPageToken == nil || *resp.NextPageToken == "" {
			break
		}
		pageToken = *resp.NextPageToken
	}
	utils.SortBarsByTimestamp(bars)
	return bars, nil
}

func (c *Client) GetCurrentPrice(ctx context.Context, ticker string) (float64, error) {
	var resp mdLatestTradeResponse
	if err := c.get(ctx, "/v2/stocks/"+url.PathEscape(ticker)+"/trades/latest", nil, &resp); err != nil {
		return 0, fmt.Errorf("alpacamd: latest trade for %s failed: %w", ticker, err)
	}
	if !utils.IsValidPrice(resp.Trade.Price) {
		return 0, fmt.Errorf("%w: %s latest trade", dataprovider.ErrNoData, ticker)
	}
	return resp.Trade.Price, nil
}

func (c *Client) GetCurrentPricesBatch(ctx context.Context, tickers []string) (map[string]float64, error) {
	if len(tickers) == 0 {
		return map[string]float64{}, nil
	}
	query := url.Values{"symbols": {strings.Join(tickers, ",")}}
	var resp mdLatestTradesBatchResponse
	if err := c.get(ctx, "/v2/stocks/trades/latest", query, &resp); err != nil {
		return nil, fmt.Errorf("alpacamd: batch latest trades failed: %w", err)
	}
	prices := make(map[string]float64, len(resp.Trades))
	for ticker, trade := range resp.Trades {
		if utils.IsValidPrice(trade.Price) {
			prices[ticker] = trade.Price
		}
	}
	for _, t := range tickers {
		if _, ok := prices[t]; !ok {
			c.logger.LogDebug("alpacamd: no latest trade for %s in batch response.", t)
		}
	}
	return prices, nil
}

// PrimeHistoricalData fills the cache with enough daily history to warm the
// indicators, padded for weekends and holidays.
func (c *Client) PrimeHistoricalData(ctx context.Context, ticker string, days int) error {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -(days*7/5 + 10))
	bars, err := c.GetBars(ctx, ticker, start, end)
	if err != nil {
		return err
	}
	c.logger.LogInfo("alpacamd: primed %d daily bars for %s.", len(bars), ticker)
	return nil
}
