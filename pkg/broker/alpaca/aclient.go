// File: pkg/broker/alpaca/aclient.go
package alpaca

import (
	"Shellback/utilities"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const (
	paperBaseURL = "https://paper-api.alpaca.markets"
	liveBaseURL  = "https://api.alpaca.markets"
)

// Client is a thin wrapper over Alpaca's trading REST API. It handles
// authentication headers, rate limiting and retries; translation to the
// venue-neutral broker types lives in the Adapter.
type Client struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	HTTPClient *http.Client
	limiter    *rate.Limiter
	logger     *utilities.Logger
	cfg        *utilities.AlpacaConfig
}

func NewClient(cfg *utilities.AlpacaConfig, httpClient *http.Client, logger *utilities.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Paper {
			baseURL = paperBaseURL
		} else {
			baseURL = liveBaseURL
		}
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
	return &Client{
		BaseURL:    baseURL,
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		HTTPClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(perSec), burst),
		logger:     logger,
		cfg:        cfg,
	}
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body interface{}, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("alpaca rate limiter: %w", err)
	}

	fullURL := c.BaseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var bodyReader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("alpaca: failed to marshal %s %s body: %w", method, path, err)
		}
		bodyReader = bytes.NewReader(payload)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("alpaca: failed to build %s %s request: %w", method, path, err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.APISecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	retryDelay := time.Duration(c.cfg.RetryDelaySec) * time.Second
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	return utilities.DoJSONRequest(c.HTTPClient, req, c.cfg.MaxRetries, retryDelay, result)
}

// SubmitOrderAPI places an order and returns the raw Alpaca order record.
func (c *Client) SubmitOrderAPI(ctx context.Context, req apiOrderRequest) (apiOrder, error) {
	var order apiOrder
	if err := c.call(ctx, http.MethodPost, "/v2/orders", nil, req, &order); err != nil {
		return apiOrder{}, fmt.Errorf("SubmitOrderAPI %s %s: %w", req.Side, req.Symbol, err)
	}
	if order.ID == "" {
		return apiOrder{}, errors.New("SubmitOrderAPI: response contained no order ID")
	}
	return order, nil
}

// GetOrderAPI fetches a single order by its Alpaca-assigned ID.
func (c *Client) GetOrderAPI(ctx context.Context, orderID string) (apiOrder, error) {
	var order apiOrder
	if err := c.call(ctx, http.MethodGet, "/v2/orders/"+url.PathEscape(orderID), nil, nil, &order); err != nil {
		return apiOrder{}, fmt.Errorf("GetOrderAPI %s: %w", orderID, err)
	}
	return order, nil
}

// CancelOrderAPI cancels a working order. Alpaca returns 204 with no body.
func (c *Client) CancelOrderAPI(ctx context.Context, orderID string) error {
	if err := c.call(ctx, http.MethodDelete, "/v2/orders/"+url.PathEscape(orderID), nil, nil, nil); err != nil {
		return fmt.Errorf("CancelOrderAPI %s: %w", orderID, err)
	}
	return nil
}

// ListOpenOrdersAPI returns every order Alpaca still considers working.
func (c *Client) ListOpenOrdersAPI(ctx context.Context) ([]apiOrder, error) {
	query := url.Values{"status": {"open"}, "limit": {"500"}}
	var orders []apiOrder
	if err := c.call(ctx, http.MethodGet, "/v2/orders", query, nil, &orders); err != nil {
		return nil, fmt.Errorf("ListOpenOrdersAPI: %w", err)
	}
	return orders, nil
}

// GetAccountAPI fetches the raw account record.
func (c *Client) GetAccountAPI(ctx context.Context) (apiAccount, error) {
	var account apiAccount
	if err := c.call(ctx, http.MethodGet, "/v2/account", nil, nil, &account); err != nil {
		return apiAccount{}, fmt.Errorf("GetAccountAPI: %w", err)
	}
	return account, nil
}

// ListPositionsAPI fetches the raw open positions.
func (c *Client) ListPositionsAPI(ctx context.Context) ([]apiPosition, error) {
	var positions []apiPosition
	if err := c.call(ctx, http.MethodGet, "/v2/positions", nil, nil, &positions); err != nil {
		return nil, fmt.Errorf("ListPositionsAPI: %w", err)
	}
	return positions, nil
}
