// File: pkg/broker/alpaca/aadapter.go
package alpaca

import (
	"Shellback/pkg/broker"
	"Shellback/utilities"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Adapter translates between the venue-neutral broker types and Alpaca's
// REST representation.
type Adapter struct {
	client *Client
	logger *utilities.Logger
	cfg    *utilities.AlpacaConfig
}

func NewAdapter(cfg *utilities.AlpacaConfig, httpClient *http.Client, logger *utilities.Logger) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.New("alpaca adapter: config cannot be nil")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("alpaca adapter: API key and secret are required")
	}
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
		logger.LogWarn("Alpaca.Adapter: logger fallback used for adapter.")
	}

	adapter := &Adapter{
		client: NewClient(cfg, httpClient, logger),
		logger: logger,
		cfg:    cfg,
	}
	logger.LogInfo("Alpaca adapter initialized (base URL %s).", adapter.client.BaseURL)
	return adapter, nil
}

func (a *Adapter) SubmitStopLimit(ctx context.Context, req broker.StopLimitRequest) (string, error) {
	if req.Qty <= 0 {
		return "", fmt.Errorf("alpaca: refusing to submit %s %s with qty %d", req.Side, req.Ticker, req.Qty)
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = "day"
	}
	apiReq := apiOrderRequest{
		Symbol:        req.Ticker,
		Qty:           strconv.Itoa(req.Qty),
		Side:          req.Side,
		Type:          "stop_limit",
		TimeInForce:   tif,
		StopPrice:     formatPrice(req.StopPrice),
		LimitPrice:    formatPrice(req.LimitPrice),
		ClientOrderID: req.ClientOrderID,
	}

	raw, err := a.client.SubmitOrderAPI(ctx, apiReq)
	if err != nil {
		return "", err
	}
	a.logger.LogInfo("Alpaca: submitted %s stop-limit for %d %s (stop %.2f, limit %.2f), order %s.",
		req.Side, req.Qty, req.Ticker, req.StopPrice, req.LimitPrice, raw.ID)
	return raw.ID, nil
}

func (a *Adapter) GetOrder(ctx context.Context, orderID string) (broker.Order, error) {
	raw, err := a.client.GetOrderAPI(ctx, orderID)
	if err != nil {
		return broker.Order{}, err
	}
	return toOrder(raw), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	if err := a.client.CancelOrderAPI(ctx, orderID); err != nil {
		return err
	}
	a.logger.LogInfo("Alpaca: canceled order %s.", orderID)
	return nil
}

func (a *Adapter) ListOpenOrders(ctx context.Context) ([]broker.Order, error) {
	raws, err := a.client.ListOpenOrdersAPI(ctx)
	if err != nil {
		return nil, err
	}
	orders := make([]broker.Order, 0, len(raws))
	for _, raw := range raws {
		orders = append(orders, toOrder(raw))
	}
	return orders, nil
}

func (a *Adapter) GetAccount(ctx context.Context) (broker.Account, error) {
	raw, err := a.client.GetAccountAPI(ctx)
	if err != nil {
		return broker.Account{}, err
	}
	if raw.TradingBlocked {
		a.logger.LogWarn("Alpaca: account %s has trading blocked.", raw.AccountNumber)
	}
	return broker.Account{
		Cash:        parseAPIFloat(raw.Cash),
		BuyingPower: parseAPIFloat(raw.BuyingPower),
		Equity:      parseAPIFloat(raw.Equity),
	}, nil
}

func (a *Adapter) ListPositions(ctx context.Context) ([]broker.Position, error) {
	raws, err := a.client.ListPositionsAPI(ctx)
	if err != nil {
		return nil, err
	}
	positions := make([]broker.Position, 0, len(raws))
	for _, raw := range raws {
		positions = append(positions, broker.Position{
			Ticker:        raw.Symbol,
			Qty:           parseAPIFloat(raw.Qty),
			Side:          raw.Side,
			AvgEntryPrice: parseAPIFloat(raw.AvgEntryPrice),
			MarketValue:   parseAPIFloat(raw.MarketValue),
		})
	}
	return positions, nil
}

func toOrder(raw apiOrder) broker.Order {
	return broker.Order{
		ID:             raw.ID,
		ClientOrderID:  raw.ClientOrderID,
		Ticker:         raw.Symbol,
		Side:           raw.Side,
		Type:           raw.Type,
		Status:         raw.Status,
		Qty:            parseAPIFloat(raw.Qty),
		FilledQty:      parseAPIFloat(raw.FilledQty),
		FilledAvgPrice: parseAPIFloat(raw.FilledAvgPrice),
		StopPrice:      parseAPIFloat(raw.StopPrice),
		LimitPrice:     parseAPIFloat(raw.LimitPrice),
		TimeInForce:    raw.TimeInForce,
		CreatedAt:      parseAPITime(raw.CreatedAt),
		UpdatedAt:      parseAPITime(raw.UpdatedAt),
	}
}

// parseAPIFloat tolerates empty and null-ish string fields, which Alpaca
// sends for prices that do not apply to an order type.
func parseAPIFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseAPITime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
