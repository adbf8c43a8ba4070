// File: pkg/broker/brokers.go
package broker

import (
	"context"
	"time"
)

// Order status values, normalized across venues to Alpaca's vocabulary.
const (
	StatusNew             = "new"
	StatusAccepted        = "accepted"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCanceled        = "canceled"
	StatusExpired         = "expired"
	StatusRejected        = "rejected"
)

// IsTerminal reports whether an order can no longer change state.
func IsTerminal(status string) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// Broker defines the interface for interacting with a brokerage account.
type Broker interface {
	// SubmitStopLimit places a stop-limit order and returns the broker's order ID.
	SubmitStopLimit(ctx context.Context, req StopLimitRequest) (string, error)

	// GetOrder retrieves the current state of a specific order.
	GetOrder(ctx context.Context, orderID string) (Order, error)

	// CancelOrder cancels an existing order by its ID.
	CancelOrder(ctx context.Context, orderID string) error

	// ListOpenOrders returns every order the broker still considers working.
	ListOpenOrders(ctx context.Context) ([]Order, error)

	// GetAccount retrieves cash, buying power and marked equity.
	GetAccount(ctx context.Context) (Account, error)

	// ListPositions returns the broker's view of open positions, used for
	// reconciliation and the operator-invoked rebuild.
	ListPositions(ctx context.Context) ([]Position, error)
}

// StopLimitRequest describes a stop-limit order submission.
type StopLimitRequest struct {
	Ticker        string  `json:"ticker"`
	Side          string  `json:"side"` // "buy" or "sell"
	Qty           int     `json:"qty"`
	StopPrice     float64 `json:"stop_price"`
	LimitPrice    float64 `json:"limit_price"`
	TimeInForce   string  `json:"time_in_force"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
}

// Order represents an order's state and details.
type Order struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id,omitempty"`
	Ticker         string    `json:"ticker"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Qty            float64   `json:"qty"`
	FilledQty      float64   `json:"filled_qty"`
	FilledAvgPrice float64   `json:"filled_avg_price,omitempty"`
	StopPrice      float64   `json:"stop_price,omitempty"`
	LimitPrice     float64   `json:"limit_price,omitempty"`
	TimeInForce    string    `json:"time_in_force,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Account represents the broker's view of the trading account.
type Account struct {
	Cash        float64 `json:"cash"`
	BuyingPower float64 `json:"buying_power"`
	Equity      float64 `json:"equity"`
}

// Position is the broker's record of an open holding.
type Position struct {
	Ticker        string  `json:"ticker"`
	Qty           float64 `json:"qty"` // negative for shorts
	Side          string  `json:"side"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MarketValue   float64 `json:"market_value"`
}
