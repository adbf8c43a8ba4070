// File: pkg/broker/alpaca/atypes.go
package alpaca

// Alpaca's REST API serializes most numeric fields as strings; the raw
// types below mirror the wire format and are converted by the adapter.

type apiOrder struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	Symbol         string `json:"symbol"`
	Qty            string `json:"qty"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	Type           string `json:"type"`
	Side           string `json:"side"`
	TimeInForce    string `json:"time_in_force"`
	LimitPrice     string `json:"limit_price"`
	StopPrice      string `json:"stop_price"`
	Status         string `json:"status"`
}

type apiAccount struct {
	AccountNumber  string `json:"account_number"`
	Status         string `json:"status"`
	Cash           string `json:"cash"`
	BuyingPower    string `json:"buying_power"`
	Equity         string `json:"equity"`
	TradingBlocked bool   `json:"trading_blocked"`
}

type apiPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value"`
}

type apiOrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price"`
	StopPrice     string `json:"stop_price"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
