package kite

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ist is the exchange timezone. Kite timestamps carry no offset.
var ist = time.FixedZone("IST", 5*3600+30*60)

const kiteTimeLayout = "2006-01-02 15:04:05"

// kiteTime parses Kite's "2006-01-02 15:04:05" timestamps as IST.
type kiteTime struct {
	time.Time
}

func (t *kiteTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.ParseInLocation(kiteTimeLayout, s, ist)
	if err != nil {
		return fmt.Errorf("kite: parse time %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// envelope is the common response wrapper of every Kite REST endpoint.
type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

// Order is one entry of GET /orders.
type Order struct {
	OrderID           string   `json:"order_id"`
	Status            string   `json:"status"`
	TradingSymbol     string   `json:"tradingsymbol"`
	Exchange          string   `json:"exchange"`
	InstrumentToken   uint32   `json:"instrument_token"`
	TransactionType   string   `json:"transaction_type"`
	OrderType         string   `json:"order_type"`
	Product           string   `json:"product"`
	Quantity          int      `json:"quantity"`
	FilledQuantity    int      `json:"filled_quantity"`
	AveragePrice      float64  `json:"average_price"`
	Tag               string   `json:"tag"`
	OrderTimestamp    kiteTime `json:"order_timestamp"`
	ExchangeTimestamp kiteTime `json:"exchange_timestamp"`
}

// FilledAt returns the exchange timestamp, falling back to the order
// timestamp for orders the exchange has not stamped.
func (o Order) FilledAt() time.Time {
	if !o.ExchangeTimestamp.IsZero() {
		return o.ExchangeTimestamp.Time
	}
	return o.OrderTimestamp.Time
}

// NetPosition is one entry of the net list of GET /portfolio/positions.
type NetPosition struct {
	TradingSymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	Product         string  `json:"product"`
	InstrumentToken uint32  `json:"instrument_token"`
	Quantity        int     `json:"quantity"`
	AveragePrice    float64 `json:"average_price"`
	LastPrice       float64 `json:"last_price"`
	PnL             float64 `json:"pnl"`
	DayBuyQuantity  int     `json:"day_buy_quantity"`
	DaySellQuantity int     `json:"day_sell_quantity"`
}

type positionsData struct {
	Net []NetPosition `json:"net"`
}

type placeOrderData struct {
	OrderID string `json:"order_id"`
}

// APIError is a Kite error response.
type APIError struct {
	HTTPStatus int
	ErrorType  string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kite: %s (HTTP %d): %s", e.ErrorType, e.HTTPStatus, e.Message)
}

// Retryable reports whether the failure is transient on the broker side.
func (e *APIError) Retryable() bool {
	return e.HTTPStatus == 429 || e.HTTPStatus >= 500 || e.ErrorType == "NetworkException"
}
