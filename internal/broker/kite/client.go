// Package kite adapts Kite Connect (Zerodha) to the broker interfaces: a REST
// client for the order book and order placement, a binary websocket ticker,
// and a paper gateway that logs orders instead of sending them.
package kite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// orderRateKey is the shared rate-limit bucket for order placement.
const orderRateKey = "kite:orders"

// ClientConfig holds the session and tuning for the REST client.
type ClientConfig struct {
	BaseURL         string
	APIKey          string
	AccessToken     string
	Timeout         time.Duration
	OrdersPerSecond int
	Underlyings     []string
}

// Client is the REST client for the Kite Connect v3 API.
type Client struct {
	baseURL         string
	apiKey          string
	accessToken     string
	httpClient      *http.Client
	limiter         domain.RateLimiter
	ordersPerSecond int
	symbols         *SymbolParser
	logger          *slog.Logger
}

// NewClient creates a Kite REST client. limiter may be nil, in which case
// order placement is not throttled.
func NewClient(cfg ClientConfig, limiter domain.RateLimiter, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ops := cfg.OrdersPerSecond
	if ops <= 0 {
		ops = 10
	}
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		accessToken:     cfg.AccessToken,
		httpClient:      &http.Client{Timeout: timeout},
		limiter:         limiter,
		ordersPerSecond: ops,
		symbols:         NewSymbolParser(cfg.Underlyings),
		logger:          logger.With(slog.String("component", "kite")),
	}
}

// Orders returns the raw order book for the trading day.
func (c *Client) Orders(ctx context.Context) ([]Order, error) {
	var orders []Order
	if err := c.do(ctx, http.MethodGet, "/orders", nil, &orders); err != nil {
		return nil, fmt.Errorf("kite: get orders: %w", err)
	}
	return orders, nil
}

// CompletedOrders returns the day's orders whose symbols parse as option
// contracts on a configured underlying. Status filtering is left to callers.
func (c *Client) CompletedOrders(ctx context.Context) ([]domain.CompletedOrder, error) {
	orders, err := c.Orders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.CompletedOrder, 0, len(orders))
	for _, o := range orders {
		contract, err := c.symbols.Parse(o.TradingSymbol)
		if err != nil {
			continue
		}
		out = append(out, domain.CompletedOrder{
			OrderID:         o.OrderID,
			Symbol:          o.TradingSymbol,
			Exchange:        o.Exchange,
			Underlying:      contract.Underlying,
			OptionType:      contract.OptionType,
			Strike:          contract.Strike,
			TransactionType: domain.TransactionType(o.TransactionType),
			AvgPrice:        o.AveragePrice,
			FilledQty:       o.FilledQuantity,
			Token:           o.InstrumentToken,
			Status:          o.Status,
			Timestamp:       o.FilledAt(),
		})
	}
	return out, nil
}

// NetPositions returns the account's net positions, including rows squared
// off during the day.
func (c *Client) NetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	var data positionsData
	if err := c.do(ctx, http.MethodGet, "/portfolio/positions", nil, &data); err != nil {
		return nil, fmt.Errorf("kite: get positions: %w", err)
	}
	out := make([]domain.BrokerPosition, 0, len(data.Net))
	for _, p := range data.Net {
		out = append(out, domain.BrokerPosition{
			Symbol:          p.TradingSymbol,
			Exchange:        p.Exchange,
			Product:         p.Product,
			Token:           p.InstrumentToken,
			Quantity:        p.Quantity,
			AveragePrice:    p.AveragePrice,
			LastPrice:       p.LastPrice,
			PnL:             p.PnL,
			DayBuyQuantity:  p.DayBuyQuantity,
			DaySellQuantity: p.DaySellQuantity,
		})
	}
	return out, nil
}

// PlaceOrder submits a regular-variety order.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	c.throttle(ctx)

	form := url.Values{}
	form.Set("exchange", req.Exchange)
	form.Set("tradingsymbol", req.Symbol)
	form.Set("transaction_type", string(req.TransactionType))
	form.Set("quantity", strconv.Itoa(req.Quantity))
	form.Set("order_type", req.OrderType)
	form.Set("product", req.Product)
	form.Set("validity", "DAY")
	if req.Tag != "" {
		form.Set("tag", req.Tag)
	}

	var data placeOrderData
	if err := c.do(ctx, http.MethodPost, "/orders/regular", form, &data); err != nil {
		return domain.OrderResult{}, fmt.Errorf("kite: place order %s %s: %w", req.TransactionType, req.Symbol, err)
	}
	c.logger.Info("order placed",
		slog.String("order_id", data.OrderID),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.TransactionType)),
		slog.Int("qty", req.Quantity),
	)
	return domain.OrderResult{OrderID: data.OrderID}, nil
}

// throttle waits for a slot in the shared order bucket. A limiter failure is
// logged and ignored so an exit is never blocked by Redis.
func (c *Client) throttle(ctx context.Context) {
	if c.limiter == nil {
		return
	}
	if err := c.limiter.Wait(ctx, orderRateKey, c.ordersPerSecond, time.Second); err != nil {
		c.logger.Warn("order rate limiter unavailable", slog.String("error", err.Error()))
	}
}

// do sends an authenticated request and decodes the envelope's data field
// into out.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+c.apiKey+":"+c.accessToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{HTTPStatus: resp.StatusCode, ErrorType: "HTTPError", Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 || env.Status == "error" {
		return &APIError{HTTPStatus: resp.StatusCode, ErrorType: env.ErrorType, Message: env.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// IsTokenError reports whether err means the access token has expired and a
// fresh login is required.
func IsTokenError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ErrorType == "TokenException"
}

var (
	_ domain.BrokerGateway = (*Client)(nil)
	_ domain.PositionBook  = (*Client)(nil)
)
