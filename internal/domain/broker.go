package domain

import "context"

// BrokerGateway is the brokerage session the core trades through.
type BrokerGateway interface {
	// CompletedOrders returns the day's order book entries that parsed as
	// option contracts. Callers filter on Status.
	CompletedOrders(ctx context.Context) ([]CompletedOrder, error)
	// PlaceOrder submits one order and returns once the broker has accepted
	// or rejected it.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}

// TickHandler receives every decoded tick batch.
type TickHandler func(ticks []Tick)

// TickStream is a live market-data subscription.
type TickStream interface {
	Subscribe(ctx context.Context, tokens []uint32) error
	Unsubscribe(ctx context.Context, tokens []uint32) error
	OnTicks(h TickHandler)
}

// Notifier delivers human-readable alerts. Implementations are best effort.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// BrokerPosition is one row of the broker's net position book for the day.
type BrokerPosition struct {
	Symbol          string  `json:"symbol"`
	Exchange        string  `json:"exchange"`
	Product         string  `json:"product"`
	Token           uint32  `json:"token"`
	Quantity        int     `json:"quantity"`
	AveragePrice    float64 `json:"average_price"`
	LastPrice       float64 `json:"last_price"`
	PnL             float64 `json:"pnl"`
	DayBuyQuantity  int     `json:"day_buy_quantity"`
	DaySellQuantity int     `json:"day_sell_quantity"`
}

// PositionBook reads the broker's net positions. It is kept apart from
// BrokerGateway because the core never trades on it.
type PositionBook interface {
	NetPositions(ctx context.Context) ([]BrokerPosition, error)
}
