package kite

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// PaperGateway reads the live order book but only logs orders.
type PaperGateway struct {
	reader interface {
		CompletedOrders(ctx context.Context) ([]domain.CompletedOrder, error)
	}
	logger *slog.Logger
}

// NewPaperGateway wraps a live client for paper trading.
func NewPaperGateway(c *Client, logger *slog.Logger) *PaperGateway {
	return &PaperGateway{
		reader: c,
		logger: logger.With(slog.String("component", "paper_gateway")),
	}
}

func (p *PaperGateway) CompletedOrders(ctx context.Context) ([]domain.CompletedOrder, error) {
	return p.reader.CompletedOrders(ctx)
}

func (p *PaperGateway) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	id := "PAPER-" + uuid.NewString()
	p.logger.Info("paper order",
		slog.String("order_id", id),
		slog.String("exchange", req.Exchange),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.TransactionType)),
		slog.Int("qty", req.Quantity),
		slog.String("product", req.Product),
	)
	return domain.OrderResult{OrderID: id}, nil
}

var _ domain.BrokerGateway = (*PaperGateway)(nil)
