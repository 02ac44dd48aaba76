package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// Channel and stream names for position events on the signal bus.
const (
	PositionsChannel = "positions"
	PositionsStream  = "positions:history"
)

// BusPublisher fans position events out over the signal bus: pub/sub for the
// dashboard websocket and a capped stream for late readers. Failures are
// logged and never reach the caller.
type BusPublisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.EventPublisher = (*BusPublisher)(nil)

func NewBusPublisher(bus domain.SignalBus, logger *slog.Logger) *BusPublisher {
	return &BusPublisher{
		bus:    bus,
		logger: logger.With(slog.String("component", "event_publisher")),
		now:    time.Now,
	}
}

func (p *BusPublisher) PublishPosition(ctx context.Context, eventType string, pos domain.Position) {
	payload, err := json.Marshal(domain.PositionEvent{
		Type:     eventType,
		Position: pos,
		At:       p.now().UTC(),
	})
	if err != nil {
		p.logger.WarnContext(ctx, "marshal position event failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := p.bus.Publish(ctx, PositionsChannel, payload); err != nil {
		p.logger.WarnContext(ctx, "publish position event failed",
			slog.String("event", eventType),
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := p.bus.StreamAppend(ctx, PositionsStream, payload); err != nil {
		p.logger.WarnContext(ctx, "append position event failed",
			slog.String("event", eventType),
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

// NopPublisher discards events. It is used when Redis is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishPosition(context.Context, string, domain.Position) {}
