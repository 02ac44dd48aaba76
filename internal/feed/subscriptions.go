package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/alanyoungcy/condorbot/internal/metrics"
)

// Subscriptions keeps the tick stream subscribed to the spot index of every
// configured underlying plus the legs of every ACTIVE or MANUAL_OVERRIDE
// position.
type Subscriptions struct {
	ledger   domain.PositionLedger
	stream   domain.TickStream
	spots    []uint32
	interval time.Duration
	current  map[uint32]struct{}
	logger   *slog.Logger
}

// NewSubscriptions creates the refresher. spots are always subscribed.
func NewSubscriptions(ledger domain.PositionLedger, stream domain.TickStream, spots []uint32, interval time.Duration, logger *slog.Logger) *Subscriptions {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Subscriptions{
		ledger:   ledger,
		stream:   stream,
		spots:    spots,
		interval: interval,
		current:  make(map[uint32]struct{}),
		logger:   logger.With(slog.String("component", "subscriptions")),
	}
}

// Run refreshes immediately and then every interval until ctx is cancelled.
func (s *Subscriptions) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("subscription refresh failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Refresh subscribes to newly needed tokens and drops the ones no open
// position uses any more.
func (s *Subscriptions) Refresh(ctx context.Context) error {
	want := make(map[uint32]struct{}, len(s.spots)+8)
	for _, t := range s.spots {
		want[t] = struct{}{}
	}
	for _, status := range []domain.PositionStatus{domain.StatusActive, domain.StatusManualOverride} {
		positions, err := s.ledger.FindAll(ctx, status)
		if err != nil {
			return fmt.Errorf("feed: load %s positions: %w", status, err)
		}
		for _, p := range positions {
			for _, t := range p.Tokens() {
				if t != 0 {
					want[t] = struct{}{}
				}
			}
		}
	}

	var add, drop []uint32
	for t := range want {
		if _, ok := s.current[t]; !ok {
			add = append(add, t)
		}
	}
	for t := range s.current {
		if _, ok := want[t]; !ok {
			drop = append(drop, t)
		}
	}
	sort.Slice(add, func(i, j int) bool { return add[i] < add[j] })
	sort.Slice(drop, func(i, j int) bool { return drop[i] < drop[j] })

	if len(add) > 0 {
		if err := s.stream.Subscribe(ctx, add); err != nil {
			return fmt.Errorf("feed: subscribe: %w", err)
		}
		for _, t := range add {
			s.current[t] = struct{}{}
		}
		s.logger.Info("subscribed", slog.Any("tokens", add))
	}
	if len(drop) > 0 {
		if err := s.stream.Unsubscribe(ctx, drop); err != nil {
			return fmt.Errorf("feed: unsubscribe: %w", err)
		}
		for _, t := range drop {
			delete(s.current, t)
		}
		s.logger.Info("unsubscribed", slog.Any("tokens", drop))
	}

	metrics.SubscribedTokens.Set(float64(len(s.current)))
	return nil
}
