// Package feed moves broker ticks into the price cache and keeps the ticker
// subscribed to the instruments of open positions.
package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/alanyoungcy/condorbot/internal/metrics"
)

// mirrorQueue bounds the batches waiting for the shared price mirror.
const mirrorQueue = 256

// Pump applies tick batches to the price cache and wakes the evaluator.
//
// The wake-up channel holds a single pending signal. Bursts of ticks collapse
// into one evaluation that reads the latest prices from the cache, so a slow
// evaluation never backs up the websocket reader.
type Pump struct {
	cache    domain.PriceCache
	mirror   domain.PriceMirror
	signal   chan struct{}
	mirrorCh chan []domain.Tick
	logger   *slog.Logger
}

// NewPump creates a Pump. mirror may be nil.
func NewPump(cache domain.PriceCache, mirror domain.PriceMirror, logger *slog.Logger) *Pump {
	p := &Pump{
		cache:  cache,
		mirror: mirror,
		signal: make(chan struct{}, 1),
		logger: logger.With(slog.String("component", "feed")),
	}
	if mirror != nil {
		p.mirrorCh = make(chan []domain.Tick, mirrorQueue)
	}
	return p
}

// HandleTicks is the ticker callback. It never blocks.
func (p *Pump) HandleTicks(ticks []domain.Tick) {
	if len(ticks) == 0 {
		return
	}
	p.cache.UpdateBatch(ticks)
	metrics.TicksReceived.Add(float64(len(ticks)))

	select {
	case p.signal <- struct{}{}:
	default:
	}

	if p.mirrorCh != nil {
		batch := make([]domain.Tick, len(ticks))
		copy(batch, ticks)
		select {
		case p.mirrorCh <- batch:
		default:
			p.logger.Debug("price mirror queue full, dropping batch", slog.Int("ticks", len(ticks)))
		}
	}
}

// Signal fires after at least one tick batch arrived since it was last read.
func (p *Pump) Signal() <-chan struct{} {
	return p.signal
}

// Run writes queued batches to the mirror until ctx is cancelled. It returns
// immediately when no mirror is configured.
func (p *Pump) Run(ctx context.Context) error {
	if p.mirrorCh == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch := <-p.mirrorCh:
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := p.mirror.SetPrices(wctx, batch)
			cancel()
			if err != nil && ctx.Err() == nil {
				p.logger.Warn("price mirror write failed", slog.String("error", err.Error()))
			}
		}
	}
}
