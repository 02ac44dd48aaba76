package domain

import (
	"context"
	"time"
)

// PriceCache is the process-wide table of latest traded prices. Updates are
// atomic per token and the last write wins.
type PriceCache interface {
	Update(tick Tick)
	UpdateBatch(ticks []Tick)
	Get(token uint32) (float64, bool)
}

// PriceSource is a read-only, possibly remote, view of latest prices. Tokens
// without a price are omitted from the result.
type PriceSource interface {
	Prices(ctx context.Context, tokens []uint32) (map[uint32]float64, error)
}

// PriceMirror publishes tick batches to a shared store for other processes.
type PriceMirror interface {
	SetPrices(ctx context.Context, ticks []Tick) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
