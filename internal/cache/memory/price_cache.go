// Package memory provides the in-process price table read by the risk
// evaluator on every tick batch.
package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// PriceCache maps instrument tokens to their latest traded price. The last
// write for a token wins and no history is kept.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[uint32]float64
}

// NewPriceCache returns an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[uint32]float64)}
}

// Update stores one tick.
func (c *PriceCache) Update(tick domain.Tick) {
	c.mu.Lock()
	c.prices[tick.Token] = tick.LastPrice
	c.mu.Unlock()
}

// UpdateBatch stores a tick batch under a single lock. Later ticks in the
// batch overwrite earlier ticks for the same token.
func (c *PriceCache) UpdateBatch(ticks []domain.Tick) {
	if len(ticks) == 0 {
		return
	}
	c.mu.Lock()
	for _, t := range ticks {
		c.prices[t.Token] = t.LastPrice
	}
	c.mu.Unlock()
}

// Get returns the latest price for token and whether one has been seen.
func (c *PriceCache) Get(token uint32) (float64, bool) {
	c.mu.RLock()
	p, ok := c.prices[token]
	c.mu.RUnlock()
	return p, ok
}

// Prices implements domain.PriceSource for in-process readers such as the
// HTTP stats endpoint.
func (c *PriceCache) Prices(_ context.Context, tokens []uint32) (map[uint32]float64, error) {
	out := make(map[uint32]float64, len(tokens))
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range tokens {
		if p, ok := c.prices[t]; ok {
			out[t] = p
		}
	}
	return out, nil
}

// Len returns the number of tokens with a known price.
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}

var (
	_ domain.PriceCache  = (*PriceCache)(nil)
	_ domain.PriceSource = (*PriceCache)(nil)
)
