package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// PriceCache mirrors tick batches into Redis hashes so a monitor process can
// read live prices without its own ticker connection. Each token is stored
// at "price:{token}" (namespaced) with fields "price" and "ts" (Unix nanoseconds).
type PriceCache struct {
	c   *Client
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. A zero ttl
// leaves keys without expiry.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, rdb: c.Underlying(), ttl: ttl}
}

func (pc *PriceCache) key(token uint32) string {
	return pc.c.Key("price:" + strconv.FormatUint(uint64(token), 10))
}

// SetPrices writes a tick batch in one pipeline.
func (pc *PriceCache) SetPrices(ctx context.Context, ticks []domain.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	ts := strconv.FormatInt(time.Now().UnixNano(), 10)

	pipe := pc.rdb.Pipeline()
	for _, t := range ticks {
		key := pc.key(t.Token)
		pipe.HSet(ctx, key, map[string]interface{}{
			"price": strconv.FormatFloat(t.LastPrice, 'f', -1, 64),
			"ts":    ts,
		})
		if pc.ttl > 0 {
			pipe.Expire(ctx, key, pc.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set prices: %w", err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for a token.
// It returns domain.ErrNotFound when the key does not exist.
func (pc *PriceCache) GetPrice(ctx context.Context, token uint32) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, pc.key(token)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %d: %w", token, err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %d: %w", token, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %d: %w", token, err)
	}
	return price, time.Unix(0, tsNano), nil
}

// Prices retrieves the latest prices for multiple tokens using a pipeline.
// Tokens whose keys do not exist are silently omitted from the result map.
func (pc *PriceCache) Prices(ctx context.Context, tokens []uint32) (map[uint32]float64, error) {
	if len(tokens) == 0 {
		return map[uint32]float64{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[uint32]*redis.StringCmd, len(tokens))
	for _, t := range tokens {
		cmds[t] = pipe.HGet(ctx, pc.key(t), "price")
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[uint32]float64, len(tokens))
	for t, cmd := range cmds {
		price, err := cmd.Float64()
		if err != nil {
			continue
		}
		result[t] = price
	}
	return result, nil
}

var (
	_ domain.PriceMirror = (*PriceCache)(nil)
	_ domain.PriceSource = (*PriceCache)(nil)
)
