package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PegLedger/internal/state"

	"github.com/redis/go-redis/v9"
)

// MarketCache keeps the latest market summaries in Redis for the query API.
// The projection worker writes; readers fall back to Postgres on a miss.
type MarketCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewMarketCache(rdb *redis.Client, ttl time.Duration) *MarketCache {
	return &MarketCache{rdb: rdb, ttl: ttl}
}

// ConnectRedis parses a redis:// URL and pings the server.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// PutMarkets caches summaries and records their symbols.
func (c *MarketCache) PutMarkets(ctx context.Context, summaries []state.MarketSummary) error {
	if len(summaries) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, s := range summaries {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode market %s: %w", s.Symbol, err)
		}
		pipe.Set(ctx, marketKey(s.Symbol), data, c.ttl)
		pipe.SAdd(ctx, marketSetKey, s.Symbol)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetMarket returns the cached summary. ok is false on a miss.
func (c *MarketCache) GetMarket(ctx context.Context, symbol string) (summary *state.MarketSummary, ok bool, err error) {
	data, err := c.rdb.Get(ctx, marketKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var s state.MarketSummary
	if err := json.Unmarshal(data, &s); err != nil {
		// a corrupt entry is treated as a miss and overwritten on the next put
		return nil, false, nil
	}
	return &s, true, nil
}

// Symbols lists every market symbol ever cached.
func (c *MarketCache) Symbols(ctx context.Context) ([]string, error) {
	return c.rdb.SMembers(ctx, marketSetKey).Result()
}

// Invalidate drops a cached summary.
func (c *MarketCache) Invalidate(ctx context.Context, symbol string) error {
	return c.rdb.Del(ctx, marketKey(symbol)).Err()
}

const marketSetKey = "peg:markets"

func marketKey(symbol string) string { return fmt.Sprintf("peg:market:%s", symbol) }
