package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// BalanceCache caches ledger balance reads in redis with a short TTL so
// repeated balance queries do not hammer the settlement system. Misses and
// redis failures are both reported as a miss; the cache is never
// authoritative.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBalanceCache wraps a redis client. A zero ttl defaults to 5 seconds.
func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &BalanceCache{client: client, ttl: ttl}
}

func key(account string) string {
	return "balance:" + account
}

// Get returns the cached balance for a ledger account.
func (c *BalanceCache) Get(ctx context.Context, account string) (decimal.Decimal, bool) {
	if c == nil || c.client == nil {
		return decimal.Zero, false
	}
	raw, err := c.client.Get(ctx, key(account)).Result()
	if err != nil {
		return decimal.Zero, false
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return balance, true
}

// Set stores a balance with the configured TTL.
func (c *BalanceCache) Set(ctx context.Context, account string, balance decimal.Decimal) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Set(ctx, key(account), balance.String(), c.ttl)
}

// Invalidate drops a cached balance, used after funding or execution.
func (c *BalanceCache) Invalidate(ctx context.Context, account string) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Del(ctx, key(account))
}
