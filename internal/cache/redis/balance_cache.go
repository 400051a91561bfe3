package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/equitydesk/buybackd/internal/domain"
)

// BalanceCache implements domain.BalanceCache using Redis hashes.
// Each currency's balance is stored at key "fund:{currency}" with fields
// "balance" and "ts" (Unix nanosecond timestamp), under a TTL so stale
// entries age out on their own. The database stays authoritative; writers
// invalidate or refresh the cache after every fund mutation.
type BalanceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBalanceCache creates a BalanceCache backed by the given Client.
func NewBalanceCache(c *Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{rdb: c.Underlying(), ttl: ttl}
}

func fundKey(currency string) string {
	return "fund:" + currency
}

// SetBalance stores the balance and its read time for a currency.
func (bc *BalanceCache) SetBalance(ctx context.Context, currency string, balance decimal.Decimal, ts time.Time) error {
	key := fundKey(currency)
	fields := map[string]interface{}{
		"balance": balance.String(),
		"ts":      strconv.FormatInt(ts.UnixNano(), 10),
	}

	pipe := bc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if bc.ttl > 0 {
		pipe.Expire(ctx, key, bc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set balance %s: %w", currency, err)
	}
	return nil
}

// GetBalance retrieves the cached balance and its read time for a currency.
// It returns domain.ErrNotFound when the entry is absent or expired.
func (bc *BalanceCache) GetBalance(ctx context.Context, currency string) (decimal.Decimal, time.Time, error) {
	vals, err := bc.rdb.HGetAll(ctx, fundKey(currency)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get balance %s: %w", currency, err)
	}
	if len(vals) == 0 {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}

	balStr, ok := vals["balance"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	balance, err := decimal.NewFromString(balStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse balance %s: %w", currency, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", currency, err)
	}

	return balance, time.Unix(0, tsNano), nil
}

// Invalidate drops the cached entry for a currency. Deleting a missing key
// is not an error.
func (bc *BalanceCache) Invalidate(ctx context.Context, currency string) error {
	if err := bc.rdb.Del(ctx, fundKey(currency)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate balance %s: %w", currency, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BalanceCache = (*BalanceCache)(nil)
