package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceCache provides fast access to the last committed fund balances. It
// is a read-path accelerator only; debits never consult it.
type BalanceCache interface {
	SetBalance(ctx context.Context, currency string, balance decimal.Decimal, ts time.Time) error
	GetBalance(ctx context.Context, currency string) (decimal.Decimal, time.Time, error)
	Invalidate(ctx context.Context, currency string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking. Settlement attempts take a lock
// keyed by order id so at most one attempt per order is ever in flight.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams for settlement events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
