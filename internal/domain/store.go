package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists sell orders and their per-share FIFO positions.
type OrderStore interface {
	// Create inserts the order, assigning its FIFO position atomically with
	// respect to concurrent enqueues for the same share. The assigned
	// position and creation time are written back into the order.
	Create(ctx context.Context, order *SellOrder) error

	GetByID(ctx context.Context, id string) (SellOrder, error)

	// ListByShare returns the share's orders ascending by FIFO position.
	// An empty statuses slice means no status filtering.
	ListByShare(ctx context.Context, shareID string, statuses []OrderStatus, opts ListOpts) ([]SellOrder, error)

	// ListLiveShares returns the distinct share ids that have at least one
	// order still eligible for settlement.
	ListLiveShares(ctx context.Context) ([]string, error)

	// TransitionStatus updates the order's status only if it still has the
	// expected current status; a guard miss reports
	// ErrConcurrentModification. Cancellation timestamps are set here.
	TransitionStatus(ctx context.Context, id string, from, to OrderStatus) error

	// RecoverProcessing restores orders stranded in processing for longer
	// than olderThan back to their pre-attempt status and returns how many
	// rows were touched.
	RecoverProcessing(ctx context.Context, olderThan time.Duration) (int64, error)

	// ListTerminalBefore returns completed and cancelled orders created
	// strictly before the cutoff, for archival.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]SellOrder, error)
}

// FundLedger owns the per-currency buyback-fund balances.
type FundLedger interface {
	Balance(ctx context.Context, currency string) (FundBalance, error)

	// Credit tops up the fund (treasury funding), creating the currency row
	// on first use, and returns the new balance.
	Credit(ctx context.Context, currency string, amount decimal.Decimal) (FundBalance, error)

	// ReserveAndDebit atomically checks and decrements the balance. It fails
	// with ErrInsufficientFunds, leaving the balance untouched, when amount
	// exceeds it. This is the sole funds-mutating primitive reachable from
	// settlement.
	ReserveAndDebit(ctx context.Context, currency string, amount decimal.Decimal) error
}

// SettlementStore commits the settlement's atomic unit: fund debit, order
// mutation, and ledger entry in one transaction.
type SettlementStore interface {
	Apply(ctx context.Context, ap SettlementApply) error
}

// LedgerStore reads the append-only debit ledger.
type LedgerStore interface {
	List(ctx context.Context, currency string, opts ListOpts) ([]LedgerEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]LedgerEntry, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
