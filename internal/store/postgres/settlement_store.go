package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/equitydesk/buybackd/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
//
// Apply is the two-sided commit at the heart of the engine: the fund debit,
// the order mutation, and the ledger entry run in one transaction, so a
// failure on any side rolls the debit back and the ledger can never be
// debited without the matching order mutation.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// Apply commits one settlement atomically. It reports ErrInsufficientFunds
// when the fund cannot cover the debit and ErrConcurrentModification when the
// order is no longer in processing status (both leave every row untouched).
func (s *SettlementStore) Apply(ctx context.Context, ap domain.SettlementApply) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin settlement %s: %w", ap.OrderID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := debitFund(ctx, tx, ap.Currency, ap.DebitAmount); err != nil {
		return err
	}

	const updateOrder = `
		UPDATE sell_orders
		SET processed_quantity = $2,
		    status = $3,
		    processed_at = COALESCE($4, processed_at),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`

	tag, err := tx.Exec(ctx, updateOrder,
		ap.OrderID, ap.NewProcessed, string(ap.NewStatus), ap.ProcessedAt)
	if err != nil {
		return fmt.Errorf("postgres: settle order %s: %w", ap.OrderID, err)
	}
	if tag.RowsAffected() == 0 {
		// The order moved out of processing under our feet; the rollback
		// undoes the debit above.
		return domain.ErrConcurrentModification
	}

	const insertLedger = `
		INSERT INTO fund_ledger (order_id, currency, amount_debited, shares_converted)
		VALUES ($1, $2, $3::numeric, $4)`

	if _, err := tx.Exec(ctx, insertLedger,
		ap.OrderID, ap.Currency, ap.DebitAmount.String(), ap.SharesConverted); err != nil {
		return fmt.Errorf("postgres: ledger entry for order %s: %w", ap.OrderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit settlement %s: %w", ap.OrderID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SettlementStore = (*SettlementStore)(nil)
