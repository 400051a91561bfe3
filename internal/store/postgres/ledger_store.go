package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/equitydesk/buybackd/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL. Entries are
// written only by the settlement transaction; this store is read-only.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const ledgerSelectCols = `id, order_id, currency, amount_debited::text, shares_converted, created_at`

func scanLedgerRows(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var amount string

		if err := rows.Scan(&e.ID, &e.OrderID, &e.Currency, &amount, &e.SharesConverted, &e.CreatedAt); err != nil {
			return nil, err
		}

		var err error
		e.AmountDebited, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount_debited %q: %w", amount, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// List returns ledger entries newest first, optionally scoped to a currency.
func (s *LedgerStore) List(ctx context.Context, currency string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerSelectCols + ` FROM fund_ledger WHERE 1=1`
	args := []any{}
	argIdx := 1

	if currency != "" {
		query += fmt.Sprintf(" AND currency = $%d", argIdx)
		args = append(args, currency)
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanLedgerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ledger entries: %w", err)
	}
	return entries, nil
}

// ListBefore returns all ledger entries created strictly before the cutoff,
// for archival.
func (s *LedgerStore) ListBefore(ctx context.Context, before time.Time) ([]domain.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerSelectCols+` FROM fund_ledger
		 WHERE created_at < $1
		 ORDER BY created_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger before %s: %w", before, err)
	}
	defer rows.Close()

	entries, err := scanLedgerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ledger before %s: %w", before, err)
	}
	return entries, nil
}

// Compile-time interface check.
var _ domain.LedgerStore = (*LedgerStore)(nil)
