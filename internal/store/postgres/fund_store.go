package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/equitydesk/buybackd/internal/domain"
)

// execer is satisfied by both pgxpool.Pool and pgx.Tx, so the conditional
// debit can run standalone or inside the settlement transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// FundStore implements domain.FundLedger using PostgreSQL.
type FundStore struct {
	pool *pgxpool.Pool
}

// NewFundStore creates a new FundStore backed by the given connection pool.
func NewFundStore(pool *pgxpool.Pool) *FundStore {
	return &FundStore{pool: pool}
}

// Balance returns the current balance for a currency. A currency that has
// never been funded reports a zero balance rather than an error.
func (s *FundStore) Balance(ctx context.Context, currency string) (domain.FundBalance, error) {
	var balance string
	fb := domain.FundBalance{Currency: currency}

	err := s.pool.QueryRow(ctx,
		`SELECT balance::text, updated_at FROM buyback_funds WHERE currency = $1`,
		currency,
	).Scan(&balance, &fb.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			fb.Balance = decimal.Zero
			return fb, nil
		}
		return domain.FundBalance{}, fmt.Errorf("postgres: fund balance %s: %w", currency, err)
	}

	fb.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return domain.FundBalance{}, fmt.Errorf("postgres: parse balance %q: %w", balance, err)
	}
	return fb, nil
}

// Credit tops up a fund, creating the currency row on first use, and returns
// the new balance.
func (s *FundStore) Credit(ctx context.Context, currency string, amount decimal.Decimal) (domain.FundBalance, error) {
	if amount.Sign() <= 0 {
		return domain.FundBalance{}, domain.ErrInvalidAmount
	}

	var balance string
	fb := domain.FundBalance{Currency: currency}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO buyback_funds (currency, balance)
		VALUES ($1, $2::numeric)
		ON CONFLICT (currency)
		DO UPDATE SET balance = buyback_funds.balance + EXCLUDED.balance,
		              updated_at = NOW()
		RETURNING balance::text, updated_at`,
		currency, amount.String(),
	).Scan(&balance, &fb.UpdatedAt)
	if err != nil {
		return domain.FundBalance{}, fmt.Errorf("postgres: credit fund %s: %w", currency, err)
	}

	fb.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return domain.FundBalance{}, fmt.Errorf("postgres: parse balance %q: %w", balance, err)
	}
	return fb, nil
}

// ReserveAndDebit atomically checks and decrements the fund balance. The
// conditional UPDATE is the only funds-mutating statement on the settlement
// path; when the balance cannot cover the amount no row matches and nothing
// changes.
func (s *FundStore) ReserveAndDebit(ctx context.Context, currency string, amount decimal.Decimal) error {
	return debitFund(ctx, s.pool, currency, amount)
}

// debitFund runs the conditional check-and-debit against q, which may be the
// pool or an open settlement transaction.
func debitFund(ctx context.Context, q execer, currency string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}

	tag, err := q.Exec(ctx, `
		UPDATE buyback_funds
		SET balance = balance - $2::numeric, updated_at = NOW()
		WHERE currency = $1 AND balance >= $2::numeric`,
		currency, amount.String())
	if err != nil {
		return fmt.Errorf("postgres: debit fund %s: %w", currency, err)
	}
	if tag.RowsAffected() == 0 {
		// Covers both a short balance and a currency never funded.
		return domain.ErrInsufficientFunds
	}
	return nil
}

// Compile-time interface check.
var _ domain.FundLedger = (*FundStore)(nil)
