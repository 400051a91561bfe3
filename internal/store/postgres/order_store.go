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

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts a new sell order, assigning its FIFO position from the
// per-share counter row in the same transaction. The counter upsert takes a
// row lock, so concurrent enqueues for one share serialize and each order
// gets a strictly increasing, never-reused position.
func (s *OrderStore) Create(ctx context.Context, o *domain.SellOrder) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin create order: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const nextPos = `
		INSERT INTO share_queue_positions (share_id, next_position)
		VALUES ($1, 1)
		ON CONFLICT (share_id)
		DO UPDATE SET next_position = share_queue_positions.next_position + 1
		RETURNING next_position`

	if err := tx.QueryRow(ctx, nextPos, o.ShareID).Scan(&o.FIFOPosition); err != nil {
		return fmt.Errorf("postgres: assign fifo position for share %s: %w", o.ShareID, err)
	}

	const insert = `
		INSERT INTO sell_orders (
			id, user_id, share_id, currency,
			quantity, requested_price, fifo_position,
			processed_quantity, status
		) VALUES (
			$1, $2, $3, $4,
			$5, $6::numeric, $7,
			$8, $9
		)
		RETURNING created_at`

	err = tx.QueryRow(ctx, insert,
		o.ID, o.UserID, o.ShareID, o.Currency,
		o.Quantity, o.RequestedPrice.String(), o.FIFOPosition,
		o.ProcessedQuantity, string(o.Status),
	).Scan(&o.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit create order %s: %w", o.ID, err)
	}
	return nil
}

// orderSelectCols lists the columns selected when reading orders. The price
// is cast to text so it scans losslessly into a decimal.
const orderSelectCols = `id, user_id, share_id, currency,
	quantity, requested_price::text, fifo_position,
	processed_quantity, status,
	created_at, processed_at, cancelled_at`

func scanOrderFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.SellOrder, error) {
	var o domain.SellOrder
	var price, status string

	err := scanner.Scan(
		&o.ID, &o.UserID, &o.ShareID, &o.Currency,
		&o.Quantity, &price, &o.FIFOPosition,
		&o.ProcessedQuantity, &status,
		&o.CreatedAt, &o.ProcessedAt, &o.CancelledAt,
	)
	if err != nil {
		return domain.SellOrder{}, err
	}

	o.RequestedPrice, err = decimal.NewFromString(price)
	if err != nil {
		return domain.SellOrder{}, fmt.Errorf("parse requested_price %q: %w", price, err)
	}
	o.Status = domain.OrderStatus(status)

	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.SellOrder, error) {
	var orders []domain.SellOrder
	for rows.Next() {
		o, err := scanOrderFromRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetByID retrieves a single order by ID.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.SellOrder, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM sell_orders WHERE id = $1`, id)

	o, err := scanOrderFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.SellOrder{}, domain.ErrOrderNotFound
		}
		return domain.SellOrder{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListByShare returns a share's orders in ascending FIFO-position order,
// optionally filtered by status.
func (s *OrderStore) ListByShare(ctx context.Context, shareID string, statuses []domain.OrderStatus, opts domain.ListOpts) ([]domain.SellOrder, error) {
	query := `SELECT ` + orderSelectCols + ` FROM sell_orders WHERE share_id = $1`
	args := []any{shareID}
	argIdx := 2

	if len(statuses) > 0 {
		strs := make([]string, len(statuses))
		for i, st := range statuses {
			strs[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, strs)
		argIdx++
	}

	// Arrival order is the hard contract here: lower positions must always
	// be offered settlement before higher ones.
	query += " ORDER BY fifo_position ASC"

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
		return nil, fmt.Errorf("postgres: list orders for share %s: %w", shareID, err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders for share %s: %w", shareID, err)
	}
	return orders, nil
}

// ListLiveShares returns the distinct share ids that still have orders
// eligible for settlement.
func (s *OrderStore) ListLiveShares(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT share_id FROM sell_orders
		 WHERE status IN ('pending', 'partial')
		 ORDER BY share_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list live shares: %w", err)
	}
	defer rows.Close()

	var shares []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan live share: %w", err)
		}
		shares = append(shares, id)
	}
	return shares, rows.Err()
}

// TransitionStatus moves an order from one status to another, guarded on the
// order still holding the expected current status. A guard miss on an
// existing order reports ErrConcurrentModification.
func (s *OrderStore) TransitionStatus(ctx context.Context, id string, from, to domain.OrderStatus) error {
	var query string
	if to == domain.OrderStatusCancelled {
		query = `UPDATE sell_orders
			SET status = $3, cancelled_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = $2`
	} else {
		query = `UPDATE sell_orders
			SET status = $3, updated_at = NOW()
			WHERE id = $1 AND status = $2`
	}

	tag, err := s.pool.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("postgres: transition order %s %s->%s: %w", id, from, to, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM sell_orders WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check order %s: %w", id, err)
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrConcurrentModification
	}
	return nil
}

// RecoverProcessing restores orders stranded in processing (e.g. by a crash
// between the status hand-off and the settlement commit) back to their
// pre-attempt status, derived from the fill counter.
func (s *OrderStore) RecoverProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	tag, err := s.pool.Exec(ctx, `
		UPDATE sell_orders
		SET status = CASE WHEN processed_quantity > 0 THEN 'partial' ELSE 'pending' END,
		    updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: recover processing orders: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListTerminalBefore returns completed and cancelled orders created strictly
// before the cutoff, for archival.
func (s *OrderStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.SellOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM sell_orders
		 WHERE status IN ('completed', 'cancelled') AND created_at < $1
		 ORDER BY created_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal orders: %w", err)
	}
	return orders, nil
}

// Compile-time interface check.
var _ domain.OrderStore = (*OrderStore)(nil)
