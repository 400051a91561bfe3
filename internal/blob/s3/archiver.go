package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/equitydesk/buybackd/internal/domain"
)

// OrderArchiveStore provides read access to terminal sell orders for
// archival purposes. The Postgres order store satisfies it.
type OrderArchiveStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.SellOrder, error)
}

// LedgerArchiveStore provides read access to debit ledger entries for
// archival purposes.
type LedgerArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.LedgerEntry, error)
}

// ArchiveImpl implements domain.Archiver by querying the stores for records
// older than the cutoff, serializing them to JSONL, and uploading the result
// to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer domain.BlobWriter
	orders OrderArchiveStore
	ledger LedgerArchiveStore
	audit  domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	orders OrderArchiveStore,
	ledger LedgerArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		orders: orders,
		ledger: ledger,
		audit:  audit,
	}
}

// archivedOrder is the JSONL record shape for a cold-stored sell order.
type archivedOrder struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	ShareID           string     `json:"share_id"`
	Currency          string     `json:"currency"`
	Quantity          int64      `json:"quantity"`
	RequestedPrice    string     `json:"requested_price"`
	FIFOPosition      int64      `json:"fifo_position"`
	ProcessedQuantity int64      `json:"processed_quantity"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
}

// archivedLedgerEntry is the JSONL record shape for a cold-stored debit.
type archivedLedgerEntry struct {
	ID              int64     `json:"id"`
	OrderID         string    `json:"order_id"`
	Currency        string    `json:"currency"`
	AmountDebited   string    `json:"amount_debited"`
	SharesConverted int64     `json:"shares_converted"`
	CreatedAt       time.Time `json:"created_at"`
}

// ArchiveOrders queries all completed and cancelled orders created before
// the cutoff, serializes them to JSONL, and uploads the file to S3 at
// archive/orders/YYYY-MM.jsonl. The archival event is recorded in the audit
// log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	orders, err := a.orders.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	if len(orders) == 0 {
		return 0, nil
	}

	records := make([]archivedOrder, 0, len(orders))
	for _, o := range orders {
		records = append(records, archivedOrder{
			ID:                o.ID,
			UserID:            o.UserID,
			ShareID:           o.ShareID,
			Currency:          o.Currency,
			Quantity:          o.Quantity,
			RequestedPrice:    o.RequestedPrice.String(),
			FIFOPosition:      o.FIFOPosition,
			ProcessedQuantity: o.ProcessedQuantity,
			Status:            string(o.Status),
			CreatedAt:         o.CreatedAt,
			ProcessedAt:       o.ProcessedAt,
			CancelledAt:       o.CancelledAt,
		})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders marshal: %w", err)
	}

	path := archivePath("orders", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive orders upload: %w", err)
	}

	count := int64(len(orders))

	if err := a.audit.Log(ctx, "archive.orders", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive orders audit log: %w", err)
	}

	return count, nil
}

// ArchiveLedger queries all debit ledger entries created before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/ledger/YYYY-MM.jsonl. The archival event is recorded in the audit
// log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveLedger(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.ledger.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive ledger query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	records := make([]archivedLedgerEntry, 0, len(entries))
	for _, e := range entries {
		records = append(records, archivedLedgerEntry{
			ID:              e.ID,
			OrderID:         e.OrderID,
			Currency:        e.Currency,
			AmountDebited:   e.AmountDebited.String(),
			SharesConverted: e.SharesConverted,
			CreatedAt:       e.CreatedAt,
		})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive ledger marshal: %w", err)
	}

	path := archivePath("ledger", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive ledger upload: %w", err)
	}

	count := int64(len(entries))

	if err := a.audit.Log(ctx, "archive.ledger", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive ledger audit log: %w", err)
	}

	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/orders/2026-08.jsonl
//	archive/ledger/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
