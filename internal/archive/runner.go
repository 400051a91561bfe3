// Package archive moves aged settlement records from the database to S3
// cold storage on a schedule.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/equitydesk/buybackd/internal/domain"
)

// Runner archives terminal orders and old ledger entries past the retention
// window.
type Runner struct {
	archiver      domain.Archiver
	retentionDays int
	logger        *slog.Logger
}

// NewRunner creates a new Runner.
func NewRunner(archiver domain.Archiver, retentionDays int, logger *slog.Logger) *Runner {
	return &Runner{
		archiver:      archiver,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// Run executes a single archive run. It calculates the cutoff time based on
// the retention window and archives terminal orders and ledger entries older
// than the cutoff.
func (r *Runner) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(r.retentionDays) * 24 * time.Hour)
	r.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", r.retentionDays),
	)

	ordersArchived, err := r.archiver.ArchiveOrders(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving orders before %v: %w", cutoff, err)
	}

	ledgerArchived, err := r.archiver.ArchiveLedger(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving ledger before %v: %w", cutoff, err)
	}

	r.logger.Info("archive run complete",
		slog.Int64("orders_archived", ordersArchived),
		slog.Int64("ledger_archived", ledgerArchived),
	)

	return nil
}

// RunLoop runs the archiver on a repeating interval until the context is
// cancelled.
func (r *Runner) RunLoop(ctx context.Context, interval time.Duration) error {
	r.logger.Info("archiver loop started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("archiver loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.Run(ctx); err != nil {
				r.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
