// Package sweep drives scheduled settlement passes over the live sell-order
// queues, in arrival order, until the buyback funds run dry.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/equitydesk/buybackd/internal/domain"
)

// OrderLister exposes the queue reads the sweeper iterates over.
type OrderLister interface {
	ListLiveShares(ctx context.Context) ([]string, error)
	ListByShare(ctx context.Context, shareID string, statuses []domain.OrderStatus, opts domain.ListOpts) ([]domain.SellOrder, error)
}

// Settler performs settlement attempts and stranded-attempt recovery.
type Settler interface {
	SettleFull(ctx context.Context, orderID string) (domain.SettlementResult, error)
	RecoverStale(ctx context.Context) (int64, error)
}

// Result summarizes a single sweep pass.
type Result struct {
	SharesVisited   int
	OrdersSettled   int
	OrdersSkipped   int
	SharesConverted int64
}

// Sweeper walks every share's queue front to back and settles orders in full
// until a queue's currency fund is exhausted. Queues for different shares are
// swept concurrently; within one queue the walk is strictly FIFO and stops at
// the first InsufficientFunds so no later order can jump an earlier one.
type Sweeper struct {
	queue       OrderLister
	settler     Settler
	parallelism int
	logger      *slog.Logger
}

// New creates a Sweeper. parallelism bounds how many share queues are swept
// at once; values below one select a serial sweep.
func New(queue OrderLister, settler Settler, parallelism int, logger *slog.Logger) *Sweeper {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Sweeper{
		queue:       queue,
		settler:     settler,
		parallelism: parallelism,
		logger:      logger,
	}
}

// Run executes a single sweep pass: recover stranded attempts, then walk
// every live share queue.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	if _, err := s.settler.RecoverStale(ctx); err != nil {
		s.logger.Warn("sweep: recovery failed", slog.String("error", err.Error()))
	}

	shares, err := s.queue.ListLiveShares(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("sweep: list live shares: %w", err)
	}
	if len(shares) == 0 {
		return Result{}, nil
	}

	var (
		mu    sync.Mutex
		total Result
		// Currencies observed out of funds during this pass. Walking further
		// orders in them would only burn settlement attempts.
		exhausted = make(map[string]bool)
	)
	total.SharesVisited = len(shares)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)

	for _, shareID := range shares {
		g.Go(func() error {
			res, err := s.sweepShare(ctx, shareID, &mu, exhausted)
			if err != nil {
				return err
			}
			mu.Lock()
			total.OrdersSettled += res.OrdersSettled
			total.OrdersSkipped += res.OrdersSkipped
			total.SharesConverted += res.SharesConverted
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return total, err
	}

	s.logger.Info("sweep: pass complete",
		slog.Int("shares_visited", total.SharesVisited),
		slog.Int("orders_settled", total.OrdersSettled),
		slog.Int("orders_skipped", total.OrdersSkipped),
		slog.Int64("shares_converted", total.SharesConverted),
	)

	return total, nil
}

// sweepShare walks one share's queue in FIFO order.
func (s *Sweeper) sweepShare(ctx context.Context, shareID string, mu *sync.Mutex, exhausted map[string]bool) (Result, error) {
	orders, err := s.queue.ListByShare(ctx, shareID,
		[]domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusPartial},
		domain.ListOpts{})
	if err != nil {
		return Result{}, fmt.Errorf("sweep: list orders for share %s: %w", shareID, err)
	}

	var res Result
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		mu.Lock()
		dry := exhausted[order.Currency]
		mu.Unlock()
		if dry {
			res.OrdersSkipped++
			continue
		}

		outcome, err := s.settler.SettleFull(ctx, order.ID)
		switch {
		case err == nil:
			res.OrdersSettled++
			res.SharesConverted += outcome.SharesConverted

		case errors.Is(err, domain.ErrInsufficientFunds):
			// FIFO fairness: nothing behind this order in the queue may be
			// settled ahead of it. Stop the walk for this share.
			mu.Lock()
			exhausted[order.Currency] = true
			mu.Unlock()
			s.logger.Info("sweep: fund exhausted",
				slog.String("share_id", shareID),
				slog.String("currency", order.Currency),
				slog.String("order_id", order.ID),
				slog.Int64("position", order.FIFOPosition),
			)
			return res, nil

		case errors.Is(err, domain.ErrConcurrentModification):
			// Another caller holds this order; it is being settled either
			// way, so move on.
			res.OrdersSkipped++

		case errors.Is(err, domain.ErrInvalidStateTransition):
			// Settled or cancelled between listing and locking.
			res.OrdersSkipped++

		case errors.Is(err, domain.ErrRateLimited):
			res.OrdersSkipped++
			s.logger.Warn("sweep: rate limited, ending share pass",
				slog.String("share_id", shareID),
			)
			return res, nil

		default:
			return res, fmt.Errorf("sweep: settle order %s: %w", order.ID, err)
		}
	}

	return res, nil
}

// RunLoop runs sweep passes on a repeating interval until the context is
// cancelled. The first pass runs immediately on start.
func (s *Sweeper) RunLoop(ctx context.Context, interval time.Duration) error {
	if _, err := s.Run(ctx); err != nil {
		s.logger.Error("sweep: pass failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep: loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.Error("sweep: pass failed", slog.String("error", err.Error()))
			}
		}
	}
}
