package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/equitydesk/buybackd/internal/domain"
)

// Alerter delivers operator notifications. Delivery is fire-and-forget and
// never part of the settlement transaction.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// SettlementConfig tunes the settlement engine's guard rails.
type SettlementConfig struct {
	// LockTTL bounds how long a per-order settlement lock may be held.
	LockTTL time.Duration
	// RateLimit and RateWindow throttle settlement attempts across callers.
	RateLimit  int
	RateWindow time.Duration
}

// SettlementService orchestrates settlement attempts: it locks the order,
// drives the state machine, and commits the fund debit, order mutation, and
// ledger entry as one atomic unit. At most one attempt per order is ever in
// flight; a second caller fails fast with ErrConcurrentModification.
type SettlementService struct {
	orders     domain.OrderStore
	settlement domain.SettlementStore
	balances   domain.BalanceCache
	locks      domain.LockManager
	limiter    domain.RateLimiter
	bus        domain.SignalBus
	audit      domain.AuditStore
	alerter    Alerter
	cfg        SettlementConfig
	logger     *slog.Logger
}

// NewSettlementService creates a SettlementService with all required
// dependencies.
func NewSettlementService(
	orders domain.OrderStore,
	settlement domain.SettlementStore,
	balances domain.BalanceCache,
	locks domain.LockManager,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	audit domain.AuditStore,
	cfg SettlementConfig,
	logger *slog.Logger,
) *SettlementService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	return &SettlementService{
		orders:     orders,
		settlement: settlement,
		balances:   balances,
		locks:      locks,
		limiter:    limiter,
		bus:        bus,
		audit:      audit,
		cfg:        cfg,
		logger:     logger,
	}
}

// WithAlerter attaches an operator notification channel. Without one the
// service works silently (useful for tests and the sweep-only mode).
func (s *SettlementService) WithAlerter(a Alerter) *SettlementService {
	s.alerter = a
	return s
}

// SettleFull settles the order's entire unsettled remainder. The required
// cash is the remainder times the order's frozen unit price; if the fund
// cannot cover it the attempt fails with ErrInsufficientFunds and the order
// is left byte-for-byte unchanged.
func (s *SettlementService) SettleFull(ctx context.Context, orderID string) (domain.SettlementResult, error) {
	return s.settle(ctx, orderID, decimal.Zero, true)
}

// SettlePartial settles as many whole shares as cashAmount buys at the
// order's frozen unit price. The share count is floored and clamped to the
// remainder, and only the share-equivalent value is debited; cash too small
// to buy a single share fails with ErrInvalidAmount before any mutation.
func (s *SettlementService) SettlePartial(ctx context.Context, orderID string, cashAmount decimal.Decimal) (domain.SettlementResult, error) {
	return s.settle(ctx, orderID, cashAmount, false)
}

func (s *SettlementService) settle(ctx context.Context, orderID string, cashAmount decimal.Decimal, full bool) (domain.SettlementResult, error) {
	if !full && cashAmount.Sign() <= 0 {
		return domain.SettlementResult{}, domain.ErrInvalidAmount
	}

	allowed, err := s.limiter.Allow(ctx, "settle", s.cfg.RateLimit, s.cfg.RateWindow)
	if err != nil {
		return domain.SettlementResult{}, fmt.Errorf("settlement_service: rate limiter: %w", err)
	}
	if !allowed {
		return domain.SettlementResult{}, domain.ErrRateLimited
	}

	unlock, err := s.locks.Acquire(ctx, "order:"+orderID, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.SettlementResult{}, domain.ErrConcurrentModification
		}
		return domain.SettlementResult{}, fmt.Errorf("settlement_service: acquire lock for %q: %w", orderID, err)
	}
	defer unlock()

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.SettlementResult{}, fmt.Errorf("settlement_service: load order %q: %w", orderID, err)
	}

	// We hold the per-order lock, so a persisted processing status means an
	// earlier attempt died mid-flight and has not been recovered yet.
	if order.Status == domain.OrderStatusProcessing {
		return domain.SettlementResult{}, domain.ErrConcurrentModification
	}
	if _, err := domain.NextStatus(order, domain.EventBeginSettlement); err != nil {
		return domain.SettlementResult{}, fmt.Errorf("settlement_service: order %q in %s: %w", orderID, order.Status, domain.ErrInvalidStateTransition)
	}

	remaining := order.Remaining()
	var shares int64
	var debit decimal.Decimal
	if full {
		shares = remaining
		debit = order.RemainingValue()
	} else {
		shares = cashAmount.Div(order.RequestedPrice).Floor().IntPart()
		if shares <= 0 {
			return domain.SettlementResult{}, domain.ErrInvalidAmount
		}
		if shares > remaining {
			shares = remaining
		}
		// Never debit more than the share-equivalent value, even when the
		// caller offered more cash.
		debit = order.RequestedPrice.Mul(decimal.NewFromInt(shares))
	}

	if err := s.orders.TransitionStatus(ctx, orderID, order.Status, domain.OrderStatusProcessing); err != nil {
		return domain.SettlementResult{}, fmt.Errorf("settlement_service: begin attempt for %q: %w", orderID, err)
	}

	newProcessed := order.ProcessedQuantity + shares
	newStatus := domain.OrderStatusPartial
	var processedAt *time.Time
	if newProcessed == order.Quantity {
		newStatus = domain.OrderStatusCompleted
		now := time.Now().UTC()
		processedAt = &now
	}

	err = s.settlement.Apply(ctx, domain.SettlementApply{
		OrderID:         orderID,
		Currency:        order.Currency,
		DebitAmount:     debit,
		SharesConverted: shares,
		NewProcessed:    newProcessed,
		NewStatus:       newStatus,
		ProcessedAt:     processedAt,
	})
	if err != nil {
		s.abortAttempt(ctx, order)
		if errors.Is(err, domain.ErrInsufficientFunds) {
			s.publishOutcome(ctx, order, "insufficient_funds", order.Status, 0, decimal.Zero)
			return domain.SettlementResult{
				OrderID: orderID,
				Status:  order.Status,
			}, domain.ErrInsufficientFunds
		}
		return domain.SettlementResult{}, fmt.Errorf("settlement_service: apply settlement for %q: %w", orderID, err)
	}

	if cacheErr := s.balances.Invalidate(ctx, order.Currency); cacheErr != nil {
		s.logger.WarnContext(ctx, "settlement_service: balance cache invalidate failed",
			slog.String("currency", order.Currency),
			slog.String("error", cacheErr.Error()),
		)
	}

	outcome := "settled_partial"
	if newStatus == domain.OrderStatusCompleted {
		outcome = "settled_full"
	}
	s.publishOutcome(ctx, order, outcome, newStatus, shares, debit)

	if auditErr := s.audit.Log(ctx, "settlement_"+outcome, map[string]any{
		"order_id":         orderID,
		"share_id":         order.ShareID,
		"currency":         order.Currency,
		"shares_converted": shares,
		"cash_applied":     debit.String(),
		"status":           string(newStatus),
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "settlement_service: audit log failed",
			slog.String("order_id", orderID),
			slog.String("error", auditErr.Error()),
		)
	}

	if s.alerter != nil {
		msg := fmt.Sprintf("order %s: %d shares for %s %s (%s)",
			orderID, shares, debit.String(), order.Currency, newStatus)
		if notifyErr := s.alerter.Notify(ctx, "settlement", "Settlement applied", msg); notifyErr != nil {
			s.logger.WarnContext(ctx, "settlement_service: notify failed",
				slog.String("order_id", orderID),
				slog.String("error", notifyErr.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "settlement_service: settlement applied",
		slog.String("order_id", orderID),
		slog.String("share_id", order.ShareID),
		slog.Int64("shares", shares),
		slog.String("cash", debit.String()),
		slog.String("status", string(newStatus)),
	)

	return domain.SettlementResult{
		OrderID:         orderID,
		Status:          newStatus,
		SharesConverted: shares,
		CashApplied:     debit,
	}, nil
}

// abortAttempt rolls an order that we moved into processing back to its
// pre-attempt status. A failure to restore is logged and left to the
// recovery sweep; the order is stranded in processing, never mismatched.
func (s *SettlementService) abortAttempt(ctx context.Context, order domain.SellOrder) {
	inFlight := order
	inFlight.Status = domain.OrderStatusProcessing

	restored, err := domain.NextStatus(inFlight, domain.EventAbort)
	if err != nil {
		restored = order.Status
	}

	if err := s.orders.TransitionStatus(ctx, order.ID, domain.OrderStatusProcessing, restored); err != nil {
		s.logger.ErrorContext(ctx, "settlement_service: abort restore failed",
			slog.String("order_id", order.ID),
			slog.String("restore_to", string(restored)),
			slog.String("error", err.Error()),
		)
	}
}

// Cancel withdraws the order's unsettled remainder. It never touches the
// fund (no cash was committed for the remainder) and the FIFO position stays
// burned. A cancel racing a live settlement attempt is rejected rather than
// interleaved.
func (s *SettlementService) Cancel(ctx context.Context, orderID string) (domain.SettlementResult, error) {
	unlock, err := s.locks.Acquire(ctx, "order:"+orderID, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.SettlementResult{}, domain.ErrConcurrentModification
		}
		return domain.SettlementResult{}, fmt.Errorf("settlement_service: acquire lock for %q: %w", orderID, err)
	}
	defer unlock()

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.SettlementResult{}, fmt.Errorf("settlement_service: load order %q: %w", orderID, err)
	}

	if _, err := domain.NextStatus(order, domain.EventCancel); err != nil {
		return domain.SettlementResult{}, fmt.Errorf("settlement_service: cancel order %q in %s: %w", orderID, order.Status, domain.ErrInvalidStateTransition)
	}

	if err := s.orders.TransitionStatus(ctx, orderID, order.Status, domain.OrderStatusCancelled); err != nil {
		return domain.SettlementResult{}, fmt.Errorf("settlement_service: cancel order %q: %w", orderID, err)
	}

	s.publishOutcome(ctx, order, "cancelled", domain.OrderStatusCancelled, 0, decimal.Zero)

	if auditErr := s.audit.Log(ctx, "order_cancelled", map[string]any{
		"order_id":  orderID,
		"share_id":  order.ShareID,
		"remaining": order.Remaining(),
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "settlement_service: audit log failed",
			slog.String("order_id", orderID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "settlement_service: order cancelled",
		slog.String("order_id", orderID),
		slog.Int64("remaining", order.Remaining()),
	)

	return domain.SettlementResult{
		OrderID: orderID,
		Status:  domain.OrderStatusCancelled,
	}, nil
}

// RecoverStale restores orders stranded in processing longer than twice the
// lock TTL back to their pre-attempt status. It is called on startup and
// periodically by the sweep loop.
func (s *SettlementService) RecoverStale(ctx context.Context) (int64, error) {
	n, err := s.orders.RecoverProcessing(ctx, 2*s.cfg.LockTTL)
	if err != nil {
		return 0, fmt.Errorf("settlement_service: recover stale attempts: %w", err)
	}
	if n > 0 {
		s.logger.WarnContext(ctx, "settlement_service: recovered stranded attempts",
			slog.Int64("count", n),
		)
	}
	return n, nil
}

// publishOutcome emits a settlement event on the pub/sub channel and the
// durable stream. Both are observational; failures are logged and dropped.
func (s *SettlementService) publishOutcome(ctx context.Context, order domain.SellOrder, outcome string, status domain.OrderStatus, shares int64, cash decimal.Decimal) {
	evt := domain.SettlementEvent{
		OrderID:         order.ID,
		ShareID:         order.ShareID,
		Currency:        order.Currency,
		Outcome:         outcome,
		Status:          status,
		SharesConverted: shares,
		CashApplied:     cash,
		Remaining:       order.Remaining() - shares,
		At:              time.Now().UTC(),
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}

	if pubErr := s.bus.Publish(ctx, "ch:settlement", payload); pubErr != nil {
		s.logger.WarnContext(ctx, "settlement_service: publish event failed",
			slog.String("order_id", order.ID),
			slog.String("error", pubErr.Error()),
		)
	}
	if streamErr := s.bus.StreamAppend(ctx, "stream:settlement", payload); streamErr != nil {
		s.logger.WarnContext(ctx, "settlement_service: stream append failed",
			slog.String("order_id", order.ID),
			slog.String("error", streamErr.Error()),
		)
	}
}
