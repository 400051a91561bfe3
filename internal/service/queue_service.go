package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/equitydesk/buybackd/internal/domain"
)

// QueueService manages the per-share sell-order queues: enqueueing new orders
// with their FIFO position and exposing queue contents in arrival order.
type QueueService struct {
	orders domain.OrderStore
	bus    domain.SignalBus
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewQueueService creates a QueueService with all required dependencies.
func NewQueueService(
	orders domain.OrderStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *QueueService {
	return &QueueService{
		orders: orders,
		bus:    bus,
		audit:  audit,
		logger: logger,
	}
}

// Enqueue validates the request and creates a pending sell order at the tail
// of its share's queue. The FIFO position is assigned by the store,
// serialized per share, and is never reused even after cancellation.
func (s *QueueService) Enqueue(ctx context.Context, req domain.EnqueueRequest) (domain.SellOrder, error) {
	if req.Quantity <= 0 {
		return domain.SellOrder{}, domain.ErrInvalidQuantity
	}
	if req.RequestedPrice.Sign() <= 0 {
		return domain.SellOrder{}, fmt.Errorf("queue_service: requested price must be positive: %w", domain.ErrInvalidAmount)
	}
	if req.UserID == "" || req.ShareID == "" || req.Currency == "" {
		return domain.SellOrder{}, fmt.Errorf("queue_service: user, share and currency are required: %w", domain.ErrInvalidQuantity)
	}

	order := domain.SellOrder{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		ShareID:        req.ShareID,
		Currency:       req.Currency,
		Quantity:       req.Quantity,
		RequestedPrice: req.RequestedPrice,
		Status:         domain.OrderStatusPending,
	}

	if err := s.orders.Create(ctx, &order); err != nil {
		return domain.SellOrder{}, fmt.Errorf("queue_service: create order: %w", err)
	}

	evt, _ := json.Marshal(map[string]any{
		"event":    "order_enqueued",
		"order_id": order.ID,
		"share_id": order.ShareID,
		"currency": order.Currency,
		"quantity": order.Quantity,
		"position": order.FIFOPosition,
	})
	if pubErr := s.bus.Publish(ctx, "ch:orders", evt); pubErr != nil {
		s.logger.WarnContext(ctx, "queue_service: publish enqueue event failed",
			slog.String("order_id", order.ID),
			slog.String("error", pubErr.Error()),
		)
	}

	if auditErr := s.audit.Log(ctx, "order_enqueued", map[string]any{
		"order_id": order.ID,
		"user_id":  order.UserID,
		"share_id": order.ShareID,
		"currency": order.Currency,
		"quantity": order.Quantity,
		"price":    order.RequestedPrice.String(),
		"position": order.FIFOPosition,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "queue_service: audit log failed",
			slog.String("order_id", order.ID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "queue_service: order enqueued",
		slog.String("order_id", order.ID),
		slog.String("share_id", order.ShareID),
		slog.Int64("quantity", order.Quantity),
		slog.Int64("position", order.FIFOPosition),
	)

	return order, nil
}

// Get retrieves a single order by its ID.
func (s *QueueService) Get(ctx context.Context, id string) (domain.SellOrder, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return domain.SellOrder{}, fmt.Errorf("queue_service: get order %q: %w", id, err)
	}
	return order, nil
}

// ListByShare returns a share's orders ascending by FIFO position, optionally
// filtered by status. Iterating the result front to back visits orders in
// arrival order.
func (s *QueueService) ListByShare(ctx context.Context, shareID string, statuses []domain.OrderStatus, opts domain.ListOpts) ([]domain.SellOrder, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("queue_service: unknown status %q: %w", st, domain.ErrInvalidStateTransition)
		}
	}

	orders, err := s.orders.ListByShare(ctx, shareID, statuses, opts)
	if err != nil {
		return nil, fmt.Errorf("queue_service: list orders for share %q: %w", shareID, err)
	}
	return orders, nil
}

// ListLiveShares returns the distinct share ids with at least one order still
// eligible for settlement.
func (s *QueueService) ListLiveShares(ctx context.Context) ([]string, error) {
	shares, err := s.orders.ListLiveShares(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue_service: list live shares: %w", err)
	}
	return shares, nil
}
