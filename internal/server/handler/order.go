package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/equitydesk/buybackd/internal/domain"
)

// QueueService defines the methods the order handler requires from the
// service layer.
type QueueService interface {
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (domain.SellOrder, error)
	Get(ctx context.Context, id string) (domain.SellOrder, error)
	ListByShare(ctx context.Context, shareID string, statuses []domain.OrderStatus, opts domain.ListOpts) ([]domain.SellOrder, error)
	ListLiveShares(ctx context.Context) ([]string, error)
}

// OrderHandler serves sell-order queue endpoints.
type OrderHandler struct {
	queue  QueueService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(queue QueueService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		queue:  queue,
		logger: logger,
	}
}

// orderView is the JSON shape of a sell order. Decimal amounts are rendered
// as strings to avoid float precision loss in clients.
type orderView struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	ShareID           string     `json:"share_id"`
	Currency          string     `json:"currency"`
	Quantity          int64      `json:"quantity"`
	RequestedPrice    string     `json:"requested_price"`
	FIFOPosition      int64      `json:"fifo_position"`
	ProcessedQuantity int64      `json:"processed_quantity"`
	RemainingQuantity int64      `json:"remaining_quantity"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
}

func toOrderView(o domain.SellOrder) orderView {
	return orderView{
		ID:                o.ID,
		UserID:            o.UserID,
		ShareID:           o.ShareID,
		Currency:          o.Currency,
		Quantity:          o.Quantity,
		RequestedPrice:    o.RequestedPrice.String(),
		FIFOPosition:      o.FIFOPosition,
		ProcessedQuantity: o.ProcessedQuantity,
		RemainingQuantity: o.Remaining(),
		Status:            string(o.Status),
		CreatedAt:         o.CreatedAt,
		ProcessedAt:       o.ProcessedAt,
		CancelledAt:       o.CancelledAt,
	}
}

// enqueueRequest is the JSON body for creating a sell order.
type enqueueRequest struct {
	UserID         string `json:"user_id"`
	ShareID        string `json:"share_id"`
	Currency       string `json:"currency"`
	Quantity       int64  `json:"quantity"`
	RequestedPrice string `json:"requested_price"`
}

// listOrdersResponse wraps the list orders response.
type listOrdersResponse struct {
	Orders []orderView `json:"orders"`
}

// ListOrders returns a share's queue in arrival order, optionally filtered
// by status.
// GET /api/orders?share_id=...&status=pending,partial&limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	shareID := q.Get("share_id")
	if shareID == "" {
		writeError(w, http.StatusBadRequest, "share_id query parameter required")
		return
	}

	var statuses []domain.OrderStatus
	if raw := q.Get("status"); raw != "" {
		for _, s := range splitCSV(raw) {
			st := domain.OrderStatus(s)
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "unknown status: "+s)
				return
			}
			statuses = append(statuses, st)
		}
	}

	orders, err := h.queue.ListByShare(r.Context(), shareID, statuses, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list orders failed",
			slog.String("share_id", shareID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, toOrderView(o))
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: views})
}

// EnqueueOrder creates a new sell order at the tail of its share's queue.
// POST /api/orders
func (h *OrderHandler) EnqueueOrder(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	price, ok := parseDecimal(req.RequestedPrice)
	if !ok {
		writeError(w, http.StatusBadRequest, "requested_price must be a decimal string")
		return
	}

	order, err := h.queue.Enqueue(r.Context(), domain.EnqueueRequest{
		UserID:         req.UserID,
		ShareID:        req.ShareID,
		Currency:       req.Currency,
		Quantity:       req.Quantity,
		RequestedPrice: price,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidQuantity) || errors.Is(err, domain.ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: enqueue order failed",
			slog.String("share_id", req.ShareID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to enqueue order")
		return
	}

	writeJSON(w, http.StatusCreated, toOrderView(order))
}

// GetOrder retrieves a single order by its ID.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get order failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}

	writeJSON(w, http.StatusOK, toOrderView(order))
}

// ListShares returns the share ids with live queues.
// GET /api/shares
func (h *OrderHandler) ListShares(w http.ResponseWriter, r *http.Request) {
	shares, err := h.queue.ListLiveShares(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list shares failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list shares")
		return
	}
	if shares == nil {
		shares = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"shares": shares})
}

// splitCSV splits a comma-separated query value, dropping empty segments.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
