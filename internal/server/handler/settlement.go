package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/equitydesk/buybackd/internal/domain"
)

// SettlementService defines the methods the settlement handler requires from
// the service layer.
type SettlementService interface {
	SettleFull(ctx context.Context, orderID string) (domain.SettlementResult, error)
	SettlePartial(ctx context.Context, orderID string, cashAmount decimal.Decimal) (domain.SettlementResult, error)
	Cancel(ctx context.Context, orderID string) (domain.SettlementResult, error)
	RecoverStale(ctx context.Context) (int64, error)
}

// SettlementHandler serves settlement and cancellation endpoints.
type SettlementHandler struct {
	settlement SettlementService
	logger     *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler with the given service
// and logger.
func NewSettlementHandler(settlement SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{
		settlement: settlement,
		logger:     logger,
	}
}

// settleRequest is the JSON body for a settlement attempt. Mode is "full" or
// "partial"; amount is required for partial settlements.
type settleRequest struct {
	Mode   string `json:"mode"`
	Amount string `json:"amount,omitempty"`
}

// settlementView is the JSON shape of a settlement outcome.
type settlementView struct {
	OrderID         string `json:"order_id"`
	Status          string `json:"status"`
	SharesConverted int64  `json:"shares_converted"`
	CashApplied     string `json:"cash_applied"`
}

func toSettlementView(res domain.SettlementResult) settlementView {
	return settlementView{
		OrderID:         res.OrderID,
		Status:          string(res.Status),
		SharesConverted: res.SharesConverted,
		CashApplied:     res.CashApplied.String(),
	}
}

// Settle runs a settlement attempt against an order.
// POST /api/orders/{id}/settle
func (h *SettlementHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var res domain.SettlementResult
	var err error

	switch req.Mode {
	case "full":
		res, err = h.settlement.SettleFull(r.Context(), id)
	case "partial":
		amount, ok := parseDecimal(req.Amount)
		if !ok {
			writeError(w, http.StatusBadRequest, "amount must be a decimal string")
			return
		}
		res, err = h.settlement.SettlePartial(r.Context(), id, amount)
	default:
		writeError(w, http.StatusBadRequest, `mode must be "full" or "partial"`)
		return
	}

	if err != nil {
		h.writeSettlementError(w, r, id, err)
		return
	}

	writeJSON(w, http.StatusOK, toSettlementView(res))
}

// CancelOrder withdraws an order's unsettled remainder.
// DELETE /api/orders/{id}
func (h *SettlementHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	res, err := h.settlement.Cancel(r.Context(), id)
	if err != nil {
		h.writeSettlementError(w, r, id, err)
		return
	}

	writeJSON(w, http.StatusOK, toSettlementView(res))
}

// Recover restores orders stranded in processing by a crashed attempt.
// POST /api/settlement/recover
func (h *SettlementHandler) Recover(w http.ResponseWriter, r *http.Request) {
	n, err := h.settlement.RecoverStale(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: recovery failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "recovery failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"recovered": n})
}

// writeSettlementError maps the engine's typed outcomes to HTTP statuses.
func (h *SettlementHandler) writeSettlementError(w http.ResponseWriter, r *http.Request, orderID string, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, domain.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "amount too small to settle a single share")
	case errors.Is(err, domain.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, "order is not in a settleable state")
	case errors.Is(err, domain.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "another settlement attempt is in flight")
	case errors.Is(err, domain.ErrInsufficientFunds):
		// 422: the request was well formed, the fund cannot cover it.
		writeError(w, http.StatusUnprocessableEntity, "insufficient buyback funds")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	default:
		h.logger.ErrorContext(r.Context(), "handler: settlement failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "settlement failed")
	}
}
