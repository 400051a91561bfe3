package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/equitydesk/buybackd/internal/domain"
)

// FundService defines the methods the fund handler requires from the service
// layer.
type FundService interface {
	Balance(ctx context.Context, currency string) (domain.FundBalance, error)
	Credit(ctx context.Context, currency string, amount decimal.Decimal) (domain.FundBalance, error)
	Ledger(ctx context.Context, currency string, opts domain.ListOpts) ([]domain.LedgerEntry, error)
}

// FundHandler serves buyback-fund endpoints.
type FundHandler struct {
	funds  FundService
	logger *slog.Logger
}

// NewFundHandler creates a FundHandler with the given service and logger.
func NewFundHandler(funds FundService, logger *slog.Logger) *FundHandler {
	return &FundHandler{
		funds:  funds,
		logger: logger,
	}
}

// balanceView is the JSON shape of a fund balance.
type balanceView struct {
	Currency  string    `json:"currency"`
	Balance   string    `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toBalanceView(fb domain.FundBalance) balanceView {
	return balanceView{
		Currency:  fb.Currency,
		Balance:   fb.Balance.String(),
		UpdatedAt: fb.UpdatedAt,
	}
}

// creditRequest is the JSON body for a treasury top-up.
type creditRequest struct {
	Amount string `json:"amount"`
}

// ledgerEntryView is the JSON shape of a debit ledger entry.
type ledgerEntryView struct {
	ID              int64     `json:"id"`
	OrderID         string    `json:"order_id"`
	Currency        string    `json:"currency"`
	AmountDebited   string    `json:"amount_debited"`
	SharesConverted int64     `json:"shares_converted"`
	CreatedAt       time.Time `json:"created_at"`
}

// GetBalance returns the fund balance for a currency.
// GET /api/funds/{currency}
func (h *FundHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	currency := pathParam(r, "currency")
	if currency == "" {
		writeError(w, http.StatusBadRequest, "missing currency")
		return
	}

	fb, err := h.funds.Balance(r.Context(), currency)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get balance failed",
			slog.String("currency", currency),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get balance")
		return
	}

	writeJSON(w, http.StatusOK, toBalanceView(fb))
}

// CreditFund tops up a currency's fund from the treasury.
// POST /api/funds/{currency}/credit
func (h *FundHandler) CreditFund(w http.ResponseWriter, r *http.Request) {
	currency := pathParam(r, "currency")
	if currency == "" {
		writeError(w, http.StatusBadRequest, "missing currency")
		return
	}

	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	amount, ok := parseDecimal(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a decimal string")
		return
	}

	fb, err := h.funds.Credit(r.Context(), currency, amount)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, "amount must be positive")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: credit fund failed",
			slog.String("currency", currency),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to credit fund")
		return
	}

	writeJSON(w, http.StatusOK, toBalanceView(fb))
}

// ListLedger returns debit ledger entries newest first.
// GET /api/ledger?currency=NGN&since=...&until=...&limit=50&offset=0
func (h *FundHandler) ListLedger(w http.ResponseWriter, r *http.Request) {
	currency := r.URL.Query().Get("currency")

	entries, err := h.funds.Ledger(r.Context(), currency, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list ledger failed",
			slog.String("currency", currency),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list ledger")
		return
	}

	views := make([]ledgerEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, ledgerEntryView{
			ID:              e.ID,
			OrderID:         e.OrderID,
			Currency:        e.Currency,
			AmountDebited:   e.AmountDebited.String(),
			SharesConverted: e.SharesConverted,
			CreatedAt:       e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]ledgerEntryView{"entries": views})
}
