package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equitydesk/buybackd/internal/domain"
)

// stubSettlement returns canned results for settlement calls.
type stubSettlement struct {
	result  domain.SettlementResult
	err     error
	lastID  string
	lastAmt decimal.Decimal
	mode    string
}

func (s *stubSettlement) SettleFull(_ context.Context, orderID string) (domain.SettlementResult, error) {
	s.lastID, s.mode = orderID, "full"
	return s.result, s.err
}

func (s *stubSettlement) SettlePartial(_ context.Context, orderID string, amount decimal.Decimal) (domain.SettlementResult, error) {
	s.lastID, s.lastAmt, s.mode = orderID, amount, "partial"
	return s.result, s.err
}

func (s *stubSettlement) Cancel(_ context.Context, orderID string) (domain.SettlementResult, error) {
	s.lastID, s.mode = orderID, "cancel"
	return s.result, s.err
}

func (s *stubSettlement) RecoverStale(_ context.Context) (int64, error) {
	return 3, s.err
}

func newSettlementMux(stub *stubSettlement) *http.ServeMux {
	h := NewSettlementHandler(stub, slog.New(slog.DiscardHandler))
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders/{id}/settle", h.Settle)
	mux.HandleFunc("DELETE /api/orders/{id}", h.CancelOrder)
	mux.HandleFunc("POST /api/settlement/recover", h.Recover)
	return mux
}

func TestSettleFullEndpoint(t *testing.T) {
	stub := &stubSettlement{result: domain.SettlementResult{
		OrderID:         "ord-1",
		Status:          domain.OrderStatusCompleted,
		SharesConverted: 10,
		CashApplied:     decimal.NewFromInt(10000),
	}}
	mux := newSettlementMux(stub)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/ord-1/settle",
		strings.NewReader(`{"mode":"full"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "full", stub.mode)
	assert.Equal(t, "ord-1", stub.lastID)
	assert.JSONEq(t, `{
		"order_id": "ord-1",
		"status": "completed",
		"shares_converted": 10,
		"cash_applied": "10000"
	}`, rec.Body.String())
}

func TestSettlePartialEndpoint(t *testing.T) {
	stub := &stubSettlement{result: domain.SettlementResult{
		OrderID:         "ord-1",
		Status:          domain.OrderStatusPartial,
		SharesConverted: 400,
		CashApplied:     decimal.NewFromInt(200000),
	}}
	mux := newSettlementMux(stub)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/ord-1/settle",
		strings.NewReader(`{"mode":"partial","amount":"200000"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", stub.mode)
	assert.True(t, stub.lastAmt.Equal(decimal.NewFromInt(200000)))
}

func TestSettleBadRequests(t *testing.T) {
	stub := &stubSettlement{}
	mux := newSettlementMux(stub)

	for name, body := range map[string]string{
		"unknown mode":   `{"mode":"half"}`,
		"missing amount": `{"mode":"partial"}`,
		"bad amount":     `{"mode":"partial","amount":"abc"}`,
		"not json":       `nope`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/orders/ord-1/settle",
				strings.NewReader(body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSettleErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{domain.ErrOrderNotFound, http.StatusNotFound},
		{domain.ErrInvalidAmount, http.StatusBadRequest},
		{domain.ErrInvalidStateTransition, http.StatusConflict},
		{domain.ErrConcurrentModification, http.StatusConflict},
		{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
	}

	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			mux := newSettlementMux(&stubSettlement{err: tc.err})

			req := httptest.NewRequest(http.MethodPost, "/api/orders/ord-1/settle",
				strings.NewReader(`{"mode":"full"}`))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestCancelEndpoint(t *testing.T) {
	stub := &stubSettlement{result: domain.SettlementResult{
		OrderID: "ord-1",
		Status:  domain.OrderStatusCancelled,
	}}
	mux := newSettlementMux(stub)

	req := httptest.NewRequest(http.MethodDelete, "/api/orders/ord-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancel", stub.mode)
	assert.Contains(t, rec.Body.String(), `"cancelled"`)
}

func TestRecoverEndpoint(t *testing.T) {
	mux := newSettlementMux(&stubSettlement{})

	req := httptest.NewRequest(http.MethodPost, "/api/settlement/recover", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"recovered":3}`, rec.Body.String())
}
