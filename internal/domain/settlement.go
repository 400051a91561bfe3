package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementResult is the outcome reported to the caller of a settlement or
// cancellation attempt.
type SettlementResult struct {
	OrderID         string
	Status          OrderStatus
	SharesConverted int64
	CashApplied     decimal.Decimal
}

// SettlementApply is the single atomic unit of a settlement commit: the fund
// debit, the order mutation, and the ledger entry either all land or none do.
// NewProcessed is the order's new authoritative fill counter; the store
// guards the order update on the order still being in processing status.
type SettlementApply struct {
	OrderID         string
	Currency        string
	DebitAmount     decimal.Decimal
	SharesConverted int64
	NewProcessed    int64
	NewStatus       OrderStatus
	ProcessedAt     *time.Time
}

// SettlementEvent is published on the signal bus after every settlement or
// cancellation outcome. It is observational only; collaborators must not
// treat it as part of the settlement transaction.
type SettlementEvent struct {
	OrderID         string          `json:"order_id"`
	ShareID         string          `json:"share_id"`
	Currency        string          `json:"currency"`
	Outcome         string          `json:"outcome"`
	Status          OrderStatus     `json:"status"`
	SharesConverted int64           `json:"shares_converted"`
	CashApplied     decimal.Decimal `json:"cash_applied"`
	Remaining       int64           `json:"remaining"`
	At              time.Time       `json:"at"`
}

// FundingEvent is published when a fund is credited.
type FundingEvent struct {
	Currency   string          `json:"currency"`
	Amount     decimal.Decimal `json:"amount"`
	NewBalance decimal.Decimal `json:"new_balance"`
	At         time.Time       `json:"at"`
}
