package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus tracks the sell-order lifecycle.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusPartial    OrderStatus = "partial"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// Terminal reports whether the status has no outgoing transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusPartial,
		OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// SellOrder is a holder's standing request to liquidate a quantity of shares
// back to the issuer at the unit price frozen at creation time.
//
// ProcessedQuantity is the authoritative fill counter; the remaining quantity
// is always derived from it (see Remaining) and never mutated independently.
type SellOrder struct {
	ID             string
	UserID         string
	ShareID        string
	Currency       string
	Quantity       int64
	RequestedPrice decimal.Decimal

	// FIFOPosition is the order's immutable arrival rank among sell orders
	// for the same share. Assigned once at enqueue, never reused.
	FIFOPosition int64

	ProcessedQuantity int64
	Status            OrderStatus

	CreatedAt   time.Time
	ProcessedAt *time.Time
	CancelledAt *time.Time
}

// Remaining returns the unsettled share quantity.
func (o SellOrder) Remaining() int64 {
	return o.Quantity - o.ProcessedQuantity
}

// RemainingValue returns the cash needed to settle the order in full at its
// frozen unit price.
func (o SellOrder) RemainingValue() decimal.Decimal {
	return o.RequestedPrice.Mul(decimal.NewFromInt(o.Remaining()))
}

// EnqueueRequest is the externally validated payload from which a new sell
// order is created. The engine assigns id, FIFO position, and initial status.
type EnqueueRequest struct {
	UserID         string
	ShareID        string
	Currency       string
	Quantity       int64
	RequestedPrice decimal.Decimal
}
