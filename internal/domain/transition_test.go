package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextStatus(t *testing.T) {
	cases := []struct {
		name      string
		status    OrderStatus
		processed int64
		event     OrderEvent
		want      OrderStatus
		wantErr   bool
	}{
		{name: "pending begins settlement", status: OrderStatusPending, event: EventBeginSettlement, want: OrderStatusProcessing},
		{name: "partial begins settlement", status: OrderStatusPartial, event: EventBeginSettlement, want: OrderStatusProcessing},
		{name: "processing cannot begin again", status: OrderStatusProcessing, event: EventBeginSettlement, wantErr: true},
		{name: "completed cannot begin", status: OrderStatusCompleted, event: EventBeginSettlement, wantErr: true},
		{name: "cancelled cannot begin", status: OrderStatusCancelled, event: EventBeginSettlement, wantErr: true},

		{name: "processing completes", status: OrderStatusProcessing, event: EventComplete, want: OrderStatusCompleted},
		{name: "pending cannot complete", status: OrderStatusPending, event: EventComplete, wantErr: true},

		{name: "processing applies partial", status: OrderStatusProcessing, event: EventApplyPartial, want: OrderStatusPartial},
		{name: "partial cannot apply partial directly", status: OrderStatusPartial, event: EventApplyPartial, wantErr: true},

		{name: "abort with no fills restores pending", status: OrderStatusProcessing, processed: 0, event: EventAbort, want: OrderStatusPending},
		{name: "abort with fills restores partial", status: OrderStatusProcessing, processed: 40, event: EventAbort, want: OrderStatusPartial},
		{name: "pending cannot abort", status: OrderStatusPending, event: EventAbort, wantErr: true},

		{name: "pending cancels", status: OrderStatusPending, event: EventCancel, want: OrderStatusCancelled},
		{name: "processing cancels", status: OrderStatusProcessing, event: EventCancel, want: OrderStatusCancelled},
		{name: "partial cancels", status: OrderStatusPartial, event: EventCancel, want: OrderStatusCancelled},
		{name: "completed cannot cancel", status: OrderStatusCompleted, event: EventCancel, wantErr: true},
		{name: "cancelled cannot cancel again", status: OrderStatusCancelled, event: EventCancel, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := SellOrder{Status: tc.status, Quantity: 100, ProcessedQuantity: tc.processed}

			got, err := NextStatus(o, tc.event)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidStateTransition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSellOrderRemaining(t *testing.T) {
	o := SellOrder{
		Quantity:          1000,
		ProcessedQuantity: 400,
		RequestedPrice:    decimal.NewFromInt(500),
	}

	assert.EqualValues(t, 600, o.Remaining())
	assert.True(t, o.RemainingValue().Equal(decimal.NewFromInt(300000)))

	// processed + remaining always reconstructs the original quantity
	assert.EqualValues(t, o.Quantity, o.ProcessedQuantity+o.Remaining())
}

func TestOrderStatusTerminal(t *testing.T) {
	assert.True(t, OrderStatusCompleted.Terminal())
	assert.True(t, OrderStatusCancelled.Terminal())
	assert.False(t, OrderStatusPending.Terminal())
	assert.False(t, OrderStatusProcessing.Terminal())
	assert.False(t, OrderStatusPartial.Terminal())
}
