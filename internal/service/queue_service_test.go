package service

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equitydesk/buybackd/internal/domain"
)

func newQueueService(t *testing.T) (*QueueService, *fakeOrderStore) {
	t.Helper()

	orders := newFakeOrderStore()
	svc := NewQueueService(orders, newFakeBus(), &fakeAuditStore{}, slog.New(slog.DiscardHandler))
	return svc, orders
}

func enqueueReq(shareID string, quantity int64) domain.EnqueueRequest {
	return domain.EnqueueRequest{
		UserID:         "user-1",
		ShareID:        shareID,
		Currency:       "NGN",
		Quantity:       quantity,
		RequestedPrice: decimal.NewFromInt(500),
	}
}

func TestEnqueueAssignsSequentialPositions(t *testing.T) {
	svc, _ := newQueueService(t)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, enqueueReq("share-1", 100))
	require.NoError(t, err)
	second, err := svc.Enqueue(ctx, enqueueReq("share-1", 200))
	require.NoError(t, err)
	other, err := svc.Enqueue(ctx, enqueueReq("share-2", 300))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.FIFOPosition)
	assert.Equal(t, int64(2), second.FIFOPosition)
	assert.Equal(t, int64(1), other.FIFOPosition)

	assert.Equal(t, domain.OrderStatusPending, first.Status)
	assert.NotEmpty(t, first.ID)
	assert.Zero(t, first.ProcessedQuantity)
}

func TestEnqueueValidation(t *testing.T) {
	svc, _ := newQueueService(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, enqueueReq("share-1", 0))
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = svc.Enqueue(ctx, enqueueReq("share-1", -5))
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	req := enqueueReq("share-1", 10)
	req.RequestedPrice = decimal.Zero
	_, err = svc.Enqueue(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	req = enqueueReq("", 10)
	_, err = svc.Enqueue(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestListByShareReturnsArrivalOrder(t *testing.T) {
	svc, _ := newQueueService(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		o, err := svc.Enqueue(ctx, enqueueReq("share-1", 100))
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}

	orders, err := svc.ListByShare(ctx, "share-1", nil, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, orders, 4)

	for i, o := range orders {
		assert.Equal(t, ids[i], o.ID)
		assert.Equal(t, int64(i+1), o.FIFOPosition)
	}
}

func TestListByShareRejectsUnknownStatus(t *testing.T) {
	svc, _ := newQueueService(t)

	_, err := svc.ListByShare(context.Background(), "share-1",
		[]domain.OrderStatus{"bogus"}, domain.ListOpts{})
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestGetMissingOrder(t *testing.T) {
	svc, _ := newQueueService(t)

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestListLiveShares(t *testing.T) {
	svc, orders := newQueueService(t)
	ctx := context.Background()

	a, err := svc.Enqueue(ctx, enqueueReq("share-a", 10))
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, enqueueReq("share-b", 10))
	require.NoError(t, err)

	require.NoError(t, orders.TransitionStatus(ctx, a.ID, domain.OrderStatusPending, domain.OrderStatusCancelled))

	live, err := svc.ListLiveShares(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"share-b"}, live)
}
