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

type fundHarness struct {
	funds      *fakeFundLedger
	settlement *fakeSettlementStore
	cache      *fakeBalanceCache
	bus        *fakeBus
	svc        *FundService
}

func newFundHarness(t *testing.T) *fundHarness {
	t.Helper()

	h := &fundHarness{
		funds: newFakeFundLedger(),
		cache: newFakeBalanceCache(),
		bus:   newFakeBus(),
	}
	h.settlement = newFakeSettlementStore(newFakeOrderStore(), h.funds)
	h.svc = NewFundService(
		h.funds, &fakeLedgerStore{settlement: h.settlement}, h.cache, h.bus,
		&fakeAuditStore{}, slog.New(slog.DiscardHandler),
	)
	return h
}

func TestCreditAndBalance(t *testing.T) {
	h := newFundHarness(t)
	ctx := context.Background()

	fb, err := h.svc.Credit(ctx, "NGN", decimal.NewFromInt(100000))
	require.NoError(t, err)
	assert.True(t, fb.Balance.Equal(decimal.NewFromInt(100000)))

	fb, err = h.svc.Credit(ctx, "NGN", decimal.NewFromInt(50000))
	require.NoError(t, err)
	assert.True(t, fb.Balance.Equal(decimal.NewFromInt(150000)))

	// Currencies are segregated.
	fb, err = h.svc.Balance(ctx, "USD")
	require.NoError(t, err)
	assert.True(t, fb.Balance.IsZero())

	h.bus.mu.Lock()
	assert.Len(t, h.bus.published["ch:funds"], 2)
	h.bus.mu.Unlock()
}

func TestCreditRejectsNonPositiveAmounts(t *testing.T) {
	h := newFundHarness(t)
	ctx := context.Background()

	_, err := h.svc.Credit(ctx, "NGN", decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = h.svc.Credit(ctx, "NGN", decimal.NewFromInt(-100))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestBalanceServedFromCache(t *testing.T) {
	h := newFundHarness(t)
	ctx := context.Background()

	_, err := h.svc.Credit(ctx, "NGN", decimal.NewFromInt(100000))
	require.NoError(t, err)

	// Drift the backing store; the cached value from the credit should win.
	require.NoError(t, h.funds.ReserveAndDebit(ctx, "NGN", decimal.NewFromInt(40000)))

	fb, err := h.svc.Balance(ctx, "NGN")
	require.NoError(t, err)
	assert.True(t, fb.Balance.Equal(decimal.NewFromInt(100000)))

	// After invalidation the database is consulted and the cache refreshed.
	require.NoError(t, h.cache.Invalidate(ctx, "NGN"))

	fb, err = h.svc.Balance(ctx, "NGN")
	require.NoError(t, err)
	assert.True(t, fb.Balance.Equal(decimal.NewFromInt(60000)))

	cached, _, err := h.cache.GetBalance(ctx, "NGN")
	require.NoError(t, err)
	assert.True(t, cached.Equal(decimal.NewFromInt(60000)))
}

func TestLedgerListsDebits(t *testing.T) {
	h := newFundHarness(t)
	ctx := context.Background()

	_, err := h.svc.Credit(ctx, "NGN", decimal.NewFromInt(100000))
	require.NoError(t, err)

	orders := h.settlement.orders
	o := &domain.SellOrder{
		ID: "ord-1", UserID: "user-1", ShareID: "share-1", Currency: "NGN",
		Quantity: 10, RequestedPrice: decimal.NewFromInt(1000),
		Status: domain.OrderStatusProcessing,
	}
	require.NoError(t, orders.Create(ctx, o))

	require.NoError(t, h.settlement.Apply(ctx, domain.SettlementApply{
		OrderID:         "ord-1",
		Currency:        "NGN",
		DebitAmount:     decimal.NewFromInt(10000),
		SharesConverted: 10,
		NewProcessed:    10,
		NewStatus:       domain.OrderStatusCompleted,
	}))

	entries, err := h.svc.Ledger(ctx, "NGN", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ord-1", entries[0].OrderID)
	assert.True(t, entries[0].AmountDebited.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, int64(10), entries[0].SharesConverted)

	entries, err = h.svc.Ledger(ctx, "USD", domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
