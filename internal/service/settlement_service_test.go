package service

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equitydesk/buybackd/internal/domain"
)

type settlementHarness struct {
	orders     *fakeOrderStore
	funds      *fakeFundLedger
	settlement *fakeSettlementStore
	cache      *fakeBalanceCache
	locks      *fakeLockManager
	limiter    *fakeRateLimiter
	bus        *fakeBus
	audit      *fakeAuditStore
	svc        *SettlementService
}

func newSettlementHarness(t *testing.T) *settlementHarness {
	t.Helper()

	h := &settlementHarness{
		orders:  newFakeOrderStore(),
		funds:   newFakeFundLedger(),
		cache:   newFakeBalanceCache(),
		locks:   newFakeLockManager(),
		limiter: &fakeRateLimiter{allowed: true},
		bus:     newFakeBus(),
		audit:   &fakeAuditStore{},
	}
	h.settlement = newFakeSettlementStore(h.orders, h.funds)
	h.svc = NewSettlementService(
		h.orders, h.settlement, h.cache, h.locks, h.limiter, h.bus, h.audit,
		SettlementConfig{LockTTL: time.Second, RateLimit: 100, RateWindow: time.Second},
		slog.New(slog.DiscardHandler),
	)
	return h
}

func (h *settlementHarness) seedOrder(t *testing.T, id string, quantity int64, price int64, processed int64, status domain.OrderStatus) {
	t.Helper()

	o := &domain.SellOrder{
		ID:                id,
		UserID:            "user-1",
		ShareID:           "share-1",
		Currency:          "NGN",
		Quantity:          quantity,
		RequestedPrice:    decimal.NewFromInt(price),
		ProcessedQuantity: processed,
		Status:            status,
	}
	require.NoError(t, h.orders.Create(context.Background(), o))
}

func (h *settlementHarness) seedFund(t *testing.T, currency string, amount int64) {
	t.Helper()
	_, err := h.funds.Credit(context.Background(), currency, decimal.NewFromInt(amount))
	require.NoError(t, err)
}

func (h *settlementHarness) balance(t *testing.T, currency string) decimal.Decimal {
	t.Helper()
	fb, err := h.funds.Balance(context.Background(), currency)
	require.NoError(t, err)
	return fb.Balance
}

func TestSettlePartialConvertsFlooredShares(t *testing.T) {
	h := newSettlementHarness(t)
	h.seedOrder(t, "ord-1", 1000, 500, 0, domain.OrderStatusPending)
	h.seedFund(t, "NGN", 300000)

	res, err := h.svc.SettlePartial(context.Background(), "ord-1", decimal.NewFromInt(200000))
	require.NoError(t, err)

	assert.Equal(t, int64(400), res.SharesConverted)
	assert.Equal(t, domain.OrderStatusPartial, res.Status)
	assert.True(t, res.CashApplied.Equal(decimal.NewFromInt(200000)))

	order, err := h.orders.GetByID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), order.ProcessedQuantity)
	assert.Equal(t, int64(600), order.Remaining())
	assert.Equal(t, domain.OrderStatusPartial, order.Status)
	assert.Nil(t, order.ProcessedAt)

	assert.True(t, h.balance(t, "NGN").Equal(decimal.NewFromInt(100000)))
}

func TestSettlePartialInsufficientFundsLeavesOrderUntouched(t *testing.T) {
	h := newSettlementHarness(t)
	h.seedOrder(t, "ord-1", 1000, 500, 400, domain.OrderStatusPartial)
	h.seedFund(t, "NGN", 100000)

	// 400000 buys 800 shares, clamped to the 600 remaining, so the debit is
	// 300000 against a balance of 100000.
	_, err := h.svc.SettlePartial(context.Background(), "ord-1", decimal.NewFromInt(400000))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	order, getErr := h.orders.GetByID(context.Background(), "ord-1")
	require.NoError(t, getErr)
	assert.Equal(t, int64(400), order.ProcessedQuantity)
	assert.Equal(t, int64(600), order.Remaining())
	assert.Equal(t, domain.OrderStatusPartial, order.Status)

	assert.True(t, h.balance(t, "NGN").Equal(decimal.NewFromInt(100000)))
}

func TestSettleFullInsufficientFunds(t *testing.T) {
	h := newSettlementHarness(t)
	h.seedOrder(t, "ord-1", 1000, 500, 400, domain.OrderStatusPartial)
	h.seedFund(t, "NGN", 100000)

	_, err := h.svc.SettleFull(context.Background(), "ord-1")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	order, getErr := h.orders.GetByID(context.Background(), "ord-1")
	require.NoError(t, getErr)
	assert.Equal(t, domain.OrderStatusPartial, order.Status)
	assert.True(t, h.balance(t, "NGN").Equal(decimal.NewFromInt(100000)))
}

func TestSettleFullCompletesOrder(t *testing.T) {
	h := newSettlementHarness(t)
	h.seedOrder(t, "ord-1", 10, 1000, 0, domain.OrderStatusPending)
	h.seedFund(t, "NGN", 50000)

	res, err := h.svc.SettleFull(context.Background(), "ord-1")
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusCompleted, res.Status)
	assert.Equal(t, int64(10), res.SharesConverted)
	assert.True(t, res.CashApplied.Equal(decimal.NewFromInt(10000)))

	order, getErr := h.orders.GetByID(context.Background(), "ord-1")
	require.NoError(t, getErr)
	assert.Equal(t, domain.OrderStatusCompleted, order.Status)
	assert.NotNil(t, order.ProcessedAt)
	assert.True(t, h.balance(t, "NGN").Equal(decimal.NewFromInt(40000)))

	require.Len(t, h.settlement.entries, 1)
	assert.Equal(t, "ord-1", h.settlement.entries[0].OrderID)
	assert.True(t, h.settlement.entries[0].AmountDebited.Equal(decimal.NewFromInt(10000)))
}

func TestCancelPartialOrder(t *testing.T) {
	h := newSettlementHarness(t)
	h.seedOrder(t, "ord-1", 1000, 500, 400, domain.OrderStatusPartial)
	h.seedFund(t, "NGN", 100000)

	res, err := h.svc.Cancel(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, res.Status)

	order, getErr := h.orders.GetByID(context.Background(), "ord-1")
	require.NoError(t, getErr)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	assert.NotNil(t, order.CancelledAt)
	assert.Equal(t, int64(1), order.FIFOPosition)
	assert.True(t, h.balance(t, "NGN").Equal(decimal.NewFromInt(100000)))

	_, err = h.svc.SettleFull(context.Background(), "ord-1")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	_, err = h.svc.SettlePartial(context.Background(), "ord-1", decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestSettleFullOnCompletedOrder(t *testing.T) {
	h := newSettlementHarness(t)
	h.seedOrder(t, "ord-1", 10, 1000, 10, domain.OrderStatusCompleted)
	h.seedFund(t, "NGN", 50000)

	_, err := h.svc.SettleFull(context.Background(), "ord-1")
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	assert.True(t, h.balance(t, "NGN").Equal(decimal.NewFromInt(50000)))
}

func TestSettlePartialAmountTooSmall(t *testing.T) {
	h := newSettlementHarness(t)
	h.seedOrder(t, "ord-1", 100, 500, 0, domain.OrderStatusPending)
	h.seedFund(t, "NGN", 100000)

	_, err := h.svc.SettlePartial(context.Background(), "ord-1", decimal.NewFromInt(499))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = h.svc.SettlePartial(context.Background(), "ord-1", decimal.Zero)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = h.svc.SettlePartial(context.Background(), "ord-1", decimal.NewFromInt(-10))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	order, getErr := h.orders.GetByID(context.Background(), "ord-1")
	require.NoError(t, getErr)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Zero(t, order.ProcessedQuantity)
}

func TestSettlePartialCompletesWhenCashCoversRemainder(t *testing.T) {
	h := newSettlementHarness(t)
	h.seedOrder(t, "ord-1", 100, 500, 0, domain.OrderStatusPending)
	h.seedFund(t, "NGN", 100000)

	// 60000 buys 120 shares, clamped to the 100 on the order; only the
	// share-equivalent 50000 is debited.
	res, err := h.svc.SettlePartial(context.Background(), "ord-1", decimal.NewFromInt(60000))
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusCompleted, res.Status)
	assert.Equal(t, int64(100), res.SharesConverted)
	assert.True(t, res.CashApplied.Equal(decimal.NewFromInt(50000)))
	assert.True(t, h.balance(t, "NGN").Equal(decimal.NewFromInt(50000)))
}

func TestSettleRejectsWhileLockHeld(t *testing.T) {
	h := newSettlementHarness(t)
	h.seedOrder(t, "ord-1", 100, 500, 0, domain.OrderStatusPending)
	h.seedFund(t, "NGN", 100000)

	unlock, err := h.locks.Acquire(context.Background(), "order:ord-1", time.Second)
	require.NoError(t, err)
	defer unlock()

	_, err = h.svc.SettleFull(context.Background(), "ord-1")
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	_, err = h.svc.Cancel(context.Background(), "ord-1")
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
}

func TestSettleRateLimited(t *testing.T) {
	h := newSettlementHarness(t)
	h.seedOrder(t, "ord-1", 100, 500, 0, domain.OrderStatusPending)
	h.limiter.allowed = false

	_, err := h.svc.SettleFull(context.Background(), "ord-1")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestSettleOrderNotFound(t *testing.T) {
	h := newSettlementHarness(t)

	_, err := h.svc.SettleFull(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestConcurrentSettlementsShareOneFund(t *testing.T) {
	h := newSettlementHarness(t)
	h.seedFund(t, "NGN", 15000)

	// Three orders worth 10000 each against a 15000 fund: exactly one full
	// settlement can win.
	for _, id := range []string{"ord-1", "ord-2", "ord-3"} {
		h.seedOrder(t, id, 10, 1000, 0, domain.OrderStatusPending)
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i, id := range []string{"ord-1", "ord-2", "ord-3"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = h.svc.SettleFull(context.Background(), id)
		}(i, id)
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		default:
			require.ErrorIs(t, err, domain.ErrInsufficientFunds)
			insufficient++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 2, insufficient)

	// No overdraft: the single winner debited exactly 10000.
	assert.True(t, h.balance(t, "NGN").Equal(decimal.NewFromInt(5000)))
}

func TestRecoverStaleRestoresStrandedOrders(t *testing.T) {
	h := newSettlementHarness(t)
	h.seedOrder(t, "ord-1", 100, 500, 0, domain.OrderStatusProcessing)
	h.seedOrder(t, "ord-2", 100, 500, 40, domain.OrderStatusProcessing)

	n, err := h.svc.RecoverStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	o1, err := h.orders.GetByID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, o1.Status)

	o2, err := h.orders.GetByID(context.Background(), "ord-2")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartial, o2.Status)
}

func TestSettlementPublishesOutcomeEvents(t *testing.T) {
	h := newSettlementHarness(t)
	h.seedOrder(t, "ord-1", 10, 1000, 0, domain.OrderStatusPending)
	h.seedFund(t, "NGN", 50000)

	_, err := h.svc.SettleFull(context.Background(), "ord-1")
	require.NoError(t, err)

	h.bus.mu.Lock()
	defer h.bus.mu.Unlock()
	assert.Len(t, h.bus.published["ch:settlement"], 1)
	assert.Len(t, h.bus.streamed["stream:settlement"], 1)
}
