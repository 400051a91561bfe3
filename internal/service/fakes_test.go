package service

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/equitydesk/buybackd/internal/domain"
)

// In-memory fakes for the domain interfaces. They reproduce the stores'
// contracts (guarded transitions, conditional debits, atomic settlement
// commits) so the services can be exercised without Postgres or Redis.

type fakeOrderStore struct {
	mu       sync.Mutex
	orders   map[string]*domain.SellOrder
	nextPos  map[string]int64
	createAt time.Time
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{
		orders:   make(map[string]*domain.SellOrder),
		nextPos:  make(map[string]int64),
		createAt: time.Now().UTC(),
	}
}

func (f *fakeOrderStore) Create(_ context.Context, o *domain.SellOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextPos[o.ShareID]++
	o.FIFOPosition = f.nextPos[o.ShareID]
	o.CreatedAt = f.createAt

	cp := *o
	f.orders[o.ID] = &cp
	return nil
}

func (f *fakeOrderStore) GetByID(_ context.Context, id string) (domain.SellOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[id]
	if !ok {
		return domain.SellOrder{}, domain.ErrOrderNotFound
	}
	return *o, nil
}

func (f *fakeOrderStore) ListByShare(_ context.Context, shareID string, statuses []domain.OrderStatus, _ domain.ListOpts) ([]domain.SellOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.SellOrder
	for pos := int64(1); pos <= f.nextPos[shareID]; pos++ {
		for _, o := range f.orders {
			if o.ShareID != shareID || o.FIFOPosition != pos {
				continue
			}
			if len(statuses) > 0 && !statusIn(o.Status, statuses) {
				continue
			}
			out = append(out, *o)
		}
	}
	return out, nil
}

func statusIn(s domain.OrderStatus, set []domain.OrderStatus) bool {
	for _, st := range set {
		if s == st {
			return true
		}
	}
	return false
}

func (f *fakeOrderStore) ListLiveShares(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, o := range f.orders {
		if o.Status != domain.OrderStatusPending && o.Status != domain.OrderStatusPartial {
			continue
		}
		if !seen[o.ShareID] {
			seen[o.ShareID] = true
			out = append(out, o.ShareID)
		}
	}
	return out, nil
}

func (f *fakeOrderStore) TransitionStatus(_ context.Context, id string, from, to domain.OrderStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.Status != from {
		return domain.ErrConcurrentModification
	}
	o.Status = to
	if to == domain.OrderStatusCancelled {
		now := time.Now().UTC()
		o.CancelledAt = &now
	}
	return nil
}

func (f *fakeOrderStore) RecoverProcessing(_ context.Context, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64
	for _, o := range f.orders {
		if o.Status != domain.OrderStatusProcessing {
			continue
		}
		if o.ProcessedQuantity > 0 {
			o.Status = domain.OrderStatusPartial
		} else {
			o.Status = domain.OrderStatusPending
		}
		n++
	}
	return n, nil
}

func (f *fakeOrderStore) ListTerminalBefore(_ context.Context, before time.Time) ([]domain.SellOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.SellOrder
	for _, o := range f.orders {
		if o.Status.Terminal() && o.CreatedAt.Before(before) {
			out = append(out, *o)
		}
	}
	return out, nil
}

type fakeFundLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

func newFakeFundLedger() *fakeFundLedger {
	return &fakeFundLedger{balances: make(map[string]decimal.Decimal)}
}

func (f *fakeFundLedger) Balance(_ context.Context, currency string) (domain.FundBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return domain.FundBalance{
		Currency:  currency,
		Balance:   f.balances[currency],
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeFundLedger) Credit(_ context.Context, currency string, amount decimal.Decimal) (domain.FundBalance, error) {
	if amount.Sign() <= 0 {
		return domain.FundBalance{}, domain.ErrInvalidAmount
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.balances[currency] = f.balances[currency].Add(amount)
	return domain.FundBalance{
		Currency:  currency,
		Balance:   f.balances[currency],
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeFundLedger) ReserveAndDebit(_ context.Context, currency string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	bal := f.balances[currency]
	if bal.LessThan(amount) {
		return domain.ErrInsufficientFunds
	}
	f.balances[currency] = bal.Sub(amount)
	return nil
}

// fakeSettlementStore mirrors the production Apply: conditional debit, order
// update guarded on processing, and a ledger append, all or nothing.
type fakeSettlementStore struct {
	orders  *fakeOrderStore
	funds   *fakeFundLedger
	mu      sync.Mutex
	entries []domain.LedgerEntry
}

func newFakeSettlementStore(orders *fakeOrderStore, funds *fakeFundLedger) *fakeSettlementStore {
	return &fakeSettlementStore{orders: orders, funds: funds}
}

func (f *fakeSettlementStore) Apply(ctx context.Context, ap domain.SettlementApply) error {
	if err := f.funds.ReserveAndDebit(ctx, ap.Currency, ap.DebitAmount); err != nil {
		return err
	}

	f.orders.mu.Lock()
	o, ok := f.orders.orders[ap.OrderID]
	if !ok || o.Status != domain.OrderStatusProcessing {
		f.orders.mu.Unlock()
		// Undo the debit, as the transaction rollback would.
		f.funds.mu.Lock()
		f.funds.balances[ap.Currency] = f.funds.balances[ap.Currency].Add(ap.DebitAmount)
		f.funds.mu.Unlock()
		return domain.ErrConcurrentModification
	}
	o.ProcessedQuantity = ap.NewProcessed
	o.Status = ap.NewStatus
	if ap.ProcessedAt != nil {
		o.ProcessedAt = ap.ProcessedAt
	}
	f.orders.mu.Unlock()

	f.mu.Lock()
	f.entries = append(f.entries, domain.LedgerEntry{
		ID:              int64(len(f.entries) + 1),
		OrderID:         ap.OrderID,
		Currency:        ap.Currency,
		AmountDebited:   ap.DebitAmount,
		SharesConverted: ap.SharesConverted,
		CreatedAt:       time.Now().UTC(),
	})
	f.mu.Unlock()
	return nil
}

type fakeLedgerStore struct {
	settlement *fakeSettlementStore
}

func (f *fakeLedgerStore) List(_ context.Context, currency string, _ domain.ListOpts) ([]domain.LedgerEntry, error) {
	f.settlement.mu.Lock()
	defer f.settlement.mu.Unlock()

	var out []domain.LedgerEntry
	for i := len(f.settlement.entries) - 1; i >= 0; i-- {
		e := f.settlement.entries[i]
		if currency != "" && e.Currency != currency {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeLedgerStore) ListBefore(_ context.Context, before time.Time) ([]domain.LedgerEntry, error) {
	f.settlement.mu.Lock()
	defer f.settlement.mu.Unlock()

	var out []domain.LedgerEntry
	for _, e := range f.settlement.entries {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeBalanceCache struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	stamps   map[string]time.Time
}

func newFakeBalanceCache() *fakeBalanceCache {
	return &fakeBalanceCache{
		balances: make(map[string]decimal.Decimal),
		stamps:   make(map[string]time.Time),
	}
}

func (f *fakeBalanceCache) SetBalance(_ context.Context, currency string, balance decimal.Decimal, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[currency] = balance
	f.stamps[currency] = ts
	return nil
}

func (f *fakeBalanceCache) GetBalance(_ context.Context, currency string) (decimal.Decimal, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal, ok := f.balances[currency]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return bal, f.stamps[currency], nil
}

func (f *fakeBalanceCache) Invalidate(_ context.Context, currency string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.balances, currency)
	delete(f.stamps, currency)
	return nil
}

type fakeLockManager struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLockManager() *fakeLockManager {
	return &fakeLockManager{held: make(map[string]bool)}
}

func (f *fakeLockManager) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.held, key)
			f.mu.Unlock()
		})
	}, nil
}

type fakeRateLimiter struct {
	mu      sync.Mutex
	allowed bool
	calls   int
}

func (f *fakeRateLimiter) Allow(_ context.Context, _ string, _ int, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.allowed, nil
}

func (f *fakeRateLimiter) Wait(_ context.Context, _ string) error {
	return nil
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		published: make(map[string][][]byte),
		streamed:  make(map[string][][]byte),
	}
}

func (f *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[channel] = append(f.published[channel], payload)
	return nil
}

func (f *fakeBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (f *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamed[stream] = append(f.streamed[stream], payload)
	return nil
}

func (f *fakeBus) StreamRead(_ context.Context, stream string, _ string, _ int) ([]domain.StreamMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.StreamMessage
	for i, p := range f.streamed[stream] {
		out = append(out, domain.StreamMessage{ID: time.Now().Format("150405") + "-" + string(rune('0'+i)), Payload: p})
	}
	return out, nil
}

type fakeAuditStore struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeAuditStore) Log(_ context.Context, event string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAuditStore) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}
