package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/equitydesk/buybackd/internal/domain"
)

// FundService exposes the currency-segregated buyback funds: cached balance
// reads, treasury credits, and the append-only debit ledger. Debits happen
// only inside the settlement transaction and are not reachable from here.
type FundService struct {
	funds  domain.FundLedger
	ledger domain.LedgerStore
	cache  domain.BalanceCache
	bus    domain.SignalBus
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewFundService creates a FundService with all required dependencies.
func NewFundService(
	funds domain.FundLedger,
	ledger domain.LedgerStore,
	cache domain.BalanceCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *FundService {
	return &FundService{
		funds:  funds,
		ledger: ledger,
		cache:  cache,
		bus:    bus,
		audit:  audit,
		logger: logger,
	}
}

// Balance returns the fund balance for a currency, served from the cache
// when fresh and falling through to the database otherwise. The database
// read refreshes the cache.
func (s *FundService) Balance(ctx context.Context, currency string) (domain.FundBalance, error) {
	if balance, ts, err := s.cache.GetBalance(ctx, currency); err == nil {
		return domain.FundBalance{
			Currency:  currency,
			Balance:   balance,
			UpdatedAt: ts,
		}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "fund_service: balance cache read failed",
			slog.String("currency", currency),
			slog.String("error", err.Error()),
		)
	}

	fb, err := s.funds.Balance(ctx, currency)
	if err != nil {
		return domain.FundBalance{}, fmt.Errorf("fund_service: balance %q: %w", currency, err)
	}

	if cacheErr := s.cache.SetBalance(ctx, currency, fb.Balance, fb.UpdatedAt); cacheErr != nil {
		s.logger.WarnContext(ctx, "fund_service: balance cache write failed",
			slog.String("currency", currency),
			slog.String("error", cacheErr.Error()),
		)
	}

	return fb, nil
}

// Credit tops up a fund from the treasury and returns the new balance. Not
// part of the settlement path.
func (s *FundService) Credit(ctx context.Context, currency string, amount decimal.Decimal) (domain.FundBalance, error) {
	fb, err := s.funds.Credit(ctx, currency, amount)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAmount) {
			return domain.FundBalance{}, domain.ErrInvalidAmount
		}
		return domain.FundBalance{}, fmt.Errorf("fund_service: credit %q: %w", currency, err)
	}

	if cacheErr := s.cache.SetBalance(ctx, currency, fb.Balance, fb.UpdatedAt); cacheErr != nil {
		s.logger.WarnContext(ctx, "fund_service: balance cache write failed",
			slog.String("currency", currency),
			slog.String("error", cacheErr.Error()),
		)
	}

	evt, _ := json.Marshal(domain.FundingEvent{
		Currency:   currency,
		Amount:     amount,
		NewBalance: fb.Balance,
		At:         time.Now().UTC(),
	})
	if pubErr := s.bus.Publish(ctx, "ch:funds", evt); pubErr != nil {
		s.logger.WarnContext(ctx, "fund_service: publish funding event failed",
			slog.String("currency", currency),
			slog.String("error", pubErr.Error()),
		)
	}

	if auditErr := s.audit.Log(ctx, "fund_credited", map[string]any{
		"currency":    currency,
		"amount":      amount.String(),
		"new_balance": fb.Balance.String(),
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "fund_service: audit log failed",
			slog.String("currency", currency),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "fund_service: fund credited",
		slog.String("currency", currency),
		slog.String("amount", amount.String()),
		slog.String("new_balance", fb.Balance.String()),
	)

	return fb, nil
}

// Ledger returns debit ledger entries newest first, optionally scoped to a
// currency.
func (s *FundService) Ledger(ctx context.Context, currency string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	entries, err := s.ledger.List(ctx, currency, opts)
	if err != nil {
		return nil, fmt.Errorf("fund_service: list ledger: %w", err)
	}
	return entries, nil
}
