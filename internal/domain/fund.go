package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundBalance is the currency-scoped pool of cash the issuer uses to
// repurchase shares. The balance never goes negative; all settlement-path
// mutation happens through the ledger's atomic check-and-debit.
type FundBalance struct {
	Currency  string
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

// LedgerEntry is one append-only record of cash leaving a buyback fund. Every
// successful settlement writes exactly one entry in the same atomic unit as
// the order mutation, so the ledger replays to the fund balance.
type LedgerEntry struct {
	ID              int64
	OrderID         string
	Currency        string
	AmountDebited   decimal.Decimal
	SharesConverted int64
	CreatedAt       time.Time
}
