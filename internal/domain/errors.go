package domain

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrOrderNotFound          = errors.New("order not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrRateLimited            = errors.New("rate limited")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInvalidQuantity        = errors.New("invalid order quantity")
	ErrInvalidAmount          = errors.New("invalid settlement amount")
	ErrInsufficientFunds      = errors.New("insufficient buyback funds")
	ErrInvalidStateTransition = errors.New("invalid order state transition")
	ErrConcurrentModification = errors.New("concurrent settlement attempt")
	ErrLockHeld               = errors.New("lock already held")
	ErrContextDone            = errors.New("context cancelled")
)
