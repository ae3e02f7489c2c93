package domain

import "errors"

// Ledger error kinds. Every failed operation surfaces exactly one of these,
// possibly wrapped with context.
var (
	ErrInvalidAuthorization     = errors.New("invalid authorization")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrInactiveOperationBlocked = errors.New("operation blocked while pool is active")
	ErrDelegationFailed         = errors.New("delegation failed")
	ErrTransferFailed           = errors.New("transfer failed")
	ErrAmountOverflow           = errors.New("amount overflow")
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrRateLimited     = errors.New("rate limited")
	ErrLockHeld        = errors.New("lock already held")
	ErrBadCommand      = errors.New("malformed command")
	ErrCommandExpired  = errors.New("command expired")
	ErrReplayedCommand = errors.New("command nonce already used")
	ErrSigningFailed   = errors.New("signing failed")
)
