package market

import "errors"

var (
	// ErrValidation is returned for bad prices, quantities, or sides.
	// Rejected before any mutation.
	ErrValidation = errors.New("market: validation failed")

	// ErrInsufficientFunds is returned when a debit would drive a balance
	// negative. The whole operation rolls back.
	ErrInsufficientFunds = errors.New("market: insufficient funds")

	// ErrPermissionDenied is returned for a cancel by a non-owner or a
	// resolve by a non-oracle.
	ErrPermissionDenied = errors.New("market: permission denied")

	// ErrInvariant indicates data corruption: the settlement conservation
	// check failed, or an all-or-nothing offer was partially reduced. The
	// transaction aborts and the error surfaces loudly.
	ErrInvariant = errors.New("market: invariant violation")
)
