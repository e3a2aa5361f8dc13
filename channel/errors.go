package channel

import "errors"

// Sentinel errors for channel accounting failures. Re-exported from the
// root package for callers that work against the engine facade.
var (
	ErrNotFound            = errors.New("chainbill: channel not found")
	ErrAlreadyOpen         = errors.New("chainbill: channel already open for tuple")
	ErrNotOpen             = errors.New("chainbill: channel not open")
	ErrStaleNonce          = errors.New("chainbill: stale nonce")
	ErrInsufficientBalance = errors.New("chainbill: insufficient channel balance")
	ErrInvalidSignature    = errors.New("chainbill: invalid payment signature")
	ErrAssetMismatch       = errors.New("chainbill: payment asset does not match channel")
	ErrInvalidDeposit      = errors.New("chainbill: deposit must be positive")
	ErrInvalidAmount       = errors.New("chainbill: payment amount must be positive")
)
