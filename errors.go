package chainbill

import (
	"errors"
	"fmt"

	"github.com/xraph/chainbill/channel"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("chainbill: not found")
	ErrAlreadyExists = errors.New("chainbill: already exists")
	ErrInvalidInput  = errors.New("chainbill: invalid input")
	ErrUnauthorized  = errors.New("chainbill: unauthorized")

	// Plan errors
	ErrPlanNotFound = errors.New("chainbill: plan not found")
	ErrPlanInactive = errors.New("chainbill: plan is inactive")
	ErrNotMerchant  = errors.New("chainbill: caller is not the plan merchant")

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("chainbill: subscription not found")
	ErrAlreadyCanceled      = errors.New("chainbill: subscription already canceled")
	ErrNotSubscriber        = errors.New("chainbill: caller is not the subscription owner")
	ErrChannelNotBound      = errors.New("chainbill: subscription has no bound channel")

	// Charge errors
	ErrExceedsPlanPrice = errors.New("chainbill: charge amount exceeds plan price per period")
	ErrIntentNotFound   = errors.New("chainbill: charge intent not found")
	ErrIntentTerminal   = errors.New("chainbill: charge intent already terminal")
	ErrNoPendingIntent  = errors.New("chainbill: no pending charge intent")

	// Channel errors (defined in the channel package, re-exported for
	// callers working against the engine facade)
	ErrChannelNotFound     = channel.ErrNotFound
	ErrChannelAlreadyOpen  = channel.ErrAlreadyOpen
	ErrChannelNotOpen      = channel.ErrNotOpen
	ErrStaleNonce          = channel.ErrStaleNonce
	ErrInsufficientBalance = channel.ErrInsufficientBalance
	ErrInvalidSignature    = channel.ErrInvalidSignature
	ErrAssetMismatch       = channel.ErrAssetMismatch

	// Settlement errors
	ErrSettlementNotFound    = errors.New("chainbill: settlement not found")
	ErrSettlementFinalized   = errors.New("chainbill: settlement already confirmed")
	ErrSettlementUnconfirmed = errors.New("chainbill: settlement not yet confirmed")
	ErrCreditNotFound        = errors.New("chainbill: credit not found")
	ErrCreditConsumed        = errors.New("chainbill: credit already consumed")

	// External collaborator errors
	ErrConfirmTimeout = errors.New("chainbill: on-chain confirmation not observed in time")
	ErrTxUnknown      = errors.New("chainbill: on-chain outcome indeterminate")
	ErrChainRejected  = errors.New("chainbill: on-chain charge rejected")
	ErrNoBridge       = errors.New("chainbill: no bridge provider configured")

	// Store errors
	ErrStoreNotReady     = errors.New("chainbill: store not ready")
	ErrStoreClosed       = errors.New("chainbill: store is closed")
	ErrTransactionFailed = errors.New("chainbill: transaction failed")
	ErrMigrationFailed   = errors.New("chainbill: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("chainbill: validation failed for %s: %s", e.Field, e.Message)
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrChannelNotFound) ||
		errors.Is(err, ErrIntentNotFound) ||
		errors.Is(err, ErrSettlementNotFound) ||
		errors.Is(err, ErrCreditNotFound)
}

// IsRejected returns true for validation rejections that will fail
// identically on retry with the same input. These are surfaced to the
// caller synchronously and never retried automatically.
func IsRejected(err error) bool {
	return errors.Is(err, ErrPlanInactive) ||
		errors.Is(err, ErrAlreadyCanceled) ||
		errors.Is(err, ErrNotMerchant) ||
		errors.Is(err, ErrNotSubscriber) ||
		errors.Is(err, ErrExceedsPlanPrice) ||
		errors.Is(err, ErrStaleNonce) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrAssetMismatch) ||
		errors.Is(err, ErrChannelAlreadyOpen) ||
		errors.Is(err, ErrChannelNotOpen) ||
		errors.Is(err, ErrChainRejected)
}

// IsRetryable returns true if the error is temporary and the operation can
// be retried. Timeout/unknown outcomes are deliberately excluded: they are
// resolved by an authoritative read, never by blind resubmission.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrTransactionFailed)
}

// IsIndeterminate returns true when an external operation's outcome must be
// verified before the intent can be resolved.
func IsIndeterminate(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) || errors.Is(err, ErrTxUnknown)
}
