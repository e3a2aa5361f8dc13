// Package intent defines the charge obligations emitted by the billing
// scheduler and consumed by the settlement reconciler.
package intent

import (
	"time"

	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/types"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusAppliedOffchain Status = "applied_offchain"
	StatusAppliedOnchain  Status = "applied_onchain"
	// StatusUnknown marks an on-chain submission whose outcome was not
	// observed within the confirmation timeout. The reconciler resolves it
	// via an authoritative on-chain read rather than assuming either way.
	StatusUnknown Status = "unknown"
	StatusFailed  Status = "failed"
)

// ChargeIntent is the obligation to collect one period's payment for a
// subscription. Terminal once applied or failed.
type ChargeIntent struct {
	types.Entity
	ID             id.ChargeIntentID `json:"id"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	PlanID         id.PlanID         `json:"plan_id"`
	Amount         types.Money       `json:"amount"`
	DueAt          time.Time         `json:"due_at"`
	Status         Status            `json:"status"`
	Attempts       int               `json:"attempts"`
	TxRef          string            `json:"tx_ref,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	AppliedAt      *time.Time        `json:"applied_at,omitempty"`
}

// Terminal reports whether the intent can no longer change status.
func (i *ChargeIntent) Terminal() bool {
	switch i.Status {
	case StatusAppliedOffchain, StatusAppliedOnchain, StatusFailed:
		return true
	default:
		return false
	}
}

// Applied reports whether the charge was collected on either path.
func (i *ChargeIntent) Applied() bool {
	return i.Status == StatusAppliedOffchain || i.Status == StatusAppliedOnchain
}
