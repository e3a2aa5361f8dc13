// Package settlement defines the finalized outcome of closing a payment
// channel: final balances, the nonce at close, the charges reconciled
// against the channel's accumulated delta, and the on-chain transaction
// reference once observed.
package settlement

import (
	"time"

	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/types"
)

type Status string

const (
	StatusPending   Status = "pending"   // on-chain settlement submitted, unconfirmed
	StatusUnknown   Status = "unknown"   // confirmation not observed in time
	StatusConfirmed Status = "confirmed" // on-chain transaction confirmed, immutable
)

// Record is the reconciled outcome of a channel close. Immutable once the
// on-chain settlement transaction is confirmed.
type Record struct {
	types.Entity
	ID                id.SettlementID     `json:"id"`
	ChannelID         id.ChannelID        `json:"channel_id"`
	FinalPayerBalance types.Money         `json:"final_payer_balance"`
	FinalPayeeBalance types.Money         `json:"final_payee_balance"`
	ClosingNonce      uint64              `json:"closing_nonce"`
	ReconciledIntents []id.ChargeIntentID `json:"reconciled_intents"`
	ReconciledAmount  types.Money         `json:"reconciled_amount"`
	// PendingCredit is the payee delta that did not map to an integral
	// number of charge intents. It is carried forward for the subscriber
	// instead of being charged or discarded.
	PendingCredit types.Money `json:"pending_credit"`
	Status        Status      `json:"status"`
	TxRef         string      `json:"tx_ref,omitempty"`
	ConfirmedAt   *time.Time  `json:"confirmed_at,omitempty"`
}

// Confirmed reports whether the on-chain settlement was observed.
func (r *Record) Confirmed() bool { return r.Status == StatusConfirmed }
