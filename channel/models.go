// Package channel implements the off-chain payment-channel accounting engine.
//
// A channel is a bilateral balance ledger between a payer and a payee for a
// single asset. Signed payment deltas move value from payer to payee under a
// strictly increasing nonce. The channel is the serialization domain: all
// balance mutations for one channel are mutually exclusive, while unrelated
// channels proceed fully in parallel.
package channel

import (
	"time"

	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/types"
)

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Channel is the off-chain balance record for one (payer, payee, asset)
// tuple. Invariant: PayerBalance + PayeeBalance == TotalDeposit and both
// balances are non-negative after every applied payment.
type Channel struct {
	types.Entity
	ID           id.ChannelID `json:"id"`
	Payer        string       `json:"payer"`
	Payee        string       `json:"payee"`
	Asset        string       `json:"asset"`
	TotalDeposit types.Money  `json:"total_deposit"`
	PayerBalance types.Money  `json:"payer_balance"`
	PayeeBalance types.Money  `json:"payee_balance"`
	Nonce        uint64       `json:"nonce"`
	Status       Status       `json:"status"`
	ClosedAt     *time.Time   `json:"closed_at,omitempty"`
}

// Open reports whether the channel still accepts payments.
func (c *Channel) Open() bool { return c.Status == StatusOpen }

// Balanced reports the conservation invariant: no value created or
// destroyed across applied payments.
func (c *Channel) Balanced() bool {
	return c.PayerBalance.Amount+c.PayeeBalance.Amount == c.TotalDeposit.Amount &&
		!c.PayerBalance.IsNegative() && !c.PayeeBalance.IsNegative()
}
