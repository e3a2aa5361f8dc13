// Package credit tracks value owed back to a subscriber: channel-close
// remainders that did not map to a whole charge. Credits are netted
// against the subscriber's next charge intent.
package credit

import (
	"time"

	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/types"
)

// Credit is a pending amount carried forward for a subscriber. Created by
// the settlement reconciler; consumed (terminal) when applied against a
// subsequent charge.
type Credit struct {
	types.Entity
	ID             id.CreditID       `json:"id"`
	SubscriberID   string            `json:"subscriber_id"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	SettlementID   id.SettlementID   `json:"settlement_id"`
	Amount         types.Money       `json:"amount"`
	ConsumedAt     *time.Time        `json:"consumed_at,omitempty"`
}

// Outstanding reports whether the credit is still applicable.
func (c *Credit) Outstanding() bool { return c.ConsumedAt == nil }
