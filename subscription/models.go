package subscription

import (
	"time"

	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/types"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
)

// Subscription is a subscriber's enrollment in a plan. It is mutated on
// each successful charge (LastChargedAt, TotalCharged) and on cancellation
// (Status, terminal). ChannelID binds the off-chain settlement channel;
// Nil means every charge goes through the on-chain path.
type Subscription struct {
	types.Entity
	ID            id.SubscriptionID `json:"id"`
	PlanID        id.PlanID         `json:"plan_id"`
	SubscriberID  string            `json:"subscriber_id"`
	ChannelID     id.ChannelID      `json:"channel_id,omitempty"`
	Status        Status            `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	LastChargedAt time.Time         `json:"last_charged_at"`
	TotalCharged  types.Money       `json:"total_charged"`
	CanceledAt    *time.Time        `json:"canceled_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Active reports whether the subscription is still chargeable.
func (s *Subscription) Active() bool { return s.Status == StatusActive }

// Due reports whether a full period has elapsed since the last charge.
func (s *Subscription) Due(now time.Time, periodDuration time.Duration) bool {
	return now.Sub(s.LastChargedAt) >= periodDuration
}
