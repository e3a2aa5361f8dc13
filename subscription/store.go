package subscription

import (
	"context"
	"time"

	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/types"
)

type Store interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, subID id.SubscriptionID) (*Subscription, error)
	List(ctx context.Context, subscriberID string, opts ListOpts) ([]*Subscription, error)
	// ListActive returns active subscriptions in ascending id order, the
	// deterministic scan order of the billing scheduler.
	ListActive(ctx context.Context, opts ListOpts) ([]*Subscription, error)
	Update(ctx context.Context, s *Subscription) error
	Cancel(ctx context.Context, subID id.SubscriptionID, at time.Time) error
	// RecordCharge applies a successful charge: bumps LastChargedAt and
	// TotalCharged. Rejects charges against missing or inactive
	// subscriptions and amounts over the plan's per-period cap.
	RecordCharge(ctx context.Context, subID id.SubscriptionID, amount types.Money, at time.Time) error
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
