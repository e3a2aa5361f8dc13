package intent

import (
	"context"

	"github.com/xraph/chainbill/id"
)

type Store interface {
	Create(ctx context.Context, ci *ChargeIntent) error
	Get(ctx context.Context, intentID id.ChargeIntentID) (*ChargeIntent, error)
	// GetPending returns the outstanding pending intent for a subscription,
	// of which the scheduler guarantees at most one.
	GetPending(ctx context.Context, subID id.SubscriptionID) (*ChargeIntent, error)
	ListByStatus(ctx context.Context, status Status, opts ListOpts) ([]*ChargeIntent, error)
	ListBySubscription(ctx context.Context, subID id.SubscriptionID, opts ListOpts) ([]*ChargeIntent, error)
	Update(ctx context.Context, ci *ChargeIntent) error
}

type ListOpts struct {
	Limit  int
	Offset int
}
