package credit

import (
	"context"
	"time"

	"github.com/xraph/chainbill/id"
)

type Store interface {
	Create(ctx context.Context, c *Credit) error
	Get(ctx context.Context, creditID id.CreditID) (*Credit, error)
	// ListOutstanding returns unconsumed credits for a subscription in
	// ascending id order (oldest first).
	ListOutstanding(ctx context.Context, subID id.SubscriptionID) ([]*Credit, error)
	Consume(ctx context.Context, creditID id.CreditID, at time.Time) error
}
