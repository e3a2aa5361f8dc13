package channel

import (
	"context"
	"time"

	"github.com/xraph/chainbill/id"
)

type Store interface {
	Create(ctx context.Context, c *Channel) error
	Get(ctx context.Context, chanID id.ChannelID) (*Channel, error)
	// GetOpen returns the open channel for a (payer, payee, asset) tuple,
	// of which there is at most one.
	GetOpen(ctx context.Context, payer, payee, asset string) (*Channel, error)
	List(ctx context.Context, party string, opts ListOpts) ([]*Channel, error)
	Update(ctx context.Context, c *Channel) error
	Close(ctx context.Context, chanID id.ChannelID, at time.Time) error
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
