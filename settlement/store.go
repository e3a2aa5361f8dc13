package settlement

import (
	"context"

	"github.com/xraph/chainbill/id"
)

type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, stlID id.SettlementID) (*Record, error)
	GetByChannel(ctx context.Context, chanID id.ChannelID) (*Record, error)
	ListByStatus(ctx context.Context, status Status, opts ListOpts) ([]*Record, error)
	Update(ctx context.Context, r *Record) error
}

type ListOpts struct {
	Limit  int
	Offset int
}
