package plan

import (
	"context"

	"github.com/xraph/chainbill/id"
)

type Store interface {
	Create(ctx context.Context, p *Plan) error
	Get(ctx context.Context, planID id.PlanID) (*Plan, error)
	List(ctx context.Context, merchantID string, opts ListOpts) ([]*Plan, error)
	Update(ctx context.Context, p *Plan) error
	Deactivate(ctx context.Context, planID id.PlanID) error
	AdjustSubscribers(ctx context.Context, planID id.PlanID, delta int64) error
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
