package store

import (
	"context"
	"time"

	"github.com/xraph/chainbill/channel"
	"github.com/xraph/chainbill/credit"
	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/intent"
	"github.com/xraph/chainbill/plan"
	"github.com/xraph/chainbill/settlement"
	"github.com/xraph/chainbill/subscription"
	"github.com/xraph/chainbill/types"
)

// Store is the unified storage interface for all Chainbill entities.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
type Store interface {
	// Plan methods
	CreatePlan(ctx context.Context, p *plan.Plan) error
	GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error)
	ListPlans(ctx context.Context, merchantID string, opts plan.ListOpts) ([]*plan.Plan, error)
	UpdatePlan(ctx context.Context, p *plan.Plan) error
	DeactivatePlan(ctx context.Context, planID id.PlanID) error
	AdjustPlanSubscribers(ctx context.Context, planID id.PlanID, delta int64) error

	// Subscription methods
	CreateSubscription(ctx context.Context, s *subscription.Subscription) error
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error)
	ListSubscriptions(ctx context.Context, subscriberID string, opts subscription.ListOpts) ([]*subscription.Subscription, error)
	ListActiveSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error)
	UpdateSubscription(ctx context.Context, s *subscription.Subscription) error
	CancelSubscription(ctx context.Context, subID id.SubscriptionID, at time.Time) error
	RecordCharge(ctx context.Context, subID id.SubscriptionID, amount types.Money, at time.Time) error

	// Channel methods
	CreateChannel(ctx context.Context, c *channel.Channel) error
	GetChannel(ctx context.Context, chanID id.ChannelID) (*channel.Channel, error)
	GetOpenChannel(ctx context.Context, payer, payee, asset string) (*channel.Channel, error)
	ListChannels(ctx context.Context, party string, opts channel.ListOpts) ([]*channel.Channel, error)
	UpdateChannel(ctx context.Context, c *channel.Channel) error
	CloseChannel(ctx context.Context, chanID id.ChannelID, at time.Time) error

	// Charge intent methods
	CreateIntent(ctx context.Context, ci *intent.ChargeIntent) error
	GetIntent(ctx context.Context, intentID id.ChargeIntentID) (*intent.ChargeIntent, error)
	GetPendingIntent(ctx context.Context, subID id.SubscriptionID) (*intent.ChargeIntent, error)
	ListIntentsByStatus(ctx context.Context, status intent.Status, opts intent.ListOpts) ([]*intent.ChargeIntent, error)
	ListIntentsBySubscription(ctx context.Context, subID id.SubscriptionID, opts intent.ListOpts) ([]*intent.ChargeIntent, error)
	UpdateIntent(ctx context.Context, ci *intent.ChargeIntent) error

	// Settlement methods
	CreateSettlement(ctx context.Context, r *settlement.Record) error
	GetSettlement(ctx context.Context, stlID id.SettlementID) (*settlement.Record, error)
	GetSettlementByChannel(ctx context.Context, chanID id.ChannelID) (*settlement.Record, error)
	ListSettlementsByStatus(ctx context.Context, status settlement.Status, opts settlement.ListOpts) ([]*settlement.Record, error)
	UpdateSettlement(ctx context.Context, r *settlement.Record) error

	// Credit methods
	CreateCredit(ctx context.Context, c *credit.Credit) error
	GetCredit(ctx context.Context, creditID id.CreditID) (*credit.Credit, error)
	ListOutstandingCredits(ctx context.Context, subID id.SubscriptionID) ([]*credit.Credit, error)
	ConsumeCredit(ctx context.Context, creditID id.CreditID, at time.Time) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// ChannelStore returns a channel.Store view over a unified Store so the
// accounting engine can be constructed directly from it.
func ChannelStore(s Store) channel.Store {
	return channelView{s}
}

type channelView struct {
	s Store
}

func (v channelView) Create(ctx context.Context, c *channel.Channel) error {
	return v.s.CreateChannel(ctx, c)
}

func (v channelView) Get(ctx context.Context, chanID id.ChannelID) (*channel.Channel, error) {
	return v.s.GetChannel(ctx, chanID)
}

func (v channelView) GetOpen(ctx context.Context, payer, payee, asset string) (*channel.Channel, error) {
	return v.s.GetOpenChannel(ctx, payer, payee, asset)
}

func (v channelView) List(ctx context.Context, party string, opts channel.ListOpts) ([]*channel.Channel, error) {
	return v.s.ListChannels(ctx, party, opts)
}

func (v channelView) Update(ctx context.Context, c *channel.Channel) error {
	return v.s.UpdateChannel(ctx, c)
}

func (v channelView) Close(ctx context.Context, chanID id.ChannelID, at time.Time) error {
	return v.s.CloseChannel(ctx, chanID, at)
}
