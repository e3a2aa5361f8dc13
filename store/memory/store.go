// Package memory provides an in-memory Store driver for tests and
// single-process deployments.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	chainbill "github.com/xraph/chainbill"
	"github.com/xraph/chainbill/channel"
	"github.com/xraph/chainbill/credit"
	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/intent"
	"github.com/xraph/chainbill/plan"
	"github.com/xraph/chainbill/settlement"
	chainbillstore "github.com/xraph/chainbill/store"
	"github.com/xraph/chainbill/subscription"
	"github.com/xraph/chainbill/types"
)

// compile-time interface check
var _ chainbillstore.Store = (*Store)(nil)

// Store keeps every record behind its mutex and never shares memory with
// callers: records are cloned on write and on read, so a caller holding a
// previously returned record never observes later mutations.
type Store struct {
	mu sync.RWMutex

	plans         map[string]*plan.Plan
	subscriptions map[string]*subscription.Subscription
	channels      map[string]*channel.Channel
	intents       map[string]*intent.ChargeIntent
	settlements   map[string]*settlement.Record
	credits       map[string]*credit.Credit
}

func New() *Store {
	return &Store{
		plans:         make(map[string]*plan.Plan),
		subscriptions: make(map[string]*subscription.Subscription),
		channels:      make(map[string]*channel.Channel),
		intents:       make(map[string]*intent.ChargeIntent),
		settlements:   make(map[string]*settlement.Record),
		credits:       make(map[string]*credit.Credit),
	}
}

// Plan Store implementation

func (s *Store) CreatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; exists {
		return chainbill.ErrAlreadyExists
	}
	s.plans[p.ID.String()] = clonePlan(p)
	return nil
}

func (s *Store) GetPlan(_ context.Context, planID id.PlanID) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planID.String()]; ok {
		return clonePlan(p), nil
	}
	return nil, chainbill.ErrPlanNotFound
}

func (s *Store) ListPlans(_ context.Context, merchantID string, opts plan.ListOpts) ([]*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*plan.Plan, 0)
	for _, p := range s.plans {
		if p.MerchantID == merchantID {
			if opts.Status == "" || p.Status == opts.Status {
				result = append(result, clonePlan(p))
			}
		}
	}
	sortByID(result, func(p *plan.Plan) string { return p.ID.String() })

	return window(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; !exists {
		return chainbill.ErrPlanNotFound
	}
	s.plans[p.ID.String()] = clonePlan(p)
	return nil
}

func (s *Store) DeactivatePlan(_ context.Context, planID id.PlanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, exists := s.plans[planID.String()]; exists {
		p.Status = plan.StatusInactive
		p.Touch()
		return nil
	}
	return chainbill.ErrPlanNotFound
}

func (s *Store) AdjustPlanSubscribers(_ context.Context, planID id.PlanID, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.plans[planID.String()]
	if !exists {
		return chainbill.ErrPlanNotFound
	}
	p.TotalSubscribers += delta
	p.Touch()
	return nil
}

// Subscription Store implementation

func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; exists {
		return chainbill.ErrAlreadyExists
	}
	s.subscriptions[sub.ID.String()] = cloneSubscription(sub)
	return nil
}

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[subID.String()]; ok {
		return cloneSubscription(sub), nil
	}
	return nil, chainbill.ErrSubscriptionNotFound
}

func (s *Store) ListSubscriptions(_ context.Context, subscriberID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.SubscriberID == subscriberID {
			if opts.Status == "" || sub.Status == opts.Status {
				result = append(result, cloneSubscription(sub))
			}
		}
	}
	sortByID(result, func(sub *subscription.Subscription) string { return sub.ID.String() })

	return window(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListActiveSubscriptions(_ context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.Status == subscription.StatusActive {
			result = append(result, cloneSubscription(sub))
		}
	}
	// Ascending id: the scheduler's deterministic scan order.
	sortByID(result, func(sub *subscription.Subscription) string { return sub.ID.String() })

	return window(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; !exists {
		return chainbill.ErrSubscriptionNotFound
	}
	s.subscriptions[sub.ID.String()] = cloneSubscription(sub)
	return nil
}

func (s *Store) CancelSubscription(_ context.Context, subID id.SubscriptionID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.subscriptions[subID.String()]
	if !exists {
		return chainbill.ErrSubscriptionNotFound
	}
	if sub.Status == subscription.StatusCanceled {
		return chainbill.ErrAlreadyCanceled
	}

	sub.Status = subscription.StatusCanceled
	sub.CanceledAt = &at
	sub.Touch()
	return nil
}

func (s *Store) RecordCharge(_ context.Context, subID id.SubscriptionID, amount types.Money, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.subscriptions[subID.String()]
	if !exists || !sub.Active() {
		// Inactive subscriptions are not chargeable targets.
		return chainbill.ErrSubscriptionNotFound
	}

	p, exists := s.plans[sub.PlanID.String()]
	if !exists {
		return chainbill.ErrPlanNotFound
	}
	if !p.Allows(amount) {
		return chainbill.ErrExceedsPlanPrice
	}

	if sub.TotalCharged.IsZero() && sub.TotalCharged.Asset == "" {
		sub.TotalCharged = types.Zero(amount.Asset)
	}
	sub.TotalCharged = sub.TotalCharged.Add(amount)
	sub.LastChargedAt = at
	sub.Touch()
	return nil
}

// Channel Store implementation

func (s *Store) CreateChannel(_ context.Context, c *channel.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.channels[c.ID.String()]; exists {
		return chainbill.ErrAlreadyExists
	}
	for _, existing := range s.channels {
		if existing.Open() && existing.Payer == c.Payer &&
			existing.Payee == c.Payee && existing.Asset == c.Asset {
			return channel.ErrAlreadyOpen
		}
	}
	s.channels[c.ID.String()] = cloneChannel(c)
	return nil
}

func (s *Store) GetChannel(_ context.Context, chanID id.ChannelID) (*channel.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.channels[chanID.String()]; ok {
		return cloneChannel(c), nil
	}
	return nil, channel.ErrNotFound
}

func (s *Store) GetOpenChannel(_ context.Context, payer, payee, asset string) (*channel.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.channels {
		if c.Open() && c.Payer == payer && c.Payee == payee && c.Asset == asset {
			return cloneChannel(c), nil
		}
	}
	return nil, channel.ErrNotFound
}

func (s *Store) ListChannels(_ context.Context, party string, opts channel.ListOpts) ([]*channel.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*channel.Channel, 0)
	for _, c := range s.channels {
		if c.Payer == party || c.Payee == party {
			if opts.Status == "" || c.Status == opts.Status {
				result = append(result, cloneChannel(c))
			}
		}
	}
	sortByID(result, func(c *channel.Channel) string { return c.ID.String() })

	return window(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateChannel(_ context.Context, c *channel.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.channels[c.ID.String()]; !exists {
		return channel.ErrNotFound
	}
	s.channels[c.ID.String()] = cloneChannel(c)
	return nil
}

func (s *Store) CloseChannel(_ context.Context, chanID id.ChannelID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.channels[chanID.String()]
	if !exists {
		return channel.ErrNotFound
	}
	if !c.Open() {
		return channel.ErrNotOpen
	}

	c.Status = channel.StatusClosed
	c.ClosedAt = &at
	c.Touch()
	return nil
}

// Charge intent Store implementation

func (s *Store) CreateIntent(_ context.Context, ci *intent.ChargeIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.intents[ci.ID.String()]; exists {
		return chainbill.ErrAlreadyExists
	}
	s.intents[ci.ID.String()] = cloneIntent(ci)
	return nil
}

func (s *Store) GetIntent(_ context.Context, intentID id.ChargeIntentID) (*intent.ChargeIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ci, ok := s.intents[intentID.String()]; ok {
		return cloneIntent(ci), nil
	}
	return nil, chainbill.ErrIntentNotFound
}

func (s *Store) GetPendingIntent(_ context.Context, subID id.SubscriptionID) (*intent.ChargeIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ci := range s.intents {
		if ci.SubscriptionID == subID && ci.Status == intent.StatusPending {
			return cloneIntent(ci), nil
		}
	}
	return nil, chainbill.ErrNoPendingIntent
}

func (s *Store) ListIntentsByStatus(_ context.Context, status intent.Status, opts intent.ListOpts) ([]*intent.ChargeIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*intent.ChargeIntent, 0)
	for _, ci := range s.intents {
		if ci.Status == status {
			result = append(result, cloneIntent(ci))
		}
	}
	sortByID(result, func(ci *intent.ChargeIntent) string { return ci.ID.String() })

	return window(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListIntentsBySubscription(_ context.Context, subID id.SubscriptionID, opts intent.ListOpts) ([]*intent.ChargeIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*intent.ChargeIntent, 0)
	for _, ci := range s.intents {
		if ci.SubscriptionID == subID {
			result = append(result, cloneIntent(ci))
		}
	}
	sortByID(result, func(ci *intent.ChargeIntent) string { return ci.ID.String() })

	return window(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateIntent(_ context.Context, ci *intent.ChargeIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.intents[ci.ID.String()]; !exists {
		return chainbill.ErrIntentNotFound
	}
	s.intents[ci.ID.String()] = cloneIntent(ci)
	return nil
}

// Settlement Store implementation

func (s *Store) CreateSettlement(_ context.Context, r *settlement.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.settlements[r.ID.String()]; exists {
		return chainbill.ErrAlreadyExists
	}
	s.settlements[r.ID.String()] = cloneSettlement(r)
	return nil
}

func (s *Store) GetSettlement(_ context.Context, stlID id.SettlementID) (*settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.settlements[stlID.String()]; ok {
		return cloneSettlement(r), nil
	}
	return nil, chainbill.ErrSettlementNotFound
}

func (s *Store) GetSettlementByChannel(_ context.Context, chanID id.ChannelID) (*settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.settlements {
		if r.ChannelID == chanID {
			return cloneSettlement(r), nil
		}
	}
	return nil, chainbill.ErrSettlementNotFound
}

func (s *Store) ListSettlementsByStatus(_ context.Context, status settlement.Status, opts settlement.ListOpts) ([]*settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*settlement.Record, 0)
	for _, r := range s.settlements {
		if r.Status == status {
			result = append(result, cloneSettlement(r))
		}
	}
	sortByID(result, func(r *settlement.Record) string { return r.ID.String() })

	return window(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateSettlement(_ context.Context, r *settlement.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.settlements[r.ID.String()]
	if !ok {
		return chainbill.ErrSettlementNotFound
	}
	if existing.Confirmed() {
		return chainbill.ErrSettlementFinalized
	}
	s.settlements[r.ID.String()] = cloneSettlement(r)
	return nil
}

// Credit Store implementation

func (s *Store) CreateCredit(_ context.Context, c *credit.Credit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.credits[c.ID.String()]; exists {
		return chainbill.ErrAlreadyExists
	}
	s.credits[c.ID.String()] = cloneCredit(c)
	return nil
}

func (s *Store) GetCredit(_ context.Context, creditID id.CreditID) (*credit.Credit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.credits[creditID.String()]; ok {
		return cloneCredit(c), nil
	}
	return nil, chainbill.ErrCreditNotFound
}

func (s *Store) ListOutstandingCredits(_ context.Context, subID id.SubscriptionID) ([]*credit.Credit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*credit.Credit, 0)
	for _, c := range s.credits {
		if c.SubscriptionID == subID && c.Outstanding() {
			result = append(result, cloneCredit(c))
		}
	}
	sortByID(result, func(c *credit.Credit) string { return c.ID.String() })

	return result, nil
}

func (s *Store) ConsumeCredit(_ context.Context, creditID id.CreditID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.credits[creditID.String()]
	if !exists {
		return chainbill.ErrCreditNotFound
	}
	if !c.Outstanding() {
		return chainbill.ErrCreditConsumed
	}

	c.ConsumedAt = &at
	c.Touch()
	return nil
}

// Store management

func (s *Store) Migrate(_ context.Context) error {
	return nil // No migration needed for memory store
}

func (s *Store) Ping(_ context.Context) error {
	return nil // Always available
}

func (s *Store) Close() error {
	return nil // Nothing to close
}

// Clone helpers. Every record crossing the store boundary is copied, in
// both directions, including pointer and reference fields.

func clonePlan(p *plan.Plan) *plan.Plan {
	cp := *p
	cp.Metadata = maps.Clone(p.Metadata)
	return &cp
}

func cloneSubscription(sub *subscription.Subscription) *subscription.Subscription {
	cp := *sub
	cp.CanceledAt = cloneTime(sub.CanceledAt)
	cp.Metadata = maps.Clone(sub.Metadata)
	return &cp
}

func cloneChannel(c *channel.Channel) *channel.Channel {
	cp := *c
	cp.ClosedAt = cloneTime(c.ClosedAt)
	return &cp
}

func cloneIntent(ci *intent.ChargeIntent) *intent.ChargeIntent {
	cp := *ci
	cp.AppliedAt = cloneTime(ci.AppliedAt)
	return &cp
}

func cloneSettlement(r *settlement.Record) *settlement.Record {
	cp := *r
	cp.ReconciledIntents = slices.Clone(r.ReconciledIntents)
	cp.ConfirmedAt = cloneTime(r.ConfirmedAt)
	return &cp
}

func cloneCredit(c *credit.Credit) *credit.Credit {
	cp := *c
	cp.ConsumedAt = cloneTime(c.ConsumedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// Helper functions

func sortByID[T any](items []T, key func(T) string) {
	sort.Slice(items, func(i, j int) bool {
		return key(items[i]) < key(items[j])
	})
}

func window[T any](items []T, offset, limit int) []T {
	start := offset
	if start > len(items) {
		start = len(items)
	}
	end := start + limit
	if limit == 0 || end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
