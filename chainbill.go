package chainbill

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/chainbill/channel"
	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/plan"
	"github.com/xraph/chainbill/plugin"
	"github.com/xraph/chainbill/store"
	"github.com/xraph/chainbill/subscription"
	"github.com/xraph/chainbill/types"
)

// Billing is the main subscription billing and settlement engine.
type Billing struct {
	store    store.Store
	channels *channel.Engine
	verifier channel.Verifier
	signer   channel.Signer
	chain    ChainClient
	bridge   BridgeProvider
	plugins  *plugin.Registry
	logger   *slog.Logger

	// Background workers
	stopChan chan struct{}
	wg       sync.WaitGroup

	// Configuration
	tickInterval   time.Duration
	drainInterval  time.Duration
	verifyInterval time.Duration
	confirmTimeout time.Duration
	maxAttempts    int

	// now is replaceable for deterministic scheduling tests.
	now func() time.Time
}

// New creates a new Billing engine on top of a unified store.
func New(s store.Store, opts ...Option) *Billing {
	b := &Billing{
		store:          s,
		plugins:        plugin.NewRegistry(),
		logger:         slog.Default(),
		stopChan:       make(chan struct{}),
		tickInterval:   30 * time.Second,
		drainInterval:  5 * time.Second,
		verifyInterval: 15 * time.Second,
		confirmTimeout: 45 * time.Second,
		maxAttempts:    5,
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	// The engine is built after all options so it always sees the final
	// logger, regardless of option order.
	if b.verifier == nil {
		// No keyring configured: every signature check fails closed.
		b.verifier = channel.NewHMACKeyring(nil)
	}
	b.channels = channel.NewEngine(store.ChannelStore(s), b.verifier, channel.WithLogger(b.logger))

	return b
}

// Option configures a Billing instance.
type Option func(*Billing)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Billing) {
		b.logger = logger
		b.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(b *Billing) {
		_ = b.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithKeyring wires the payment signature scheme: the verifier checks
// inbound payer signatures, the signer countersigns scheduler-driven
// charges on the payer's delegated key.
func WithKeyring(verifier channel.Verifier, signer channel.Signer) Option {
	return func(b *Billing) {
		b.verifier = verifier
		b.signer = signer
	}
}

// WithChainClient sets the on-chain contract collaborator.
func WithChainClient(c ChainClient) Option {
	return func(b *Billing) {
		b.chain = c
	}
}

// WithBridgeProvider sets the cross-chain bridge collaborator.
func WithBridgeProvider(p BridgeProvider) Option {
	return func(b *Billing) {
		b.bridge = p
	}
}

// WithTickInterval sets the billing scheduler tick.
func WithTickInterval(d time.Duration) Option {
	return func(b *Billing) {
		b.tickInterval = d
	}
}

// WithDrainInterval sets the reconciler drain cadence.
func WithDrainInterval(d time.Duration) Option {
	return func(b *Billing) {
		b.drainInterval = d
	}
}

// WithVerifyInterval sets the cadence of the unknown-outcome resolver.
func WithVerifyInterval(d time.Duration) Option {
	return func(b *Billing) {
		b.verifyInterval = d
	}
}

// WithClock overrides the engine's time source. Due-date math, charge
// timestamps and period boundaries all read from it; tests use it for
// deterministic period edges.
func WithClock(now func() time.Time) Option {
	return func(b *Billing) {
		if now != nil {
			b.now = now
		}
	}
}

// WithConfirmTimeout bounds on-chain confirmation waits. On expiry the
// operation is marked unknown and later resolved by an authoritative read.
func WithConfirmTimeout(d time.Duration) Option {
	return func(b *Billing) {
		b.confirmTimeout = d
	}
}

// WithMaxAttempts bounds charge retries before an intent is marked failed.
func WithMaxAttempts(n int) Option {
	return func(b *Billing) {
		b.maxAttempts = n
	}
}

// Channels returns the channel accounting engine.
func (b *Billing) Channels() *channel.Engine { return b.channels }

// Store returns the underlying unified store.
func (b *Billing) Store() store.Store { return b.store }

// Start begins background workers.
func (b *Billing) Start(ctx context.Context) error {
	// Migrate database
	if err := b.store.Migrate(ctx); err != nil {
		return err
	}

	// Initialize plugins
	b.plugins.EmitInit(ctx, b)

	// Start scheduler, reconciler and verifier workers
	b.wg.Add(3)
	go b.billingTickWorker(ctx)
	go b.drainWorker(ctx)
	go b.verifyWorker(ctx)

	b.logger.Info("billing engine started",
		"tick_interval", b.tickInterval,
		"drain_interval", b.drainInterval,
		"confirm_timeout", b.confirmTimeout,
	)

	return nil
}

// Stop shuts down the Billing engine.
func (b *Billing) Stop() error {
	close(b.stopChan)
	b.wg.Wait()

	ctx := context.Background()
	b.plugins.EmitShutdown(ctx)

	return b.store.Close()
}

// ──────────────────────────────────────────────────
// Plan Management
// ──────────────────────────────────────────────────

// CreatePlan creates a new recurring billing plan.
func (b *Billing) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if p.MerchantID == "" || p.Name == "" {
		return ErrInvalidInput
	}
	if !p.PricePerPeriod.IsPositive() || p.PeriodDuration <= 0 {
		return ErrInvalidInput
	}

	if p.ID == (id.PlanID{}) {
		p.ID = id.NewPlanID()
	}
	p.Entity = types.NewEntity()
	if p.Status == "" {
		p.Status = plan.StatusActive
	}

	if err := b.store.CreatePlan(ctx, p); err != nil {
		return err
	}

	b.plugins.EmitPlanCreated(ctx, p)
	return nil
}

// GetPlan retrieves a plan by ID.
func (b *Billing) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	return b.store.GetPlan(ctx, planID)
}

// DeactivatePlan stops a plan from accepting new subscriptions. Existing
// subscriptions keep billing. Plans are never deleted.
func (b *Billing) DeactivatePlan(ctx context.Context, planID id.PlanID, merchantID string) error {
	p, err := b.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if p.MerchantID != merchantID {
		return ErrNotMerchant
	}

	if err := b.store.DeactivatePlan(ctx, planID); err != nil {
		return err
	}

	b.plugins.EmitPlanDeactivated(ctx, planID.String())
	return nil
}

// ──────────────────────────────────────────────────
// Subscription Lifecycle
// ──────────────────────────────────────────────────

// Subscribe enrolls a subscriber in a plan. The first period starts now;
// the first recurring charge is due one period later.
func (b *Billing) Subscribe(ctx context.Context, planID id.PlanID, subscriberID string) (*subscription.Subscription, error) {
	if subscriberID == "" {
		return nil, ErrInvalidInput
	}

	p, err := b.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !p.Active() {
		return nil, ErrPlanInactive
	}

	now := b.now().UTC()
	sub := &subscription.Subscription{
		Entity:        types.NewEntity(),
		ID:            id.NewSubscriptionID(),
		PlanID:        p.ID,
		SubscriberID:  subscriberID,
		Status:        subscription.StatusActive,
		StartedAt:     now,
		LastChargedAt: now,
		TotalCharged:  types.Zero(p.Asset()),
	}

	if err := b.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	if err := b.store.AdjustPlanSubscribers(ctx, p.ID, 1); err != nil {
		return nil, err
	}

	b.plugins.EmitSubscriptionCreated(ctx, sub)
	return sub, nil
}

// GetSubscription retrieves a subscription by ID.
func (b *Billing) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return b.store.GetSubscription(ctx, subID)
}

// CancelSubscription cancels a subscription (terminal). Only the owning
// subscriber may cancel. A second cancel fails with ErrAlreadyCanceled and
// never decrements the plan counter twice.
func (b *Billing) CancelSubscription(ctx context.Context, subID id.SubscriptionID, callerID string) error {
	sub, err := b.store.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}
	if sub.SubscriberID != callerID {
		return ErrNotSubscriber
	}

	// The store rejects a second cancel, so the counter decrement below
	// runs exactly once per subscription.
	if err := b.store.CancelSubscription(ctx, subID, b.now().UTC()); err != nil {
		return err
	}

	if err := b.store.AdjustPlanSubscribers(ctx, sub.PlanID, -1); err != nil {
		return err
	}

	b.plugins.EmitSubscriptionCanceled(ctx, sub)
	return nil
}

// AttachChannel binds an open payment channel to a subscription so
// recurring charges settle off-chain. The channel payer must be the
// subscriber and the channel asset must match the plan's asset.
func (b *Billing) AttachChannel(ctx context.Context, subID id.SubscriptionID, chanID id.ChannelID) error {
	sub, err := b.store.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}

	ch, err := b.store.GetChannel(ctx, chanID)
	if err != nil {
		return err
	}
	if !ch.Open() {
		return ErrChannelNotOpen
	}
	if ch.Payer != sub.SubscriberID {
		return ErrNotSubscriber
	}

	p, err := b.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return err
	}
	if ch.Asset != p.Asset() {
		return ErrAssetMismatch
	}

	sub.ChannelID = chanID
	sub.Touch()
	return b.store.UpdateSubscription(ctx, sub)
}

// ──────────────────────────────────────────────────
// Channel Management
// ──────────────────────────────────────────────────

// OpenChannel opens a payment channel with the full deposit on the payer
// side.
func (b *Billing) OpenChannel(ctx context.Context, payer, payee string, deposit types.Money) (*channel.Channel, error) {
	ch, err := b.channels.Open(ctx, payer, payee, deposit)
	if err != nil {
		return nil, err
	}

	b.plugins.EmitChannelOpened(ctx, ch)
	return ch, nil
}

// ApplyPayment applies one externally signed payment delta to a channel.
func (b *Billing) ApplyPayment(ctx context.Context, chanID id.ChannelID, amount types.Money, nonce uint64, signature []byte) (*channel.Channel, error) {
	ch, err := b.channels.ApplyPayment(ctx, chanID, amount, nonce, signature)
	if err != nil {
		return nil, err
	}

	b.plugins.EmitPaymentApplied(ctx, ch, amount.Amount, nonce)
	return ch, nil
}
