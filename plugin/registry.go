package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger

	// Type-cached plugin lists for efficient dispatch
	onInit                 []OnInit
	onShutdown             []OnShutdown
	onPlanCreated          []OnPlanCreated
	onPlanDeactivated      []OnPlanDeactivated
	onSubscriptionCreated  []OnSubscriptionCreated
	onSubscriptionCanceled []OnSubscriptionCanceled
	onChannelOpened        []OnChannelOpened
	onPaymentApplied       []OnPaymentApplied
	onChannelClosed        []OnChannelClosed
	onIntentScheduled      []OnIntentScheduled
	onChargeApplied        []OnChargeApplied
	onChargeFailed         []OnChargeFailed
	onSettlementRecorded   []OnSettlementRecorded
	onSettlementConfirmed  []OnSettlementConfirmed
	onCreditIssued         []OnCreditIssued
	chainProviders         []ChainProviderPlugin
	settlementExporters    map[string]SettlementExporter
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:              slog.Default(),
		settlementExporters: make(map[string]SettlementExporter),
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnPlanCreated); ok {
		r.onPlanCreated = append(r.onPlanCreated, v)
	}
	if v, ok := p.(OnPlanDeactivated); ok {
		r.onPlanDeactivated = append(r.onPlanDeactivated, v)
	}
	if v, ok := p.(OnSubscriptionCreated); ok {
		r.onSubscriptionCreated = append(r.onSubscriptionCreated, v)
	}
	if v, ok := p.(OnSubscriptionCanceled); ok {
		r.onSubscriptionCanceled = append(r.onSubscriptionCanceled, v)
	}
	if v, ok := p.(OnChannelOpened); ok {
		r.onChannelOpened = append(r.onChannelOpened, v)
	}
	if v, ok := p.(OnPaymentApplied); ok {
		r.onPaymentApplied = append(r.onPaymentApplied, v)
	}
	if v, ok := p.(OnChannelClosed); ok {
		r.onChannelClosed = append(r.onChannelClosed, v)
	}
	if v, ok := p.(OnIntentScheduled); ok {
		r.onIntentScheduled = append(r.onIntentScheduled, v)
	}
	if v, ok := p.(OnChargeApplied); ok {
		r.onChargeApplied = append(r.onChargeApplied, v)
	}
	if v, ok := p.(OnChargeFailed); ok {
		r.onChargeFailed = append(r.onChargeFailed, v)
	}
	if v, ok := p.(OnSettlementRecorded); ok {
		r.onSettlementRecorded = append(r.onSettlementRecorded, v)
	}
	if v, ok := p.(OnSettlementConfirmed); ok {
		r.onSettlementConfirmed = append(r.onSettlementConfirmed, v)
	}
	if v, ok := p.(OnCreditIssued); ok {
		r.onCreditIssued = append(r.onCreditIssued, v)
	}
	if v, ok := p.(ChainProviderPlugin); ok {
		r.chainProviders = append(r.chainProviders, v)
	}
	if v, ok := p.(SettlementExporter); ok {
		r.settlementExporters[v.Format()] = v
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", r.getImplementedInterfaces(p),
	)

	return nil
}

// getImplementedInterfaces returns a list of interfaces implemented by the plugin.
func (r *Registry) getImplementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)

	// Check each interface
	checkInterface := func(iface reflect.Type, name string) {
		if v.Implements(iface) {
			interfaces = append(interfaces, name)
		}
	}

	// List all interfaces to check
	checkInterface(reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit")
	checkInterface(reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown")
	checkInterface(reflect.TypeOf((*OnPlanCreated)(nil)).Elem(), "OnPlanCreated")
	checkInterface(reflect.TypeOf((*OnSubscriptionCreated)(nil)).Elem(), "OnSubscriptionCreated")
	checkInterface(reflect.TypeOf((*OnChannelOpened)(nil)).Elem(), "OnChannelOpened")
	checkInterface(reflect.TypeOf((*OnPaymentApplied)(nil)).Elem(), "OnPaymentApplied")
	checkInterface(reflect.TypeOf((*OnChargeApplied)(nil)).Elem(), "OnChargeApplied")
	checkInterface(reflect.TypeOf((*OnSettlementRecorded)(nil)).Elem(), "OnSettlementRecorded")
	checkInterface(reflect.TypeOf((*ChainProviderPlugin)(nil)).Elem(), "ChainProvider")
	checkInterface(reflect.TypeOf((*SettlementExporter)(nil)).Elem(), "SettlementExporter")

	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, engine)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitPlanCreated emits a plan created event.
func (r *Registry) EmitPlanCreated(ctx context.Context, plan interface{}) {
	r.mu.RLock()
	plugins := r.onPlanCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnPlanCreated(ctx, plan)
		}); err != nil {
			r.logger.Warn("plugin OnPlanCreated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitPlanDeactivated emits a plan deactivated event.
func (r *Registry) EmitPlanDeactivated(ctx context.Context, planID string) {
	r.mu.RLock()
	plugins := r.onPlanDeactivated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnPlanDeactivated(ctx, planID)
		}); err != nil {
			r.logger.Warn("plugin OnPlanDeactivated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSubscriptionCreated emits a subscription created event.
func (r *Registry) EmitSubscriptionCreated(ctx context.Context, sub interface{}) {
	r.mu.RLock()
	plugins := r.onSubscriptionCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSubscriptionCreated(ctx, sub)
		}); err != nil {
			r.logger.Warn("plugin OnSubscriptionCreated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSubscriptionCanceled emits a subscription canceled event.
func (r *Registry) EmitSubscriptionCanceled(ctx context.Context, sub interface{}) {
	r.mu.RLock()
	plugins := r.onSubscriptionCanceled
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSubscriptionCanceled(ctx, sub)
		}); err != nil {
			r.logger.Warn("plugin OnSubscriptionCanceled failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitChannelOpened emits a channel opened event.
func (r *Registry) EmitChannelOpened(ctx context.Context, ch interface{}) {
	r.mu.RLock()
	plugins := r.onChannelOpened
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnChannelOpened(ctx, ch)
		}); err != nil {
			r.logger.Warn("plugin OnChannelOpened failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitPaymentApplied emits a payment applied event.
func (r *Registry) EmitPaymentApplied(ctx context.Context, ch interface{}, amount int64, nonce uint64) {
	r.mu.RLock()
	plugins := r.onPaymentApplied
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnPaymentApplied(ctx, ch, amount, nonce)
		}); err != nil {
			r.logger.Warn("plugin OnPaymentApplied failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitChannelClosed emits a channel closed event.
func (r *Registry) EmitChannelClosed(ctx context.Context, ch interface{}) {
	r.mu.RLock()
	plugins := r.onChannelClosed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnChannelClosed(ctx, ch)
		}); err != nil {
			r.logger.Warn("plugin OnChannelClosed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitIntentScheduled emits an intent scheduled event.
func (r *Registry) EmitIntentScheduled(ctx context.Context, ci interface{}) {
	r.mu.RLock()
	plugins := r.onIntentScheduled
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnIntentScheduled(ctx, ci)
		}); err != nil {
			r.logger.Warn("plugin OnIntentScheduled failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitChargeApplied emits a charge applied event.
func (r *Registry) EmitChargeApplied(ctx context.Context, ci interface{}, path string) {
	r.mu.RLock()
	plugins := r.onChargeApplied
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnChargeApplied(ctx, ci, path)
		}); err != nil {
			r.logger.Warn("plugin OnChargeApplied failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitChargeFailed emits a charge failed event.
func (r *Registry) EmitChargeFailed(ctx context.Context, ci interface{}, chargeErr error) {
	r.mu.RLock()
	plugins := r.onChargeFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnChargeFailed(ctx, ci, chargeErr)
		}); err != nil {
			r.logger.Warn("plugin OnChargeFailed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSettlementRecorded emits a settlement recorded event.
func (r *Registry) EmitSettlementRecorded(ctx context.Context, rec interface{}) {
	r.mu.RLock()
	plugins := r.onSettlementRecorded
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSettlementRecorded(ctx, rec)
		}); err != nil {
			r.logger.Warn("plugin OnSettlementRecorded failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSettlementConfirmed emits a settlement confirmed event.
func (r *Registry) EmitSettlementConfirmed(ctx context.Context, rec interface{}, elapsed time.Duration) {
	r.mu.RLock()
	plugins := r.onSettlementConfirmed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSettlementConfirmed(ctx, rec, elapsed)
		}); err != nil {
			r.logger.Warn("plugin OnSettlementConfirmed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCreditIssued emits a credit issued event.
func (r *Registry) EmitCreditIssued(ctx context.Context, cr interface{}) {
	r.mu.RLock()
	plugins := r.onCreditIssued
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCreditIssued(ctx, cr)
		}); err != nil {
			r.logger.Warn("plugin OnCreditIssued failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// GetChainProviders returns all registered chain provider plugins.
func (r *Registry) GetChainProviders() []ChainProviderPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ChainProviderPlugin, len(r.chainProviders))
	copy(result, r.chainProviders)
	return result
}

// GetSettlementExporter returns an exporter by format.
func (r *Registry) GetSettlementExporter(format string) SettlementExporter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settlementExporters[format]
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the billing pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
