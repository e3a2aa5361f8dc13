// Package observability provides a metrics extension for Chainbill that
// records lifecycle event counts via a pluggable MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/chainbill/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnInit                 = (*MetricsExtension)(nil)
	_ plugin.OnPlanCreated          = (*MetricsExtension)(nil)
	_ plugin.OnPlanDeactivated      = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCreated  = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled = (*MetricsExtension)(nil)
	_ plugin.OnChannelOpened        = (*MetricsExtension)(nil)
	_ plugin.OnPaymentApplied       = (*MetricsExtension)(nil)
	_ plugin.OnChannelClosed        = (*MetricsExtension)(nil)
	_ plugin.OnIntentScheduled      = (*MetricsExtension)(nil)
	_ plugin.OnChargeApplied        = (*MetricsExtension)(nil)
	_ plugin.OnChargeFailed         = (*MetricsExtension)(nil)
	_ plugin.OnSettlementRecorded   = (*MetricsExtension)(nil)
	_ plugin.OnSettlementConfirmed  = (*MetricsExtension)(nil)
	_ plugin.OnCreditIssued         = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a Chainbill plugin to automatically track billing metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Plan metrics
	PlanCreated     Counter
	PlanDeactivated Counter

	// Subscription metrics
	SubscriptionCreated  Counter
	SubscriptionCanceled Counter

	// Channel metrics
	ChannelOpened   Counter
	ChannelClosed   Counter
	PaymentsApplied Counter
	PaymentAmount   Histogram

	// Charge metrics
	IntentsScheduled Counter
	ChargesOffchain  Counter
	ChargesOnchain   Counter
	ChargesFailed    Counter

	// Settlement metrics
	SettlementsRecorded  Counter
	SettlementsConfirmed Counter
	SettlementLatency    Histogram
	CreditsIssued        Counter

	// Error metrics
	StoreErrors  Counter
	PluginErrors Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Plan metrics
		PlanCreated:     factory.Counter("chainbill.plan.created"),
		PlanDeactivated: factory.Counter("chainbill.plan.deactivated"),

		// Subscription metrics
		SubscriptionCreated:  factory.Counter("chainbill.subscription.created"),
		SubscriptionCanceled: factory.Counter("chainbill.subscription.canceled"),

		// Channel metrics
		ChannelOpened:   factory.Counter("chainbill.channel.opened"),
		ChannelClosed:   factory.Counter("chainbill.channel.closed"),
		PaymentsApplied: factory.Counter("chainbill.channel.payments.applied"),
		PaymentAmount:   factory.Histogram("chainbill.channel.payment.amount"),

		// Charge metrics
		IntentsScheduled: factory.Counter("chainbill.charge.scheduled"),
		ChargesOffchain:  factory.Counter("chainbill.charge.applied.offchain"),
		ChargesOnchain:   factory.Counter("chainbill.charge.applied.onchain"),
		ChargesFailed:    factory.Counter("chainbill.charge.failed"),

		// Settlement metrics
		SettlementsRecorded:  factory.Counter("chainbill.settlement.recorded"),
		SettlementsConfirmed: factory.Counter("chainbill.settlement.confirmed"),
		SettlementLatency:    factory.Histogram("chainbill.settlement.confirm.latency_ms"),
		CreditsIssued:        factory.Counter("chainbill.credit.issued"),

		// Error metrics
		StoreErrors:  factory.Counter("chainbill.store.errors"),
		PluginErrors: factory.Counter("chainbill.plugin.errors"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	// No initialization needed
	return nil
}

// ──────────────────────────────────────────────────
// Plan lifecycle hooks
// ──────────────────────────────────────────────────

// OnPlanCreated implements plugin.OnPlanCreated.
func (m *MetricsExtension) OnPlanCreated(_ context.Context, _ interface{}) error {
	m.PlanCreated.Inc()
	return nil
}

// OnPlanDeactivated implements plugin.OnPlanDeactivated.
func (m *MetricsExtension) OnPlanDeactivated(_ context.Context, _ string) error {
	m.PlanDeactivated.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (m *MetricsExtension) OnSubscriptionCreated(_ context.Context, _ interface{}) error {
	m.SubscriptionCreated.Inc()
	return nil
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (m *MetricsExtension) OnSubscriptionCanceled(_ context.Context, _ interface{}) error {
	m.SubscriptionCanceled.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Channel lifecycle hooks
// ──────────────────────────────────────────────────

// OnChannelOpened implements plugin.OnChannelOpened.
func (m *MetricsExtension) OnChannelOpened(_ context.Context, _ interface{}) error {
	m.ChannelOpened.Inc()
	return nil
}

// OnPaymentApplied implements plugin.OnPaymentApplied.
func (m *MetricsExtension) OnPaymentApplied(_ context.Context, _ interface{}, amount int64, _ uint64) error {
	m.PaymentsApplied.Inc()
	m.PaymentAmount.Observe(float64(amount))
	return nil
}

// OnChannelClosed implements plugin.OnChannelClosed.
func (m *MetricsExtension) OnChannelClosed(_ context.Context, _ interface{}) error {
	m.ChannelClosed.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Charge lifecycle hooks
// ──────────────────────────────────────────────────

// OnIntentScheduled implements plugin.OnIntentScheduled.
func (m *MetricsExtension) OnIntentScheduled(_ context.Context, _ interface{}) error {
	m.IntentsScheduled.Inc()
	return nil
}

// OnChargeApplied implements plugin.OnChargeApplied.
func (m *MetricsExtension) OnChargeApplied(_ context.Context, _ interface{}, path string) error {
	if path == "onchain" {
		m.ChargesOnchain.Inc()
	} else {
		m.ChargesOffchain.Inc()
	}
	return nil
}

// OnChargeFailed implements plugin.OnChargeFailed.
func (m *MetricsExtension) OnChargeFailed(_ context.Context, _ interface{}, _ error) error {
	m.ChargesFailed.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Settlement lifecycle hooks
// ──────────────────────────────────────────────────

// OnSettlementRecorded implements plugin.OnSettlementRecorded.
func (m *MetricsExtension) OnSettlementRecorded(_ context.Context, _ interface{}) error {
	m.SettlementsRecorded.Inc()
	return nil
}

// OnSettlementConfirmed implements plugin.OnSettlementConfirmed.
func (m *MetricsExtension) OnSettlementConfirmed(_ context.Context, _ interface{}, elapsed time.Duration) error {
	m.SettlementsConfirmed.Inc()
	m.SettlementLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// OnCreditIssued implements plugin.OnCreditIssued.
func (m *MetricsExtension) OnCreditIssued(_ context.Context, _ interface{}) error {
	m.CreditsIssued.Inc()
	return nil
}
