// Package plugin provides an extensible plugin system for Chainbill.
// Plugins can hook into various lifecycle events to extend functionality.
package plugin

import (
	"context"
	"time"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, b interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Plan lifecycle hooks
// ──────────────────────────────────────────────────

// OnPlanCreated is called when a new plan is created.
type OnPlanCreated interface {
	Plugin
	OnPlanCreated(ctx context.Context, plan interface{}) error
}

// OnPlanDeactivated is called when a plan is deactivated.
type OnPlanDeactivated interface {
	Plugin
	OnPlanDeactivated(ctx context.Context, planID string) error
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated is called when a new subscription is created.
type OnSubscriptionCreated interface {
	Plugin
	OnSubscriptionCreated(ctx context.Context, sub interface{}) error
}

// OnSubscriptionCanceled is called when a subscription is canceled.
type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, sub interface{}) error
}

// ──────────────────────────────────────────────────
// Channel hooks
// ──────────────────────────────────────────────────

// OnChannelOpened is called when a payment channel is opened.
type OnChannelOpened interface {
	Plugin
	OnChannelOpened(ctx context.Context, ch interface{}) error
}

// OnPaymentApplied is called when an off-chain payment delta is applied.
type OnPaymentApplied interface {
	Plugin
	OnPaymentApplied(ctx context.Context, ch interface{}, amount int64, nonce uint64) error
}

// OnChannelClosed is called when a payment channel is closed.
type OnChannelClosed interface {
	Plugin
	OnChannelClosed(ctx context.Context, ch interface{}) error
}

// ──────────────────────────────────────────────────
// Charge hooks
// ──────────────────────────────────────────────────

// OnIntentScheduled is called when the billing scheduler emits a charge intent.
type OnIntentScheduled interface {
	Plugin
	OnIntentScheduled(ctx context.Context, ci interface{}) error
}

// OnChargeApplied is called when a charge intent is collected. Path is
// "offchain" or "onchain".
type OnChargeApplied interface {
	Plugin
	OnChargeApplied(ctx context.Context, ci interface{}, path string) error
}

// OnChargeFailed is called when a charge intent exhausts its retries.
type OnChargeFailed interface {
	Plugin
	OnChargeFailed(ctx context.Context, ci interface{}, err error) error
}

// ──────────────────────────────────────────────────
// Settlement hooks
// ──────────────────────────────────────────────────

// OnSettlementRecorded is called when a channel close produces a
// settlement record.
type OnSettlementRecorded interface {
	Plugin
	OnSettlementRecorded(ctx context.Context, rec interface{}) error
}

// OnSettlementConfirmed is called when the on-chain settlement
// transaction is observed as confirmed.
type OnSettlementConfirmed interface {
	Plugin
	OnSettlementConfirmed(ctx context.Context, rec interface{}, elapsed time.Duration) error
}

// OnCreditIssued is called when a pending credit is carried forward for a
// subscriber.
type OnCreditIssued interface {
	Plugin
	OnCreditIssued(ctx context.Context, cr interface{}) error
}

// ──────────────────────────────────────────────────
// Chain provider plugins
// ──────────────────────────────────────────────────

// ChainProviderPlugin provides an on-chain client implementation.
type ChainProviderPlugin interface {
	Plugin
	Provider() interface{} // Returns chainbill.ChainClient
}

// ──────────────────────────────────────────────────
// Settlement exporters
// ──────────────────────────────────────────────────

// SettlementExporter formats settlement records for export.
type SettlementExporter interface {
	Plugin
	Format() string                                                   // "json", "csv", etc.
	Render(ctx context.Context, rec interface{}, w interface{}) error // w is io.Writer
}
