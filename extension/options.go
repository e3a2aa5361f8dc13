package extension

import (
	"time"

	chainbill "github.com/xraph/chainbill"
	"github.com/xraph/chainbill/plugin"
	"github.com/xraph/chainbill/store"
)

// Option configures the Chainbill Forge extension.
type Option func(*Extension)

// WithStore sets the store for the billing engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithBillingOption passes a chainbill.Option through to the underlying engine.
func WithBillingOption(opt chainbill.Option) Option {
	return func(e *Extension) {
		e.billingOpts = append(e.billingOpts, opt)
	}
}

// WithPlugin registers a chainbill plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.billingOpts = append(e.billingOpts, chainbill.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithTickInterval sets the billing scheduler scan cadence.
func WithTickInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.TickInterval = d }
}

// WithDrainInterval sets how frequently pending charge intents are settled.
func WithDrainInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.DrainInterval = d }
}

// WithVerifyInterval sets the cadence of the unknown-outcome resolver.
func WithVerifyInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.VerifyInterval = d }
}

// WithConfirmTimeout bounds on-chain confirmation waits.
func WithConfirmTimeout(d time.Duration) Option {
	return func(e *Extension) { e.config.ConfirmTimeout = d }
}

// WithMaxAttempts bounds charge retries before an intent is marked failed.
func WithMaxAttempts(n int) Option {
	return func(e *Extension) { e.config.MaxAttempts = n }
}

// WithGroveDatabase sets the name of the grove.DB to resolve from the DI container.
// The extension will auto-construct the appropriate store backend (postgres/sqlite)
// based on the grove driver type. Pass an empty string to use the default (unnamed) grove.DB.
func WithGroveDatabase(name string) Option {
	return func(e *Extension) {
		e.config.GroveDatabase = name
		e.useGrove = true
	}
}
