package extension

import "time"

// Config holds the Chainbill extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.chainbill" or "chainbill" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// TickInterval is the billing scheduler scan cadence (default: 30s).
	TickInterval time.Duration `json:"tick_interval" mapstructure:"tick_interval" yaml:"tick_interval"`

	// DrainInterval is how frequently pending charge intents are settled
	// (default: 5s).
	DrainInterval time.Duration `json:"drain_interval" mapstructure:"drain_interval" yaml:"drain_interval"`

	// VerifyInterval is the cadence of the unknown-outcome resolver
	// (default: 15s).
	VerifyInterval time.Duration `json:"verify_interval" mapstructure:"verify_interval" yaml:"verify_interval"`

	// ConfirmTimeout bounds on-chain confirmation waits before an operation
	// is marked unknown (default: 45s).
	ConfirmTimeout time.Duration `json:"confirm_timeout" mapstructure:"confirm_timeout" yaml:"confirm_timeout"`

	// MaxAttempts bounds charge retries before an intent is marked failed
	// (default: 5).
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`

	// GroveDatabase is the name of a grove.DB registered in the DI container.
	// When set, the extension resolves this named database and auto-constructs
	// the appropriate store based on the driver type (pg/sqlite).
	// When empty and WithGroveDatabase was called, the default (unnamed) DB is used.
	GroveDatabase string `json:"grove_database" mapstructure:"grove_database" yaml:"grove_database"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:   30 * time.Second,
		DrainInterval:  5 * time.Second,
		VerifyInterval: 15 * time.Second,
		ConfirmTimeout: 45 * time.Second,
		MaxAttempts:    5,
	}
}
