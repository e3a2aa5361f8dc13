// Package extension provides the Forge extension adapter for Chainbill.
//
// It implements the forge.Extension interface to integrate Chainbill
// into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.chainbill" or
// "chainbill" keys.
package extension

import (
	"context"
	"errors"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	chainbill "github.com/xraph/chainbill"
	"github.com/xraph/chainbill/store"
	"github.com/xraph/chainbill/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "chainbill"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Recurring billing engine with state-channel settlement"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Chainbill as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config      Config
	engine      *chainbill.Billing
	store       store.Store
	billingOpts []chainbill.Option
	useGrove    bool
}

// New creates a new Chainbill Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Billing instance.
// This is nil until Register is called.
func (e *Extension) Engine() *chainbill.Billing { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the billing engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	// Build billing options from resolved config.
	opts := e.buildBillingOpts()

	eng := chainbill.New(e.store, opts...)
	e.engine = eng

	return vessel.Provide(fapp.Container(), func() (*chainbill.Billing, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("chainbill: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("chainbill: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildBillingOpts constructs chainbill.Option values from the resolved config.
func (e *Extension) buildBillingOpts() []chainbill.Option {
	opts := make([]chainbill.Option, 0, len(e.billingOpts)+4)

	if e.config.TickInterval > 0 {
		opts = append(opts, chainbill.WithTickInterval(e.config.TickInterval))
	}
	if e.config.DrainInterval > 0 {
		opts = append(opts, chainbill.WithDrainInterval(e.config.DrainInterval))
	}
	if e.config.VerifyInterval > 0 {
		opts = append(opts, chainbill.WithVerifyInterval(e.config.VerifyInterval))
	}
	if e.config.ConfirmTimeout > 0 {
		opts = append(opts, chainbill.WithConfirmTimeout(e.config.ConfirmTimeout))
	}
	if e.config.MaxAttempts > 0 {
		opts = append(opts, chainbill.WithMaxAttempts(e.config.MaxAttempts))
	}

	// Append any pass-through billing options.
	opts = append(opts, e.billingOpts...)

	return opts
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("chainbill: configuration is required but not found in config files; " +
				"ensure 'extensions.chainbill' or 'chainbill' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = e.mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = e.mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("chainbill: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("tick_interval", e.config.TickInterval),
		forge.F("drain_interval", e.config.DrainInterval),
		forge.F("verify_interval", e.config.VerifyInterval),
		forge.F("confirm_timeout", e.config.ConfirmTimeout),
		forge.F("max_attempts", e.config.MaxAttempts),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	// Try "extensions.chainbill" first (namespaced pattern).
	if cm.IsSet("extensions.chainbill") {
		if err := cm.Bind("extensions.chainbill", &cfg); err == nil {
			e.Logger().Debug("chainbill: loaded config from file",
				forge.F("key", "extensions.chainbill"),
			)
			return cfg, true
		}
		e.Logger().Warn("chainbill: failed to bind extensions.chainbill config",
			forge.F("error", "bind failed"),
		)
	}

	// Try legacy "chainbill" key.
	if cm.IsSet("chainbill") {
		if err := cm.Bind("chainbill", &cfg); err == nil {
			e.Logger().Debug("chainbill: loaded config from file",
				forge.F("key", "chainbill"),
			)
			return cfg, true
		}
		e.Logger().Warn("chainbill: failed to bind chainbill config",
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func (e *Extension) mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.DrainInterval == 0 {
		cfg.DrainInterval = defaults.DrainInterval
	}
	if cfg.VerifyInterval == 0 {
		cfg.VerifyInterval = defaults.VerifyInterval
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = defaults.ConfirmTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func (e *Extension) mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.TickInterval == 0 && programmaticConfig.TickInterval != 0 {
		yamlConfig.TickInterval = programmaticConfig.TickInterval
	}
	if yamlConfig.DrainInterval == 0 && programmaticConfig.DrainInterval != 0 {
		yamlConfig.DrainInterval = programmaticConfig.DrainInterval
	}
	if yamlConfig.VerifyInterval == 0 && programmaticConfig.VerifyInterval != 0 {
		yamlConfig.VerifyInterval = programmaticConfig.VerifyInterval
	}
	if yamlConfig.ConfirmTimeout == 0 && programmaticConfig.ConfirmTimeout != 0 {
		yamlConfig.ConfirmTimeout = programmaticConfig.ConfirmTimeout
	}
	if yamlConfig.MaxAttempts == 0 && programmaticConfig.MaxAttempts != 0 {
		yamlConfig.MaxAttempts = programmaticConfig.MaxAttempts
	}

	// Fill remaining zeros with defaults.
	return e.mergeWithDefaults(yamlConfig)
}
