// Package extension provides the Forge extension adapter for Flash.
//
// It implements the forge.Extension interface to integrate the settlement
// facilitator into a Forge application with DI registration and lifecycle
// management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.flash" or "flash" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/flash"
	"github.com/xraph/flash/authz"
	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/chain/solana"
	"github.com/xraph/flash/feeoracle"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/store"
	"github.com/xraph/flash/store/memory"
	"github.com/xraph/flash/store/mongo"
	"github.com/xraph/flash/store/postgres"
	"github.com/xraph/flash/store/sqlite"
	"github.com/xraph/flash/types"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "flash"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Pay-in-arrears settlement facilitator"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Flash as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config    Config
	engine    *flash.Facilitator
	store     store.Store
	groveDB   *grove.DB
	ledger    chain.Ledger
	signer    chain.Signer
	flashOpts []flash.Option
}

// New creates a new Flash Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Facilitator.
// This is nil until Register is called.
func (e *Extension) Engine() *flash.Facilitator { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// builds the facilitator, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	st, err := e.buildStore()
	if err != nil {
		return err
	}
	e.store = st

	ledger, err := e.buildLedger()
	if err != nil {
		return err
	}

	opts, err := e.buildFlashOpts()
	if err != nil {
		return err
	}

	e.engine = flash.New(ledger, opts...)

	return vessel.Provide(fapp.Container(), func() (*flash.Facilitator, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("flash: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(ctx context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(ctx); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("flash: extension not initialized")
	}
	return e.engine.Health(ctx)
}

// buildStore returns the programmatic store, or one built on the grove
// database for the configured driver.
func (e *Extension) buildStore() (store.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	if e.groveDB == nil {
		return memory.New(), nil
	}

	switch e.config.StoreDriver {
	case DriverPostgres:
		return postgres.New(e.groveDB), nil
	case DriverSQLite:
		return sqlite.New(e.groveDB), nil
	case DriverMongo:
		return mongo.New(e.groveDB), nil
	default:
		return nil, fmt.Errorf("flash: unsupported store driver %q for grove database", e.config.StoreDriver)
	}
}

func (e *Extension) buildLedger() (chain.Ledger, error) {
	if e.ledger != nil {
		return e.ledger, nil
	}
	if e.config.RPCEndpoint == "" {
		return nil, errors.New("flash: no ledger configured; set rpc_endpoint or use WithLedger")
	}

	opts := []solana.Option{solana.WithCommitment(e.config.Commitment)}
	if e.config.ProgramID != "" {
		programID, err := types.ParseAddress(e.config.ProgramID)
		if err != nil {
			return nil, fmt.Errorf("flash: program_id: %w", err)
		}
		opts = append(opts, solana.WithProgramID(programID))
	}
	if e.signer != nil {
		opts = append(opts, solana.WithSigner(e.signer))
	}
	return solana.NewClient(e.config.RPCEndpoint, opts...), nil
}

// buildFlashOpts constructs flash.Option values from the resolved config.
func (e *Extension) buildFlashOpts() ([]flash.Option, error) {
	policy, err := authz.ParseAmountPolicy(e.config.AmountPolicy)
	if err != nil {
		return nil, err
	}

	opts := make([]flash.Option, 0, len(e.flashOpts)+10)
	opts = append(opts,
		flash.WithStore(e.store),
		flash.WithThreshold(e.config.Threshold),
		flash.WithSettleInterval(e.config.SettleInterval),
		flash.WithSignatureTimeout(e.config.SignatureTimeout),
		flash.WithDrainTimeout(e.config.DrainTimeout),
		flash.WithAmountPolicy(policy),
	)

	if e.config.DisableMigrate {
		opts = append(opts, flash.WithDisableMigrate())
	}

	if e.config.Network != "" {
		opts = append(opts, flash.WithNetwork([]byte(e.config.Network)))
	}

	var oracleOpts []feeoracle.Option
	if e.config.PriceFeedURL != "" {
		oracleOpts = append(oracleOpts, feeoracle.WithPriceFeed(feeoracle.NewHermesFeed(e.config.PriceFeedURL)))
	}
	if e.config.FeeCeilingMicroUSD > 0 {
		oracleOpts = append(oracleOpts, feeoracle.WithCeiling(e.config.FeeCeilingMicroUSD))
	}
	if len(oracleOpts) > 0 {
		opts = append(opts, flash.WithOracleOptions(oracleOpts...))
	}

	if e.config.BridgeEndpoint != "" {
		var bridgeOpts []settlement.BridgeOption
		if e.config.BridgeAPIKey != "" {
			bridgeOpts = append(bridgeOpts, settlement.WithBridgeAPIKey(e.config.BridgeAPIKey))
		}
		opts = append(opts, flash.WithBackend(chain.VariantBridged,
			settlement.NewBridgeBackend(e.config.BridgeEndpoint, bridgeOpts...)))
	}

	// Append any pass-through flash options.
	opts = append(opts, e.flashOpts...)

	return opts, nil
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("flash: configuration is required but not found in config files; " +
				"ensure 'extensions.flash' or 'flash' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("flash: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("threshold", e.config.Threshold),
		forge.F("settle_interval", e.config.SettleInterval),
		forge.F("signature_timeout", e.config.SignatureTimeout),
		forge.F("amount_policy", e.config.AmountPolicy),
		forge.F("store_driver", e.config.StoreDriver),
		forge.F("bridge_enabled", e.config.BridgeEndpoint != ""),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	// Try "extensions.flash" first (namespaced pattern).
	if cm.IsSet("extensions.flash") {
		if err := cm.Bind("extensions.flash", &cfg); err == nil {
			e.Logger().Debug("flash: loaded config from file",
				forge.F("key", "extensions.flash"),
			)
			return cfg, true
		}
		e.Logger().Warn("flash: failed to bind extensions.flash config",
			forge.F("error", "bind failed"),
		)
	}

	// Try top-level "flash" key.
	if cm.IsSet("flash") {
		if err := cm.Bind("flash", &cfg); err == nil {
			e.Logger().Debug("flash: loaded config from file",
				forge.F("key", "flash"),
			)
			return cfg, true
		}
		e.Logger().Warn("flash: failed to bind flash config",
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.Threshold == 0 {
		cfg.Threshold = defaults.Threshold
	}
	if cfg.SettleInterval == 0 {
		cfg.SettleInterval = defaults.SettleInterval
	}
	if cfg.SignatureTimeout == 0 {
		cfg.SignatureTimeout = defaults.SignatureTimeout
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = defaults.DrainTimeout
	}
	if cfg.AmountPolicy == "" {
		cfg.AmountPolicy = defaults.AmountPolicy
	}
	if cfg.Commitment == "" {
		cfg.Commitment = defaults.Commitment
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaults.StoreDriver
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	if yamlConfig.Threshold == 0 {
		yamlConfig.Threshold = programmaticConfig.Threshold
	}
	if yamlConfig.SettleInterval == 0 {
		yamlConfig.SettleInterval = programmaticConfig.SettleInterval
	}
	if yamlConfig.SignatureTimeout == 0 {
		yamlConfig.SignatureTimeout = programmaticConfig.SignatureTimeout
	}
	if yamlConfig.DrainTimeout == 0 {
		yamlConfig.DrainTimeout = programmaticConfig.DrainTimeout
	}
	if yamlConfig.FeeCeilingMicroUSD == 0 {
		yamlConfig.FeeCeilingMicroUSD = programmaticConfig.FeeCeilingMicroUSD
	}

	strs := []struct {
		dst *string
		src string
	}{
		{&yamlConfig.AmountPolicy, programmaticConfig.AmountPolicy},
		{&yamlConfig.Network, programmaticConfig.Network},
		{&yamlConfig.RPCEndpoint, programmaticConfig.RPCEndpoint},
		{&yamlConfig.ProgramID, programmaticConfig.ProgramID},
		{&yamlConfig.Commitment, programmaticConfig.Commitment},
		{&yamlConfig.PriceFeedURL, programmaticConfig.PriceFeedURL},
		{&yamlConfig.BridgeEndpoint, programmaticConfig.BridgeEndpoint},
		{&yamlConfig.BridgeAPIKey, programmaticConfig.BridgeAPIKey},
		{&yamlConfig.StoreDriver, programmaticConfig.StoreDriver},
	}
	for _, s := range strs {
		if *s.dst == "" {
			*s.dst = s.src
		}
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
