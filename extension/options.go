package extension

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/flash"
	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/plugin"
	"github.com/xraph/flash/store"
)

// Option configures the Flash Forge extension.
type Option func(*Extension)

// WithStore sets the store for the facilitator.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithLedger sets the ledger the facilitator settles against. When unset
// a JSON-RPC client is built from Config.RPCEndpoint.
func WithLedger(l chain.Ledger) Option {
	return func(e *Extension) {
		e.ledger = l
	}
}

// WithSigner sets the fee-payer key of the JSON-RPC ledger client.
func WithSigner(s chain.Signer) Option {
	return func(e *Extension) {
		e.signer = s
	}
}

// WithFlashOption passes a flash.Option through to the facilitator.
func WithFlashOption(opt flash.Option) Option {
	return func(e *Extension) {
		e.flashOpts = append(e.flashOpts, opt)
	}
}

// WithPlugin registers a flash plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.flashOpts = append(e.flashOpts, flash.WithPlugin(p))
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

// WithThreshold sets the settlement threshold.
func WithThreshold(amount uint64) Option {
	return func(e *Extension) { e.config.Threshold = amount }
}

// WithSettleInterval sets the period of the per-session settlement check.
func WithSettleInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.SettleInterval = d }
}

// WithAmountPolicy sets the amount policy by name.
func WithAmountPolicy(name string) Option {
	return func(e *Extension) { e.config.AmountPolicy = name }
}

// WithGroveDB builds the store on db. driver is one of the Driver constants.
func WithGroveDB(db *grove.DB, driver string) Option {
	return func(e *Extension) {
		e.groveDB = db
		e.config.StoreDriver = driver
	}
}
