package extension

import "time"

// Store drivers accepted in Config.StoreDriver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// Config holds the Flash extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.flash" or "flash" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// Threshold is the unsettled amount that triggers an immediate
	// settlement (default: 100000).
	Threshold uint64 `json:"threshold" mapstructure:"threshold" yaml:"threshold"`

	// SettleInterval is the period of the per-session settlement check
	// (default: 30s).
	SettleInterval time.Duration `json:"settle_interval" mapstructure:"settle_interval" yaml:"settle_interval"`

	// SignatureTimeout bounds the wait for an agent's approval (default: 30s).
	SignatureTimeout time.Duration `json:"signature_timeout" mapstructure:"signature_timeout" yaml:"signature_timeout"`

	// DrainTimeout bounds how long closing a session waits for an in-flight
	// settlement (default: 10s).
	DrainTimeout time.Duration `json:"drain_timeout" mapstructure:"drain_timeout" yaml:"drain_timeout"`

	// AmountPolicy is "strict" or "permissive" (default: strict).
	AmountPolicy string `json:"amount_policy" mapstructure:"amount_policy" yaml:"amount_policy"`

	// Network is appended to every signed message to bind signatures to
	// one deployment.
	Network string `json:"network" mapstructure:"network" yaml:"network"`

	// RPCEndpoint is the ledger JSON-RPC URL. Ignored when a ledger is
	// supplied with WithLedger.
	RPCEndpoint string `json:"rpc_endpoint" mapstructure:"rpc_endpoint" yaml:"rpc_endpoint"`

	// ProgramID is the base58 escrow program address.
	ProgramID string `json:"program_id" mapstructure:"program_id" yaml:"program_id"`

	// Commitment is the confirmation level awaited (default: confirmed).
	Commitment string `json:"commitment" mapstructure:"commitment" yaml:"commitment"`

	// PriceFeedURL is the base URL of the SOL/USD price service. When empty
	// the fee ceiling is not enforced.
	PriceFeedURL string `json:"price_feed_url" mapstructure:"price_feed_url" yaml:"price_feed_url"`

	// FeeCeilingMicroUSD caps the estimated fee of one settlement.
	FeeCeilingMicroUSD uint64 `json:"fee_ceiling_micro_usd" mapstructure:"fee_ceiling_micro_usd" yaml:"fee_ceiling_micro_usd"`

	// BridgeEndpoint enables settlement of bridged providers.
	BridgeEndpoint string `json:"bridge_endpoint" mapstructure:"bridge_endpoint" yaml:"bridge_endpoint"`

	// BridgeAPIKey authenticates against the bridge.
	BridgeAPIKey string `json:"bridge_api_key" mapstructure:"bridge_api_key" yaml:"bridge_api_key"`

	// StoreDriver selects the store built on the grove.DB passed with
	// WithGroveDB: postgres, sqlite or mongo (default: memory).
	StoreDriver string `json:"store_driver" mapstructure:"store_driver" yaml:"store_driver"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:        100_000,
		SettleInterval:   30 * time.Second,
		SignatureTimeout: 30 * time.Second,
		DrainTimeout:     10 * time.Second,
		AmountPolicy:     "strict",
		Commitment:       "confirmed",
		StoreDriver:      DriverMemory,
	}
}
