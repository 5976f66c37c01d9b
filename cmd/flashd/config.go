package main

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mr-tron/base58"

	"github.com/xraph/flash"
	"github.com/xraph/flash/authz"
	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/feeoracle"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/types"
)

// FatalConfigError is a configuration problem detected before the daemon
// starts listening.
type FatalConfigError struct {
	Err error
}

func (e *FatalConfigError) Error() string { return "configuration: " + e.Err.Error() }

func (e *FatalConfigError) Unwrap() error { return e.Err }

// config holds daemon configuration loaded from the environment.
type config struct {
	ListenAddr string `env:"FLASH_LISTEN_ADDR" envDefault:":8080"`

	RPCEndpoint string `env:"FLASH_RPC_ENDPOINT,required,notEmpty"`
	ProgramID   string `env:"FLASH_PROGRAM_ID,required,notEmpty"`
	// FeePayerKey is the base58 ed25519 secret key (64 bytes) or seed
	// (32 bytes) that pays transaction fees.
	FeePayerKey string `env:"FLASH_FEE_PAYER_KEY,required,notEmpty,unset"`
	Commitment  string `env:"FLASH_COMMITMENT" envDefault:"confirmed"`

	Threshold        uint64        `env:"FLASH_THRESHOLD" envDefault:"100000"`
	SettleInterval   time.Duration `env:"FLASH_SETTLE_INTERVAL" envDefault:"30s"`
	SignatureTimeout time.Duration `env:"FLASH_SIGNATURE_TIMEOUT" envDefault:"30s"`
	DrainTimeout     time.Duration `env:"FLASH_DRAIN_TIMEOUT" envDefault:"10s"`
	AmountPolicy     string        `env:"FLASH_AMOUNT_POLICY" envDefault:"strict"`
	Network          string        `env:"FLASH_NETWORK"`

	PriceFeedURL       string `env:"FLASH_PRICE_FEED_URL"`
	FeeCeilingMicroUSD uint64 `env:"FLASH_FEE_CEILING_MICRO_USD"`

	BridgeEndpoint string `env:"FLASH_BRIDGE_ENDPOINT"`
	BridgeAPIKey   string `env:"FLASH_BRIDGE_API_KEY,unset"`

	RedisURL    string        `env:"FLASH_REDIS_URL"`
	SnapshotTTL time.Duration `env:"FLASH_SNAPSHOT_TTL"`

	OTELEndpoint    string  `env:"FLASH_OTEL_ENDPOINT"`
	OTELSampleRatio float64 `env:"FLASH_OTEL_SAMPLE_RATIO" envDefault:"1"`

	LogLevel  string `env:"FLASH_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"FLASH_LOG_FORMAT" envDefault:"json"`
	// AuditLog writes session and settlement audit events to the log.
	AuditLog bool `env:"FLASH_AUDIT_LOG"`
}

// loadConfig parses and validates the environment. Every failure is a
// FatalConfigError.
func loadConfig() (*config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return nil, &FatalConfigError{Err: fmt.Errorf("parse env: %w", err)}
	}
	if _, err := authz.ParseAmountPolicy(cfg.AmountPolicy); err != nil {
		return nil, &FatalConfigError{Err: err}
	}
	if _, err := types.ParseAddress(cfg.ProgramID); err != nil {
		return nil, &FatalConfigError{Err: fmt.Errorf("FLASH_PROGRAM_ID: %w", err)}
	}
	if _, err := parseKey(cfg.FeePayerKey); err != nil {
		return nil, &FatalConfigError{Err: fmt.Errorf("FLASH_FEE_PAYER_KEY: %w", err)}
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return nil, &FatalConfigError{Err: fmt.Errorf("FLASH_LOG_LEVEL: %w", err)}
	}
	return &cfg, nil
}

func parseKey(s string) (ed25519.PrivateKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, err
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("key is %d bytes, want %d or %d", len(raw), ed25519.PrivateKeySize, ed25519.SeedSize)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(s))
	return level, err
}

func (c *config) logger() *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// flashOptions maps the engine settings onto flash options. Store,
// logger and tracer are added by the caller.
func (c *config) flashOptions() []flash.Option {
	policy, _ := authz.ParseAmountPolicy(c.AmountPolicy)

	opts := []flash.Option{
		flash.WithThreshold(c.Threshold),
		flash.WithSettleInterval(c.SettleInterval),
		flash.WithSignatureTimeout(c.SignatureTimeout),
		flash.WithDrainTimeout(c.DrainTimeout),
		flash.WithAmountPolicy(policy),
	}
	if c.Network != "" {
		opts = append(opts, flash.WithNetwork([]byte(c.Network)))
	}

	var oracleOpts []feeoracle.Option
	if c.PriceFeedURL != "" {
		oracleOpts = append(oracleOpts, feeoracle.WithPriceFeed(feeoracle.NewHermesFeed(c.PriceFeedURL)))
	}
	if c.FeeCeilingMicroUSD > 0 {
		oracleOpts = append(oracleOpts, feeoracle.WithCeiling(c.FeeCeilingMicroUSD))
	}
	if len(oracleOpts) > 0 {
		opts = append(opts, flash.WithOracleOptions(oracleOpts...))
	}

	if c.BridgeEndpoint != "" {
		var bridgeOpts []settlement.BridgeOption
		if c.BridgeAPIKey != "" {
			bridgeOpts = append(bridgeOpts, settlement.WithBridgeAPIKey(c.BridgeAPIKey))
		}
		opts = append(opts, flash.WithBackend(chain.VariantBridged,
			settlement.NewBridgeBackend(c.BridgeEndpoint, bridgeOpts...)))
	}
	return opts
}
