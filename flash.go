package flash

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/flash/authz"
	"github.com/xraph/flash/breaker"
	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/feeoracle"
	"github.com/xraph/flash/plugin"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/snapshot"
	"github.com/xraph/flash/store"
	"github.com/xraph/flash/types"
)

// Defaults for a Facilitator.
const (
	DefaultThreshold        uint64 = 100_000
	DefaultSettleInterval          = 30 * time.Second
	DefaultSignatureTimeout        = 30 * time.Second
	DefaultDrainTimeout            = 10 * time.Second

	ledgerReadTimeout = 10 * time.Second
	sendTimeout       = 5 * time.Second
)

// Facilitator is the settlement engine. It owns the session registry and
// the process-lifetime breaker, fee oracle and submitter.
type Facilitator struct {
	ledger    chain.Ledger
	store     store.Store
	snapshots snapshot.Store
	plugins   *plugin.Registry
	logger    *slog.Logger

	breaker   *breaker.Breaker
	oracle    *feeoracle.Oracle
	submitter *settlement.Submitter

	sessions     sync.Map // types.Address -> *Session
	shuttingDown atomic.Bool
	started      atomic.Bool

	// Configuration
	threshold        uint64
	settleInterval   time.Duration
	signatureTimeout time.Duration
	drainTimeout     time.Duration
	policy           authz.AmountPolicy
	network          []byte
	feePayer         types.Address
	feeSource        feeoracle.FeeSource
	tracer           trace.Tracer
	backends         map[chain.Variant]settlement.Backend
	breakerOpts      []breaker.Option
	oracleOpts       []feeoracle.Option
	directOpts       []settlement.DirectOption
	disableMigrate   bool
}

// New creates a Facilitator settling against ledger.
func New(ledger chain.Ledger, opts ...Option) *Facilitator {
	f := &Facilitator{
		ledger:           ledger,
		plugins:          plugin.NewRegistry(),
		logger:           slog.Default(),
		threshold:        DefaultThreshold,
		settleInterval:   DefaultSettleInterval,
		signatureTimeout: DefaultSignatureTimeout,
		drainTimeout:     DefaultDrainTimeout,
		policy:           authz.AmountStrict,
		backends:         make(map[chain.Variant]settlement.Backend),
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.feePayer.IsZero() {
		if fp, ok := ledger.(interface{ FeePayer() types.Address }); ok {
			f.feePayer = fp.FeePayer()
		}
	}
	if f.feeSource == nil {
		if src, ok := ledger.(feeoracle.FeeSource); ok {
			f.feeSource = src
		} else {
			f.feeSource = noFees{}
		}
	}

	f.breaker = breaker.New(append([]breaker.Option{
		breaker.WithStateChange(f.onCircuitStateChange),
	}, f.breakerOpts...)...)

	f.oracle = feeoracle.New(f.feeSource, append([]feeoracle.Option{
		feeoracle.WithLogger(f.logger),
		feeoracle.WithOnUpdate(f.onFeeBidUpdate),
	}, f.oracleOpts...)...)

	if _, ok := f.backends[chain.VariantDirect]; !ok {
		f.backends[chain.VariantDirect] = settlement.NewDirectBackend(ledger, f.feePayer,
			append([]settlement.DirectOption{settlement.WithDirectLogger(f.logger)}, f.directOpts...)...)
	}

	subOpts := []settlement.Option{settlement.WithLogger(f.logger)}
	for variant, b := range f.backends {
		subOpts = append(subOpts, settlement.WithBackend(variant, b))
	}
	if f.store != nil {
		subOpts = append(subOpts, settlement.WithStore(f.store))
	}
	if f.tracer != nil {
		subOpts = append(subOpts, settlement.WithTracer(f.tracer))
	}
	f.submitter = settlement.NewSubmitter(f.breaker, f.oracle, subOpts...)

	return f
}

// Option configures a Facilitator instance.
type Option func(*Facilitator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Facilitator) {
		f.logger = logger
		f.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(f *Facilitator) {
		_ = f.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithStore persists settlement records and session snapshots. A snapshot
// store set with WithSnapshotStore takes precedence for snapshots.
func WithStore(s store.Store) Option {
	return func(f *Facilitator) {
		f.store = s
		if f.snapshots == nil {
			f.snapshots = s
		}
	}
}

// WithSnapshotStore sets the capability used to persist and resume
// unsettled session state.
func WithSnapshotStore(s snapshot.Store) Option {
	return func(f *Facilitator) { f.snapshots = s }
}

// WithDisableMigrate skips store migration in Start.
func WithDisableMigrate() Option {
	return func(f *Facilitator) { f.disableMigrate = true }
}

// WithThreshold sets the unsettled amount that triggers an immediate
// settlement.
func WithThreshold(amount uint64) Option {
	return func(f *Facilitator) {
		if amount > 0 {
			f.threshold = amount
		}
	}
}

// WithSettleInterval sets the period of the per-session settlement check.
func WithSettleInterval(d time.Duration) Option {
	return func(f *Facilitator) {
		if d > 0 {
			f.settleInterval = d
		}
	}
}

// WithSignatureTimeout bounds how long a session waits for the agent's
// approval before abandoning the round trip.
func WithSignatureTimeout(d time.Duration) Option {
	return func(f *Facilitator) {
		if d > 0 {
			f.signatureTimeout = d
		}
	}
}

// WithDrainTimeout bounds how long closing a session waits for an
// in-flight submission.
func WithDrainTimeout(d time.Duration) Option {
	return func(f *Facilitator) {
		if d > 0 {
			f.drainTimeout = d
		}
	}
}

// WithAmountPolicy selects how a signed amount is compared to the proposed one.
func WithAmountPolicy(p authz.AmountPolicy) Option {
	return func(f *Facilitator) { f.policy = p }
}

// WithNetwork appends a network discriminator to every canonical message.
func WithNetwork(discriminator []byte) Option {
	return func(f *Facilitator) { f.network = append([]byte(nil), discriminator...) }
}

// WithFeePayer sets the address paying transaction fees for direct settlements.
func WithFeePayer(addr types.Address) Option {
	return func(f *Facilitator) { f.feePayer = addr }
}

// WithFeeSource overrides the congestion fee source of the oracle.
func WithFeeSource(src feeoracle.FeeSource) Option {
	return func(f *Facilitator) { f.feeSource = src }
}

// WithOracleOptions passes options to the fee oracle.
func WithOracleOptions(opts ...feeoracle.Option) Option {
	return func(f *Facilitator) { f.oracleOpts = append(f.oracleOpts, opts...) }
}

// WithBreakerOptions passes options to the circuit breaker.
func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(f *Facilitator) { f.breakerOpts = append(f.breakerOpts, opts...) }
}

// WithDirectOptions passes options to the default direct backend.
func WithDirectOptions(opts ...settlement.DirectOption) Option {
	return func(f *Facilitator) { f.directOpts = append(f.directOpts, opts...) }
}

// WithBackend sets the settlement backend for a provider variant.
func WithBackend(variant chain.Variant, b settlement.Backend) Option {
	return func(f *Facilitator) { f.backends[variant] = b }
}

// WithTracer sets the tracer used for settlement spans.
func WithTracer(t trace.Tracer) Option {
	return func(f *Facilitator) { f.tracer = t }
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start migrates the store, initializes plugins and starts the fee oracle.
// Sessions are accepted only after Start returns.
func (f *Facilitator) Start(ctx context.Context) error {
	if f.store != nil && !f.disableMigrate {
		if err := f.store.Migrate(ctx); err != nil {
			return err
		}
	}

	f.plugins.EmitInit(ctx, f)
	f.oracle.Start(ctx)
	f.started.Store(true)

	f.logger.Info("flash started",
		"program_id", f.ledger.ProgramID().String(),
		"threshold", f.threshold,
		"settle_interval", f.settleInterval,
		"amount_policy", f.policy.String(),
	)

	return nil
}

// Stop shuts the facilitator down: new sessions are rejected, every live
// session is closed concurrently (awaiting or persisting its in-flight
// settlement), the oracle is stopped and the store closed.
func (f *Facilitator) Stop(ctx context.Context) error {
	if !f.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	var wg sync.WaitGroup
	f.sessions.Range(func(key, _ any) bool {
		agent, _ := key.(types.Address)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.CloseSession(ctx, agent); err != nil && !errors.Is(err, ErrSessionNotFound) {
				f.logger.Warn("failed to close session on shutdown",
					"agent", agent.String(),
					"error", err,
				)
			}
		}()
		return true
	})
	wg.Wait()

	f.oracle.Stop()
	f.plugins.EmitShutdown(ctx)

	f.logger.Info("flash stopped")

	if f.store != nil {
		return f.store.Close()
	}
	return nil
}

// Health reports whether the facilitator can settle: it must be started,
// the store must answer and the breaker must not be open.
func (f *Facilitator) Health(ctx context.Context) error {
	if f.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if !f.started.Load() {
		return ErrNotStarted
	}
	if f.store != nil {
		if err := f.store.Ping(ctx); err != nil {
			return err
		}
	}
	if f.breaker.State() == breaker.Open {
		return ErrCircuitOpen
	}
	return nil
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Breaker returns the circuit breaker gating submissions.
func (f *Facilitator) Breaker() *breaker.Breaker { return f.breaker }

// Oracle returns the fee oracle.
func (f *Facilitator) Oracle() *feeoracle.Oracle { return f.oracle }

// Submitter returns the settlement submitter.
func (f *Facilitator) Submitter() *settlement.Submitter { return f.submitter }

// Store returns the configured store, or nil.
func (f *Facilitator) Store() store.Store { return f.store }

// Plugins returns the plugin registry.
func (f *Facilitator) Plugins() *plugin.Registry { return f.plugins }

// Ledger returns the ledger the facilitator settles against.
func (f *Facilitator) Ledger() chain.Ledger { return f.ledger }

// Settlements lists persisted settlement records for an agent.
func (f *Facilitator) Settlements(ctx context.Context, agent types.Address, opts settlement.ListOpts) ([]*settlement.Record, error) {
	if f.store == nil {
		return nil, nil
	}
	return f.store.ListSettlements(ctx, agent, opts)
}

func (f *Facilitator) onCircuitStateChange(from, to breaker.State) {
	f.logger.Warn("circuit breaker state changed",
		"from", from.String(),
		"to", to.String(),
	)
	f.plugins.EmitCircuitStateChanged(context.Background(), from, to)
}

func (f *Facilitator) onFeeBidUpdate(bid feeoracle.Bid) {
	f.plugins.EmitFeeBidUpdated(context.Background(), bid)
}

type noFees struct{}

func (noFees) RecentFees(context.Context) ([]uint64, error) { return nil, nil }
