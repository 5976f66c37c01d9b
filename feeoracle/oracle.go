// Package feeoracle maintains the priority-fee bid used for settlement
// bundles. The bid is refreshed on a fixed interval, independent of
// settlement activity, and LatestBid never blocks and never fails: every
// refresh error degrades to the last known good value.
package feeoracle

import (
	"context"
	"log/slog"
	"math"
	"math/bits"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults.
const (
	DefaultBid              uint64 = 1_000
	DefaultPercentile              = 75
	DefaultRefreshInterval         = 10 * time.Second
	DefaultComputeUnitLimit uint32 = 200_000
)

const (
	microLamportsPerLamport = 1_000_000
	lamportsPerSOL          = 1_000_000_000
)

// FeeSource returns recent prioritization fees in micro-lamports per
// compute unit.
type FeeSource interface {
	RecentFees(ctx context.Context) ([]uint64, error)
}

// PriceFeed returns the SOL price in micro-USD.
type PriceFeed interface {
	Price(ctx context.Context) (uint64, error)
}

// Bid is a priority fee bid.
type Bid struct {
	// MicroLamportsPerCU is the compute-unit price to attach.
	MicroLamportsPerCU uint64 `json:"micro_lamports_per_cu"`
	// Baseline is the percentile fee the bid was derived from.
	Baseline uint64 `json:"baseline"`
	// Capped is true when the ceiling lowered the bid.
	Capped bool `json:"capped"`
	// EstimateMicroUSD is the estimated cost of one bundle, zero when no
	// price was available.
	EstimateMicroUSD uint64    `json:"estimate_micro_usd"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Oracle caches the latest bid.
type Oracle struct {
	source FeeSource
	feed   PriceFeed
	logger *slog.Logger
	now    func() time.Time

	interval   time.Duration
	percentile int
	cuLimit    uint32
	ceiling    uint64
	onUpdate   func(Bid)

	bid atomic.Pointer[Bid]

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithPriceFeed sets the price feed used for the ceiling check.
func WithPriceFeed(feed PriceFeed) Option {
	return func(o *Oracle) { o.feed = feed }
}

// WithRefreshInterval sets the refresh period.
func WithRefreshInterval(d time.Duration) Option {
	return func(o *Oracle) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithDefaultBid sets the bid returned before the first successful refresh.
func WithDefaultBid(microLamports uint64) Option {
	return func(o *Oracle) {
		o.bid.Store(&Bid{MicroLamportsPerCU: microLamports, Baseline: microLamports})
	}
}

// WithPercentile sets the sample percentile, 1 to 100.
func WithPercentile(p int) Option {
	return func(o *Oracle) {
		if p >= 1 && p <= 100 {
			o.percentile = p
		}
	}
}

// WithComputeUnitLimit sets the compute units a bundle is expected to use.
func WithComputeUnitLimit(units uint32) Option {
	return func(o *Oracle) {
		if units > 0 {
			o.cuLimit = units
		}
	}
}

// WithCeiling caps the estimated bundle cost in micro-USD. Zero disables
// the cap.
func WithCeiling(microUSD uint64) Option {
	return func(o *Oracle) { o.ceiling = microUSD }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Oracle) { o.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

// WithOnUpdate registers a callback invoked after every successful refresh.
func WithOnUpdate(fn func(Bid)) Option {
	return func(o *Oracle) { o.onUpdate = fn }
}

// New creates an oracle reading from source. source may be nil, in which
// case the default bid is used forever.
func New(source FeeSource, opts ...Option) *Oracle {
	o := &Oracle{
		source:     source,
		logger:     slog.Default(),
		now:        time.Now,
		interval:   DefaultRefreshInterval,
		percentile: DefaultPercentile,
		cuLimit:    DefaultComputeUnitLimit,
		stopChan:   make(chan struct{}),
	}
	o.bid.Store(&Bid{MicroLamportsPerCU: DefaultBid, Baseline: DefaultBid})

	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LatestBid returns the cached bid.
func (o *Oracle) LatestBid() Bid {
	return *o.bid.Load()
}

// Start begins the refresh loop. The first refresh runs immediately.
func (o *Oracle) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		o.wg.Add(1)
		go o.refreshWorker(ctx)

		o.logger.Info("fee oracle started",
			"interval", o.interval,
			"percentile", o.percentile,
			"ceiling_micro_usd", o.ceiling,
		)
	})
}

// Stop ends the refresh loop and waits for it to exit.
func (o *Oracle) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopChan)
	})
	o.wg.Wait()
}

func (o *Oracle) refreshWorker(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.Refresh(ctx)
	for {
		select {
		case <-ticker.C:
			o.Refresh(ctx)
		case <-o.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Refresh runs one refresh cycle and reports whether the cache changed.
func (o *Oracle) Refresh(ctx context.Context) bool {
	if o.source == nil {
		return false
	}

	samples, err := o.source.RecentFees(ctx)
	if err != nil {
		o.logger.Warn("fee oracle: fee source failed, keeping cached bid", "error", err)
		return false
	}
	baseline, ok := Percentile(samples, o.percentile)
	if !ok {
		o.logger.Debug("fee oracle: no non-zero samples, keeping cached bid")
		return false
	}

	next := Bid{MicroLamportsPerCU: baseline, Baseline: baseline, UpdatedAt: o.now()}

	if o.feed != nil {
		price, perr := o.feed.Price(ctx)
		switch {
		case perr != nil:
			o.logger.Warn("fee oracle: price feed failed, using baseline", "error", perr)
		case price == 0:
			o.logger.Warn("fee oracle: price feed returned zero, using baseline")
		default:
			next.EstimateMicroUSD = EstimateMicroUSD(baseline, o.cuLimit, price)
			if o.ceiling > 0 && next.EstimateMicroUSD > o.ceiling {
				next.MicroLamportsPerCU = CeilingBid(o.ceiling, o.cuLimit, price)
				next.Capped = true
			}
		}
	}

	o.bid.Store(&next)
	if o.onUpdate != nil {
		o.onUpdate(next)
	}
	return true
}

// Percentile returns the nearest-rank percentile of the non-zero samples.
// ok is false when there are none.
func Percentile(samples []uint64, p int) (uint64, bool) {
	nonZero := make([]uint64, 0, len(samples))
	for _, s := range samples {
		if s > 0 {
			nonZero = append(nonZero, s)
		}
	}
	if len(nonZero) == 0 {
		return 0, false
	}
	slices.Sort(nonZero)

	rank := (p*len(nonZero) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return nonZero[rank-1], true
}

// EstimateMicroUSD converts a compute-unit price into the micro-USD cost of
// a bundle of cuLimit units at price micro-USD per SOL.
func EstimateMicroUSD(microLamportsPerCU uint64, cuLimit uint32, price uint64) uint64 {
	total := satMul(microLamportsPerCU, uint64(cuLimit))
	return mulDiv(total, price, microLamportsPerLamport*lamportsPerSOL)
}

// CeilingBid converts a micro-USD ceiling back to micro-lamports per CU.
func CeilingBid(ceilingMicroUSD uint64, cuLimit uint32, price uint64) uint64 {
	return mulDiv(ceilingMicroUSD, microLamportsPerLamport*lamportsPerSOL, satMul(price, uint64(cuLimit)))
}

func satMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

// mulDiv computes a*b/c with a 128-bit intermediate, saturating on overflow.
func mulDiv(a, b, c uint64) uint64 {
	if c == 0 {
		return math.MaxUint64
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}
