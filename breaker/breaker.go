// Package breaker gates ledger submissions behind a three-state circuit
// breaker. A run of transient failures opens the circuit; after a recovery
// window a single trial submission is let through, and a run of successes
// closes it again.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by callers that were denied an attempt.
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker state.
type State int

const (
	// Closed lets every attempt through.
	Closed State = iota
	// Open denies every attempt until the recovery timeout elapses.
	Open
	// HalfOpen lets exactly one trial attempt through at a time.
	HalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Default thresholds.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultRecoveryTimeout  = 30 * time.Second
)

// Stats is a point-in-time view of the breaker counters.
type Stats struct {
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailure          time.Time `json:"last_failure,omitempty"`
	TrialInFlight        bool      `json:"trial_in_flight"`
}

// Breaker is a concurrency-safe circuit breaker.
type Breaker struct {
	mu sync.Mutex

	state         State
	failures      int
	successes     int
	lastFailure   time.Time
	trialInFlight bool

	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time
	onStateChange    func(from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the consecutive failures that open the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets the consecutive half-open successes that close
// the circuit.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithRecoveryTimeout sets how long the circuit stays open before a trial.
func WithRecoveryTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.recoveryTimeout = d
		}
	}
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStateChange registers a callback invoked on every transition. The
// callback runs after the breaker lock is released.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// New creates a closed breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:            Closed,
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
		recoveryTimeout:  DefaultRecoveryTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CanAttempt reports whether a submission may proceed. It is the only place
// the Open to HalfOpen transition happens; the caller that triggers it owns
// the single trial and must finish it with OnSuccess, OnFailure or Release.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	from := b.state
	allowed := false

	switch b.state {
	case Closed:
		allowed = true
	case Open:
		if b.now().Sub(b.lastFailure) > b.recoveryTimeout {
			b.state = HalfOpen
			b.successes = 0
			b.trialInFlight = true
			allowed = true
		}
	case HalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			allowed = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// Allows is a non-mutating peek: it reports whether CanAttempt would
// currently succeed without claiming the half-open trial.
func (b *Breaker) Allows() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		return b.now().Sub(b.lastFailure) > b.recoveryTimeout
	default:
		return !b.trialInFlight
	}
}

// OnSuccess records a successful submission.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	from := b.state

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.trialInFlight = false
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	case Open:
		// A submission that started before the circuit opened.
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// OnFailure records a transient submission failure.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	from := b.state

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = Open
			b.lastFailure = b.now()
		}
	case HalfOpen:
		b.trialInFlight = false
		b.successes = 0
		b.state = Open
		b.lastFailure = b.now()
	case Open:
		b.lastFailure = b.now()
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Release ends a half-open trial without recording an outcome, e.g. when the
// ledger rejected the submission on its merits.
func (b *Breaker) Release() {
	b.mu.Lock()
	if b.state == HalfOpen {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastFailure:          b.lastFailure,
		TrialInFlight:        b.trialInFlight,
	}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
