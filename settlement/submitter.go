// Package settlement commits signed settlement requests to the ledger. The
// Submitter gates every submission behind the circuit breaker, attaches the
// current fee bid, dispatches to the backend for the provider's protocol
// variant, and classifies the result so the session can apply it.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/flash/authz"
	"github.com/xraph/flash/breaker"
	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/feeoracle"
	"github.com/xraph/flash/id"
	"github.com/xraph/flash/types"
)

// TracerName is the instrumentation scope of settlement spans.
const TracerName = "github.com/xraph/flash/settlement"

// ErrNoBackend is returned when no backend serves a provider variant.
var ErrNoBackend = errors.New("settlement: no backend for provider variant")

// Outcome classifies a submission result.
type Outcome int

const (
	// OutcomeConfirmed means the transfer reached finality.
	OutcomeConfirmed Outcome = iota
	// OutcomeFailed is a transient failure; the amount is retried later.
	OutcomeFailed
	// OutcomeBlocked means the breaker denied the attempt.
	OutcomeBlocked
	// OutcomeRejected is a deterministic program rejection.
	OutcomeRejected
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (o Outcome) status() Status {
	switch o {
	case OutcomeConfirmed:
		return StatusConfirmed
	case OutcomeBlocked:
		return StatusBlocked
	case OutcomeRejected:
		return StatusRejected
	default:
		return StatusFailed
	}
}

// Request is a fully authorized settlement.
type Request struct {
	SessionID     id.SessionID
	Agent         types.Address
	Vault         *chain.Vault
	Provider      *chain.Provider
	Authorization authz.Request
	Signature     []byte
}

// Receipt is what a backend reports for a committed settlement.
type Receipt struct {
	TxID     string
	Attempts int
}

// Result is the classified outcome of Submit.
type Result struct {
	Outcome Outcome
	TxID    string
	Amount  uint64
	Nonce   uint64
	Bid     feeoracle.Bid
	Err     error
	Record  *Record
}

// Backend commits an authorized settlement for one provider variant.
type Backend interface {
	Settle(ctx context.Context, req *Request, bid feeoracle.Bid) (*Receipt, error)
}

// BidSource supplies the current fee bid.
type BidSource interface {
	LatestBid() feeoracle.Bid
}

// Submitter dispatches settlements.
type Submitter struct {
	breaker  *breaker.Breaker
	bids     BidSource
	backends map[chain.Variant]Backend
	records  Store
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithBackend registers the backend for variant.
func WithBackend(variant chain.Variant, b Backend) Option {
	return func(s *Submitter) { s.backends[variant] = b }
}

// WithStore persists a Record for every submission.
func WithStore(st Store) Option {
	return func(s *Submitter) { s.records = st }
}

// WithTracer sets the tracer. Defaults to the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(s *Submitter) { s.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Submitter) { s.logger = l }
}

// NewSubmitter creates a submitter. At least one backend must be
// registered before Submit is useful.
func NewSubmitter(b *breaker.Breaker, bids BidSource, opts ...Option) *Submitter {
	s := &Submitter{
		breaker:  b,
		bids:     bids,
		backends: make(map[chain.Variant]Backend),
		tracer:   otel.Tracer(TracerName),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Breaker returns the breaker gating submissions.
func (s *Submitter) Breaker() *breaker.Breaker { return s.breaker }

// Ready reports whether a submission would currently pass the breaker,
// without claiming a half-open trial.
func (s *Submitter) Ready() bool {
	return s.breaker.Allows()
}

// Submit runs one settlement. It never panics on backend errors; every
// failure is classified into the returned Result.
func (s *Submitter) Submit(ctx context.Context, req *Request) *Result {
	ctx, span := s.tracer.Start(ctx, "settlement.submit", trace.WithAttributes(
		attribute.String("flash.agent", req.Agent.String()),
		attribute.String("flash.vault", req.Vault.Address.String()),
		attribute.Int64("flash.amount", int64(req.Authorization.Amount)),
		attribute.Int64("flash.nonce", int64(req.Authorization.Nonce)),
		attribute.String("flash.variant", req.Provider.Variant.String()),
	))
	defer span.End()

	res := &Result{
		Amount: req.Authorization.Amount,
		Nonce:  req.Authorization.Nonce,
	}
	rec := s.newRecord(ctx, req)
	res.Record = rec

	if !s.breaker.CanAttempt() {
		res.Outcome = OutcomeBlocked
		res.Err = breaker.ErrOpen
		s.finish(ctx, span, res, nil)
		return res
	}

	res.Bid = s.bids.LatestBid()
	rec.Bid = res.Bid.MicroLamportsPerCU
	span.SetAttributes(attribute.Int64("flash.bid", int64(res.Bid.MicroLamportsPerCU)))

	backend, ok := s.backends[req.Provider.Variant]
	if !ok {
		s.breaker.Release()
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("%w: %s", ErrNoBackend, req.Provider.Variant)
		s.finish(ctx, span, res, nil)
		return res
	}

	rec.Status = StatusSubmitted
	s.save(ctx, rec, false)

	receipt, err := backend.Settle(ctx, req, res.Bid)
	switch {
	case err == nil:
		s.breaker.OnSuccess()
		res.Outcome = OutcomeConfirmed
		res.TxID = receipt.TxID
	case chain.IsProgramError(err):
		s.breaker.Release()
		res.Outcome = OutcomeRejected
		res.Err = err
	case ctx.Err() != nil:
		// Abandoned by the caller, e.g. a session closed past its drain
		// timeout. Says nothing about ledger health.
		s.breaker.Release()
		res.Outcome = OutcomeFailed
		res.Err = err
	default:
		s.breaker.OnFailure()
		res.Outcome = OutcomeFailed
		res.Err = err
	}

	s.finish(ctx, span, res, receipt)
	return res
}

func (s *Submitter) newRecord(ctx context.Context, req *Request) *Record {
	rec := &Record{
		Entity:    types.NewEntity(),
		ID:        id.NewSettlementID(),
		SessionID: req.SessionID,
		Agent:     req.Agent,
		Vault:     req.Vault.Address,
		Provider:  req.Provider.Address,
		Amount:    req.Authorization.Amount,
		Nonce:     req.Authorization.Nonce,
		Status:    StatusRequested,
	}
	s.save(ctx, rec, true)
	return rec
}

func (s *Submitter) finish(ctx context.Context, span trace.Span, res *Result, receipt *Receipt) {
	rec := res.Record
	rec.Status = res.Outcome.status()
	rec.TxID = res.TxID
	if receipt != nil {
		rec.Attempts = receipt.Attempts
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if res.Outcome == OutcomeConfirmed {
		now := time.Now().UTC()
		rec.ConfirmedAt = &now
	}
	s.save(ctx, rec, false)

	span.SetAttributes(attribute.String("flash.outcome", res.Outcome.String()))
	if res.TxID != "" {
		span.SetAttributes(attribute.String("flash.tx_id", res.TxID))
	}
	if res.Outcome == OutcomeFailed {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}

	log := s.logger.With(
		"agent", rec.Agent.String(),
		"settlement_id", rec.ID.String(),
		"amount", rec.Amount,
		"nonce", rec.Nonce,
		"outcome", res.Outcome.String(),
	)
	switch res.Outcome {
	case OutcomeConfirmed:
		log.Info("settlement confirmed", "tx_id", res.TxID)
	case OutcomeBlocked:
		log.Debug("settlement blocked by circuit breaker")
	default:
		log.Warn("settlement not committed", "error", res.Err)
	}
}

func (s *Submitter) save(ctx context.Context, rec *Record, create bool) {
	if s.records == nil {
		return
	}
	// Persist even if the caller's context was cancelled mid-submission.
	ctx = context.WithoutCancel(ctx)

	var err error
	if create {
		err = s.records.CreateSettlement(ctx, rec)
	} else {
		rec.Touch()
		err = s.records.UpdateSettlement(ctx, rec)
	}
	if err != nil {
		s.logger.Warn("failed to persist settlement record",
			"settlement_id", rec.ID.String(),
			"status", string(rec.Status),
			"error", err,
		)
	}
}
