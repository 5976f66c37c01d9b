// Package observability provides a metrics extension for flash that records
// session, settlement, and fee events through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/flash/breaker"
	"github.com/xraph/flash/feeoracle"
	"github.com/xraph/flash/plugin"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/types"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                = (*MetricsExtension)(nil)
	_ plugin.OnInit                = (*MetricsExtension)(nil)
	_ plugin.OnSessionOpened       = (*MetricsExtension)(nil)
	_ plugin.OnSessionClosed       = (*MetricsExtension)(nil)
	_ plugin.OnUsageReported       = (*MetricsExtension)(nil)
	_ plugin.OnSignatureRequested  = (*MetricsExtension)(nil)
	_ plugin.OnSettlementConfirmed = (*MetricsExtension)(nil)
	_ plugin.OnSettlementFailed    = (*MetricsExtension)(nil)
	_ plugin.OnSettlementBlocked   = (*MetricsExtension)(nil)
	_ plugin.OnCircuitStateChanged = (*MetricsExtension)(nil)
	_ plugin.OnFeeBidUpdated       = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide facilitator metrics.
// Register it as a flash plugin to automatically track settlement metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Session metrics
	SessionsOpened   Counter
	SessionsClosed   Counter
	UnsettledAtClose Histogram

	// Usage metrics
	UsageReports Counter
	UsageAmount  Counter

	// Settlement metrics
	SignaturesRequested  Counter
	SettlementsConfirmed Counter
	SettlementsFailed    Counter
	SettlementsRejected  Counter
	SettlementsBlocked   Counter
	SettledAmount        Counter
	SettlementAmount     Histogram

	// Breaker metrics
	CircuitOpened   Counter
	CircuitHalfOpen Counter
	CircuitClosed   Counter

	// Fee metrics
	FeeBid       Histogram
	FeeBidCapped Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Session metrics
		SessionsOpened:   factory.Counter("flash.session.opened"),
		SessionsClosed:   factory.Counter("flash.session.closed"),
		UnsettledAtClose: factory.Histogram("flash.session.unsettled_at_close"),

		// Usage metrics
		UsageReports: factory.Counter("flash.usage.reports"),
		UsageAmount:  factory.Counter("flash.usage.amount"),

		// Settlement metrics
		SignaturesRequested:  factory.Counter("flash.settlement.signatures_requested"),
		SettlementsConfirmed: factory.Counter("flash.settlement.confirmed"),
		SettlementsFailed:    factory.Counter("flash.settlement.failed"),
		SettlementsRejected:  factory.Counter("flash.settlement.rejected"),
		SettlementsBlocked:   factory.Counter("flash.settlement.blocked"),
		SettledAmount:        factory.Counter("flash.settlement.amount_total"),
		SettlementAmount:     factory.Histogram("flash.settlement.amount"),

		// Breaker metrics
		CircuitOpened:   factory.Counter("flash.breaker.opened"),
		CircuitHalfOpen: factory.Counter("flash.breaker.half_open"),
		CircuitClosed:   factory.Counter("flash.breaker.closed"),

		// Fee metrics
		FeeBid:       factory.Histogram("flash.fee.bid_micro_lamports"),
		FeeBidCapped: factory.Counter("flash.fee.bid_capped"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	// No initialization needed
	return nil
}

// ──────────────────────────────────────────────────
// Session hooks
// ──────────────────────────────────────────────────

// OnSessionOpened implements plugin.OnSessionOpened.
func (m *MetricsExtension) OnSessionOpened(_ context.Context, _ plugin.SessionEvent) error {
	m.SessionsOpened.Inc()
	return nil
}

// OnSessionClosed implements plugin.OnSessionClosed.
func (m *MetricsExtension) OnSessionClosed(_ context.Context, ev plugin.SessionEvent) error {
	m.SessionsClosed.Inc()
	m.UnsettledAtClose.Observe(float64(ev.Unsettled))
	return nil
}

// OnUsageReported implements plugin.OnUsageReported.
func (m *MetricsExtension) OnUsageReported(_ context.Context, _ types.Address, amount, _ uint64) error {
	m.UsageReports.Inc()
	m.UsageAmount.Add(float64(amount))
	return nil
}

// OnSignatureRequested implements plugin.OnSignatureRequested.
func (m *MetricsExtension) OnSignatureRequested(_ context.Context, _ types.Address, _, _ uint64) error {
	m.SignaturesRequested.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Settlement hooks
// ──────────────────────────────────────────────────

// OnSettlementConfirmed implements plugin.OnSettlementConfirmed.
func (m *MetricsExtension) OnSettlementConfirmed(_ context.Context, ev plugin.SettlementEvent) error {
	m.SettlementsConfirmed.Inc()
	if ev.Result != nil {
		m.SettledAmount.Add(float64(ev.Result.Amount))
		m.SettlementAmount.Observe(float64(ev.Result.Amount))
	}
	return nil
}

// OnSettlementFailed implements plugin.OnSettlementFailed.
func (m *MetricsExtension) OnSettlementFailed(_ context.Context, ev plugin.SettlementEvent) error {
	if ev.Result != nil && ev.Result.Outcome == settlement.OutcomeRejected {
		m.SettlementsRejected.Inc()
		return nil
	}
	m.SettlementsFailed.Inc()
	return nil
}

// OnSettlementBlocked implements plugin.OnSettlementBlocked.
func (m *MetricsExtension) OnSettlementBlocked(_ context.Context, _ types.Address, _ uint64) error {
	m.SettlementsBlocked.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Infrastructure hooks
// ──────────────────────────────────────────────────

// OnCircuitStateChanged implements plugin.OnCircuitStateChanged.
func (m *MetricsExtension) OnCircuitStateChanged(_ context.Context, _, to breaker.State) error {
	switch to {
	case breaker.Open:
		m.CircuitOpened.Inc()
	case breaker.HalfOpen:
		m.CircuitHalfOpen.Inc()
	case breaker.Closed:
		m.CircuitClosed.Inc()
	}
	return nil
}

// OnFeeBidUpdated implements plugin.OnFeeBidUpdated.
func (m *MetricsExtension) OnFeeBidUpdated(_ context.Context, bid feeoracle.Bid) error {
	m.FeeBid.Observe(float64(bid.MicroLamportsPerCU))
	if bid.Capped {
		m.FeeBidCapped.Inc()
	}
	return nil
}
