// Package audithook bridges flash session and settlement events to an audit
// trail backend.
//
// Backends plug in through the Recorder interface; flashd logs events
// through a RecorderFunc, other deployments forward them to their audit
// store.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/flash/breaker"
	"github.com/xraph/flash/plugin"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/types"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                = (*Extension)(nil)
	_ plugin.OnSessionOpened       = (*Extension)(nil)
	_ plugin.OnSessionClosed       = (*Extension)(nil)
	_ plugin.OnSignatureRequested  = (*Extension)(nil)
	_ plugin.OnSettlementConfirmed = (*Extension)(nil)
	_ plugin.OnSettlementFailed    = (*Extension)(nil)
	_ plugin.OnSettlementBlocked   = (*Extension)(nil)
	_ plugin.OnCircuitStateChanged = (*Extension)(nil)
)

// Recorder receives audit events. Errors are logged and never fail the
// flash operation that produced the event.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audited session or settlement action.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges flash lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Session hooks
// ──────────────────────────────────────────────────

// OnSessionOpened implements plugin.OnSessionOpened.
func (e *Extension) OnSessionOpened(ctx context.Context, ev plugin.SessionEvent) error {
	return e.record(ctx, ActionSessionOpened, SeverityInfo, OutcomeSuccess,
		ResourceSession, ev.SessionID, CategorySession, nil,
		"agent", ev.Agent.String(),
		"provider", ev.Provider.String(),
		"vault", ev.Vault.String(),
		"resumed_unsettled", ev.Unsettled,
	)
}

// OnSessionClosed implements plugin.OnSessionClosed.
func (e *Extension) OnSessionClosed(ctx context.Context, ev plugin.SessionEvent) error {
	return e.record(ctx, ActionSessionClosed, SeverityInfo, OutcomeSuccess,
		ResourceSession, ev.SessionID, CategorySession, nil,
		"agent", ev.Agent.String(),
		"provider", ev.Provider.String(),
		"unsettled", ev.Unsettled,
	)
}

// ──────────────────────────────────────────────────
// Settlement hooks
// ──────────────────────────────────────────────────

// OnSignatureRequested implements plugin.OnSignatureRequested.
func (e *Extension) OnSignatureRequested(ctx context.Context, agent types.Address, amount, nonce uint64) error {
	return e.record(ctx, ActionSignatureRequested, SeverityInfo, OutcomeSuccess,
		ResourceSettlement, "", CategorySettlement, nil,
		"agent", agent.String(),
		"amount", amount,
		"nonce", nonce,
	)
}

// OnSettlementConfirmed implements plugin.OnSettlementConfirmed.
func (e *Extension) OnSettlementConfirmed(ctx context.Context, ev plugin.SettlementEvent) error {
	res := ev.Result
	return e.record(ctx, ActionSettlementConfirmed, SeverityInfo, OutcomeSuccess,
		ResourceSettlement, settlementID(res), CategorySettlement, nil,
		"agent", ev.Agent.String(),
		"session_id", ev.SessionID,
		"amount", res.Amount,
		"nonce", res.Nonce,
		"tx_id", res.TxID,
	)
}

// OnSettlementFailed implements plugin.OnSettlementFailed. Program
// rejections are audited separately from transient failures.
func (e *Extension) OnSettlementFailed(ctx context.Context, ev plugin.SettlementEvent) error {
	res := ev.Result
	action, severity := ActionSettlementFailed, SeverityError
	if res.Outcome == settlement.OutcomeRejected {
		action, severity = ActionSettlementRejected, SeverityWarning
	}
	return e.record(ctx, action, severity, OutcomeFailure,
		ResourceSettlement, settlementID(res), CategorySettlement, res.Err,
		"agent", ev.Agent.String(),
		"session_id", ev.SessionID,
		"amount", res.Amount,
		"nonce", res.Nonce,
	)
}

// OnSettlementBlocked implements plugin.OnSettlementBlocked.
func (e *Extension) OnSettlementBlocked(ctx context.Context, agent types.Address, amount uint64) error {
	return e.record(ctx, ActionSettlementBlocked, SeverityWarning, OutcomeDeferred,
		ResourceSettlement, "", CategorySettlement, breaker.ErrOpen,
		"agent", agent.String(),
		"amount", amount,
	)
}

// ──────────────────────────────────────────────────
// Breaker hooks
// ──────────────────────────────────────────────────

// OnCircuitStateChanged implements plugin.OnCircuitStateChanged.
func (e *Extension) OnCircuitStateChanged(ctx context.Context, from, to breaker.State) error {
	severity := SeverityInfo
	if to == breaker.Open {
		severity = SeverityCritical
	}
	return e.record(ctx, ActionCircuitStateChanged, severity, OutcomeSuccess,
		ResourceBreaker, "", CategoryLedger, nil,
		"from", from.String(),
		"to", to.String(),
	)
}

func settlementID(res *settlement.Result) string {
	if res == nil || res.Record == nil {
		return ""
	}
	return res.Record.ID.String()
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
