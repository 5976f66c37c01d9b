package audithook_test

import (
	"context"
	"errors"
	"testing"

	audithook "github.com/xraph/flash/audit_hook"
	"github.com/xraph/flash/breaker"
	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/plugin"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/types"
)

func collect(opts ...audithook.Option) (*audithook.Extension, *[]*audithook.AuditEvent) {
	var events []*audithook.AuditEvent
	ext := audithook.New(audithook.RecorderFunc(func(_ context.Context, ev *audithook.AuditEvent) error {
		events = append(events, ev)
		return nil
	}), opts...)
	return ext, &events
}

func TestSettlementFailedClassification(t *testing.T) {
	tests := []struct {
		name         string
		outcome      settlement.Outcome
		err          error
		wantAction   string
		wantSeverity string
	}{
		{"Transient", settlement.OutcomeFailed, errors.New("rpc timeout"), audithook.ActionSettlementFailed, audithook.SeverityError},
		{"Rejected", settlement.OutcomeRejected, chain.Reject(chain.IxSettleBatch, chain.ErrNonceMismatch), audithook.ActionSettlementRejected, audithook.SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, events := collect()
			err := ext.OnSettlementFailed(context.Background(), plugin.SettlementEvent{
				Agent:  types.Address{7},
				Result: &settlement.Result{Outcome: tt.outcome, Amount: 10, Nonce: 2, Err: tt.err},
			})
			if err != nil {
				t.Fatalf("OnSettlementFailed: %v", err)
			}
			if len(*events) != 1 {
				t.Fatalf("got %d events, want 1", len(*events))
			}
			ev := (*events)[0]
			if ev.Action != tt.wantAction {
				t.Errorf("Action = %q, want %q", ev.Action, tt.wantAction)
			}
			if ev.Severity != tt.wantSeverity {
				t.Errorf("Severity = %q, want %q", ev.Severity, tt.wantSeverity)
			}
			if ev.Outcome != audithook.OutcomeFailure {
				t.Errorf("Outcome = %q, want failure", ev.Outcome)
			}
			if ev.Reason != tt.err.Error() {
				t.Errorf("Reason = %q, want %q", ev.Reason, tt.err.Error())
			}
		})
	}
}

func TestDisabledActions(t *testing.T) {
	ext, events := collect(audithook.WithDisabledActions(audithook.ActionSessionOpened))
	ctx := context.Background()

	_ = ext.OnSessionOpened(ctx, plugin.SessionEvent{SessionID: "sess_a"})
	_ = ext.OnSessionClosed(ctx, plugin.SessionEvent{SessionID: "sess_a", Unsettled: 5})
	_ = ext.OnCircuitStateChanged(ctx, breaker.Closed, breaker.Open)

	if len(*events) != 2 {
		t.Fatalf("got %d events, want 2", len(*events))
	}
	if got := (*events)[0].Action; got != audithook.ActionSessionClosed {
		t.Errorf("first action = %q, want %q", got, audithook.ActionSessionClosed)
	}
	if got := (*events)[0].Metadata["unsettled"]; got != uint64(5) {
		t.Errorf("unsettled = %v, want 5", got)
	}
	if got := (*events)[1].Severity; got != audithook.SeverityCritical {
		t.Errorf("breaker open severity = %q, want critical", got)
	}
}

func TestRecorderErrorIsSwallowed(t *testing.T) {
	ext := audithook.New(audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	}))
	if err := ext.OnSettlementBlocked(context.Background(), types.Address{1}, 100); err != nil {
		t.Errorf("OnSettlementBlocked returned %v, want nil", err)
	}
}
