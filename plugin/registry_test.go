package plugin_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/flash/breaker"
	"github.com/xraph/flash/feeoracle"
	"github.com/xraph/flash/plugin"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/types"
)

type recorder struct {
	name string

	mu     sync.Mutex
	events []string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) OnSessionOpened(_ context.Context, _ plugin.SessionEvent) error {
	r.add("opened")
	return nil
}

func (r *recorder) OnSettlementConfirmed(_ context.Context, ev plugin.SettlementEvent) error {
	r.add("confirmed:" + ev.Result.TxID)
	return nil
}

func (r *recorder) OnCircuitStateChanged(_ context.Context, from, to breaker.State) error {
	r.add(from.String() + "->" + to.String())
	return nil
}

type failing struct{}

func (failing) Name() string { return "failing" }

func (failing) OnFeeBidUpdated(context.Context, feeoracle.Bid) error {
	return errors.New("boom")
}

type slow struct{ release chan struct{} }

func (slow) Name() string { return "slow" }

func (s slow) OnSettlementBlocked(context.Context, types.Address, uint64) error {
	<-s.release
	return nil
}

func TestRegisterDuplicate(t *testing.T) {
	r := plugin.NewRegistry()
	if err := r.Register(&recorder{name: "a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&recorder{name: "a"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
	if r.Get("a") == nil {
		t.Error("Get(a) = nil")
	}
	if r.Get("missing") != nil {
		t.Error("Get(missing) != nil")
	}
}

func TestEmitDispatchesByInterface(t *testing.T) {
	r := plugin.NewRegistry()
	rec := &recorder{name: "rec"}
	if err := r.Register(rec); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(failing{}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	r.EmitSessionOpened(ctx, plugin.SessionEvent{SessionID: "sess_x"})
	r.EmitSessionClosed(ctx, plugin.SessionEvent{})
	r.EmitSettlementConfirmed(ctx, plugin.SettlementEvent{Result: &settlement.Result{TxID: "tx1"}})
	r.EmitCircuitStateChanged(ctx, breaker.Closed, breaker.Open)
	r.EmitFeeBidUpdated(ctx, feeoracle.Bid{}) // error is logged, not returned

	want := []string{"opened", "confirmed:tx1", "closed->open"}
	got := rec.got()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEmitTimesOut(t *testing.T) {
	r := plugin.NewRegistry().WithTimeout(20 * time.Millisecond)
	s := slow{release: make(chan struct{})}
	defer close(s.release)
	if err := r.Register(s); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	r.EmitSettlementBlocked(context.Background(), types.Address{}, 10)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("emit blocked for %s", elapsed)
	}
}
