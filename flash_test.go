package flash_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/flash"
	"github.com/xraph/flash/authz"
	"github.com/xraph/flash/breaker"
	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/chain/simnet"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/snapshot"
	"github.com/xraph/flash/store/memory"
	"github.com/xraph/flash/types"
)

const waitTimeout = 5 * time.Second

// harness wires a Facilitator to a simulated ledger and an in-memory store.
type harness struct {
	ledger *simnet.Ledger
	store  *memory.Store
	f      *flash.Facilitator
}

func newHarness(t *testing.T, opts ...flash.Option) *harness {
	t.Helper()
	l := simnet.New()
	st := memory.New()
	f := flash.New(l, append([]flash.Option{
		flash.WithStore(st),
		flash.WithSettleInterval(time.Hour),
	}, opts...)...)
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = f.Stop(context.Background()) })
	return &harness{ledger: l, store: st, f: f}
}

func newKey(t *testing.T) (types.Address, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return types.AddressFromPublicKey(pub), priv
}

// provider registers a direct provider and returns it.
func (h *harness) provider(t *testing.T) *chain.Provider {
	t.Helper()
	authority, _ := newKey(t)
	dest, _ := newKey(t)
	p, err := h.ledger.RegisterProvider(context.Background(), authority, dest, chain.VariantDirect, "")
	if err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	return p
}

// agent funds a new escrow vault with deposit.
func (h *harness) agent(t *testing.T, deposit uint64) *agent {
	t.Helper()
	addr, key := newKey(t)
	a := &agent{h: h, addr: addr, key: key, msgs: make(chan flash.Message, 64)}
	if deposit > 0 {
		mint, _ := newKey(t)
		v, err := h.ledger.CreateEscrow(context.Background(), addr, mint, deposit)
		if err != nil {
			t.Fatalf("CreateEscrow: %v", err)
		}
		a.vault = v.Address
	}
	return a
}

// agent is the client side of a session. Server messages land in msgs.
type agent struct {
	h        *harness
	addr     types.Address
	key      ed25519.PrivateKey
	vault    types.Address
	provider *chain.Provider
	msgs     chan flash.Message
}

func (a *agent) Send(ctx context.Context, m flash.Message) error {
	select {
	case a.msgs <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *agent) open(t *testing.T, p *chain.Provider) {
	t.Helper()
	a.provider = p
	if err := a.h.f.OpenSession(context.Background(), a.addr, p.Authority, a); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
}

func (a *agent) expect(t *testing.T, typ flash.MessageType) flash.Message {
	t.Helper()
	select {
	case m := <-a.msgs:
		if m.Type != typ {
			t.Fatalf("got %s message (%q), want %s", m.Type, m.Message, typ)
		}
		return m
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", typ)
		return flash.Message{}
	}
}

func (a *agent) expectNone(t *testing.T) {
	t.Helper()
	select {
	case m := <-a.msgs:
		t.Fatalf("unexpected %s message", m.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func (a *agent) signature(amount, nonce uint64) []byte {
	return authz.Sign(a.key, authz.Request{
		Vault:    a.vault,
		Provider: a.provider.Address,
		Amount:   amount,
		Nonce:    nonce,
	})
}

// approve answers a request_signature message with a valid signature.
func (a *agent) approve(t *testing.T, m flash.Message) {
	t.Helper()
	if err := a.h.f.HandleSignature(context.Background(), a.addr, m.Amount, m.Nonce, a.signature(m.Amount, m.Nonce)); err != nil {
		t.Fatalf("HandleSignature: %v", err)
	}
}

func (a *agent) unsettled(t *testing.T) uint64 {
	t.Helper()
	st, err := a.h.f.Session(context.Background(), a.addr)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	return st.Unsettled
}

func (a *agent) ledgerVault(t *testing.T) *chain.Vault {
	t.Helper()
	v, err := a.h.ledger.Vault(context.Background(), a.vault)
	if err != nil {
		t.Fatalf("Vault: %v", err)
	}
	return v
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSettleOnThreshold(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, flash.WithThreshold(100_000))
	p := h.provider(t)
	a := h.agent(t, 2_000_000)
	a.open(t, p)

	if err := h.f.ReportUsage(ctx, a.addr, 350_000); err != nil {
		t.Fatalf("ReportUsage: %v", err)
	}

	req := a.expect(t, flash.MsgRequestSignature)
	if req.Amount != 350_000 || req.Nonce != 1 {
		t.Fatalf("request = {%d, %d}, want {350000, 1}", req.Amount, req.Nonce)
	}
	a.approve(t, req)

	conf := a.expect(t, flash.MsgSettlementConfirmed)
	if conf.AmountSettled != 350_000 || conf.TxID == "" {
		t.Errorf("confirmation = %+v", conf)
	}

	v := a.ledgerVault(t)
	if v.Settled != 350_000 || v.Nonce != 1 {
		t.Errorf("vault settled=%d nonce=%d, want 350000/1", v.Settled, v.Nonce)
	}
	if got := h.ledger.Balance(p.Destination); got != 350_000 {
		t.Errorf("provider balance = %d", got)
	}
	if got := a.unsettled(t); got != 0 {
		t.Errorf("unsettled = %d, want 0", got)
	}

	recs, err := h.f.Settlements(ctx, a.addr, settlement.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Amount != 350_000 || recs[0].TxID != conf.TxID {
		t.Errorf("settlement records = %+v", recs)
	}

	if err := h.f.CloseSession(ctx, a.addr); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	refund, err := h.ledger.Withdraw(ctx, a.addr, authz.SignWithdraw(a.key, a.vault))
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if refund != 1_650_000 {
		t.Errorf("refund = %d, want 1650000", refund)
	}
}

func TestUsageBelowThreshold(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, flash.WithThreshold(100_000))
	a := h.agent(t, 1_000_000)
	a.open(t, h.provider(t))

	for range 3 {
		if err := h.f.ReportUsage(ctx, a.addr, 20_000); err != nil {
			t.Fatal(err)
		}
	}
	a.expectNone(t)
	if got := a.unsettled(t); got != 60_000 {
		t.Fatalf("unsettled = %d, want 60000", got)
	}

	if err := h.f.TriggerSettlement(ctx, a.addr); err != nil {
		t.Fatalf("TriggerSettlement: %v", err)
	}
	req := a.expect(t, flash.MsgRequestSignature)
	if req.Amount != 60_000 || req.Nonce != 1 {
		t.Fatalf("request = {%d, %d}", req.Amount, req.Nonce)
	}
	if err := h.f.TriggerSettlement(ctx, a.addr); !errors.Is(err, flash.ErrSettlementInProgress) {
		t.Errorf("second trigger = %v, want ErrSettlementInProgress", err)
	}
	a.approve(t, req)
	a.expect(t, flash.MsgSettlementConfirmed)

	if err := h.f.TriggerSettlement(ctx, a.addr); !errors.Is(err, flash.ErrNothingToSettle) {
		t.Errorf("trigger with nothing unsettled = %v", err)
	}
}

func TestAmountCappedToAvailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, flash.WithThreshold(100_000))
	a := h.agent(t, 250_000)
	a.open(t, h.provider(t))

	if err := h.f.ReportUsage(ctx, a.addr, 400_000); err != nil {
		t.Fatal(err)
	}
	req := a.expect(t, flash.MsgRequestSignature)
	if req.Amount != 250_000 {
		t.Fatalf("requested %d, want the available 250000", req.Amount)
	}
	a.approve(t, req)
	a.expect(t, flash.MsgSettlementConfirmed)

	if got := a.unsettled(t); got != 150_000 {
		t.Errorf("unsettled = %d, want 150000", got)
	}
	if err := h.f.TriggerSettlement(ctx, a.addr); err != nil {
		t.Fatal(err)
	}
	a.expect(t, flash.MsgError)
	if v := a.ledgerVault(t); v.Settled != 250_000 {
		t.Errorf("settled = %d", v.Settled)
	}
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	h := newHarness(t,
		flash.WithThreshold(1_000_000),
		flash.WithBreakerOptions(breaker.WithClock(clock.Now)),
		flash.WithDirectOptions(settlement.WithMaxSendAttempts(1), settlement.WithRetryDelay(0)),
	)
	a := h.agent(t, 1_000_000)
	a.open(t, h.provider(t))
	h.ledger.FailSends(breaker.DefaultFailureThreshold)

	if err := h.f.ReportUsage(ctx, a.addr, 50_000); err != nil {
		t.Fatal(err)
	}

	for i := range breaker.DefaultFailureThreshold {
		if err := h.f.TriggerSettlement(ctx, a.addr); err != nil {
			t.Fatalf("attempt %d: TriggerSettlement: %v", i, err)
		}
		req := a.expect(t, flash.MsgRequestSignature)
		if req.Nonce != 1 {
			t.Fatalf("attempt %d: nonce = %d, want 1", i, req.Nonce)
		}
		a.approve(t, req)
		a.expect(t, flash.MsgSettlementFailed)
	}

	if got := h.f.Breaker().State(); got != breaker.Open {
		t.Fatalf("breaker = %s, want open", got)
	}
	if err := h.f.Health(ctx); !errors.Is(err, flash.ErrCircuitOpen) {
		t.Errorf("Health = %v, want ErrCircuitOpen", err)
	}

	err := h.f.TriggerSettlement(ctx, a.addr)
	if !flash.IsBlocked(err) {
		t.Fatalf("TriggerSettlement while open = %v, want blocked", err)
	}
	a.expectNone(t)
	if got := h.ledger.Sends(); got != breaker.DefaultFailureThreshold {
		t.Errorf("sends = %d, want %d", got, breaker.DefaultFailureThreshold)
	}

	clock.Advance(breaker.DefaultRecoveryTimeout + time.Second)

	if err := h.f.TriggerSettlement(ctx, a.addr); err != nil {
		t.Fatalf("trial TriggerSettlement: %v", err)
	}
	req := a.expect(t, flash.MsgRequestSignature)
	a.approve(t, req)
	a.expect(t, flash.MsgSettlementConfirmed)

	if got := h.ledger.Sends(); got != breaker.DefaultFailureThreshold+1 {
		t.Errorf("sends = %d, want exactly one trial", got)
	}
	if got := h.f.Breaker().State(); got != breaker.HalfOpen {
		t.Errorf("breaker = %s, want half_open after one success", got)
	}
	if got := a.unsettled(t); got != 0 {
		t.Errorf("unsettled = %d", got)
	}
}

func TestAmountPolicy(t *testing.T) {
	_, stranger := newKey(t)

	tests := []struct {
		name        string
		policy      authz.AmountPolicy
		amount      func(proposed uint64) uint64
		nonce       func(proposed uint64) uint64
		wrongKey    bool
		wantErr     error
		wantSettled uint64
	}{
		{
			name:        "StrictExact",
			policy:      authz.AmountStrict,
			wantSettled: 350_000,
		},
		{
			name:    "StrictLower",
			policy:  authz.AmountStrict,
			amount:  func(p uint64) uint64 { return p - 1 },
			wantErr: authz.ErrAmountMismatch,
		},
		{
			name:        "PermissiveLower",
			policy:      authz.AmountPermissive,
			amount:      func(uint64) uint64 { return 200_000 },
			wantSettled: 200_000,
		},
		{
			name:    "PermissiveHigher",
			policy:  authz.AmountPermissive,
			amount:  func(p uint64) uint64 { return p + 1 },
			wantErr: authz.ErrAmountMismatch,
		},
		{
			name:    "NonceMismatch",
			policy:  authz.AmountStrict,
			nonce:   func(n uint64) uint64 { return n + 1 },
			wantErr: authz.ErrNonceMismatch,
		},
		{
			name:     "WrongKey",
			policy:   authz.AmountStrict,
			wrongKey: true,
			wantErr:  authz.ErrBadSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, flash.WithThreshold(100_000), flash.WithAmountPolicy(tt.policy))
			a := h.agent(t, 1_000_000)
			a.open(t, h.provider(t))

			if err := h.f.ReportUsage(ctx, a.addr, 350_000); err != nil {
				t.Fatal(err)
			}
			req := a.expect(t, flash.MsgRequestSignature)

			amount, nonce := req.Amount, req.Nonce
			if tt.amount != nil {
				amount = tt.amount(amount)
			}
			if tt.nonce != nil {
				nonce = tt.nonce(nonce)
			}
			sig := a.signature(amount, nonce)
			if tt.wrongKey {
				sig = authz.Sign(stranger, authz.Request{Vault: a.vault, Provider: a.provider.Address, Amount: amount, Nonce: nonce})
			}

			err := h.f.HandleSignature(ctx, a.addr, amount, nonce, sig)
			if tt.wantErr != nil {
				if !flash.IsAuthorization(err) || !errors.Is(err, tt.wantErr) {
					t.Fatalf("HandleSignature = %v, want authorization error %v", err, tt.wantErr)
				}
				a.expect(t, flash.MsgSettlementFailed)
				if got := h.ledger.Sends(); got != 0 {
					t.Errorf("sends = %d, want none", got)
				}
				if got := a.unsettled(t); got != 350_000 {
					t.Errorf("unsettled = %d, want 350000", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("HandleSignature: %v", err)
			}
			conf := a.expect(t, flash.MsgSettlementConfirmed)
			if conf.AmountSettled != tt.wantSettled {
				t.Errorf("settled %d, want %d", conf.AmountSettled, tt.wantSettled)
			}
			if got := a.unsettled(t); got != 350_000-tt.wantSettled {
				t.Errorf("unsettled = %d", got)
			}
		})
	}
}

func TestSignatureWithoutRequest(t *testing.T) {
	h := newHarness(t)
	a := h.agent(t, 1_000_000)
	a.open(t, h.provider(t))

	err := h.f.HandleSignature(context.Background(), a.addr, 10, 1, a.signature(10, 1))
	if !errors.Is(err, flash.ErrNoPendingRequest) {
		t.Fatalf("HandleSignature = %v, want ErrNoPendingRequest", err)
	}
	a.expect(t, flash.MsgSettlementFailed)
}

func TestSignatureTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, flash.WithThreshold(100_000), flash.WithSignatureTimeout(50*time.Millisecond))
	a := h.agent(t, 1_000_000)
	a.open(t, h.provider(t))

	if err := h.f.ReportUsage(ctx, a.addr, 150_000); err != nil {
		t.Fatal(err)
	}
	req := a.expect(t, flash.MsgRequestSignature)
	failed := a.expect(t, flash.MsgSettlementFailed)
	if failed.Message != flash.ErrSignatureTimeout.Error() {
		t.Errorf("failure message = %q", failed.Message)
	}

	if err := h.f.HandleSignature(ctx, a.addr, req.Amount, req.Nonce, a.signature(req.Amount, req.Nonce)); !errors.Is(err, flash.ErrNoPendingRequest) {
		t.Errorf("late signature = %v, want ErrNoPendingRequest", err)
	}
	if got := a.unsettled(t); got != 150_000 {
		t.Errorf("unsettled = %d", got)
	}
}

func TestUnknownOutcomeReconciled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, flash.WithThreshold(1_000_000))
	a := h.agent(t, 1_000_000)
	a.open(t, h.provider(t))

	// The transaction lands but its confirmation is lost.
	h.ledger.FailConfirms(1)
	if err := h.f.ReportUsage(ctx, a.addr, 150_000); err != nil {
		t.Fatal(err)
	}
	if err := h.f.TriggerSettlement(ctx, a.addr); err != nil {
		t.Fatal(err)
	}
	a.approve(t, a.expect(t, flash.MsgRequestSignature))
	a.expect(t, flash.MsgSettlementFailed)

	if got := a.unsettled(t); got != 150_000 {
		t.Fatalf("unsettled after unknown outcome = %d", got)
	}
	if v := a.ledgerVault(t); v.Settled != 150_000 || v.Nonce != 1 {
		t.Fatalf("vault settled=%d nonce=%d", v.Settled, v.Nonce)
	}

	if err := h.f.ReportUsage(ctx, a.addr, 10_000); err != nil {
		t.Fatal(err)
	}
	if err := h.f.TriggerSettlement(ctx, a.addr); err != nil {
		t.Fatal(err)
	}
	req := a.expect(t, flash.MsgRequestSignature)
	if req.Amount != 10_000 || req.Nonce != 2 {
		t.Fatalf("request = {%d, %d}, want {10000, 2}", req.Amount, req.Nonce)
	}
	a.approve(t, req)
	a.expect(t, flash.MsgSettlementConfirmed)

	if v := a.ledgerVault(t); v.Settled != 160_000 {
		t.Errorf("settled = %d, want 160000", v.Settled)
	}
}

func TestCloseAndResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, flash.WithThreshold(100_000))
	p := h.provider(t)
	a := h.agent(t, 1_000_000)
	a.open(t, p)

	if err := h.f.ReportUsage(ctx, a.addr, 40_000); err != nil {
		t.Fatal(err)
	}
	if err := h.f.CloseSession(ctx, a.addr); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if err := h.f.ReportUsage(ctx, a.addr, 1); !errors.Is(err, flash.ErrSessionNotFound) {
		t.Errorf("usage after close = %v", err)
	}

	snap, err := h.store.LoadSnapshot(ctx, a.addr, p.Authority)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.Spent != 40_000 || snap.HasInFlight() {
		t.Errorf("snapshot = %+v", snap)
	}

	a.open(t, p)
	if got := a.unsettled(t); got != 40_000 {
		t.Errorf("resumed unsettled = %d, want 40000", got)
	}
	if _, err := h.store.LoadSnapshot(ctx, a.addr, p.Authority); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("snapshot after resume = %v, want deleted", err)
	}
}

func TestResumeInFlight(t *testing.T) {
	tests := []struct {
		name      string
		nonce     uint64 // in-flight nonce; the vault nonce is 1
		wantSpent uint64
		wantNonce uint64
	}{
		{"Landed", 1, 200_000, 2},
		{"NotLanded", 2, 300_000, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, flash.WithThreshold(100_000))
			p := h.provider(t)
			a := h.agent(t, 1_000_000)
			a.open(t, p)

			if err := h.f.ReportUsage(ctx, a.addr, 100_000); err != nil {
				t.Fatal(err)
			}
			a.approve(t, a.expect(t, flash.MsgRequestSignature))
			a.expect(t, flash.MsgSettlementConfirmed)
			if err := h.f.CloseSession(ctx, a.addr); err != nil {
				t.Fatal(err)
			}

			err := h.store.SaveSnapshot(ctx, &snapshot.Snapshot{
				Agent:          a.addr,
				Provider:       p.Authority,
				Vault:          a.vault,
				Spent:          300_000,
				InFlightAmount: 100_000,
				InFlightNonce:  tt.nonce,
			})
			if err != nil {
				t.Fatal(err)
			}

			a.open(t, p)
			req := a.expect(t, flash.MsgRequestSignature)
			if req.Amount != tt.wantSpent || req.Nonce != tt.wantNonce {
				t.Errorf("request = {%d, %d}, want {%d, %d}", req.Amount, req.Nonce, tt.wantSpent, tt.wantNonce)
			}
		})
	}
}

func TestCloseWithUnknownOutcome(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, flash.WithThreshold(1_000_000))
	p := h.provider(t)
	a := h.agent(t, 1_000_000)
	a.open(t, p)

	h.ledger.FailConfirms(1)
	if err := h.f.ReportUsage(ctx, a.addr, 150_000); err != nil {
		t.Fatal(err)
	}
	if err := h.f.TriggerSettlement(ctx, a.addr); err != nil {
		t.Fatal(err)
	}
	a.approve(t, a.expect(t, flash.MsgRequestSignature))
	a.expect(t, flash.MsgSettlementFailed)

	if err := h.f.CloseSession(ctx, a.addr); err != nil {
		t.Fatal(err)
	}
	snap, err := h.store.LoadSnapshot(ctx, a.addr, p.Authority)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Spent != 150_000 || snap.InFlightAmount != 150_000 || snap.InFlightNonce != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	// The transaction landed, so nothing is owed on resume.
	a.open(t, p)
	if got := a.unsettled(t); got != 0 {
		t.Errorf("resumed unsettled = %d, want 0", got)
	}
}

func TestOpenSessionErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, flash.WithThreshold(100_000))
	p := h.provider(t)

	funded := h.agent(t, 1_000_000)
	unfunded := h.agent(t, 0)

	drained := h.agent(t, 100_000)
	drained.open(t, p)
	if err := h.f.ReportUsage(ctx, drained.addr, 100_000); err != nil {
		t.Fatal(err)
	}
	drained.approve(t, drained.expect(t, flash.MsgRequestSignature))
	drained.expect(t, flash.MsgSettlementConfirmed)
	if err := h.f.CloseSession(ctx, drained.addr); err != nil {
		t.Fatal(err)
	}

	unregistered, _ := newKey(t)

	tests := []struct {
		name      string
		agent     types.Address
		authority types.Address
		conn      flash.Conn
		wantErr   error
		wantValid bool
	}{
		{"NoVault", unfunded.addr, p.Authority, unfunded, flash.ErrVaultNotFound, true},
		{"NoProvider", funded.addr, unregistered, funded, flash.ErrProviderNotFound, true},
		{"NoBalance", drained.addr, p.Authority, drained, flash.ErrInsufficientBalance, true},
		{"NoConn", funded.addr, p.Authority, nil, flash.ErrNoConnection, false},
		{"ZeroAgent", types.ZeroAddress, p.Authority, funded, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.f.OpenSession(ctx, tt.agent, tt.authority, tt.conn)
			if err == nil {
				t.Fatal("OpenSession succeeded")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if got := flash.IsValidation(err); got != tt.wantValid {
				t.Errorf("IsValidation(%v) = %v, want %v", err, got, tt.wantValid)
			}
			if _, err := h.f.Session(ctx, tt.agent); !errors.Is(err, flash.ErrSessionNotFound) {
				t.Errorf("session registered after failed open: %v", err)
			}
		})
	}

	funded.open(t, p)
	if err := h.f.OpenSession(ctx, funded.addr, p.Authority, funded); !errors.Is(err, flash.ErrSessionExists) {
		t.Errorf("duplicate open = %v, want ErrSessionExists", err)
	}
	if err := h.f.ReportUsage(ctx, funded.addr, -1); !flash.IsValidation(err) {
		t.Errorf("negative usage = %v, want validation error", err)
	}
	if err := h.f.ReportUsage(ctx, unregistered, 1); !errors.Is(err, flash.ErrSessionNotFound) {
		t.Errorf("usage for unknown agent = %v", err)
	}
}

func TestStopPersistsSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, flash.WithThreshold(1_000_000))
	p := h.provider(t)

	agents := make([]*agent, 3)
	for i := range agents {
		agents[i] = h.agent(t, 1_000_000)
		agents[i].open(t, p)
		if err := h.f.ReportUsage(ctx, agents[i].addr, int64(10_000*(i+1))); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(h.f.Sessions(ctx)); got != 3 {
		t.Fatalf("sessions = %d, want 3", got)
	}

	if err := h.f.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for i, a := range agents {
		snap, err := h.store.LoadSnapshot(ctx, a.addr, p.Authority)
		if err != nil {
			t.Fatalf("agent %d: %v", i, err)
		}
		if want := uint64(10_000 * (i + 1)); snap.Spent != want {
			t.Errorf("agent %d: snapshot spent = %d, want %d", i, snap.Spent, want)
		}
	}

	late := h.agent(t, 1_000_000)
	if err := h.f.OpenSession(ctx, late.addr, p.Authority, late); !errors.Is(err, flash.ErrShuttingDown) {
		t.Errorf("open after stop = %v, want ErrShuttingDown", err)
	}
}

func TestNotStarted(t *testing.T) {
	ctx := context.Background()
	l := simnet.New()
	f := flash.New(l, flash.WithStore(memory.New()), flash.WithSettleInterval(time.Hour))
	t.Cleanup(func() { _ = f.Stop(context.Background()) })

	owner, _ := newKey(t)
	mint, _ := newKey(t)
	if _, err := l.CreateEscrow(ctx, owner, mint, 1_000_000); err != nil {
		t.Fatal(err)
	}
	authority, _ := newKey(t)
	dest, _ := newKey(t)
	if _, err := l.RegisterProvider(ctx, authority, dest, chain.VariantDirect, ""); err != nil {
		t.Fatal(err)
	}
	conn := flash.ConnFunc(func(context.Context, flash.Message) error { return nil })

	if err := f.OpenSession(ctx, owner, authority, conn); !errors.Is(err, flash.ErrNotStarted) {
		t.Fatalf("OpenSession before Start = %v, want ErrNotStarted", err)
	}
	if err := f.Health(ctx); !errors.Is(err, flash.ErrNotStarted) {
		t.Fatalf("Health before Start = %v, want ErrNotStarted", err)
	}

	if err := f.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.Health(ctx); err != nil {
		t.Errorf("Health after Start = %v", err)
	}
	if err := f.OpenSession(ctx, owner, authority, conn); err != nil {
		t.Errorf("OpenSession after Start = %v", err)
	}
}
