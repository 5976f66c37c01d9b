package ws_test

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/xraph/flash"
	"github.com/xraph/flash/authz"
	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/chain/simnet"
	"github.com/xraph/flash/store/memory"
	"github.com/xraph/flash/transport/ws"
	"github.com/xraph/flash/types"
)

type fixture struct {
	ledger   *simnet.Ledger
	f        *flash.Facilitator
	srv      *httptest.Server
	provider *chain.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	l := simnet.New()
	f := flash.New(l,
		flash.WithStore(memory.New()),
		flash.WithThreshold(100_000),
		flash.WithSettleInterval(time.Hour),
	)
	if err := f.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = f.Stop(context.Background()) })

	srv := httptest.NewServer(ws.New(f).Handler())
	t.Cleanup(srv.Close)

	authority, _ := newKey(t)
	dest, _ := newKey(t)
	p, err := l.RegisterProvider(ctx, authority, dest, chain.VariantDirect, "")
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{ledger: l, f: f, srv: srv, provider: p}
}

func newKey(t *testing.T) (types.Address, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return types.AddressFromPublicKey(pub), priv
}

func (fx *fixture) fund(t *testing.T, owner types.Address, deposit uint64) *chain.Vault {
	t.Helper()
	mint, _ := newKey(t)
	v, err := fx.ledger.CreateEscrow(context.Background(), owner, mint, deposit)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func (fx *fixture) dial(t *testing.T, agent types.Address) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(fx.srv.URL, "http") +
		"/session?agent=" + agent.String() + "&provider=" + fx.provider.Authority.String()
	conn, err := websocket.Dial(wsURL, "", fx.srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) flash.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m flash.Message
	if err := websocket.JSON.Receive(conn, &m); err != nil {
		t.Fatalf("read server message: %v", err)
	}
	return m
}

func (fx *fixture) postUsage(t *testing.T, body string) (int, map[string]string) {
	t.Helper()
	resp, err := http.Post(fx.srv.URL+"/usage", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

// waitSession polls until the agent has (or no longer has) a live session.
func (fx *fixture) waitSession(t *testing.T, agent types.Address, open bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := fx.f.Session(context.Background(), agent)
		if (err == nil) == open {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session open=%v never observed", open)
}

func TestSessionSettlement(t *testing.T) {
	fx := newFixture(t)
	agent, key := newKey(t)
	vault := fx.fund(t, agent, 2_000_000)

	conn := fx.dial(t, agent)
	fx.waitSession(t, agent, true)

	code, body := fx.postUsage(t, `{"agentId":"`+agent.String()+`","usage":350000}`)
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("POST /usage = %d %v", code, body)
	}

	req := readMessage(t, conn)
	if req.Type != flash.MsgRequestSignature || req.Amount != 350_000 || req.Nonce != 1 {
		t.Fatalf("request = %+v", req)
	}

	sig := authz.Sign(key, authz.Request{Vault: vault.Address, Provider: fx.provider.Address, Amount: req.Amount, Nonce: req.Nonce})
	frame := map[string]any{
		"type":      "settlement_signature",
		"amount":    req.Amount,
		"nonce":     req.Nonce,
		"signature": sig, // []byte marshals as base64
	}
	if err := websocket.JSON.Send(conn, frame); err != nil {
		t.Fatal(err)
	}

	conf := readMessage(t, conn)
	if conf.Type != flash.MsgSettlementConfirmed || conf.AmountSettled != 350_000 || conf.TxID == "" {
		t.Fatalf("confirmation = %+v", conf)
	}

	resp, err := http.Get(fx.srv.URL + "/sessions/" + agent.String())
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st flash.SessionState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || st.Unsettled != 0 || st.Nonce != 1 {
		t.Errorf("GET /sessions = %d %+v", resp.StatusCode, st)
	}

	_ = conn.Close()
	fx.waitSession(t, agent, false)
}

func TestSessionBadSignature(t *testing.T) {
	fx := newFixture(t)
	agent, _ := newKey(t)
	fx.fund(t, agent, 2_000_000)
	conn := fx.dial(t, agent)
	fx.waitSession(t, agent, true)

	if code, _ := fx.postUsage(t, `{"agentId":"`+agent.String()+`","usage":100000}`); code != http.StatusOK {
		t.Fatalf("POST /usage = %d", code)
	}
	req := readMessage(t, conn)

	frame := map[string]any{"type": "settlement_signature", "amount": req.Amount, "nonce": req.Nonce, "signature": make([]byte, 64)}
	if err := websocket.JSON.Send(conn, frame); err != nil {
		t.Fatal(err)
	}
	if m := readMessage(t, conn); m.Type != flash.MsgSettlementFailed {
		t.Errorf("got %+v, want settlement_failed", m)
	}

	if err := websocket.JSON.Send(conn, map[string]any{"type": "bogus"}); err != nil {
		t.Fatal(err)
	}
	if m := readMessage(t, conn); m.Type != flash.MsgError {
		t.Errorf("got %+v, want error", m)
	}
}

func TestSessionRejected(t *testing.T) {
	fx := newFixture(t)
	agent, _ := newKey(t) // no vault

	conn := fx.dial(t, agent)
	m := readMessage(t, conn)
	if m.Type != flash.MsgError || !strings.Contains(m.Message, flash.ErrVaultNotFound.Error()) {
		t.Fatalf("got %+v, want vault error", m)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var next flash.Message
	if err := websocket.JSON.Receive(conn, &next); err == nil {
		t.Errorf("connection still open, got %+v", next)
	}
	if _, err := fx.f.Session(context.Background(), agent); !errors.Is(err, flash.ErrSessionNotFound) {
		t.Errorf("session registered: %v", err)
	}
}

func TestSessionBadQuery(t *testing.T) {
	fx := newFixture(t)
	tests := []struct {
		name  string
		query string
	}{
		{"MissingAgent", "?provider=" + fx.provider.Authority.String()},
		{"BadProvider", "?agent=" + fx.provider.Authority.String() + "&provider=0OIl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(fx.srv.URL + "/session" + tt.query)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestUsageErrors(t *testing.T) {
	fx := newFixture(t)
	unknown, _ := newKey(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"Malformed", `{"agentId":`, http.StatusBadRequest},
		{"MissingUsage", `{"agentId":"` + unknown.String() + `"}`, http.StatusBadRequest},
		{"BadAgent", `{"agentId":"nope!","usage":1}`, http.StatusBadRequest},
		{"Negative", `{"agentId":"` + unknown.String() + `","usage":-5}`, http.StatusBadRequest},
		{"NoSession", `{"agentId":"` + unknown.String() + `","usage":5}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := fx.postUsage(t, tt.body)
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			if body["status"] != "error" || body["message"] == "" {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	fx := newFixture(t)
	resp, err := http.Get(fx.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := fx.f.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(fx.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status after stop = %d, want 503", resp.StatusCode)
	}
}
