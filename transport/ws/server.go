// Package ws serves agent sessions over websockets and accepts usage
// reports over HTTP.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/xraph/flash"
	"github.com/xraph/flash/types"
)

const (
	maxDecodeErrorsPerConn = 5
	maxUsageBodyBytes      = 4 << 10
	closeTimeout           = 30 * time.Second
)

// Server exposes a Facilitator to agents and providers.
type Server struct {
	f      *flash.Facilitator
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server for f.
func New(f *flash.Facilitator, opts ...Option) *Server {
	s := &Server{f: f, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes:
//
//	GET  /session?agent=<base58>&provider=<base58>  websocket session
//	POST /usage                                     {agentId, usage}
//	GET  /sessions/{agent}                          session state
//	GET  /health                                    facilitator health
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /session", s.handleSession)
	mux.HandleFunc("POST /usage", s.handleUsage)
	mux.HandleFunc("GET /sessions/{agent}", s.handleSessionState)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// ──────────────────────────────────────────────────
// Session websocket
// ──────────────────────────────────────────────────

// clientFrame is a message sent by the agent.
type clientFrame struct {
	Type      flash.MessageType `json:"type"`
	Amount    uint64            `json:"amount"`
	Nonce     uint64            `json:"nonce"`
	Signature []byte            `json:"signature"`
}

// peer writes server messages to one websocket.
type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{conn: conn}
}

// Send implements flash.Conn.
func (p *peer) Send(ctx context.Context, m flash.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = p.conn.SetWriteDeadline(deadline)
		defer func() { _ = p.conn.SetWriteDeadline(time.Time{}) }()
	}
	return websocket.JSON.Send(p.conn, m)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	agent, err := types.ParseAddress(r.URL.Query().Get("agent"))
	if err != nil {
		http.Error(w, "invalid agent: "+err.Error(), http.StatusBadRequest)
		return
	}
	provider, err := types.ParseAddress(r.URL.Query().Get("provider"))
	if err != nil {
		http.Error(w, "invalid provider: "+err.Error(), http.StatusBadRequest)
		return
	}

	// Agents are not browsers; any origin is accepted.
	wsServer := websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			s.serveSession(conn, agent, provider)
		},
	}
	wsServer.ServeHTTP(w, r)
}

func (s *Server) serveSession(conn *websocket.Conn, agent, provider types.Address) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := conn.Request().Context()
	p := newPeer(conn)

	if err := s.f.OpenSession(ctx, agent, provider, p); err != nil {
		s.logger.Info("session rejected",
			"agent", agent.String(),
			"provider", provider.String(),
			"error", err,
		)
		_ = p.Send(ctx, flash.Message{Type: flash.MsgError, Message: err.Error()})
		return
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := s.f.CloseSession(cctx, agent); err != nil && !errors.Is(err, flash.ErrSessionNotFound) {
			s.logger.Warn("failed to close session",
				"agent", agent.String(),
				"error", err,
			)
		}
	}()

	decodeErrors := 0
	for {
		var frame clientFrame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
				// Connection error.
				return
			}
			decodeErrors++
			_ = p.Send(ctx, flash.Message{Type: flash.MsgError, Message: "invalid frame payload"})
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		switch frame.Type {
		case flash.MsgSettlementSignature:
			err := s.f.HandleSignature(ctx, agent, frame.Amount, frame.Nonce, frame.Signature)
			// Authorization failures were already reported to the agent
			// as settlement_failed.
			if err != nil && !flash.IsAuthorization(err) {
				if errors.Is(err, flash.ErrSessionNotFound) {
					return
				}
				_ = p.Send(ctx, flash.Message{Type: flash.MsgError, Message: err.Error()})
			}
		default:
			_ = p.Send(ctx, flash.Message{Type: flash.MsgError, Message: "unsupported message type"})
		}
	}
}

// ──────────────────────────────────────────────────
// HTTP endpoints
// ──────────────────────────────────────────────────

type usageRequest struct {
	AgentID string `json:"agentId"`
	Usage   *int64 `json:"usage"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUsageBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Usage == nil {
		writeError(w, http.StatusBadRequest, "usage is required")
		return
	}
	agent, err := types.ParseAddress(req.AgentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agentId")
		return
	}

	if err := s.f.ReportUsage(r.Context(), agent, *req.Usage); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	agent, err := types.ParseAddress(r.PathValue("agent"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent")
		return
	}
	st, err := s.f.Session(r.Context(), agent)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.f.Health(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, flash.ErrSessionNotFound):
		return http.StatusNotFound
	case flash.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, flash.ErrShuttingDown), errors.Is(err, flash.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, statusResponse{Status: "error", Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
