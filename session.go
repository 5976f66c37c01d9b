package flash

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/flash/authz"
	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/id"
	"github.com/xraph/flash/plugin"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/snapshot"
	"github.com/xraph/flash/types"
)

// SessionState is a read-only view of a live session.
type SessionState struct {
	ID        id.SessionID   `json:"id"`
	Agent     types.Address  `json:"agent"`
	Authority types.Address  `json:"provider"`
	Vault     types.Address  `json:"vault"`
	Provider  types.Address  `json:"provider_account"`
	Variant   chain.Variant  `json:"variant"`
	Unsettled uint64         `json:"unsettled"`
	Settling  bool           `json:"settling"`
	Pending   *authz.Request `json:"pending,omitempty"`
	Available uint64         `json:"available"`
	Nonce     uint64         `json:"nonce"`
	OpenedAt  time.Time      `json:"opened_at"`
}

// Session is one agent's accounting actor. All mutable fields below the
// inbox are owned by the run goroutine.
type Session struct {
	id        id.SessionID
	agent     types.Address
	authority types.Address
	conn      Conn
	f         *Facilitator
	openedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan event
	done   chan struct{}

	vault    *chain.Vault
	provider *chain.Provider

	spent    uint64
	settling bool
	pending  *authz.Request
	inflight *authz.Request
	// doubt is a submitted request whose outcome is unknown; it is resolved
	// against the vault nonce on the next read.
	doubt *authz.Request

	sigTimer *time.Timer
	ticker   *time.Ticker
	closing  *closeEvent
	drain    *time.Timer
}

type event interface{}

type usageEvent struct {
	amount uint64
	reply  chan error
}

type triggerEvent struct {
	reply chan error // nil for timer and threshold triggers
}

type signatureEvent struct {
	amount, nonce uint64
	sig           []byte
	reply         chan error
}

type vaultReadEvent struct {
	vault *chain.Vault
	err   error
}

type submitResultEvent struct {
	signed authz.Request
	res    *settlement.Result
}

type signatureTimeoutEvent struct {
	nonce uint64
}

type drainTimeoutEvent struct{}

type viewEvent struct {
	reply chan SessionState
}

type closeEvent struct {
	reply chan error
}

// ──────────────────────────────────────────────────
// Registry operations
// ──────────────────────────────────────────────────

// OpenSession validates the agent's vault and the provider, resumes any
// persisted snapshot and registers a session. On error no session exists
// and the caller must disconnect the agent.
func (f *Facilitator) OpenSession(ctx context.Context, agent, providerAuthority types.Address, conn Conn) error {
	if f.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if !f.started.Load() {
		return ErrNotStarted
	}
	if conn == nil {
		return ErrNoConnection
	}
	if agent.IsZero() {
		return ValidationError{Field: "agent", Message: "empty address"}
	}
	if providerAuthority.IsZero() {
		return ValidationError{Field: "provider", Message: "empty address"}
	}
	if _, ok := f.sessions.Load(agent); ok {
		return ErrSessionExists
	}

	programID := f.ledger.ProgramID()
	vaultAddr, _, err := chain.VaultAddress(programID, agent)
	if err != nil {
		return ValidationError{Field: "agent", Message: "cannot derive vault", Err: err}
	}
	providerAddr, _, err := chain.ProviderAddress(programID, providerAuthority)
	if err != nil {
		return ValidationError{Field: "provider", Message: "cannot derive provider", Err: err}
	}

	vault, err := f.ledger.Vault(ctx, vaultAddr)
	if err != nil {
		if errors.Is(err, chain.ErrAccountNotFound) {
			return ValidationError{Field: "vault", Message: vaultAddr.String(), Err: ErrVaultNotFound}
		}
		return fmt.Errorf("flash: read vault: %w", err)
	}
	if vault.Owner != agent {
		return ValidationError{Field: "vault", Message: "not owned by agent", Err: ErrVaultNotFound}
	}
	provider, err := f.ledger.Provider(ctx, providerAddr)
	if err != nil {
		if errors.Is(err, chain.ErrAccountNotFound) {
			return ValidationError{Field: "provider", Message: providerAddr.String(), Err: ErrProviderNotFound}
		}
		return fmt.Errorf("flash: read provider: %w", err)
	}
	if vault.Available() == 0 {
		return ValidationError{Field: "vault", Message: "no available balance", Err: ErrInsufficientBalance}
	}

	s := f.newSession(agent, providerAuthority, conn, vault, provider)

	resumed, err := f.resume(ctx, s)
	if err != nil {
		return err
	}

	// Values read after the actor starts belong to it.
	unsettled := s.spent
	opened := s.event(unsettled)

	if _, loaded := f.sessions.LoadOrStore(agent, s); loaded {
		s.cancel()
		return ErrSessionExists
	}

	s.ticker = time.NewTicker(f.settleInterval)
	go s.run()

	if f.shuttingDown.Load() {
		if err := f.CloseSession(ctx, agent); err != nil && !errors.Is(err, ErrSessionNotFound) {
			f.logger.Warn("failed to close session opened during shutdown",
				"agent", agent.String(),
				"error", err,
			)
		}
		return ErrShuttingDown
	}

	if resumed && f.snapshots != nil {
		// The live session owns the amount now; a stale snapshot would be
		// counted twice on the next resume.
		if err := f.snapshots.DeleteSnapshot(ctx, agent, providerAuthority); err != nil {
			f.logger.Warn("failed to delete resumed snapshot",
				"agent", agent.String(),
				"error", err,
			)
		}
	}

	f.logger.Info("session opened",
		"session_id", opened.SessionID,
		"agent", agent.String(),
		"provider", providerAuthority.String(),
		"vault", vaultAddr.String(),
		"available", vault.Available(),
		"resumed_unsettled", unsettled,
	)
	f.plugins.EmitSessionOpened(ctx, opened)

	if unsettled >= f.threshold {
		s.post(triggerEvent{})
	}
	return nil
}

// ReportUsage adds amount to the agent's unsettled total and fires the
// settlement trigger once the total reaches the threshold.
func (f *Facilitator) ReportUsage(ctx context.Context, agent types.Address, amount int64) error {
	if amount < 0 {
		return ValidationError{Field: "usage", Message: "must not be negative"}
	}
	s, err := f.session(agent)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	return s.call(ctx, usageEvent{amount: uint64(amount), reply: reply}, reply)
}

// HandleSignature delivers the agent's approval of a pending settlement
// request. A rejected approval returns an AuthorizationError.
func (f *Facilitator) HandleSignature(ctx context.Context, agent types.Address, amount, nonce uint64, sig []byte) error {
	s, err := f.session(agent)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	return s.call(ctx, signatureEvent{amount: amount, nonce: nonce, sig: sig, reply: reply}, reply)
}

// TriggerSettlement runs the settlement trigger now. It returns
// ErrCircuitOpen when the breaker defers the attempt and
// ErrSettlementInProgress when a round trip is already running.
func (f *Facilitator) TriggerSettlement(ctx context.Context, agent types.Address) error {
	s, err := f.session(agent)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	return s.call(ctx, triggerEvent{reply: reply}, reply)
}

// CloseSession stops the session, awaiting an in-flight settlement up to
// the drain timeout, and hands the unsettled amount to the snapshot store.
func (f *Facilitator) CloseSession(ctx context.Context, agent types.Address) error {
	v, ok := f.sessions.LoadAndDelete(agent)
	if !ok {
		return ErrSessionNotFound
	}
	s, _ := v.(*Session)

	reply := make(chan error, 1)
	select {
	case s.inbox <- closeEvent{reply: reply}:
	case <-s.done:
		return nil
	}
	// Closing must finish even if the caller gives up waiting; the actor
	// persists state on its own.
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session returns a view of the agent's session.
func (f *Facilitator) Session(ctx context.Context, agent types.Address) (SessionState, error) {
	s, err := f.session(agent)
	if err != nil {
		return SessionState{}, err
	}
	return s.view(ctx)
}

// Sessions returns views of every live session.
func (f *Facilitator) Sessions(ctx context.Context) []SessionState {
	var out []SessionState
	f.sessions.Range(func(_, v any) bool {
		s, _ := v.(*Session)
		if st, err := s.view(ctx); err == nil {
			out = append(out, st)
		}
		return true
	})
	return out
}

func (f *Facilitator) session(agent types.Address) (*Session, error) {
	v, ok := f.sessions.Load(agent)
	if !ok {
		return nil, ErrSessionNotFound
	}
	s, _ := v.(*Session)
	return s, nil
}

func (f *Facilitator) newSession(agent, authority types.Address, conn Conn, vault *chain.Vault, provider *chain.Provider) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id.NewSessionID(),
		agent:     agent,
		authority: authority,
		conn:      conn,
		f:         f,
		openedAt:  time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan event, 64),
		done:      make(chan struct{}),
		vault:     vault,
		provider:  provider,
	}
}

// resume restores a persisted snapshot into s. It reports whether one was found.
func (f *Facilitator) resume(ctx context.Context, s *Session) (bool, error) {
	if f.snapshots == nil {
		return false, nil
	}
	snap, err := f.snapshots.LoadSnapshot(ctx, s.agent, s.authority)
	if errors.Is(err, snapshot.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("flash: load snapshot: %w", err)
	}

	s.spent = snap.Reconcile(s.vault.Nonce)
	if snap.HasInFlight() && s.vault.Nonce < snap.InFlightNonce {
		s.doubt = &authz.Request{
			Vault:    s.vault.Address,
			Provider: s.provider.Address,
			Amount:   snap.InFlightAmount,
			Nonce:    snap.InFlightNonce,
		}
	}
	return true, nil
}

// ──────────────────────────────────────────────────
// Actor plumbing
// ──────────────────────────────────────────────────

// post delivers an event from a worker or timer. It drops the event once
// the actor has exited.
func (s *Session) post(ev event) {
	select {
	case s.inbox <- ev:
	case <-s.done:
	}
}

func (s *Session) call(ctx context.Context, ev event, reply chan error) error {
	select {
	case s.inbox <- ev:
	case <-s.done:
		return ErrSessionNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrSessionNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) view(ctx context.Context) (SessionState, error) {
	reply := make(chan SessionState, 1)
	select {
	case s.inbox <- viewEvent{reply: reply}:
	case <-s.done:
		return SessionState{}, ErrSessionNotFound
	case <-ctx.Done():
		return SessionState{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-s.done:
		return SessionState{}, ErrSessionNotFound
	case <-ctx.Done():
		return SessionState{}, ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()

	for {
		select {
		case <-s.ticker.C:
			s.trigger()
		case ev := <-s.inbox:
			if s.handle(ev) {
				return
			}
		}
	}
}

// handle processes one event. It returns true when the actor must exit.
func (s *Session) handle(ev event) bool {
	switch e := ev.(type) {
	case usageEvent:
		e.reply <- s.addUsage(e.amount)
	case triggerEvent:
		err := s.trigger()
		if e.reply != nil {
			e.reply <- err
		}
	case signatureEvent:
		e.reply <- s.approve(e.amount, e.nonce, e.sig)
	case vaultReadEvent:
		s.onVaultRead(e.vault, e.err)
	case submitResultEvent:
		s.onResult(e.signed, e.res)
	case signatureTimeoutEvent:
		s.onSignatureTimeout(e.nonce)
	case viewEvent:
		e.reply <- s.state()
	case closeEvent:
		s.beginClose(e)
	case drainTimeoutEvent:
		if s.closing != nil {
			s.f.logger.Warn("in-flight settlement did not finish before close",
				"agent", s.agent.String(),
				"nonce", s.inflight.Nonce,
				"amount", s.inflight.Amount,
			)
			s.finishClose()
			return true
		}
	}

	if s.closing != nil && s.inflight == nil {
		s.finishClose()
		return true
	}
	return false
}

// ──────────────────────────────────────────────────
// Accounting
// ──────────────────────────────────────────────────

func (s *Session) addUsage(amount uint64) error {
	if amount > ^uint64(0)-s.spent {
		return ValidationError{Field: "usage", Message: "unsettled amount overflows"}
	}
	s.spent += amount

	s.f.plugins.EmitUsageReported(s.ctx, s.agent, amount, s.spent)

	if s.spent >= s.f.threshold && s.closing == nil {
		_ = s.trigger() //nolint:errcheck // threshold trigger is best-effort; the ticker retries
	}
	return nil
}

// trigger starts a settlement round trip. The vault is read in a worker;
// the result comes back as a vaultReadEvent.
func (s *Session) trigger() error {
	if s.closing != nil {
		return ErrSessionNotFound
	}
	if s.settling {
		return ErrSettlementInProgress
	}
	if s.spent == 0 {
		return ErrNothingToSettle
	}
	if !s.f.submitter.Ready() {
		s.f.logger.Debug("settlement deferred by circuit breaker",
			"agent", s.agent.String(),
			"unsettled", s.spent,
		)
		s.f.plugins.EmitSettlementBlocked(s.ctx, s.agent, s.spent)
		return ErrCircuitOpen
	}

	s.settling = true
	addr := s.vault.Address
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, ledgerReadTimeout)
		defer cancel()
		v, err := s.f.ledger.Vault(ctx, addr)
		s.post(vaultReadEvent{vault: v, err: err})
	}()
	return nil
}

func (s *Session) onVaultRead(v *chain.Vault, err error) {
	if s.closing != nil {
		s.settling = false
		return
	}
	if err != nil {
		s.settling = false
		if errors.Is(err, chain.ErrAccountNotFound) {
			s.send(errorMessage(ErrVaultNotFound))
			return
		}
		// A failed read is a ledger outage like a failed send.
		s.f.breaker.OnFailure()
		s.f.logger.Warn("vault read failed",
			"agent", s.agent.String(),
			"error", err,
		)
		return
	}

	s.vault = v
	s.reconcile()

	if s.spent == 0 {
		s.settling = false
		return
	}
	available := v.Available()
	if available == 0 {
		s.settling = false
		s.send(errorMessage(ErrInsufficientBalance))
		return
	}

	amount := min(s.spent, available)
	req := authz.Request{
		Vault:    v.Address,
		Provider: s.provider.Address,
		Amount:   amount,
		Nonce:    v.Nonce + 1,
		Network:  s.f.network,
	}
	if err := s.send(requestSignatureMessage(req.Amount, req.Nonce)); err != nil {
		s.settling = false
		return
	}
	s.pending = &req

	nonce := req.Nonce
	s.sigTimer = time.AfterFunc(s.f.signatureTimeout, func() {
		s.post(signatureTimeoutEvent{nonce: nonce})
	})

	s.f.logger.Debug("settlement signature requested",
		"agent", s.agent.String(),
		"amount", req.Amount,
		"nonce", req.Nonce,
	)
	s.f.plugins.EmitSignatureRequested(s.ctx, s.agent, req.Amount, req.Nonce)
}

// reconcile resolves a submission of unknown outcome against the vault
// nonce just read.
func (s *Session) reconcile() {
	if s.doubt == nil || s.vault.Nonce < s.doubt.Nonce {
		return
	}
	s.f.logger.Info("earlier settlement found on ledger",
		"agent", s.agent.String(),
		"amount", s.doubt.Amount,
		"nonce", s.doubt.Nonce,
	)
	s.spent = subSat(s.spent, s.doubt.Amount)
	s.doubt = nil
}

func (s *Session) approve(amount, nonce uint64, sig []byte) error {
	signed, err := s.f.policy.Approve(s.agent, s.pending, amount, nonce, sig)
	if err != nil {
		authErr := AuthorizationError{Amount: amount, Nonce: nonce, Err: err}
		s.send(failedMessage(authErr))
		if !errors.Is(err, authz.ErrNoPendingRequest) {
			s.endRoundTrip()
		}
		s.f.logger.Warn("settlement signature rejected",
			"agent", s.agent.String(),
			"amount", amount,
			"nonce", nonce,
			"error", err,
		)
		return authErr
	}

	s.stopSignatureTimer()
	s.pending = nil
	s.inflight = &signed

	vault := *s.vault
	req := &settlement.Request{
		SessionID:     s.id,
		Agent:         s.agent,
		Vault:         &vault,
		Provider:      s.provider,
		Authorization: signed,
		Signature:     sig,
	}
	go func() {
		res := s.f.submitter.Submit(s.ctx, req)
		s.post(submitResultEvent{signed: signed, res: res})
	}()
	return nil
}

func (s *Session) onResult(signed authz.Request, res *settlement.Result) {
	s.inflight = nil
	s.settling = false

	ev := plugin.SettlementEvent{SessionID: s.id.String(), Agent: s.agent, Result: res}

	switch res.Outcome {
	case settlement.OutcomeConfirmed:
		s.spent = subSat(s.spent, res.Amount)
		if s.doubt != nil && s.doubt.Nonce <= res.Nonce {
			s.doubt = nil
		}
		s.vault.Settled += res.Amount
		s.vault.Nonce = res.Nonce
		s.send(confirmedMessage(res.TxID, res.Amount))
		s.f.plugins.EmitSettlementConfirmed(s.ctx, ev)

	case settlement.OutcomeBlocked:
		s.f.plugins.EmitSettlementBlocked(s.ctx, s.agent, res.Amount)

	default:
		// The transaction may have landed despite the error.
		if res.Outcome == settlement.OutcomeFailed {
			d := signed
			s.doubt = &d
		}
		s.send(failedMessage(res.Err))
		s.f.plugins.EmitSettlementFailed(s.ctx, ev)
	}
}

func (s *Session) onSignatureTimeout(nonce uint64) {
	if s.pending == nil || s.pending.Nonce != nonce {
		return
	}
	s.f.logger.Info("settlement signature timed out",
		"agent", s.agent.String(),
		"nonce", nonce,
	)
	s.send(failedMessage(ErrSignatureTimeout))
	s.endRoundTrip()
}

func (s *Session) endRoundTrip() {
	s.stopSignatureTimer()
	s.pending = nil
	if s.inflight == nil {
		s.settling = false
	}
}

func (s *Session) stopSignatureTimer() {
	if s.sigTimer != nil {
		s.sigTimer.Stop()
		s.sigTimer = nil
	}
}

// ──────────────────────────────────────────────────
// Close
// ──────────────────────────────────────────────────

func (s *Session) beginClose(e closeEvent) {
	s.closing = &e
	s.ticker.Stop()
	s.stopSignatureTimer()
	s.pending = nil

	if s.inflight != nil {
		s.drain = time.AfterFunc(s.f.drainTimeout, func() {
			s.post(drainTimeoutEvent{})
		})
	}
}

func (s *Session) finishClose() {
	if s.drain != nil {
		s.drain.Stop()
	}

	ctx := context.WithoutCancel(s.ctx)
	err := s.persist(ctx)

	s.f.logger.Info("session closed",
		"session_id", s.id.String(),
		"agent", s.agent.String(),
		"unsettled", s.spent,
	)
	s.f.plugins.EmitSessionClosed(ctx, s.event(s.spent))

	s.closing.reply <- err
}

// persist hands the final unsettled state to the snapshot store: saved
// when non-zero, deleted otherwise.
func (s *Session) persist(ctx context.Context) error {
	if s.f.snapshots == nil {
		if s.spent > 0 {
			s.f.logger.Warn("unsettled amount dropped: no snapshot store configured",
				"agent", s.agent.String(),
				"unsettled", s.spent,
			)
		}
		return nil
	}

	if s.spent == 0 {
		if err := s.f.snapshots.DeleteSnapshot(ctx, s.agent, s.authority); err != nil && !errors.Is(err, snapshot.ErrNotFound) {
			return fmt.Errorf("flash: delete snapshot: %w", err)
		}
		return nil
	}

	snap := &snapshot.Snapshot{
		Agent:     s.agent,
		Provider:  s.authority,
		Vault:     s.vault.Address,
		Spent:     s.spent,
		UpdatedAt: time.Now().UTC(),
	}
	unresolved := s.inflight
	if unresolved == nil {
		unresolved = s.doubt
	}
	if unresolved != nil {
		snap.InFlightAmount = unresolved.Amount
		snap.InFlightNonce = unresolved.Nonce
	}
	if err := s.f.snapshots.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("flash: save snapshot: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (s *Session) send(m Message) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), sendTimeout)
	defer cancel()
	if err := s.conn.Send(ctx, m); err != nil {
		s.f.logger.Warn("failed to send session message",
			"agent", s.agent.String(),
			"type", string(m.Type),
			"error", err,
		)
		return err
	}
	return nil
}

func (s *Session) state() SessionState {
	st := SessionState{
		ID:        s.id,
		Agent:     s.agent,
		Authority: s.authority,
		Vault:     s.vault.Address,
		Provider:  s.provider.Address,
		Variant:   s.provider.Variant,
		Unsettled: s.spent,
		Settling:  s.settling,
		Available: s.vault.Available(),
		Nonce:     s.vault.Nonce,
		OpenedAt:  s.openedAt,
	}
	if s.pending != nil {
		p := *s.pending
		st.Pending = &p
	}
	return st
}

func (s *Session) event(unsettled uint64) plugin.SessionEvent {
	return plugin.SessionEvent{
		SessionID: s.id.String(),
		Agent:     s.agent,
		Provider:  s.authority,
		Vault:     s.vault.Address,
		Unsettled: unsettled,
	}
}

func subSat(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
