// Package simnet is an in-process escrow ledger. It executes settlement
// bundles by decoding the same instruction bytes the real program would
// receive, enforces every precondition atomically, and supports fault
// injection for outage testing.
package simnet

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"github.com/xraph/flash/authz"
	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/types"
)

var (
	// ErrUnavailable simulates a transient endpoint failure.
	ErrUnavailable = errors.New("simnet: ledger unavailable")
	// ErrUnknownTransaction is returned by Confirm for ids never sent.
	ErrUnknownTransaction = errors.New("simnet: unknown transaction")
)

var (
	_ chain.Ledger  = (*Ledger)(nil)
	_ chain.Program = (*Ledger)(nil)
)

type txResult struct {
	err error
}

// Ledger is the simulated escrow program plus its endpoint.
type Ledger struct {
	mu sync.Mutex

	programID types.Address
	preflight bool
	now       func() time.Time

	vaults    map[types.Address]*chain.Vault
	providers map[types.Address]*chain.Provider
	balances  map[types.Address]uint64
	txs       map[string]txResult
	fees      []uint64

	outage       bool
	failSends    int
	failConfirms int
	sends        int
	confirms     int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithProgramID sets the escrow program address.
func WithProgramID(id types.Address) Option {
	return func(l *Ledger) { l.programID = id }
}

// WithPreflight controls whether program rejections surface from
// SendBundle (true, the default) or only from Confirm.
func WithPreflight(enabled bool) Option {
	return func(l *Ledger) { l.preflight = enabled }
}

// WithClock replaces time.Now for settlement timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		programID: chain.DefaultEscrowProgramID,
		preflight: true,
		now:       time.Now,
		vaults:    make(map[types.Address]*chain.Vault),
		providers: make(map[types.Address]*chain.Provider),
		balances:  make(map[types.Address]uint64),
		txs:       make(map[string]txResult),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ProgramID implements chain.Ledger.
func (l *Ledger) ProgramID() types.Address { return l.programID }

// ──────────────────────────────────────────────────
// Fault injection
// ──────────────────────────────────────────────────

// SetOutage makes every send and confirm fail until cleared.
func (l *Ledger) SetOutage(down bool) {
	l.mu.Lock()
	l.outage = down
	l.mu.Unlock()
}

// FailSends makes the next n SendBundle calls fail transiently.
func (l *Ledger) FailSends(n int) {
	l.mu.Lock()
	l.failSends = n
	l.mu.Unlock()
}

// FailConfirms makes the next n Confirm calls fail transiently. The
// underlying transactions still land, as they would when a confirmation
// times out on a real network.
func (l *Ledger) FailConfirms(n int) {
	l.mu.Lock()
	l.failConfirms = n
	l.mu.Unlock()
}

// SetRecentFees sets the samples returned by RecentFees.
func (l *Ledger) SetRecentFees(fees []uint64) {
	l.mu.Lock()
	l.fees = append([]uint64(nil), fees...)
	l.mu.Unlock()
}

// Sends returns how many times SendBundle was called.
func (l *Ledger) Sends() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sends
}

// Confirms returns how many times Confirm was called.
func (l *Ledger) Confirms() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.confirms
}

// Balance returns the token balance credited to addr by settlements and
// withdrawals.
func (l *Ledger) Balance(addr types.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr]
}

// RecentFees returns the configured prioritization fee samples.
func (l *Ledger) RecentFees(ctx context.Context) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outage {
		return nil, ErrUnavailable
	}
	return append([]uint64(nil), l.fees...), nil
}

// ──────────────────────────────────────────────────
// chain.Ledger
// ──────────────────────────────────────────────────

// Vault implements chain.Ledger.
func (l *Ledger) Vault(ctx context.Context, addr types.Address) (*chain.Vault, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outage {
		return nil, ErrUnavailable
	}
	v, ok := l.vaults[addr]
	if !ok {
		return nil, fmt.Errorf("%w: vault %s", chain.ErrAccountNotFound, addr)
	}
	cp := *v
	return &cp, nil
}

// Provider implements chain.Ledger.
func (l *Ledger) Provider(ctx context.Context, addr types.Address) (*chain.Provider, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outage {
		return nil, ErrUnavailable
	}
	p, ok := l.providers[addr]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s", chain.ErrAccountNotFound, addr)
	}
	cp := *p
	return &cp, nil
}

// SendBundle implements chain.Ledger. The bundle executes atomically at
// send time.
func (l *Ledger) SendBundle(ctx context.Context, b *chain.Bundle) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sends++
	if l.outage {
		return "", ErrUnavailable
	}
	if l.failSends > 0 {
		l.failSends--
		return "", ErrUnavailable
	}

	err := l.execute(b)
	if err != nil && l.preflight {
		return "", err
	}

	txID, idErr := newTxID()
	if idErr != nil {
		return "", idErr
	}
	l.txs[txID] = txResult{err: err}
	return txID, nil
}

// Confirm implements chain.Ledger.
func (l *Ledger) Confirm(ctx context.Context, txID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.confirms++
	if l.outage {
		return ErrUnavailable
	}
	if l.failConfirms > 0 {
		l.failConfirms--
		return ErrUnavailable
	}

	res, ok := l.txs[txID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, txID)
	}
	return res.err
}

// execute runs every instruction against scratch copies of the touched
// vaults and commits only if all of them succeed. A later settle_batch in
// the same bundle sees the state left by earlier ones. Caller holds l.mu.
func (l *Ledger) execute(b *chain.Bundle) error {
	if b == nil || len(b.Instructions) == 0 {
		return chain.Reject("bundle", chain.ErrInvalidInstruction)
	}

	scratch := make(map[types.Address]*chain.Vault)
	credits := make(map[types.Address]uint64)
	var verified *chain.Ed25519Payload

	for i, ix := range b.Instructions {
		switch ix.Program {
		case chain.ComputeBudgetProgramID:
			if len(ix.Data) == 0 || (ix.Data[0] != 0x02 && ix.Data[0] != 0x03) {
				return chain.Reject("compute_budget", chain.ErrInvalidInstruction)
			}

		case chain.Ed25519ProgramID:
			p, err := chain.DecodeEd25519(ix.Data)
			if err != nil {
				return chain.Reject("ed25519", err)
			}
			if !verifyEd25519(p) {
				return chain.Reject("ed25519", chain.ErrBadSignature)
			}
			verified = p

		case l.programID:
			var prev *chain.Ed25519Payload
			if i > 0 && b.Instructions[i-1].Program == chain.Ed25519ProgramID {
				prev = verified
			}
			v, dest, amount, err := l.checkSettle(ix, prev, scratch)
			if err != nil {
				return chain.Reject(chain.IxSettleBatch, err)
			}
			scratch[v.Address] = v
			credits[dest] += amount

		default:
			return chain.Reject("bundle", fmt.Errorf("%w: unknown program %s", chain.ErrInvalidInstruction, ix.Program))
		}
	}

	for addr, v := range scratch {
		l.vaults[addr] = v
	}
	for dest, amount := range credits {
		l.balances[dest] += amount
	}
	return nil
}

func (l *Ledger) checkSettle(ix chain.Instruction, verified *chain.Ed25519Payload, scratch map[types.Address]*chain.Vault) (*chain.Vault, types.Address, uint64, error) {
	amount, nonce, err := chain.DecodeSettleBatch(ix.Data)
	if err != nil {
		return nil, types.ZeroAddress, 0, err
	}
	if len(ix.Accounts) < 6 {
		return nil, types.ZeroAddress, 0, fmt.Errorf("%w: settle_batch accounts", chain.ErrInvalidInstruction)
	}

	vaultAddr := ix.Accounts[1].Address
	owner := ix.Accounts[2].Address
	providerAddr := ix.Accounts[3].Address
	dest := ix.Accounts[5].Address

	v, ok := scratch[vaultAddr]
	if !ok {
		v, ok = l.vaults[vaultAddr]
	}
	if !ok {
		return nil, types.ZeroAddress, 0, fmt.Errorf("%w: vault %s", chain.ErrAccountNotFound, vaultAddr)
	}
	p, ok := l.providers[providerAddr]
	if !ok {
		return nil, types.ZeroAddress, 0, fmt.Errorf("%w: provider %s", chain.ErrAccountNotFound, providerAddr)
	}
	if owner != v.Owner || dest != p.Destination {
		return nil, types.ZeroAddress, 0, chain.ErrUnauthorized
	}

	// The preceding ed25519 instruction must cover the canonical message
	// for exactly this tuple, signed by the vault owner.
	want := authz.Request{Vault: vaultAddr, Provider: providerAddr, Amount: amount, Nonce: nonce}.Message()
	if verified == nil || verified.PublicKey != v.Owner || !bytes.HasPrefix(verified.Message, want) {
		return nil, types.ZeroAddress, 0, chain.ErrBadSignature
	}
	if nonce != v.Nonce+1 {
		return nil, types.ZeroAddress, 0, fmt.Errorf("%w: got %d, want %d", chain.ErrNonceMismatch, nonce, v.Nonce+1)
	}
	if amount > v.Available() {
		return nil, types.ZeroAddress, 0, fmt.Errorf("%w: %d requested, %d available", chain.ErrInsufficientFunds, amount, v.Available())
	}

	next := *v
	next.Settled += amount
	next.Nonce = nonce
	next.LastSettlement = l.now().UTC().Truncate(time.Second)
	return &next, dest, amount, nil
}

// ──────────────────────────────────────────────────
// chain.Program
// ──────────────────────────────────────────────────

// CreateEscrow implements chain.Program.
func (l *Ledger) CreateEscrow(ctx context.Context, owner, mint types.Address, deposit uint64) (*chain.Vault, error) {
	if deposit == 0 {
		return nil, chain.Reject(chain.IxCreateVault, fmt.Errorf("%w: zero deposit", chain.ErrInvalidInstruction))
	}
	addr, bump, err := chain.VaultAddress(l.programID, owner)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.vaults[addr]; ok {
		return nil, chain.Reject(chain.IxCreateVault, chain.ErrAccountExists)
	}
	v := &chain.Vault{
		Address:   addr,
		Owner:     owner,
		Mint:      mint,
		Deposited: deposit,
		Bump:      bump,
	}
	l.vaults[addr] = v
	cp := *v
	return &cp, nil
}

// Withdraw implements chain.Program. signature is the owner's signature
// over authz.WithdrawMessage(vault).
func (l *Ledger) Withdraw(ctx context.Context, owner types.Address, signature []byte) (uint64, error) {
	addr, _, err := chain.VaultAddress(l.programID, owner)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.vaults[addr]
	if !ok {
		return 0, chain.Reject(chain.IxWithdraw, chain.ErrAccountNotFound)
	}
	if err := authz.VerifyWithdraw(owner, addr, signature); err != nil {
		return 0, chain.Reject(chain.IxWithdraw, chain.ErrBadSignature)
	}

	refund := v.Available()
	delete(l.vaults, addr)
	l.balances[owner] += refund
	return refund, nil
}

// RegisterProvider implements chain.Program.
func (l *Ledger) RegisterProvider(ctx context.Context, authority, destination types.Address, variant chain.Variant, merchantID string) (*chain.Provider, error) {
	if len(merchantID) > chain.MaxMerchantIDLength {
		return nil, chain.Reject(chain.IxRegisterProvider, chain.ErrMerchantTooLong)
	}
	addr, _, err := chain.ProviderAddress(l.programID, authority)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.providers[addr]; ok {
		return nil, chain.Reject(chain.IxRegisterProvider, chain.ErrAccountExists)
	}
	p := &chain.Provider{
		Address:     addr,
		Authority:   authority,
		Destination: destination,
		Variant:     variant,
		MerchantID:  merchantID,
	}
	l.providers[addr] = p
	cp := *p
	return &cp, nil
}

// UpdateCompliance implements chain.Program.
func (l *Ledger) UpdateCompliance(ctx context.Context, authority types.Address, merchantID string) error {
	if len(merchantID) > chain.MaxMerchantIDLength {
		return chain.Reject(chain.IxUpdateCompliance, chain.ErrMerchantTooLong)
	}
	addr, _, err := chain.ProviderAddress(l.programID, authority)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.providers[addr]
	if !ok {
		return chain.Reject(chain.IxUpdateCompliance, chain.ErrAccountNotFound)
	}
	if p.Authority != authority {
		return chain.Reject(chain.IxUpdateCompliance, chain.ErrUnauthorized)
	}
	p.MerchantID = merchantID
	return nil
}

func verifyEd25519(p *chain.Ed25519Payload) bool {
	return ed25519.Verify(p.PublicKey.PublicKey(), p.Message, p.Signature)
}

func newTxID() (string, error) {
	var b [64]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("simnet: tx id: %w", err)
	}
	return base58.Encode(b[:]), nil
}
