// Package authz implements the settlement authorization scheme. The
// facilitator proposes an exact {amount, nonce} tuple for a vault/provider
// pair, the agent signs the canonical encoding of that tuple with its
// ed25519 key, and the signature is checked here before anything is sent
// to the ledger. The ledger program repeats the same verification against
// the same bytes, so the local check is defense in depth.
package authz

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/xraph/flash/types"
)

// Message tags. They prefix every signed payload so a settlement signature
// can never be confused with a withdrawal signature or any other message.
const (
	SettleTag   = "x402-flash:settle:v1"
	WithdrawTag = "x402-flash:withdraw:v1"
)

// SignatureSize is the length of a detached ed25519 signature.
const SignatureSize = ed25519.SignatureSize

var (
	ErrNoPendingRequest = errors.New("authz: no pending settlement request")
	ErrNonceMismatch    = errors.New("authz: signed nonce does not match the pending request")
	ErrAmountMismatch   = errors.New("authz: signed amount violates the amount policy")
	ErrBadSignature     = errors.New("authz: signature does not verify against the agent key")
	ErrMalformed        = errors.New("authz: malformed signature")
)

// Request is the tuple an agent approves.
type Request struct {
	Vault    types.Address `json:"vault"`
	Provider types.Address `json:"provider"`
	Amount   uint64        `json:"amount"`
	Nonce    uint64        `json:"nonce"`

	// Network is an optional discriminator appended to the message so a
	// signature for one deployment cannot be replayed against another.
	Network []byte `json:"network,omitempty"`
}

// Message returns the canonical byte encoding of r:
//
//	tag ∥ vault(32) ∥ provider(32) ∥ amount u64 LE ∥ nonce u64 LE ∥ network
func (r Request) Message() []byte {
	buf := make([]byte, 0, len(SettleTag)+types.AddressSize*2+16+len(r.Network))
	buf = append(buf, SettleTag...)
	buf = append(buf, r.Vault[:]...)
	buf = append(buf, r.Provider[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, r.Amount)
	buf = binary.LittleEndian.AppendUint64(buf, r.Nonce)
	buf = append(buf, r.Network...)
	return buf
}

// Sign signs the canonical message with key. Agents and tests use it; the
// facilitator never holds agent keys.
func Sign(key ed25519.PrivateKey, r Request) []byte {
	return ed25519.Sign(key, r.Message())
}

// Verify checks sig against agent over r's canonical message.
func Verify(agent types.Address, r Request, sig []byte) error {
	if len(sig) != SignatureSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrMalformed, len(sig), SignatureSize)
	}
	if !ed25519.Verify(agent.PublicKey(), r.Message(), sig) {
		return ErrBadSignature
	}
	return nil
}

// WithdrawMessage returns the payload an owner signs to close vault.
func WithdrawMessage(vault types.Address) []byte {
	buf := make([]byte, 0, len(WithdrawTag)+types.AddressSize)
	buf = append(buf, WithdrawTag...)
	buf = append(buf, vault[:]...)
	return buf
}

// SignWithdraw signs the withdrawal payload for vault.
func SignWithdraw(key ed25519.PrivateKey, vault types.Address) []byte {
	return ed25519.Sign(key, WithdrawMessage(vault))
}

// VerifyWithdraw checks an owner's withdrawal signature.
func VerifyWithdraw(owner, vault types.Address, sig []byte) error {
	if len(sig) != SignatureSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrMalformed, len(sig), SignatureSize)
	}
	if !ed25519.Verify(owner.PublicKey(), WithdrawMessage(vault), sig) {
		return ErrBadSignature
	}
	return nil
}
