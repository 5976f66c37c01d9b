// Package chain is the adapter for the escrow ledger program. It defines
// the ledger-resident account models (Vault, Provider), derives their
// program addresses, encodes every instruction bit-exactly, and assembles
// the atomic settlement bundle. Ledger is the interface the facilitator
// consumes; chain/simnet and chain/solana implement it.
package chain

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/xraph/flash/types"
)

// Well-known program and sysvar addresses.
var (
	SystemProgramID          = types.MustParseAddress("11111111111111111111111111111111")
	ComputeBudgetProgramID   = types.MustParseAddress("ComputeBudget111111111111111111111111111111")
	Ed25519ProgramID         = types.MustParseAddress("Ed25519SigVerify111111111111111111111111111")
	InstructionsSysvarID     = types.MustParseAddress("Sysvar1nstructions1111111111111111111111111")
	TokenProgramID           = types.MustParseAddress("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgramID = types.MustParseAddress("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

	// DefaultEscrowProgramID is the deployed escrow program.
	DefaultEscrowProgramID = types.MustParseAddress("GACf7MzzDobMqJgDGfnaDJe7nCj5UoBoh93xLziomEoX")
)

const (
	// DefaultComputeUnitLimit is the compute budget requested for a
	// settlement bundle.
	DefaultComputeUnitLimit uint32 = 200_000

	// MaxMerchantIDLength bounds the compliance merchant identifier.
	MaxMerchantIDLength = 64

	providerReservedSize      = 128
	providerReservedHeaderLen = 2
)

// Variant is the provider protocol variant.
type Variant uint8

const (
	// VariantDirect settles by direct token transfer on the ledger.
	VariantDirect Variant = iota
	// VariantBridged settles through an external bridge service.
	VariantBridged
)

// String returns the variant name.
func (v Variant) String() string {
	switch v {
	case VariantDirect:
		return "direct"
	case VariantBridged:
		return "bridged"
	default:
		return "unknown"
	}
}

// Vault is an agent's prepaid escrow account.
type Vault struct {
	Address        types.Address `json:"address"`
	Owner          types.Address `json:"owner"`
	Mint           types.Address `json:"mint"`
	Deposited      uint64        `json:"deposited"`
	Settled        uint64        `json:"settled"`
	Nonce          uint64        `json:"nonce"`
	LastSettlement time.Time     `json:"last_settlement"`
	Bump           uint8         `json:"bump"`
}

// Available returns deposited minus settled, never underflowing.
func (v *Vault) Available() uint64 {
	if v.Settled >= v.Deposited {
		return 0
	}
	return v.Deposited - v.Settled
}

// Provider is a registered data provider.
type Provider struct {
	Address     types.Address `json:"address"`
	Authority   types.Address `json:"authority"`
	Destination types.Address `json:"destination"`
	Variant     Variant       `json:"variant"`
	MerchantID  string        `json:"merchant_id,omitempty"`
}

// Ledger is the escrow ledger as seen by the facilitator.
type Ledger interface {
	// ProgramID returns the escrow program address used for PDA derivation.
	ProgramID() types.Address

	// Vault reads the vault at addr. Returns ErrAccountNotFound when absent.
	Vault(ctx context.Context, addr types.Address) (*Vault, error)

	// Provider reads the provider at addr. Returns ErrAccountNotFound when absent.
	Provider(ctx context.Context, addr types.Address) (*Provider, error)

	// SendBundle submits b as one atomic transaction and returns its id.
	SendBundle(ctx context.Context, b *Bundle) (string, error)

	// Confirm waits until txID is finalized or ctx ends. Program failures
	// surface as *ProgramError.
	Confirm(ctx context.Context, txID string) error
}

// Program is the administrative surface of the escrow program: the
// operations agents and provider operators perform themselves.
type Program interface {
	CreateEscrow(ctx context.Context, owner, mint types.Address, deposit uint64) (*Vault, error)
	Withdraw(ctx context.Context, owner types.Address, signature []byte) (uint64, error)
	RegisterProvider(ctx context.Context, authority, destination types.Address, variant Variant, merchantID string) (*Provider, error)
	UpdateCompliance(ctx context.Context, authority types.Address, merchantID string) error
}

// Signer signs ledger transactions. The facilitator's fee-payer key
// implements it.
type Signer interface {
	PublicKey() types.Address
	Sign(message []byte) ([]byte, error)
}

// KeySigner is a Signer backed by an in-memory ed25519 key.
type KeySigner struct {
	key ed25519.PrivateKey
}

// NewKeySigner wraps key.
func NewKeySigner(key ed25519.PrivateKey) *KeySigner {
	return &KeySigner{key: key}
}

// PublicKey returns the signer address.
func (s *KeySigner) PublicKey() types.Address {
	return types.AddressFromPublicKey(s.key.Public().(ed25519.PublicKey))
}

// Sign signs message.
func (s *KeySigner) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.key, message), nil
}
