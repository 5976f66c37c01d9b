package chain

import (
	"fmt"

	"github.com/xraph/flash/authz"
	"github.com/xraph/flash/types"
)

// Bundle is the ordered instruction list of one atomic transaction.
type Bundle struct {
	FeePayer     types.Address
	Instructions []Instruction
}

// SettlementParams carries everything needed to build a settlement bundle.
type SettlementParams struct {
	ProgramID        types.Address
	FeePayer         types.Address
	Vault            *Vault
	Provider         *Provider
	Request          authz.Request
	Signature        []byte
	ComputeUnitLimit uint32
	Bid              uint64
}

// BuildSettlementBundle assembles, in order: the compute-unit limit, the
// compute-unit price bid, the ed25519 verification of the agent's
// signature over the canonical message, and the settle_batch call.
func BuildSettlementBundle(p SettlementParams) (*Bundle, error) {
	if p.Vault == nil || p.Provider == nil {
		return nil, fmt.Errorf("%w: vault and provider are required", ErrInvalidInstruction)
	}
	if p.Request.Vault != p.Vault.Address || p.Request.Provider != p.Provider.Address {
		return nil, fmt.Errorf("%w: request does not match vault/provider", ErrInvalidInstruction)
	}

	limit := p.ComputeUnitLimit
	if limit == 0 {
		limit = DefaultComputeUnitLimit
	}

	verify, err := Ed25519Verify(p.Vault.Owner, p.Signature, p.Request.Message())
	if err != nil {
		return nil, err
	}

	vaultToken, err := AssociatedTokenAddress(p.Vault.Address, p.Vault.Mint)
	if err != nil {
		return nil, fmt.Errorf("chain: derive vault token account: %w", err)
	}

	settle := SettleBatch(p.ProgramID, SettleBatchAccounts{
		Payer:             p.FeePayer,
		Vault:             p.Vault.Address,
		Owner:             p.Vault.Owner,
		Provider:          p.Provider.Address,
		VaultTokenAccount: vaultToken,
		Destination:       p.Provider.Destination,
	}, p.Request.Amount, p.Request.Nonce)

	return &Bundle{
		FeePayer: p.FeePayer,
		Instructions: []Instruction{
			SetComputeUnitLimit(limit),
			SetComputeUnitPrice(p.Bid),
			verify,
			settle,
		},
	}, nil
}
