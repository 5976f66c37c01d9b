package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/xraph/flash/types"
)

// Escrow program instruction names.
const (
	IxCreateVault      = "create_vault"
	IxSettleBatch      = "settle_batch"
	IxWithdraw         = "withdraw"
	IxRegisterProvider = "register_provider"
	IxUpdateCompliance = "update_compliance"
)

// Compute budget instruction tags.
const (
	computeUnitLimitTag byte = 0x02
	computeUnitPriceTag byte = 0x03
)

// Ed25519 program data layout: a two byte header, seven u16 offsets, then
// the public key, signature and message inlined in the same instruction.
const (
	ed25519HeaderSize     = 2
	ed25519OffsetsSize    = 14
	ed25519PubkeyOffset   = ed25519HeaderSize + ed25519OffsetsSize
	ed25519SigOffset      = ed25519PubkeyOffset + 32
	ed25519MessageOffset  = ed25519SigOffset + 64
	ed25519CurrentIxIndex = 0xFFFF
)

// AccountMeta is an account reference in an instruction.
type AccountMeta struct {
	Address  types.Address
	Signer   bool
	Writable bool
}

// Instruction is one program invocation.
type Instruction struct {
	Program  types.Address
	Accounts []AccountMeta
	Data     []byte
}

// Discriminator returns the 8-byte Anchor instruction discriminator.
func Discriminator(name string) [8]byte {
	return hashPrefix("global:" + name)
}

// AccountDiscriminator returns the 8-byte Anchor account discriminator.
func AccountDiscriminator(name string) [8]byte {
	return hashPrefix("account:" + name)
}

func hashPrefix(s string) [8]byte {
	sum := sha256.Sum256([]byte(s))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// SetComputeUnitLimit requests a compute budget of units.
func SetComputeUnitLimit(units uint32) Instruction {
	data := make([]byte, 0, 5)
	data = append(data, computeUnitLimitTag)
	data = binary.LittleEndian.AppendUint32(data, units)
	return Instruction{Program: ComputeBudgetProgramID, Data: data}
}

// SetComputeUnitPrice bids microLamports per compute unit.
func SetComputeUnitPrice(microLamports uint64) Instruction {
	data := make([]byte, 0, 9)
	data = append(data, computeUnitPriceTag)
	data = binary.LittleEndian.AppendUint64(data, microLamports)
	return Instruction{Program: ComputeBudgetProgramID, Data: data}
}

// Ed25519Verify builds the native signature verification instruction with
// the key, signature and message inlined.
func Ed25519Verify(pubkey types.Address, signature, message []byte) (Instruction, error) {
	if len(signature) != 64 {
		return Instruction{}, fmt.Errorf("%w: ed25519 signature of %d bytes", ErrInvalidInstruction, len(signature))
	}
	if len(message) > 0xFFFF-ed25519MessageOffset {
		return Instruction{}, fmt.Errorf("%w: message of %d bytes", ErrInvalidInstruction, len(message))
	}

	data := make([]byte, 0, ed25519MessageOffset+len(message))
	data = append(data, 1, 0)
	for _, v := range []uint16{
		ed25519SigOffset,
		ed25519CurrentIxIndex,
		ed25519PubkeyOffset,
		ed25519CurrentIxIndex,
		ed25519MessageOffset,
		uint16(len(message)),
		ed25519CurrentIxIndex,
	} {
		data = binary.LittleEndian.AppendUint16(data, v)
	}
	data = append(data, pubkey[:]...)
	data = append(data, signature...)
	data = append(data, message...)

	return Instruction{Program: Ed25519ProgramID, Data: data}, nil
}

// Ed25519Payload is the decoded content of an Ed25519Verify instruction.
type Ed25519Payload struct {
	PublicKey types.Address
	Signature []byte
	Message   []byte
}

// DecodeEd25519 parses an instruction built by Ed25519Verify. Only
// single-signature, self-referencing instructions are accepted.
func DecodeEd25519(data []byte) (*Ed25519Payload, error) {
	if len(data) < ed25519MessageOffset || data[0] != 1 {
		return nil, fmt.Errorf("%w: ed25519 header", ErrInvalidInstruction)
	}

	off := func(i int) int {
		return int(binary.LittleEndian.Uint16(data[ed25519HeaderSize+2*i:]))
	}
	sigOff, pkOff, msgOff, msgLen := off(0), off(2), off(4), off(5)
	for _, idx := range []int{off(1), off(3), off(6)} {
		if idx != ed25519CurrentIxIndex {
			return nil, fmt.Errorf("%w: cross-instruction ed25519 offsets", ErrInvalidInstruction)
		}
	}
	if pkOff+32 > len(data) || sigOff+64 > len(data) || msgOff+msgLen > len(data) {
		return nil, fmt.Errorf("%w: ed25519 offsets out of range", ErrInvalidInstruction)
	}

	p := &Ed25519Payload{
		Signature: append([]byte(nil), data[sigOff:sigOff+64]...),
		Message:   append([]byte(nil), data[msgOff:msgOff+msgLen]...),
	}
	copy(p.PublicKey[:], data[pkOff:pkOff+32])
	return p, nil
}

// SettleBatchAccounts lists the accounts of a settle_batch call.
type SettleBatchAccounts struct {
	Payer             types.Address
	Vault             types.Address
	Owner             types.Address
	Provider          types.Address
	VaultTokenAccount types.Address
	Destination       types.Address
}

// SettleBatch encodes disc ∥ amount u64 LE ∥ nonce u64 LE.
func SettleBatch(programID types.Address, a SettleBatchAccounts, amount, nonce uint64) Instruction {
	d := Discriminator(IxSettleBatch)
	data := make([]byte, 0, 24)
	data = append(data, d[:]...)
	data = binary.LittleEndian.AppendUint64(data, amount)
	data = binary.LittleEndian.AppendUint64(data, nonce)

	return Instruction{
		Program: programID,
		Accounts: []AccountMeta{
			{Address: a.Payer, Signer: true, Writable: true},
			{Address: a.Vault, Writable: true},
			{Address: a.Owner},
			{Address: a.Provider},
			{Address: a.VaultTokenAccount, Writable: true},
			{Address: a.Destination, Writable: true},
			{Address: InstructionsSysvarID},
			{Address: TokenProgramID},
		},
		Data: data,
	}
}

// DecodeSettleBatch returns the amount and nonce of a settle_batch call.
func DecodeSettleBatch(data []byte) (amount, nonce uint64, err error) {
	d := Discriminator(IxSettleBatch)
	if len(data) != 24 || [8]byte(data[:8]) != d {
		return 0, 0, fmt.Errorf("%w: settle_batch data", ErrInvalidInstruction)
	}
	return binary.LittleEndian.Uint64(data[8:]), binary.LittleEndian.Uint64(data[16:]), nil
}

// CreateVault encodes disc ∥ deposit u64 LE.
func CreateVault(programID, owner, vault, mint, ownerTokenAccount, vaultTokenAccount types.Address, deposit uint64) Instruction {
	d := Discriminator(IxCreateVault)
	data := make([]byte, 0, 16)
	data = append(data, d[:]...)
	data = binary.LittleEndian.AppendUint64(data, deposit)

	return Instruction{
		Program: programID,
		Accounts: []AccountMeta{
			{Address: owner, Signer: true, Writable: true},
			{Address: vault, Writable: true},
			{Address: mint},
			{Address: ownerTokenAccount, Writable: true},
			{Address: vaultTokenAccount, Writable: true},
			{Address: TokenProgramID},
			{Address: AssociatedTokenProgramID},
			{Address: SystemProgramID},
		},
		Data: data,
	}
}

// Withdraw encodes the bare discriminator; the owner signs the transaction.
func Withdraw(programID, owner, vault, ownerTokenAccount, vaultTokenAccount types.Address) Instruction {
	d := Discriminator(IxWithdraw)
	return Instruction{
		Program: programID,
		Accounts: []AccountMeta{
			{Address: owner, Signer: true, Writable: true},
			{Address: vault, Writable: true},
			{Address: ownerTokenAccount, Writable: true},
			{Address: vaultTokenAccount, Writable: true},
			{Address: TokenProgramID},
		},
		Data: d[:],
	}
}

// RegisterProvider encodes disc ∥ variant u8 ∥ merchant len u8 ∥ merchant.
func RegisterProvider(programID, authority, provider, destination types.Address, variant Variant, merchantID string) (Instruction, error) {
	if len(merchantID) > MaxMerchantIDLength {
		return Instruction{}, fmt.Errorf("%w: %d bytes", ErrMerchantTooLong, len(merchantID))
	}

	d := Discriminator(IxRegisterProvider)
	data := make([]byte, 0, 10+len(merchantID))
	data = append(data, d[:]...)
	data = append(data, byte(variant), byte(len(merchantID)))
	data = append(data, merchantID...)

	return Instruction{
		Program: programID,
		Accounts: []AccountMeta{
			{Address: authority, Signer: true, Writable: true},
			{Address: provider, Writable: true},
			{Address: destination},
			{Address: SystemProgramID},
		},
		Data: data,
	}, nil
}

// UpdateCompliance encodes disc ∥ merchant len u8 ∥ merchant.
func UpdateCompliance(programID, authority, provider types.Address, merchantID string) (Instruction, error) {
	if len(merchantID) > MaxMerchantIDLength {
		return Instruction{}, fmt.Errorf("%w: %d bytes", ErrMerchantTooLong, len(merchantID))
	}

	d := Discriminator(IxUpdateCompliance)
	data := make([]byte, 0, 9+len(merchantID))
	data = append(data, d[:]...)
	data = append(data, byte(len(merchantID)))
	data = append(data, merchantID...)

	return Instruction{
		Program: programID,
		Accounts: []AccountMeta{
			{Address: authority, Signer: true},
			{Address: provider, Writable: true},
		},
		Data: data,
	}, nil
}
