package chain

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/xraph/flash/types"
)

// Account sizes including the 8-byte discriminator.
const (
	VaultAccountSize    = 8 + 32 + 32 + 8 + 8 + 8 + 8 + 1
	ProviderAccountSize = 8 + 32 + 32 + providerReservedSize
)

var (
	vaultDiscriminator    = AccountDiscriminator("Vault")
	providerDiscriminator = AccountDiscriminator("Provider")
)

// EncodeVault serializes v in the on-ledger layout.
func EncodeVault(v *Vault) []byte {
	buf := make([]byte, 0, VaultAccountSize)
	buf = append(buf, vaultDiscriminator[:]...)
	buf = append(buf, v.Owner[:]...)
	buf = append(buf, v.Mint[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, v.Deposited)
	buf = binary.LittleEndian.AppendUint64(buf, v.Settled)
	buf = binary.LittleEndian.AppendUint64(buf, v.Nonce)

	var last int64
	if !v.LastSettlement.IsZero() {
		last = v.LastSettlement.Unix()
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(last))
	buf = append(buf, v.Bump)
	return buf
}

// DecodeVault parses account data at addr.
func DecodeVault(addr types.Address, data []byte) (*Vault, error) {
	if len(data) < VaultAccountSize {
		return nil, fmt.Errorf("%w: vault data of %d bytes", ErrInvalidAccountData, len(data))
	}
	if [8]byte(data[:8]) != vaultDiscriminator {
		return nil, fmt.Errorf("%w: not a vault account", ErrInvalidAccountData)
	}

	v := &Vault{Address: addr}
	copy(v.Owner[:], data[8:40])
	copy(v.Mint[:], data[40:72])
	v.Deposited = binary.LittleEndian.Uint64(data[72:])
	v.Settled = binary.LittleEndian.Uint64(data[80:])
	v.Nonce = binary.LittleEndian.Uint64(data[88:])
	if last := int64(binary.LittleEndian.Uint64(data[96:])); last != 0 {
		v.LastSettlement = time.Unix(last, 0).UTC()
	}
	v.Bump = data[104]
	return v, nil
}

// EncodeProvider serializes p in the on-ledger layout.
func EncodeProvider(p *Provider) ([]byte, error) {
	if len(p.MerchantID) > MaxMerchantIDLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrMerchantTooLong, len(p.MerchantID))
	}

	buf := make([]byte, ProviderAccountSize)
	copy(buf, providerDiscriminator[:])
	copy(buf[8:40], p.Authority[:])
	copy(buf[40:72], p.Destination[:])

	reserved := buf[72:]
	reserved[0] = byte(p.Variant)
	reserved[1] = byte(len(p.MerchantID))
	copy(reserved[providerReservedHeaderLen:], p.MerchantID)
	return buf, nil
}

// DecodeProvider parses account data at addr.
func DecodeProvider(addr types.Address, data []byte) (*Provider, error) {
	if len(data) < ProviderAccountSize {
		return nil, fmt.Errorf("%w: provider data of %d bytes", ErrInvalidAccountData, len(data))
	}
	if [8]byte(data[:8]) != providerDiscriminator {
		return nil, fmt.Errorf("%w: not a provider account", ErrInvalidAccountData)
	}

	p := &Provider{Address: addr}
	copy(p.Authority[:], data[8:40])
	copy(p.Destination[:], data[40:72])

	reserved := data[72:ProviderAccountSize]
	p.Variant = Variant(reserved[0])
	if p.Variant > VariantBridged {
		return nil, fmt.Errorf("%w: provider variant %d", ErrInvalidAccountData, reserved[0])
	}
	n := int(reserved[1])
	if n > MaxMerchantIDLength {
		return nil, fmt.Errorf("%w: merchant id length %d", ErrInvalidAccountData, n)
	}
	p.MerchantID = string(reserved[providerReservedHeaderLen : providerReservedHeaderLen+n])
	return p, nil
}
