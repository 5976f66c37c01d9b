package types

import (
	"crypto/ed25519"
	"database/sql/driver"
	"fmt"

	"github.com/mr-tron/base58"
)

// AddressSize is the byte length of a ledger address (an ed25519 public key
// or a program-derived address).
const AddressSize = 32

// Address is a 32-byte ledger account address. Its text form is base58.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type Address [AddressSize]byte

// ZeroAddress is the all-zero address.
var ZeroAddress Address

// ParseAddress decodes a base58 address string.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return ZeroAddress, fmt.Errorf("address: parse %q: empty string", s)
	}

	raw, err := base58.Decode(s)
	if err != nil {
		return ZeroAddress, fmt.Errorf("address: parse %q: %w", s, err)
	}

	return AddressFromBytes(raw)
}

// MustParseAddress is like ParseAddress but panics on error. Use for
// hardcoded well-known program addresses.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFromBytes copies b into an Address. b must be exactly 32 bytes.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressSize {
		return ZeroAddress, fmt.Errorf("address: expected %d bytes, got %d", AddressSize, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// AddressFromPublicKey converts an ed25519 public key into an Address.
func AddressFromPublicKey(pub ed25519.PublicKey) Address {
	var a Address
	copy(a[:], pub)
	return a
}

// String returns the base58 encoding of the address.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressSize)
	copy(b, a[:])
	return b
}

// PublicKey returns the address interpreted as an ed25519 public key.
func (a Address) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(a.Bytes())
}

// IsZero reports whether the address is all zeroes.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(data []byte) error {
	parsed, err := ParseAddress(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer for database storage.
func (a Address) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (a *Address) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return a.UnmarshalText([]byte(v))
	case []byte:
		return a.UnmarshalText(v)
	default:
		return fmt.Errorf("address: cannot scan %T into Address", src)
	}
}
