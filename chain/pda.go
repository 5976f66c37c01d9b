package chain

import (
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/xraph/flash/types"
)

const (
	maxSeeds      = 16
	maxSeedLength = 32
	pdaMarker     = "ProgramDerivedAddress"
)

// Seed prefixes used by the escrow program.
var (
	VaultSeed    = []byte("vault")
	ProviderSeed = []byte("provider")
)

// CreateProgramAddress hashes seeds with programID. The result must not be
// a valid ed25519 point so that no private key can sign for it.
func CreateProgramAddress(seeds [][]byte, programID types.Address) (types.Address, error) {
	if len(seeds) > maxSeeds {
		return types.ZeroAddress, fmt.Errorf("%w: %d seeds exceed %d", ErrInvalidSeeds, len(seeds), maxSeeds)
	}

	h := sha256.New()
	for _, s := range seeds {
		if len(s) > maxSeedLength {
			return types.ZeroAddress, fmt.Errorf("%w: seed of %d bytes", ErrInvalidSeeds, len(s))
		}
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))

	var addr types.Address
	copy(addr[:], h.Sum(nil))
	if IsOnCurve(addr) {
		return types.ZeroAddress, fmt.Errorf("%w: derived address is on curve", ErrInvalidSeeds)
	}
	return addr, nil
}

// FindProgramAddress searches bumps from 255 downward for the first
// off-curve address.
func FindProgramAddress(seeds [][]byte, programID types.Address) (types.Address, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)

	for bump := 255; bump > 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
	}
	return types.ZeroAddress, 0, ErrNoViableBump
}

// IsOnCurve reports whether addr decodes to an ed25519 point.
func IsOnCurve(addr types.Address) bool {
	_, err := new(edwards25519.Point).SetBytes(addr[:])
	return err == nil
}

// VaultAddress derives the vault PDA for owner.
func VaultAddress(programID, owner types.Address) (types.Address, uint8, error) {
	return FindProgramAddress([][]byte{VaultSeed, owner[:]}, programID)
}

// ProviderAddress derives the provider PDA for authority.
func ProviderAddress(programID, authority types.Address) (types.Address, uint8, error) {
	return FindProgramAddress([][]byte{ProviderSeed, authority[:]}, programID)
}

// AssociatedTokenAddress derives the canonical token account of wallet for
// mint.
func AssociatedTokenAddress(wallet, mint types.Address) (types.Address, error) {
	addr, _, err := FindProgramAddress(
		[][]byte{wallet[:], TokenProgramID[:], mint[:]},
		AssociatedTokenProgramID,
	)
	return addr, err
}
