package chain

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound    = errors.New("chain: account not found")
	ErrAccountExists      = errors.New("chain: account already exists")
	ErrInvalidAccountData = errors.New("chain: invalid account data")
	ErrInvalidInstruction = errors.New("chain: invalid instruction")
	ErrInvalidSeeds       = errors.New("chain: invalid seeds")
	ErrNoViableBump       = errors.New("chain: unable to find a viable program address bump")
	ErrMerchantTooLong    = errors.New("chain: merchant id too long")

	// Structured program rejections.
	ErrInsufficientFunds = errors.New("chain: insufficient funds")
	ErrBadSignature      = errors.New("chain: bad signature")
	ErrNonceMismatch     = errors.New("chain: nonce mismatch")
	ErrUnauthorized      = errors.New("chain: unauthorized")
)

// ProgramError is a deterministic rejection by the escrow program. The
// transaction had no side effects and resubmitting it unchanged will fail
// the same way, so it is never a sign of ledger unavailability.
type ProgramError struct {
	Instruction string
	Err         error
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("chain: %s rejected: %v", e.Instruction, e.Err)
}

func (e *ProgramError) Unwrap() error { return e.Err }

// Reject builds a ProgramError.
func Reject(instruction string, err error) error {
	return &ProgramError{Instruction: instruction, Err: err}
}

// IsProgramError reports whether err is a program rejection.
func IsProgramError(err error) bool {
	var pe *ProgramError
	return errors.As(err, &pe)
}
