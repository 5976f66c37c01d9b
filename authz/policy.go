package authz

import (
	"fmt"

	"github.com/xraph/flash/types"
)

// AmountPolicy decides which signed amounts are acceptable relative to the
// amount the facilitator proposed.
type AmountPolicy int

const (
	// AmountStrict requires the signed amount to equal the proposal.
	AmountStrict AmountPolicy = iota
	// AmountPermissive accepts any non-zero amount up to the proposal.
	AmountPermissive
)

// String returns the policy name.
func (p AmountPolicy) String() string {
	if p == AmountPermissive {
		return "permissive"
	}
	return "strict"
}

// ParseAmountPolicy parses "strict" or "permissive". The empty string is
// strict.
func ParseAmountPolicy(s string) (AmountPolicy, error) {
	switch s {
	case "", "strict":
		return AmountStrict, nil
	case "permissive":
		return AmountPermissive, nil
	default:
		return AmountStrict, fmt.Errorf("authz: unknown amount policy %q", s)
	}
}

// Check validates signed against the proposed amount.
func (p AmountPolicy) Check(proposed, signed uint64) error {
	switch p {
	case AmountPermissive:
		if signed == 0 || signed > proposed {
			return fmt.Errorf("%w: signed %d, proposed %d", ErrAmountMismatch, signed, proposed)
		}
	default:
		if signed != proposed {
			return fmt.Errorf("%w: signed %d, proposed %d", ErrAmountMismatch, signed, proposed)
		}
	}
	return nil
}

// Approve runs the pre-submission checks, in order: a pending request
// exists, the nonce matches, the amount policy holds, and the signature
// verifies against agent. On success it returns the request that was
// actually signed, which is what must be submitted.
func (p AmountPolicy) Approve(agent types.Address, pending *Request, amount, nonce uint64, sig []byte) (Request, error) {
	if pending == nil {
		return Request{}, ErrNoPendingRequest
	}
	if nonce != pending.Nonce {
		return Request{}, fmt.Errorf("%w: signed %d, pending %d", ErrNonceMismatch, nonce, pending.Nonce)
	}
	if err := p.Check(pending.Amount, amount); err != nil {
		return Request{}, err
	}

	signed := *pending
	signed.Amount = amount
	if err := Verify(agent, signed, sig); err != nil {
		return Request{}, err
	}
	return signed, nil
}
