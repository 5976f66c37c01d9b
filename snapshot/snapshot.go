// Package snapshot persists the unsettled state of a session so a
// reconnecting agent resumes its accounting instead of losing it.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/flash/types"
)

// ErrNotFound is returned by Load when no snapshot exists.
var ErrNotFound = errors.New("snapshot: not found")

// Snapshot is the persisted state of one agent/provider session.
type Snapshot struct {
	Agent    types.Address `json:"agent" cbor:"1,keyasint"`
	Provider types.Address `json:"provider" cbor:"2,keyasint"`
	Vault    types.Address `json:"vault" cbor:"3,keyasint"`

	// Spent is the unsettled amount, including any in-flight part.
	Spent uint64 `json:"spent" cbor:"4,keyasint"`

	// InFlightAmount and InFlightNonce describe a submission that was
	// still outstanding when the session closed. Zero when none.
	InFlightAmount uint64 `json:"in_flight_amount,omitempty" cbor:"5,keyasint,omitempty"`
	InFlightNonce  uint64 `json:"in_flight_nonce,omitempty" cbor:"6,keyasint,omitempty"`

	UpdatedAt time.Time `json:"updated_at" cbor:"7,keyasint"`
}

// HasInFlight reports whether the snapshot carries an unresolved submission.
func (s *Snapshot) HasInFlight() bool {
	return s.InFlightNonce != 0
}

// Reconcile resolves the in-flight part against the vault's current nonce.
// If the ledger nonce already reached the in-flight nonce the submission
// landed and its amount is deducted; otherwise it is kept for the next
// settlement. It returns the unsettled amount to resume with.
func (s *Snapshot) Reconcile(vaultNonce uint64) uint64 {
	spent := s.Spent
	if s.HasInFlight() && vaultNonce >= s.InFlightNonce {
		if s.InFlightAmount >= spent {
			spent = 0
		} else {
			spent -= s.InFlightAmount
		}
	}
	return spent
}

// Store persists snapshots keyed by agent and provider.
type Store interface {
	LoadSnapshot(ctx context.Context, agent, provider types.Address) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, s *Snapshot) error
	DeleteSnapshot(ctx context.Context, agent, provider types.Address) error
}
