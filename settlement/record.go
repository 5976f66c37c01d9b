package settlement

import (
	"context"
	"time"

	"github.com/xraph/flash/id"
	"github.com/xraph/flash/types"
)

// Status is the lifecycle status of a settlement record.
type Status string

const (
	StatusRequested Status = "requested"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
	StatusRejected  Status = "rejected"
)

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusBlocked, StatusRejected:
		return true
	default:
		return false
	}
}

// Record is the persisted trail of one settlement attempt.
type Record struct {
	types.Entity
	ID          id.SettlementID `json:"id"`
	SessionID   id.SessionID    `json:"session_id"`
	Agent       types.Address   `json:"agent"`
	Vault       types.Address   `json:"vault"`
	Provider    types.Address   `json:"provider"`
	Amount      uint64          `json:"amount"`
	Nonce       uint64          `json:"nonce"`
	Bid         uint64          `json:"bid"`
	Status      Status          `json:"status"`
	TxID        string          `json:"tx_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty"`
}

// Store persists settlement records.
type Store interface {
	CreateSettlement(ctx context.Context, r *Record) error
	UpdateSettlement(ctx context.Context, r *Record) error
	GetSettlement(ctx context.Context, settlementID id.SettlementID) (*Record, error)
	ListSettlements(ctx context.Context, agent types.Address, opts ListOpts) ([]*Record, error)
}

// ListOpts filters ListSettlements.
type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
