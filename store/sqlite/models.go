package sqlite

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/flash/id"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/snapshot"
	"github.com/xraph/flash/types"
)

// ==================== Snapshot models ====================

type snapshotModel struct {
	grove.BaseModel `grove:"table:flash_snapshots"`

	Agent          string    `grove:"agent,pk"`
	Provider       string    `grove:"provider,pk"`
	Vault          string    `grove:"vault"`
	Spent          int64     `grove:"spent"`
	InFlightAmount int64     `grove:"in_flight_amount"`
	InFlightNonce  int64     `grove:"in_flight_nonce"`
	UpdatedAt      time.Time `grove:"updated_at"`
}

func toSnapshotModel(s *snapshot.Snapshot) *snapshotModel {
	return &snapshotModel{
		Agent:          s.Agent.String(),
		Provider:       s.Provider.String(),
		Vault:          s.Vault.String(),
		Spent:          int64(s.Spent),          //nolint:gosec // amounts fit in INTEGER
		InFlightAmount: int64(s.InFlightAmount), //nolint:gosec // amounts fit in INTEGER
		InFlightNonce:  int64(s.InFlightNonce),  //nolint:gosec // nonces fit in INTEGER
		UpdatedAt:      s.UpdatedAt,
	}
}

func fromSnapshotModel(m *snapshotModel) (*snapshot.Snapshot, error) {
	agent, err := types.ParseAddress(m.Agent)
	if err != nil {
		return nil, err
	}
	provider, err := types.ParseAddress(m.Provider)
	if err != nil {
		return nil, err
	}
	vault, err := types.ParseAddress(m.Vault)
	if err != nil {
		return nil, err
	}
	return &snapshot.Snapshot{
		Agent:          agent,
		Provider:       provider,
		Vault:          vault,
		Spent:          uint64(m.Spent),          //nolint:gosec // stored from uint64
		InFlightAmount: uint64(m.InFlightAmount), //nolint:gosec // stored from uint64
		InFlightNonce:  uint64(m.InFlightNonce),  //nolint:gosec // stored from uint64
		UpdatedAt:      m.UpdatedAt,
	}, nil
}

// ==================== Settlement models ====================

type settlementModel struct {
	grove.BaseModel `grove:"table:flash_settlements"`

	ID          string     `grove:"id,pk"`
	SessionID   string     `grove:"session_id"`
	Agent       string     `grove:"agent"`
	Vault       string     `grove:"vault"`
	Provider    string     `grove:"provider"`
	Amount      int64      `grove:"amount"`
	Nonce       int64      `grove:"nonce"`
	Bid         int64      `grove:"bid"`
	Status      string     `grove:"status"`
	TxID        string     `grove:"tx_id"`
	Error       string     `grove:"error"`
	Attempts    int        `grove:"attempts"`
	ConfirmedAt *time.Time `grove:"confirmed_at"`
	CreatedAt   time.Time  `grove:"created_at"`
	UpdatedAt   time.Time  `grove:"updated_at"`
}

func toSettlementModel(r *settlement.Record) *settlementModel {
	m := &settlementModel{
		ID:          r.ID.String(),
		Agent:       r.Agent.String(),
		Vault:       r.Vault.String(),
		Provider:    r.Provider.String(),
		Amount:      int64(r.Amount), //nolint:gosec // amounts fit in INTEGER
		Nonce:       int64(r.Nonce),  //nolint:gosec // nonces fit in INTEGER
		Bid:         int64(r.Bid),    //nolint:gosec // bids are capped
		Status:      string(r.Status),
		TxID:        r.TxID,
		Error:       r.Error,
		Attempts:    r.Attempts,
		ConfirmedAt: r.ConfirmedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if !r.SessionID.IsNil() {
		m.SessionID = r.SessionID.String()
	}
	return m
}

func fromSettlementModel(m *settlementModel) (*settlement.Record, error) {
	settlementID, err := id.ParseSettlementID(m.ID)
	if err != nil {
		return nil, err
	}
	var sessionID id.SessionID
	if m.SessionID != "" {
		if sessionID, err = id.ParseSessionID(m.SessionID); err != nil {
			return nil, err
		}
	}
	agent, err := types.ParseAddress(m.Agent)
	if err != nil {
		return nil, err
	}
	vault, err := types.ParseAddress(m.Vault)
	if err != nil {
		return nil, err
	}
	provider, err := types.ParseAddress(m.Provider)
	if err != nil {
		return nil, err
	}

	return &settlement.Record{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          settlementID,
		SessionID:   sessionID,
		Agent:       agent,
		Vault:       vault,
		Provider:    provider,
		Amount:      uint64(m.Amount), //nolint:gosec // stored from uint64
		Nonce:       uint64(m.Nonce),  //nolint:gosec // stored from uint64
		Bid:         uint64(m.Bid),    //nolint:gosec // stored from uint64
		Status:      settlement.Status(m.Status),
		TxID:        m.TxID,
		Error:       m.Error,
		Attempts:    m.Attempts,
		ConfirmedAt: m.ConfirmedAt,
	}, nil
}
