package flash

import "github.com/xraph/flash/id"

// ID is the primary identifier type for all flash entities.
type ID = id.ID

// SessionID identifies a live session.
type SessionID = id.SessionID

// SettlementID identifies a settlement attempt.
type SettlementID = id.SettlementID
