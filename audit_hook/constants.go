package audithook

// Action constants for audit events.
const (
	// Session actions
	ActionSessionOpened = "session.opened"
	ActionSessionClosed = "session.closed"

	// Settlement actions
	ActionSignatureRequested  = "settlement.signature_requested"
	ActionSettlementConfirmed = "settlement.confirmed"
	ActionSettlementFailed    = "settlement.failed"
	ActionSettlementRejected  = "settlement.rejected"
	ActionSettlementBlocked   = "settlement.blocked"

	// Breaker actions
	ActionCircuitStateChanged = "breaker.state_changed"
)

// Resource constants for audit events.
const (
	ResourceSession    = "session"
	ResourceSettlement = "settlement"
	ResourceBreaker    = "breaker"
)

// Category constants for audit events.
const (
	CategorySession    = "session"
	CategorySettlement = "settlement"
	CategoryLedger     = "ledger"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeDeferred = "deferred"
)
