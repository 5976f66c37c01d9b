package flash

import (
	"errors"
	"fmt"

	"github.com/xraph/flash/authz"
	"github.com/xraph/flash/breaker"
	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/snapshot"
)

// Sentinel errors for common failure scenarios.
var (
	// Session errors
	ErrSessionExists        = errors.New("flash: session already exists for agent")
	ErrSessionNotFound      = errors.New("flash: session not found")
	ErrShuttingDown         = errors.New("flash: facilitator is shutting down")
	ErrNotStarted           = errors.New("flash: facilitator not started")
	ErrNoConnection         = errors.New("flash: session has no connection")
	ErrSettlementInProgress = errors.New("flash: settlement already in progress")
	ErrNothingToSettle      = errors.New("flash: nothing to settle")
	ErrSignatureTimeout     = errors.New("flash: agent did not sign in time")

	// Ledger state errors
	ErrVaultNotFound       = errors.New("flash: vault not found")
	ErrProviderNotFound    = errors.New("flash: provider not found")
	ErrInsufficientBalance = errors.New("flash: insufficient vault balance")

	// Store errors
	ErrSettlementNotFound = errors.New("flash: settlement not found")
	ErrAlreadyExists      = errors.New("flash: already exists")
	ErrStoreClosed        = errors.New("flash: store is closed")
	ErrMigrationFailed    = errors.New("flash: migration failed")
)

// Errors owned by subpackages, re-exported for callers of the root package.
var (
	ErrCircuitOpen      = breaker.ErrOpen
	ErrSnapshotNotFound = snapshot.ErrNotFound
	ErrNoPendingRequest = authz.ErrNoPendingRequest
	ErrAmountMismatch   = authz.ErrAmountMismatch
	ErrBadSignature     = authz.ErrBadSignature
	ErrNonceMismatch    = authz.ErrNonceMismatch
	ErrSendFailed       = settlement.ErrSendFailed

	// Structured program rejections.
	ErrLedgerInsufficientFunds = chain.ErrInsufficientFunds
	ErrLedgerBadSignature      = chain.ErrBadSignature
	ErrLedgerNonceMismatch     = chain.ErrNonceMismatch
)

// ValidationError represents a rejected input. A session handshake that
// fails validation is terminated without creating a session.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flash: validation failed for %s: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("flash: validation failed for %s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return e.Err }

// AuthorizationError is a locally rejected settlement signature. The
// session is unchanged and the breaker is not affected.
type AuthorizationError struct {
	Amount uint64
	Nonce  uint64
	Err    error
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("flash: settlement authorization rejected (amount=%d nonce=%d): %v", e.Amount, e.Nonce, e.Err)
}

func (e AuthorizationError) Unwrap() error { return e.Err }

// IsValidation returns true if the error is a ValidationError.
func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

// IsAuthorization returns true if the error is an AuthorizationError.
func IsAuthorization(err error) bool {
	var a AuthorizationError
	return errors.As(err, &a)
}

// IsBlocked returns true if the circuit breaker deferred the operation.
func IsBlocked(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSettlementNotFound) ||
		errors.Is(err, ErrSnapshotNotFound) ||
		errors.Is(err, ErrVaultNotFound) ||
		errors.Is(err, ErrProviderNotFound)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return IsBlocked(err) ||
		errors.Is(err, ErrSettlementInProgress) ||
		errors.Is(err, ErrSendFailed) ||
		errors.Is(err, ErrSignatureTimeout)
}
