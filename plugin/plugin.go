// Package plugin provides an extensible plugin system for flash.
// Plugins can hook into session, settlement, and fee lifecycle events to
// extend functionality.
package plugin

import (
	"context"

	"github.com/xraph/flash/breaker"
	"github.com/xraph/flash/feeoracle"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/types"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// SessionEvent describes a session at open or close.
type SessionEvent struct {
	SessionID string
	Agent     types.Address
	Provider  types.Address
	Vault     types.Address
	// Unsettled is the off-ledger amount at the time of the event.
	Unsettled uint64
}

// SettlementEvent describes a finished submission.
type SettlementEvent struct {
	SessionID string
	Agent     types.Address
	Result    *settlement.Result
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, f interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Session hooks
// ──────────────────────────────────────────────────

// OnSessionOpened is called after a session is registered.
type OnSessionOpened interface {
	Plugin
	OnSessionOpened(ctx context.Context, ev SessionEvent) error
}

// OnSessionClosed is called after a session is removed.
type OnSessionClosed interface {
	Plugin
	OnSessionClosed(ctx context.Context, ev SessionEvent) error
}

// OnUsageReported is called for every accepted usage report.
type OnUsageReported interface {
	Plugin
	OnUsageReported(ctx context.Context, agent types.Address, amount, unsettled uint64) error
}

// OnSignatureRequested is called when an agent is asked to sign.
type OnSignatureRequested interface {
	Plugin
	OnSignatureRequested(ctx context.Context, agent types.Address, amount, nonce uint64) error
}

// ──────────────────────────────────────────────────
// Settlement hooks
// ──────────────────────────────────────────────────

// OnSettlementConfirmed is called when a settlement reaches finality.
type OnSettlementConfirmed interface {
	Plugin
	OnSettlementConfirmed(ctx context.Context, ev SettlementEvent) error
}

// OnSettlementFailed is called for failed and rejected settlements.
type OnSettlementFailed interface {
	Plugin
	OnSettlementFailed(ctx context.Context, ev SettlementEvent) error
}

// OnSettlementBlocked is called when the circuit breaker defers a settlement.
type OnSettlementBlocked interface {
	Plugin
	OnSettlementBlocked(ctx context.Context, agent types.Address, amount uint64) error
}

// ──────────────────────────────────────────────────
// Infrastructure hooks
// ──────────────────────────────────────────────────

// OnCircuitStateChanged is called on every breaker transition.
type OnCircuitStateChanged interface {
	Plugin
	OnCircuitStateChanged(ctx context.Context, from, to breaker.State) error
}

// OnFeeBidUpdated is called after each successful fee oracle refresh.
type OnFeeBidUpdated interface {
	Plugin
	OnFeeBidUpdated(ctx context.Context, bid feeoracle.Bid) error
}
