// Package store defines the unified persistence interface for flash.
package store

import (
	"context"

	"github.com/xraph/flash/id"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/snapshot"
	"github.com/xraph/flash/types"
)

// Store is the unified storage interface for all flash entities.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
type Store interface {
	// Snapshot methods
	LoadSnapshot(ctx context.Context, agent, provider types.Address) (*snapshot.Snapshot, error)
	SaveSnapshot(ctx context.Context, s *snapshot.Snapshot) error
	DeleteSnapshot(ctx context.Context, agent, provider types.Address) error

	// Settlement methods
	CreateSettlement(ctx context.Context, r *settlement.Record) error
	UpdateSettlement(ctx context.Context, r *settlement.Record) error
	GetSettlement(ctx context.Context, settlementID id.SettlementID) (*settlement.Record, error)
	ListSettlements(ctx context.Context, agent types.Address, opts settlement.ListOpts) ([]*settlement.Record, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Compile-time checks that a Store serves both capabilities.
var (
	_ snapshot.Store   = Store(nil)
	_ settlement.Store = Store(nil)
)
