// Package sqlite implements store.Store on SQLite via Grove ORM.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/flash"
	"github.com/xraph/flash/id"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/snapshot"
	flashstore "github.com/xraph/flash/store"
	"github.com/xraph/flash/types"
)

// compile-time interface check
var _ flashstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("flash/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("flash/sqlite: %w: %w", flash.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Snapshot Store ====================

func (s *Store) LoadSnapshot(ctx context.Context, agent, provider types.Address) (*snapshot.Snapshot, error) {
	m := new(snapshotModel)
	err := s.sdb.NewSelect(m).
		Where("agent = ?", agent.String()).
		Where("provider = ?", provider.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, snapshot.ErrNotFound
		}
		return nil, err
	}
	return fromSnapshotModel(m)
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	m := toSnapshotModel(snap)
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now()
	}
	_, err := s.sdb.NewInsert(m).
		OnConflict("(agent, provider) DO UPDATE").
		Set("vault = EXCLUDED.vault").
		Set("spent = EXCLUDED.spent").
		Set("in_flight_amount = EXCLUDED.in_flight_amount").
		Set("in_flight_nonce = EXCLUDED.in_flight_nonce").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) DeleteSnapshot(ctx context.Context, agent, provider types.Address) error {
	_, err := s.sdb.NewDelete((*snapshotModel)(nil)).
		Where("agent = ?", agent.String()).
		Where("provider = ?", provider.String()).
		Exec(ctx)
	return err
}

// ==================== Settlement Store ====================

func (s *Store) CreateSettlement(ctx context.Context, r *settlement.Record) error {
	m := toSettlementModel(r)
	_, err := s.sdb.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) UpdateSettlement(ctx context.Context, r *settlement.Record) error {
	m := toSettlementModel(r)
	m.UpdatedAt = now()
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return flash.ErrSettlementNotFound
	}
	return nil
}

func (s *Store) GetSettlement(ctx context.Context, settlementID id.SettlementID) (*settlement.Record, error) {
	m := new(settlementModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", settlementID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, flash.ErrSettlementNotFound
		}
		return nil, err
	}
	return fromSettlementModel(m)
}

func (s *Store) ListSettlements(ctx context.Context, agent types.Address, opts settlement.ListOpts) ([]*settlement.Record, error) {
	var models []settlementModel
	q := s.sdb.NewSelect(&models).Where("agent = ?", agent.String())

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*settlement.Record, len(models))
	for i := range models {
		r, err := fromSettlementModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

// ==================== Helpers ====================

func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
