// Package mongo implements store.Store on MongoDB via Grove ORM.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/flash"
	"github.com/xraph/flash/id"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/snapshot"
	flashstore "github.com/xraph/flash/store"
	"github.com/xraph/flash/types"
)

// Collection name constants.
const (
	colSnapshots   = "flash_snapshots"
	colSettlements = "flash_settlements"
)

// compile-time interface check
var _ flashstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all flash collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("flash/mongo: migrate %s indexes: %w: %w", col, flash.ErrMigrationFailed, err)
		}
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
	var m snapshotModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": snapshotKey(agent, provider)}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, snapshot.ErrNotFound
		}
		return nil, fmt.Errorf("flash/mongo: load snapshot: %w", err)
	}
	return fromSnapshotModel(&m)
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	m := toSnapshotModel(snap)
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now()
	}

	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.Key}).
		SetUpdate(bson.M{"$set": bson.M{
			"_id":              m.Key,
			"agent":            m.Agent,
			"provider":         m.Provider,
			"vault":            m.Vault,
			"spent":            m.Spent,
			"in_flight_amount": m.InFlightAmount,
			"in_flight_nonce":  m.InFlightNonce,
			"updated_at":       m.UpdatedAt,
		}}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("flash/mongo: save snapshot: %w", err)
	}
	return nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, agent, provider types.Address) error {
	_, err := s.mdb.NewDelete((*snapshotModel)(nil)).
		Filter(bson.M{"_id": snapshotKey(agent, provider)}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("flash/mongo: delete snapshot: %w", err)
	}
	return nil
}

// ==================== Settlement Store ====================

func (s *Store) CreateSettlement(ctx context.Context, r *settlement.Record) error {
	m := toSettlementModel(r)
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return flash.ErrAlreadyExists
		}
		return fmt.Errorf("flash/mongo: create settlement: %w", err)
	}
	return nil
}

func (s *Store) UpdateSettlement(ctx context.Context, r *settlement.Record) error {
	m := toSettlementModel(r)
	m.UpdatedAt = now()

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("flash/mongo: update settlement: %w", err)
	}
	if res.MatchedCount() == 0 {
		return flash.ErrSettlementNotFound
	}
	return nil
}

func (s *Store) GetSettlement(ctx context.Context, settlementID id.SettlementID) (*settlement.Record, error) {
	var m settlementModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": settlementID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, flash.ErrSettlementNotFound
		}
		return nil, fmt.Errorf("flash/mongo: get settlement: %w", err)
	}
	return fromSettlementModel(&m)
}

func (s *Store) ListSettlements(ctx context.Context, agent types.Address, opts settlement.ListOpts) ([]*settlement.Record, error) {
	var models []settlementModel

	filter := bson.M{"agent": agent.String()}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("flash/mongo: list settlements: %w", err)
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

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all flash collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colSnapshots: {
			{
				Keys:    bson.D{{Key: "agent", Value: 1}, {Key: "provider", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colSettlements: {
			{Keys: bson.D{{Key: "agent", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "agent", Value: 1}, {Key: "status", Value: 1}}},
			{
				Keys:    bson.D{{Key: "session_id", Value: 1}},
				Options: options.Index().SetSparse(true),
			},
		},
	}
}
