// Package memory provides an in-process store.Store for tests and
// single-node deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/xraph/flash"
	"github.com/xraph/flash/id"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/snapshot"
	"github.com/xraph/flash/store"
	"github.com/xraph/flash/types"
)

var _ store.Store = (*Store)(nil)

type snapshotKey struct {
	agent, provider types.Address
}

type Store struct {
	mu sync.RWMutex

	// Snapshot storage
	snapshots map[snapshotKey]snapshot.Snapshot

	// Settlement storage
	settlements map[string]settlement.Record

	closed bool
}

func New() *Store {
	return &Store{
		snapshots:   make(map[snapshotKey]snapshot.Snapshot),
		settlements: make(map[string]settlement.Record),
	}
}

// Snapshot Store implementation
func (s *Store) LoadSnapshot(_ context.Context, agent, provider types.Address) (*snapshot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[snapshotKey{agent, provider}]
	if !ok {
		return nil, snapshot.ErrNotFound
	}
	return &snap, nil
}

func (s *Store) SaveSnapshot(_ context.Context, snap *snapshot.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return flash.ErrStoreClosed
	}
	s.snapshots[snapshotKey{snap.Agent, snap.Provider}] = *snap
	return nil
}

func (s *Store) DeleteSnapshot(_ context.Context, agent, provider types.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, snapshotKey{agent, provider})
	return nil
}

// Settlement Store implementation
func (s *Store) CreateSettlement(_ context.Context, r *settlement.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return flash.ErrStoreClosed
	}
	if _, exists := s.settlements[r.ID.String()]; exists {
		return flash.ErrAlreadyExists
	}
	s.settlements[r.ID.String()] = copyRecord(r)
	return nil
}

func (s *Store) UpdateSettlement(_ context.Context, r *settlement.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.settlements[r.ID.String()]; !exists {
		return flash.ErrSettlementNotFound
	}
	s.settlements[r.ID.String()] = copyRecord(r)
	return nil
}

func (s *Store) GetSettlement(_ context.Context, settlementID id.SettlementID) (*settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.settlements[settlementID.String()]
	if !ok {
		return nil, flash.ErrSettlementNotFound
	}
	return &r, nil
}

func (s *Store) ListSettlements(_ context.Context, agent types.Address, opts settlement.ListOpts) ([]*settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*settlement.Record, 0)
	for _, r := range s.settlements {
		if r.Agent != agent {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		r := r
		result = append(result, &r)
	}

	// Newest first.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID.String() > result[j].ID.String()
	})

	// Apply limit/offset
	start := opts.Offset
	if start > len(result) {
		start = len(result)
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) Migrate(_ context.Context) error {
	return nil // No migration needed for memory store
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return flash.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func copyRecord(r *settlement.Record) settlement.Record {
	c := *r
	if r.ConfirmedAt != nil {
		t := *r.ConfirmedAt
		c.ConfirmedAt = &t
	}
	return c
}
