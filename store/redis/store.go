// Package redis implements snapshot.Store on Redis. Snapshots are CBOR
// encoded under one key per agent/provider pair, so a fleet of
// facilitators sharing one Redis resumes each other's sessions.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/flash/snapshot"
	"github.com/xraph/flash/types"
)

// DefaultKeyPrefix namespaces snapshot keys.
const DefaultKeyPrefix = "flash:snapshot:"

// compile-time interface check
var _ snapshot.Store = (*Store)(nil)

// Store persists session snapshots in Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL expires snapshots that are not resumed within d. Zero keeps
// them until deleted.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// New creates a snapshot store on client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadSnapshot returns the snapshot for agent and provider, or
// snapshot.ErrNotFound.
func (s *Store) LoadSnapshot(ctx context.Context, agent, provider types.Address) (*snapshot.Snapshot, error) {
	raw, err := s.client.Get(ctx, s.key(agent, provider)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, snapshot.ErrNotFound
		}
		return nil, fmt.Errorf("flash/redis: load snapshot: %w", err)
	}

	snap := new(snapshot.Snapshot)
	if err := decMode.Unmarshal(raw, snap); err != nil {
		return nil, fmt.Errorf("flash/redis: decode snapshot: %w", err)
	}
	return snap, nil
}

// SaveSnapshot writes snap, replacing any previous one.
func (s *Store) SaveSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	c := *snap
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	raw, err := encMode.Marshal(&c)
	if err != nil {
		return fmt.Errorf("flash/redis: encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(c.Agent, c.Provider), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("flash/redis: save snapshot: %w", err)
	}
	return nil
}

// DeleteSnapshot removes the snapshot. Deleting a missing one is not an error.
func (s *Store) DeleteSnapshot(ctx context.Context, agent, provider types.Address) error {
	if err := s.client.Del(ctx, s.key(agent, provider)).Err(); err != nil {
		return fmt.Errorf("flash/redis: delete snapshot: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(agent, provider types.Address) string {
	return s.prefix + agent.String() + ":" + provider.String()
}
