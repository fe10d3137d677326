// Package redis implements the execution store on Redis. Records and flow
// snapshots are JSON values; leases are SETNX keys with a TTL, so expiry is
// enforced by Redis itself.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/chaingraph/execution"
	"github.com/smallnest/chaingraph/flow"
	"github.com/smallnest/chaingraph/store"
)

// Store is a Redis-backed execution store.
type Store struct {
	client *redis.Client
	prefix string
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key prefix, default "chaingraph:"
}

// New creates a Redis execution store.
func New(opts Options) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(client, opts.Prefix)
}

// NewWithClient wraps an existing client; tests hand in a miniredis-backed one.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "chaingraph:"
	}
	return &Store{client: client, prefix: prefix}
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) execKey(id string) string  { return fmt.Sprintf("%sexec:%s", s.prefix, id) }
func (s *Store) leaseKey(id string) string { return fmt.Sprintf("%slease:%s", s.prefix, id) }
func (s *Store) flowKey(id string) string  { return fmt.Sprintf("%sflow:%s", s.prefix, id) }
func (s *Store) indexKey() string          { return s.prefix + "execs" }

// CreateExecution persists a fresh record; duplicate ids are rejected.
func (s *Store) CreateExecution(ctx context.Context, rec *execution.Record) error {
	cp := rec.Clone()
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.execKey(rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	if !ok {
		return store.ErrAlreadyExists
	}
	if err := s.client.SAdd(ctx, s.indexKey(), rec.ID).Err(); err != nil {
		return fmt.Errorf("index execution: %w", err)
	}
	return nil
}

// GetExecution fetches a record by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*execution.Record, error) {
	data, err := s.client.Get(ctx, s.execKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	var rec execution.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &rec, nil
}

// update applies fn to the record under WATCH so concurrent writers retry or
// fail, keeping per-record atomicity.
func (s *Store) update(ctx context.Context, id string, fn func(*execution.Record) error) error {
	key := s.execKey(id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", store.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		var rec execution.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal execution: %w", err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = time.Now()
		out, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal execution: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}, key)
}

// SetStatus applies a lifecycle transition.
func (s *Store) SetStatus(ctx context.Context, id string, status execution.Status, reason string) error {
	return s.update(ctx, id, func(rec *execution.Record) error {
		if err := execution.Transition(rec.Status, status); err != nil {
			return err
		}
		rec.Status = status
		if status == execution.StatusFailed {
			rec.Error = reason
		}
		return nil
	})
}

// SaveFlow stores a snapshot.
func (s *Store) SaveFlow(ctx context.Context, snap *flow.Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("encode flow: %w", err)
	}
	if err := s.client.Set(ctx, s.flowKey(snap.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save flow: %w", err)
	}
	return nil
}

// LoadFlow fetches a snapshot.
func (s *Store) LoadFlow(ctx context.Context, flowID string) (*flow.Snapshot, error) {
	data, err := s.client.Get(ctx, s.flowKey(flowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", store.ErrFlowNotFound, flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load flow: %w", err)
	}
	return flow.DecodeSnapshot(data)
}

// AppendBreakpoint arms a breakpoint.
func (s *Store) AppendBreakpoint(ctx context.Context, id, nodeKey string) error {
	return s.update(ctx, id, func(rec *execution.Record) error {
		for _, bp := range rec.Breakpoints {
			if bp == nodeKey {
				return nil
			}
		}
		rec.Breakpoints = append(rec.Breakpoints, nodeKey)
		return nil
	})
}

// RemoveBreakpoint disarms a breakpoint.
func (s *Store) RemoveBreakpoint(ctx context.Context, id, nodeKey string) error {
	return s.update(ctx, id, func(rec *execution.Record) error {
		kept := rec.Breakpoints[:0]
		for _, bp := range rec.Breakpoints {
			if bp != nodeKey {
				kept = append(kept, bp)
			}
		}
		rec.Breakpoints = kept
		return nil
	})
}

// AcquireLease claims the lease key; Redis expires it on its own.
func (s *Store) AcquireLease(ctx context.Context, id, ownerID string, ttl time.Duration) error {
	if _, err := s.GetExecution(ctx, id); err != nil {
		return err
	}
	key := s.leaseKey(id)
	ok, err := s.client.SetNX(ctx, key, ownerID, ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return nil
	}
	cur, err := s.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if cur != ownerID {
		return fmt.Errorf("%w: %s held by %s", store.ErrLeaseHeld, id, cur)
	}
	if err := s.client.Set(ctx, key, ownerID, ttl).Err(); err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return nil
}

// RenewLease extends a lease the owner still holds.
func (s *Store) RenewLease(ctx context.Context, id, ownerID string, ttl time.Duration) error {
	key := s.leaseKey(id)
	cur, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Lapsed leases may only be re-claimed through AcquireLease.
		return fmt.Errorf("%w: %s lease lapsed", store.ErrLeaseHeld, id)
	}
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if cur != ownerID {
		return fmt.Errorf("%w: %s held by %s", store.ErrLeaseHeld, id, cur)
	}
	if err := s.client.Set(ctx, key, ownerID, ttl).Err(); err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	return nil
}

// LinkChild records a parent → child spawn.
func (s *Store) LinkChild(ctx context.Context, parentID, childID string) error {
	return s.update(ctx, parentID, func(rec *execution.Record) error {
		rec.ChildIDs = append(rec.ChildIDs, childID)
		return nil
	})
}

// ListOrphans returns non-terminal executions whose parent is terminal or
// missing.
func (s *Store) ListOrphans(ctx context.Context) ([]string, error) {
	records, err := s.allRecords(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for id, rec := range records {
		if rec.ParentID == "" || rec.Status.Terminal() {
			continue
		}
		parent, ok := records[rec.ParentID]
		if !ok || parent.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out, nil
}

// ListExpiredLeases returns running executions whose lease key has expired.
func (s *Store) ListExpiredLeases(ctx context.Context) ([]string, error) {
	records, err := s.allRecords(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for id, rec := range records {
		if rec.Status != execution.StatusRunning {
			continue
		}
		n, err := s.client.Exists(ctx, s.leaseKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("check lease: %w", err)
		}
		if n == 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) allRecords(ctx context.Context) (map[string]*execution.Record, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	records := make(map[string]*execution.Record, len(ids))
	for _, id := range ids {
		rec, err := s.GetExecution(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records[id] = rec
	}
	return records, nil
}

var _ store.ExecutionStore = (*Store)(nil)
