// Package memory provides the in-memory execution store used by tests and
// single-process development runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/chaingraph/execution"
	"github.com/smallnest/chaingraph/flow"
	"github.com/smallnest/chaingraph/store"
)

// Store keeps execution records and flow snapshots in process memory.
// Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	execs map[string]*execution.Record
	flows map[string]*flow.Snapshot
	now   func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		execs: make(map[string]*execution.Record),
		flows: make(map[string]*flow.Snapshot),
		now:   time.Now,
	}
}

// CreateExecution persists a fresh record; duplicates are rejected.
func (s *Store) CreateExecution(ctx context.Context, rec *execution.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[rec.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := rec.Clone()
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.execs[rec.ID] = cp
	return nil
}

// GetExecution fetches a record copy by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*execution.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.execs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// SetStatus applies a lifecycle transition under the store lock.
func (s *Store) SetStatus(ctx context.Context, id string, status execution.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.execs[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err := execution.Transition(rec.Status, status); err != nil {
		return err
	}
	rec.Status = status
	if status == execution.StatusFailed {
		rec.Error = reason
	}
	rec.UpdatedAt = s.now()
	return nil
}

// SaveFlow stores a snapshot under its id.
func (s *Store) SaveFlow(ctx context.Context, snap *flow.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[snap.ID] = snap
	return nil
}

// LoadFlow fetches a snapshot.
func (s *Store) LoadFlow(ctx context.Context, flowID string) (*flow.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrFlowNotFound, flowID)
	}
	return snap, nil
}

// AppendBreakpoint arms a breakpoint on the record.
func (s *Store) AppendBreakpoint(ctx context.Context, id, nodeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.execs[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	for _, bp := range rec.Breakpoints {
		if bp == nodeKey {
			return nil
		}
	}
	rec.Breakpoints = append(rec.Breakpoints, nodeKey)
	rec.UpdatedAt = s.now()
	return nil
}

// RemoveBreakpoint disarms a breakpoint.
func (s *Store) RemoveBreakpoint(ctx context.Context, id, nodeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.execs[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	kept := rec.Breakpoints[:0]
	for _, bp := range rec.Breakpoints {
		if bp != nodeKey {
			kept = append(kept, bp)
		}
	}
	rec.Breakpoints = kept
	rec.UpdatedAt = s.now()
	return nil
}

// AcquireLease claims the execution unless another live owner holds it.
func (s *Store) AcquireLease(ctx context.Context, id, ownerID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.execs[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	now := s.now()
	if rec.OwnerID != "" && rec.OwnerID != ownerID && rec.LeaseUntil.After(now) {
		return fmt.Errorf("%w: %s held by %s", store.ErrLeaseHeld, id, rec.OwnerID)
	}
	rec.OwnerID = ownerID
	rec.LeaseUntil = now.Add(ttl)
	rec.UpdatedAt = now
	return nil
}

// RenewLease extends a lease the owner still holds.
func (s *Store) RenewLease(ctx context.Context, id, ownerID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.execs[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if rec.OwnerID != ownerID {
		return fmt.Errorf("%w: %s held by %s", store.ErrLeaseHeld, id, rec.OwnerID)
	}
	rec.LeaseUntil = s.now().Add(ttl)
	rec.UpdatedAt = s.now()
	return nil
}

// LinkChild records a parent → child spawn.
func (s *Store) LinkChild(ctx context.Context, parentID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.execs[parentID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, parentID)
	}
	rec.ChildIDs = append(rec.ChildIDs, childID)
	rec.UpdatedAt = s.now()
	return nil
}

// ListOrphans returns non-terminal executions whose parent is terminal or
// missing.
func (s *Store) ListOrphans(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, rec := range s.execs {
		if rec.ParentID == "" || rec.Status.Terminal() {
			continue
		}
		parent, ok := s.execs[rec.ParentID]
		if !ok || parent.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out, nil
}

// ListExpiredLeases returns running executions whose lease has lapsed.
func (s *Store) ListExpiredLeases(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []string
	for id, rec := range s.execs {
		if rec.Status != execution.StatusRunning {
			continue
		}
		if rec.OwnerID != "" && rec.LeaseUntil.Before(now) {
			out = append(out, id)
		}
	}
	return out, nil
}

var _ store.ExecutionStore = (*Store)(nil)
