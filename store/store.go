package store

import (
	"context"
	"errors"
	"time"

	"github.com/smallnest/chaingraph/execution"
	"github.com/smallnest/chaingraph/flow"
)

var (
	// ErrNotFound is returned when the execution id is unknown.
	ErrNotFound = errors.New("store: execution not found")
	// ErrFlowNotFound is returned when the flow id is unknown.
	ErrFlowNotFound = errors.New("store: flow not found")
	// ErrAlreadyExists is returned by CreateExecution for a duplicate id;
	// callers replaying a CREATE treat it as success.
	ErrAlreadyExists = errors.New("store: execution already exists")
	// ErrLeaseHeld is returned when a lease operation loses to another owner.
	ErrLeaseHeld = errors.New("store: lease held by another owner")
)

// ExecutionStore is the persistence contract the workers and the control
// plane depend on. Adapters guarantee single-record atomicity only: SetStatus
// enforces the lifecycle table atomically per record, nothing spans records.
type ExecutionStore interface {
	// CreateExecution persists a fresh record. A duplicate id returns
	// ErrAlreadyExists and leaves the stored record untouched.
	CreateExecution(ctx context.Context, rec *execution.Record) error
	// GetExecution fetches a record by id.
	GetExecution(ctx context.Context, id string) (*execution.Record, error)
	// SetStatus applies a lifecycle transition, rejecting illegal or stale
	// ones with execution.ErrStaleTransition. reason is recorded for FAILED.
	SetStatus(ctx context.Context, id string, status execution.Status, reason string) error

	// SaveFlow stores a flow snapshot under its id.
	SaveFlow(ctx context.Context, snap *flow.Snapshot) error
	// LoadFlow fetches a flow snapshot.
	LoadFlow(ctx context.Context, flowID string) (*flow.Snapshot, error)

	// AppendBreakpoint arms a breakpoint on the execution record.
	AppendBreakpoint(ctx context.Context, id, nodeKey string) error
	// RemoveBreakpoint disarms a breakpoint.
	RemoveBreakpoint(ctx context.Context, id, nodeKey string) error

	// AcquireLease claims ownership of an execution for ttl. It succeeds when
	// the lease is free, expired, or already held by the same owner;
	// otherwise it returns ErrLeaseHeld.
	AcquireLease(ctx context.Context, id, ownerID string, ttl time.Duration) error
	// RenewLease extends a lease the owner still holds.
	RenewLease(ctx context.Context, id, ownerID string, ttl time.Duration) error

	// LinkChild records a parent → child spawn.
	LinkChild(ctx context.Context, parentID, childID string) error
	// ListOrphans returns non-terminal executions whose parent is terminal
	// or missing.
	ListOrphans(ctx context.Context) ([]string, error)
	// ListExpiredLeases returns running executions whose lease has lapsed,
	// candidates for re-claim after a worker crash.
	ListExpiredLeases(ctx context.Context) ([]string, error)
}
