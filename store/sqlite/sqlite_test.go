package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chaingraph/execution"
	"github.com/smallnest/chaingraph/flow"
	"github.com/smallnest/chaingraph/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &execution.Record{ID: "e1", FlowID: "f1", Status: execution.StatusCreating}
	require.NoError(t, s.CreateExecution(ctx, rec))
	assert.ErrorIs(t, s.CreateExecution(ctx, rec), store.ErrAlreadyExists)

	require.NoError(t, s.SetStatus(ctx, "e1", execution.StatusCreated, ""))
	require.NoError(t, s.SetStatus(ctx, "e1", execution.StatusRunning, ""))
	assert.ErrorIs(t, s.SetStatus(ctx, "e1", execution.StatusCreating, ""), execution.ErrStaleTransition)

	require.NoError(t, s.SetStatus(ctx, "e1", execution.StatusFailed, "boom"))
	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)

	_, err = s.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFlowSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := &flow.Snapshot{ID: "f1", Nodes: []flow.NodeSnapshot{{Key: "a", Type: "add", Values: map[string]any{"a": 2.0}}}}
	require.NoError(t, s.SaveFlow(ctx, snap))
	require.NoError(t, s.SaveFlow(ctx, snap)) // upsert

	got, err := s.LoadFlow(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "f1", got.ID)

	_, err = s.LoadFlow(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrFlowNotFound)
}

func TestBreakpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateExecution(ctx, &execution.Record{ID: "e1", FlowID: "f1", Status: execution.StatusCreating}))

	require.NoError(t, s.AppendBreakpoint(ctx, "e1", "a"))
	require.NoError(t, s.AppendBreakpoint(ctx, "e1", "b"))
	require.NoError(t, s.RemoveBreakpoint(ctx, "e1", "a"))

	rec, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, rec.Breakpoints)
}

func TestLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateExecution(ctx, &execution.Record{ID: "e1", FlowID: "f1", Status: execution.StatusCreating}))
	require.NoError(t, s.SetStatus(ctx, "e1", execution.StatusCreated, ""))
	require.NoError(t, s.SetStatus(ctx, "e1", execution.StatusRunning, ""))

	require.NoError(t, s.AcquireLease(ctx, "e1", "w1", time.Minute))
	assert.ErrorIs(t, s.AcquireLease(ctx, "e1", "w2", time.Minute), store.ErrLeaseHeld)
	require.NoError(t, s.RenewLease(ctx, "e1", "w1", time.Minute))
	assert.ErrorIs(t, s.RenewLease(ctx, "e1", "w2", time.Minute), store.ErrLeaseHeld)

	// An expired lease is visible to the sweeper and re-claimable.
	require.NoError(t, s.AcquireLease(ctx, "e1", "w1", -time.Minute))
	expired, err := s.ListExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, expired)
	require.NoError(t, s.AcquireLease(ctx, "e1", "w2", time.Minute))
}

func TestOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, &execution.Record{ID: "parent", FlowID: "f1", Status: execution.StatusCreating}))
	child := &execution.Record{ID: "child", FlowID: "f2", ParentID: "parent", Status: execution.StatusCreating}
	require.NoError(t, s.CreateExecution(ctx, child))
	require.NoError(t, s.LinkChild(ctx, "parent", "child"))

	orphans, err := s.ListOrphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	require.NoError(t, s.SetStatus(ctx, "parent", execution.StatusCreated, ""))
	require.NoError(t, s.SetStatus(ctx, "parent", execution.StatusStopped, ""))

	orphans, err = s.ListOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"child"}, orphans)

	rec, err := s.GetExecution(ctx, "parent")
	require.NoError(t, err)
	assert.Equal(t, []string{"child"}, rec.ChildIDs)
}
