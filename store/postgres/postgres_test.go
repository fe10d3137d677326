package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chaingraph/execution"
	"github.com/smallnest/chaingraph/flow"
	"github.com/smallnest/chaingraph/store"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithPool(mock), mock
}

func TestCreateExecution(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO executions")).
		WithArgs("e1", "f1", "", 0, "CREATING", "",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.CreateExecution(context.Background(), &execution.Record{
		ID: "e1", FlowID: "f1", Status: execution.StatusCreating,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateExecution_Duplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO executions")).
		WithArgs("e1", "f1", "", 0, "CREATING", "",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.CreateExecution(context.Background(), &execution.Record{
		ID: "e1", FlowID: "f1", Status: execution.StatusCreating,
	})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM executions WHERE id = $1")).
		WithArgs("e1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("RUNNING"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE executions SET status = $1")).
		WithArgs("COMPLETED", "", pgxmock.AnyArg(), "e1", "RUNNING").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.SetStatus(context.Background(), "e1", execution.StatusCompleted, "")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatus_IllegalTransition(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM executions WHERE id = $1")).
		WithArgs("e1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("COMPLETED"))

	err := s.SetStatus(context.Background(), "e1", execution.StatusRunning, "")
	assert.ErrorIs(t, err, execution.ErrStaleTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatus_LostRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM executions WHERE id = $1")).
		WithArgs("e1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("RUNNING"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE executions SET status = $1")).
		WithArgs("COMPLETED", "", pgxmock.AnyArg(), "e1", "RUNNING").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetStatus(context.Background(), "e1", execution.StatusCompleted, "")
	assert.ErrorIs(t, err, execution.ErrStaleTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlowRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)

	snap := &flow.Snapshot{ID: "f1", Nodes: []flow.NodeSnapshot{{Key: "a", Type: "add"}}}
	data, err := snap.Encode()
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO flows")).
		WithArgs("f1", data).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT snapshot FROM flows WHERE id = $1")).
		WithArgs("f1").
		WillReturnRows(pgxmock.NewRows([]string{"snapshot"}).AddRow(data))

	require.NoError(t, s.SaveFlow(context.Background(), snap))
	got, err := s.LoadFlow(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "f1", got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLease_Held(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE executions SET owner_id = $1")).
		WithArgs("w2", pgxmock.AnyArg(), pgxmock.AnyArg(), "e1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, flow_id")).
		WithArgs("e1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "flow_id", "parent_id", "depth", "status", "error",
			"options", "breakpoints", "child_ids", "owner_id", "lease_until",
			"created_at", "updated_at",
		}).AddRow("e1", "f1", "", 0, "RUNNING", "", []byte(`{}`), []byte(`[]`), []byte(`[]`), "w1",
			ptrTime(time.Now().Add(time.Minute)), time.Now(), time.Now()))

	err := s.AcquireLease(context.Background(), "e1", "w2", time.Minute)
	assert.ErrorIs(t, err, store.ErrLeaseHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func ptrTime(t time.Time) *time.Time { return &t }
