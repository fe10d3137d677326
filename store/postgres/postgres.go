package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallnest/chaingraph/execution"
	"github.com/smallnest/chaingraph/flow"
	"github.com/smallnest/chaingraph/store"
)

// DBPool is the subset of pgxpool.Pool the store uses; pgxmock implements it
// for tests.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store is a PostgreSQL-backed execution store.
type Store struct {
	pool DBPool
}

// Options configures the Postgres connection.
type Options struct {
	ConnString string
}

// New creates a Postgres execution store with a fresh pool.
func New(ctx context.Context, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return NewWithPool(pool), nil
}

// NewWithPool wraps an existing pool; tests hand in a pgxmock pool.
func NewWithPool(pool DBPool) *Store {
	return &Store{pool: pool}
}

// InitSchema creates the tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			depth INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			options JSONB,
			breakpoints JSONB,
			child_ids JSONB,
			owner_id TEXT NOT NULL DEFAULT '',
			lease_until TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_parent_id ON executions (parent_id);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status);
		CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			snapshot JSONB NOT NULL
		);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

var terminalStatuses = []string{
	string(execution.StatusCompleted),
	string(execution.StatusFailed),
	string(execution.StatusStopped),
	string(execution.StatusRestarted),
}

// CreateExecution inserts a fresh record; duplicate ids are rejected.
func (s *Store) CreateExecution(ctx context.Context, rec *execution.Record) error {
	options, err := json.Marshal(rec.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	breakpoints, _ := json.Marshal(rec.Breakpoints)
	children, _ := json.Marshal(rec.ChildIDs)

	now := time.Now()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO executions (id, flow_id, parent_id, depth, status, error, options, breakpoints, child_ids, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.FlowID, rec.ParentID, rec.Depth, string(rec.Status), rec.Error,
		options, breakpoints, children, rec.OwnerID, now)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

// GetExecution fetches a record by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*execution.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, flow_id, parent_id, depth, status, error, options, breakpoints, child_ids, owner_id, lease_until, created_at, updated_at
		FROM executions WHERE id = $1`, id)
	return scanRecord(row, id)
}

func scanRecord(row pgx.Row, id string) (*execution.Record, error) {
	var rec execution.Record
	var status string
	var options, breakpoints, children []byte
	var leaseUntil *time.Time
	err := row.Scan(&rec.ID, &rec.FlowID, &rec.ParentID, &rec.Depth, &status, &rec.Error,
		&options, &breakpoints, &children, &rec.OwnerID, &leaseUntil, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	rec.Status = execution.Status(status)
	if leaseUntil != nil {
		rec.LeaseUntil = *leaseUntil
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &rec.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if len(breakpoints) > 0 {
		_ = json.Unmarshal(breakpoints, &rec.Breakpoints)
	}
	if len(children) > 0 {
		_ = json.Unmarshal(children, &rec.ChildIDs)
	}
	return &rec, nil
}

// SetStatus applies a lifecycle transition: the current status is validated
// in Go, and the UPDATE is guarded by it so a concurrent writer loses with
// ErrStaleTransition.
func (s *Store) SetStatus(ctx context.Context, id string, status execution.Status, reason string) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM executions WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if err := execution.Transition(execution.Status(current), status); err != nil {
		return err
	}
	errText := ""
	if status == execution.StatusFailed {
		errText = reason
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET status = $1, error = CASE WHEN $1 = 'FAILED' THEN $2 ELSE error END, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(status), errText, time.Now(), id, current)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s -> %s lost race", execution.ErrStaleTransition, current, status)
	}
	return nil
}

// SaveFlow upserts a flow snapshot.
func (s *Store) SaveFlow(ctx context.Context, snap *flow.Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("encode flow: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO flows (id, snapshot) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET snapshot = EXCLUDED.snapshot`,
		snap.ID, data)
	if err != nil {
		return fmt.Errorf("save flow: %w", err)
	}
	return nil
}

// LoadFlow fetches a snapshot.
func (s *Store) LoadFlow(ctx context.Context, flowID string) (*flow.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM flows WHERE id = $1`, flowID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrFlowNotFound, flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load flow: %w", err)
	}
	return flow.DecodeSnapshot(data)
}

// AppendBreakpoint arms a breakpoint.
func (s *Store) AppendBreakpoint(ctx context.Context, id, nodeKey string) error {
	return s.updateBreakpoints(ctx, id, func(bps []string) []string {
		for _, bp := range bps {
			if bp == nodeKey {
				return bps
			}
		}
		return append(bps, nodeKey)
	})
}

// RemoveBreakpoint disarms a breakpoint.
func (s *Store) RemoveBreakpoint(ctx context.Context, id, nodeKey string) error {
	return s.updateBreakpoints(ctx, id, func(bps []string) []string {
		kept := bps[:0]
		for _, bp := range bps {
			if bp != nodeKey {
				kept = append(kept, bp)
			}
		}
		return kept
	})
}

func (s *Store) updateBreakpoints(ctx context.Context, id string, fn func([]string) []string) error {
	rec, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(fn(rec.Breakpoints))
	if err != nil {
		return fmt.Errorf("marshal breakpoints: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE executions SET breakpoints = $1, updated_at = $2 WHERE id = $3`,
		data, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update breakpoints: %w", err)
	}
	return nil
}

// AcquireLease claims the execution unless another live owner holds it.
func (s *Store) AcquireLease(ctx context.Context, id, ownerID string, ttl time.Duration) error {
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET owner_id = $1, lease_until = $2, updated_at = $3
		WHERE id = $4 AND (owner_id = '' OR owner_id = $1 OR lease_until < $3)`,
		ownerID, now.Add(ttl), now, id)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetExecution(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", store.ErrLeaseHeld, id)
	}
	return nil
}

// RenewLease extends a lease the owner still holds.
func (s *Store) RenewLease(ctx context.Context, id, ownerID string, ttl time.Duration) error {
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET lease_until = $1, updated_at = $2
		WHERE id = $3 AND owner_id = $4`,
		now.Add(ttl), now, id, ownerID)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", store.ErrLeaseHeld, id)
	}
	return nil
}

// LinkChild records a parent → child spawn.
func (s *Store) LinkChild(ctx context.Context, parentID, childID string) error {
	rec, err := s.GetExecution(ctx, parentID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(append(rec.ChildIDs, childID))
	if err != nil {
		return fmt.Errorf("marshal children: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE executions SET child_ids = $1, updated_at = $2 WHERE id = $3`,
		data, time.Now(), parentID)
	if err != nil {
		return fmt.Errorf("link child: %w", err)
	}
	return nil
}

// ListOrphans returns non-terminal executions whose parent is terminal or
// missing.
func (s *Store) ListOrphans(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id FROM executions c
		LEFT JOIN executions p ON p.id = c.parent_id
		WHERE c.parent_id <> ''
		  AND NOT (c.status = ANY($1))
		  AND (p.id IS NULL OR p.status = ANY($1))`,
		terminalStatuses)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// ListExpiredLeases returns running executions whose lease has lapsed.
func (s *Store) ListExpiredLeases(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM executions
		WHERE status = 'RUNNING' AND owner_id <> '' AND lease_until < $1`,
		time.Now())
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

var _ store.ExecutionStore = (*Store)(nil)
