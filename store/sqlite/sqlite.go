package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smallnest/chaingraph/execution"
	"github.com/smallnest/chaingraph/flow"
	"github.com/smallnest/chaingraph/store"
)

// Store is a SQLite-backed execution store for single-node deployments.
type Store struct {
	db *sql.DB
}

// Options configures the SQLite database.
type Options struct {
	Path string // file path, or ":memory:" for an in-memory database
}

// New opens the database and ensures the schema exists.
func New(opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
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
			options TEXT,
			breakpoints TEXT,
			child_ids TEXT,
			owner_id TEXT NOT NULL DEFAULT '',
			lease_until DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_parent_id ON executions (parent_id);
		CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL
		);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// CreateExecution inserts a fresh record; duplicate ids are rejected.
func (s *Store) CreateExecution(ctx context.Context, rec *execution.Record) error {
	options, err := json.Marshal(rec.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	breakpoints, _ := json.Marshal(rec.Breakpoints)
	children, _ := json.Marshal(rec.ChildIDs)

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, flow_id, parent_id, depth, status, error, options, breakpoints, child_ids, owner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.FlowID, rec.ParentID, rec.Depth, string(rec.Status), rec.Error,
		string(options), string(breakpoints), string(children), rec.OwnerID, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// Matching the driver's message avoids depending on its error type here.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetExecution fetches a record by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*execution.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_id, parent_id, depth, status, error, options, breakpoints, child_ids, owner_id, lease_until, created_at, updated_at
		FROM executions WHERE id = ?`, id)

	var rec execution.Record
	var status, options, breakpoints, children string
	var leaseUntil sql.NullTime
	err := row.Scan(&rec.ID, &rec.FlowID, &rec.ParentID, &rec.Depth, &status, &rec.Error,
		&options, &breakpoints, &children, &rec.OwnerID, &leaseUntil, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	rec.Status = execution.Status(status)
	if leaseUntil.Valid {
		rec.LeaseUntil = leaseUntil.Time
	}
	if options != "" {
		if err := json.Unmarshal([]byte(options), &rec.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if breakpoints != "" {
		_ = json.Unmarshal([]byte(breakpoints), &rec.Breakpoints)
	}
	if children != "" {
		_ = json.Unmarshal([]byte(children), &rec.ChildIDs)
	}
	return &rec, nil
}

// SetStatus applies a lifecycle transition guarded by the current status.
func (s *Store) SetStatus(ctx context.Context, id string, status execution.Status, reason string) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, error = CASE WHEN ? = 'FAILED' THEN ? ELSE error END, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(status), string(status), errText, time.Now(), id, current)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (id, snapshot) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET snapshot = excluded.snapshot`,
		snap.ID, string(data))
	if err != nil {
		return fmt.Errorf("save flow: %w", err)
	}
	return nil
}

// LoadFlow fetches a snapshot.
func (s *Store) LoadFlow(ctx context.Context, flowID string) (*flow.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM flows WHERE id = ?`, flowID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrFlowNotFound, flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load flow: %w", err)
	}
	return flow.DecodeSnapshot([]byte(data))
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
	_, err = s.db.ExecContext(ctx, `UPDATE executions SET breakpoints = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now(), id)
	if err != nil {
		return fmt.Errorf("update breakpoints: %w", err)
	}
	return nil
}

// AcquireLease claims the execution unless another live owner holds it.
func (s *Store) AcquireLease(ctx context.Context, id, ownerID string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET owner_id = ?, lease_until = ?, updated_at = ?
		WHERE id = ? AND (owner_id = '' OR owner_id = ? OR lease_until < ?)`,
		ownerID, now.Add(ttl), now, id, ownerID, now)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET lease_until = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
		now.Add(ttl), now, id, ownerID)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
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
	_, err = s.db.ExecContext(ctx, `UPDATE executions SET child_ids = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now(), parentID)
	if err != nil {
		return fmt.Errorf("link child: %w", err)
	}
	return nil
}

// ListOrphans returns non-terminal executions whose parent is terminal or
// missing.
func (s *Store) ListOrphans(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM executions c
		LEFT JOIN executions p ON p.id = c.parent_id
		WHERE c.parent_id <> ''
		  AND c.status NOT IN ('COMPLETED', 'FAILED', 'STOPPED', 'RESTARTED')
		  AND (p.id IS NULL OR p.status IN ('COMPLETED', 'FAILED', 'STOPPED', 'RESTARTED'))`)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// ListExpiredLeases returns running executions whose lease has lapsed.
func (s *Store) ListExpiredLeases(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM executions
		WHERE status = 'RUNNING' AND owner_id <> '' AND lease_until < ?`,
		time.Now())
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows *sql.Rows) ([]string, error) {
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
