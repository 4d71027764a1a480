// Package store provides the local durable cache for lubesync.
//
// The store is an embedded SQLite database (WAL mode) that owns three
// record kinds: cached lubrication tasks, cached work orders, and the
// outbox of pending mutations. It is the only shared mutable resource in
// the engine; the outbox processor, the reconciler, and direct user
// mutation paths all go through it.
//
// The critical guarantee lives in CreateTaskWithOutbox and
// MutateTaskWithOutbox: the task row and its outbox entry are written in
// one transaction, so an intended mutation can never be lost to a crash
// between the local write and the enqueue.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lubetrack/lubesync/internal/model"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStorageFull is returned when local persistence is exhausted.
	// Callers must surface this to the user; mutations cannot be safely
	// queued once the store can no longer grow.
	ErrStorageFull = errors.New("local storage full")
)

// Store wraps the SQLite connection with lubesync-specific operations.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a store at the given path, creating the parent directory
// and the schema if needed. The caller must Close it.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := s.InitSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the store after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		work_order_id TEXT NOT NULL,
		point_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'not_started',
		quantity_used REAL NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		sync_marker TEXT NOT NULL DEFAULT 'synced'
	);

	CREATE TABLE IF NOT EXISTS work_orders (
		id TEXT PRIMARY KEY,
		scheduled_date TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		sync_marker TEXT NOT NULL DEFAULT 'synced'
	);

	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		resource TEXT NOT NULL,
		action TEXT NOT NULL,
		target_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		stuck INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		work_order_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		detected_at TEXT NOT NULL,
		local_snapshot TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_work_order ON tasks(work_order_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_marker ON tasks(sync_marker);
	CREATE INDEX IF NOT EXISTS idx_outbox_target ON outbox(target_id);
	CREATE INDEX IF NOT EXISTS idx_outbox_stuck ON outbox(stuck);
	CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflicts(resolved);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", mapErr(err))
	}
	return nil
}

// mapErr translates driver errors into the store's sentinel errors.
// SQLITE_FULL means local persistence is exhausted and must be surfaced
// to the user rather than retried.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite3.Error
	if errors.As(err, &serr) && serr.Code() == sqlite3.FULL {
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return err
}

// GetTask retrieves a task by id. Returns ErrNotFound if absent.
func (s *Store) GetTask(ctx context.Context, id string) (*model.LocalTask, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, work_order_id, point_id, status, quantity_used, notes, updated_at, sync_marker
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// PutTask inserts or fully overwrites a task (upsert semantics).
func (s *Store) PutTask(ctx context.Context, task *model.LocalTask) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO tasks (id, work_order_id, point_id, status, quantity_used, notes, updated_at, sync_marker)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			work_order_id = excluded.work_order_id,
			point_id = excluded.point_id,
			status = excluded.status,
			quantity_used = excluded.quantity_used,
			notes = excluded.notes,
			updated_at = excluded.updated_at,
			sync_marker = excluded.sync_marker`,
		task.ID, task.WorkOrderID, task.PointID, task.Status,
		task.QuantityUsed, task.Notes, task.UpdatedAt.Format(time.RFC3339Nano),
		string(task.SyncMarker),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ID, mapErr(err))
	}
	return nil
}

// PutTaskFromRemote upserts a pulled task without clobbering pending
// local work: an absent row is inserted marked synced, a row still
// marked synced is overwritten, and a row with unconfirmed local
// changes is left untouched. The pending check and the write are one
// statement, so a mutation landing from another process cannot slip in
// between them.
func (s *Store) PutTaskFromRemote(ctx context.Context, task *model.LocalTask) error {
	task.SyncMarker = model.MarkerSynced
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO tasks (id, work_order_id, point_id, status, quantity_used, notes, updated_at, sync_marker)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			work_order_id = excluded.work_order_id,
			point_id = excluded.point_id,
			status = excluded.status,
			quantity_used = excluded.quantity_used,
			notes = excluded.notes,
			updated_at = excluded.updated_at,
			sync_marker = excluded.sync_marker
		WHERE tasks.sync_marker = ?`,
		task.ID, task.WorkOrderID, task.PointID, task.Status,
		task.QuantityUsed, task.Notes, task.UpdatedAt.Format(time.RFC3339Nano),
		string(task.SyncMarker), string(model.MarkerSynced),
	)
	if err != nil {
		return fmt.Errorf("failed to merge task %s: %w", task.ID, mapErr(err))
	}
	return nil
}

// DeleteTask removes a task. Deleting an absent id is not an error.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, mapErr(err))
	}
	return nil
}

// TasksByWorkOrder returns all cached tasks under a work order.
func (s *Store) TasksByWorkOrder(ctx context.Context, workOrderID string) ([]*model.LocalTask, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, work_order_id, point_id, status, quantity_used, notes, updated_at, sync_marker
		FROM tasks WHERE work_order_id = ? ORDER BY id`, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks for work order %s: %w", workOrderID, err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TasksBySyncMarker returns all cached tasks with the given marker.
func (s *Store) TasksBySyncMarker(ctx context.Context, marker model.SyncMarker) ([]*model.LocalTask, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, work_order_id, point_id, status, quantity_used, notes, updated_at, sync_marker
		FROM tasks WHERE sync_marker = ? ORDER BY id`, string(marker))
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by marker %s: %w", marker, err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetWorkOrder retrieves a work order by id. Returns ErrNotFound if absent.
func (s *Store) GetWorkOrder(ctx context.Context, id string) (*model.WorkOrder, error) {
	var wo model.WorkOrder
	var marker string
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, scheduled_date, status, sync_marker FROM work_orders WHERE id = ?`, id).
		Scan(&wo.ID, &wo.ScheduledDate, &wo.Status, &marker)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work order %s: %w", id, err)
	}
	wo.SyncMarker = model.SyncMarker(marker)
	return &wo, nil
}

// PutWorkOrder inserts or fully overwrites a work order.
func (s *Store) PutWorkOrder(ctx context.Context, wo *model.WorkOrder) error {
	if err := wo.Validate(); err != nil {
		return fmt.Errorf("invalid work order: %w", err)
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO work_orders (id, scheduled_date, status, sync_marker)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			scheduled_date = excluded.scheduled_date,
			status = excluded.status,
			sync_marker = excluded.sync_marker`,
		wo.ID, wo.ScheduledDate, wo.Status, string(wo.SyncMarker),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert work order %s: %w", wo.ID, mapErr(err))
	}
	return nil
}

// WorkOrders returns all cached work orders ordered by scheduled date.
func (s *Store) WorkOrders(ctx context.Context) ([]*model.WorkOrder, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, scheduled_date, status, sync_marker
		FROM work_orders ORDER BY scheduled_date, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list work orders: %w", err)
	}
	defer rows.Close()

	var orders []*model.WorkOrder
	for rows.Next() {
		var wo model.WorkOrder
		var marker string
		if err := rows.Scan(&wo.ID, &wo.ScheduledDate, &wo.Status, &marker); err != nil {
			return nil, fmt.Errorf("failed to scan work order: %w", err)
		}
		wo.SyncMarker = model.SyncMarker(marker)
		orders = append(orders, &wo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating work orders: %w", err)
	}
	return orders, nil
}

// DeleteWorkOrder removes a work order. Idempotent.
func (s *Store) DeleteWorkOrder(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM work_orders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete work order %s: %w", id, mapErr(err))
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for task scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.LocalTask, error) {
	var t model.LocalTask
	var updatedAt, marker string
	err := row.Scan(&t.ID, &t.WorkOrderID, &t.PointID, &t.Status,
		&t.QuantityUsed, &t.Notes, &updatedAt, &marker)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		t.UpdatedAt = ts
	}
	t.SyncMarker = model.SyncMarker(marker)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*model.LocalTask, error) {
	var tasks []*model.LocalTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// snapshotJSON marshals a task for conflict records.
func snapshotJSON(t *model.LocalTask) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task snapshot: %w", err)
	}
	return string(data), nil
}
