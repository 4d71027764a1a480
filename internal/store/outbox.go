package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lubetrack/lubesync/internal/model"
)

// CreateTaskWithOutbox inserts a locally created task (pending-upload)
// and its create outbox entry in a single transaction. If the process
// dies right after this returns, the intended upload survives restart.
func (s *Store) CreateTaskWithOutbox(ctx context.Context, task *model.LocalTask) error {
	task.SyncMarker = model.MarkerPendingUpload
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = time.Now()
	}
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapErr(err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, work_order_id, point_id, status, quantity_used, notes, updated_at, sync_marker)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.WorkOrderID, task.PointID, task.Status,
		task.QuantityUsed, task.Notes, task.UpdatedAt.Format(time.RFC3339Nano),
		string(task.SyncMarker),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, mapErr(err))
	}

	now := time.Now().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (resource, action, target_id, payload, enqueued_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		model.ResourceTask, model.ActionCreate, task.ID, string(payload), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue create for task %s: %w", task.ID, mapErr(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit create transaction: %w", mapErr(err))
	}
	return nil
}

// MutateTaskWithOutbox applies a partial mutation to a task and records
// the matching outbox entry in one transaction. Returns ErrNotFound if
// the task does not exist.
//
// If a non-stuck update entry for the same task is already queued, the
// new mutation is coalesced into it (payload replaced, sequence number
// kept) so a burst of edits costs one remote call. Entries that follow
// a queued create are never created in the first place: the create
// payload itself is refreshed instead, since the remote has not seen the
// record yet.
func (s *Store) MutateTaskWithOutbox(ctx context.Context, id string, mut *model.TaskMutation) error {
	if err := mut.Validate(); err != nil {
		return fmt.Errorf("invalid mutation: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapErr(err))
	}
	defer tx.Rollback()

	task, err := scanTask(tx.QueryRowContext(ctx, `
		SELECT id, work_order_id, point_id, status, quantity_used, notes, updated_at, sync_marker
		FROM tasks WHERE id = ?`, id))
	if err != nil {
		return err
	}

	mut.ApplyTo(task)
	task.UpdatedAt = time.Now()

	// A pending-upload task stays pending-upload; its create entry
	// carries the whole record. Everything else becomes pending-update.
	marker := model.MarkerPendingUpdate
	if task.SyncMarker == model.MarkerPendingUpload {
		marker = model.MarkerPendingUpload
	}
	task.SyncMarker = marker

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, quantity_used = ?, notes = ?, updated_at = ?, sync_marker = ?
		WHERE id = ?`,
		task.Status, task.QuantityUsed, task.Notes,
		task.UpdatedAt.Format(time.RFC3339Nano), string(marker), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, mapErr(err))
	}

	if err := s.enqueueMutationTx(ctx, tx, task, mut); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mutation transaction: %w", mapErr(err))
	}
	return nil
}

// enqueueMutationTx records the outbox entry for a mutation, coalescing
// into an existing queued entry for the same task when possible.
func (s *Store) enqueueMutationTx(ctx context.Context, tx *sql.Tx, task *model.LocalTask, mut *model.TaskMutation) error {
	var seq int64
	var action, payloadStr string
	err := tx.QueryRowContext(ctx, `
		SELECT seq, action, payload FROM outbox
		WHERE resource = ? AND target_id = ? AND stuck = 0
		ORDER BY seq DESC LIMIT 1`,
		model.ResourceTask, task.ID,
	).Scan(&seq, &action, &payloadStr)

	switch {
	case err == sql.ErrNoRows:
		payload, err := model.EncodeUpdatePayload(task.ID, mut)
		if err != nil {
			return err
		}
		now := time.Now().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (resource, action, target_id, payload, enqueued_at, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			model.ResourceTask, model.ActionUpdate, task.ID, string(payload), now, now,
		); err != nil {
			return fmt.Errorf("failed to enqueue update for task %s: %w", task.ID, mapErr(err))
		}
		return nil

	case err != nil:
		return fmt.Errorf("failed to look up queued entry for task %s: %w", task.ID, err)
	}

	// Coalesce into the queued entry. A create entry carries the full
	// record; an update entry carries merged partial fields.
	var newPayload json.RawMessage
	if action == model.ActionCreate {
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task payload: %w", err)
		}
		newPayload = data
	} else {
		existing, err := model.DecodeUpdatePayload(json.RawMessage(payloadStr))
		if err != nil {
			return err
		}
		merged := existing.TaskMutation
		merged.Merge(mut)
		newPayload, err = model.EncodeUpdatePayload(task.ID, &merged)
		if err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE outbox SET payload = ? WHERE seq = ?`,
		string(newPayload), seq); err != nil {
		return fmt.Errorf("failed to coalesce entry %d: %w", seq, mapErr(err))
	}
	return nil
}

// RequeueCreate re-enqueues an existing local task as a remote create.
// Used by conflict resolution when the operator keeps local work whose
// remote counterpart was deleted. The task row is re-marked
// pending-upload and the create entry is written in the same
// transaction.
func (s *Store) RequeueCreate(ctx context.Context, task *model.LocalTask) error {
	task.SyncMarker = model.MarkerPendingUpload
	task.UpdatedAt = time.Now()
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapErr(err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
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

	now := time.Now().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (resource, action, target_id, payload, enqueued_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		model.ResourceTask, model.ActionCreate, task.ID, string(payload), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue create for task %s: %w", task.ID, mapErr(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit requeue transaction: %w", mapErr(err))
	}
	return nil
}

// PendingOutbox returns the entries eligible for delivery: not stuck,
// next attempt due, strictly in enqueue order.
func (s *Store) PendingOutbox(ctx context.Context, now time.Time) ([]*model.OutboxEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT seq, resource, action, target_id, payload, enqueued_at, retry_count, next_attempt_at, stuck, last_error
		FROM outbox
		WHERE stuck = 0 AND next_attempt_at <= ?
		ORDER BY seq`, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending outbox: %w", err)
	}
	defer rows.Close()
	return scanOutbox(rows)
}

// AllOutbox returns every outbox entry, stuck included, in enqueue order.
func (s *Store) AllOutbox(ctx context.Context) ([]*model.OutboxEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT seq, resource, action, target_id, payload, enqueued_at, retry_count, next_attempt_at, stuck, last_error
		FROM outbox ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()
	return scanOutbox(rows)
}

// StuckOutbox returns the entries that exhausted their retry budget.
// They are retained for operator review and excluded from automatic
// delivery until explicitly retried.
func (s *Store) StuckOutbox(ctx context.Context) ([]*model.OutboxEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT seq, resource, action, target_id, payload, enqueued_at, retry_count, next_attempt_at, stuck, last_error
		FROM outbox WHERE stuck = 1 ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck outbox: %w", err)
	}
	defer rows.Close()
	return scanOutbox(rows)
}

// PendingOutboxCount counts entries awaiting delivery (stuck included:
// they still represent undelivered local work).
func (s *Store) PendingOutboxCount(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return count, nil
}

// CompleteOutboxEntry removes a delivered entry and, if no later entry
// still targets the same record, flips the task's marker back to synced.
// Both happen in one transaction. Returns true if the task was marked
// synced.
//
/// The delete matches on payload as well as seq: a mutation made while
// the entry was in flight coalesces into it under the same seq, and
// that merged payload was not what the remote received. In that case
// the entry is left queued for redelivery and the task stays pending.
func (s *Store) CompleteOutboxEntry(ctx context.Context, entry *model.OutboxEntry) (bool, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", mapErr(err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ? AND payload = ?`,
		entry.Seq, string(entry.Payload))
	if err != nil {
		return false, fmt.Errorf("failed to delete entry %d: %w", entry.Seq, mapErr(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// The payload changed while the old one was in flight; the entry
		// now carries a merged mutation the remote has not seen.
		return false, nil
	}

	var remaining int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox WHERE resource = ? AND target_id = ?`,
		entry.Resource, entry.TargetID,
	).Scan(&remaining)
	if err != nil {
		return false, fmt.Errorf("failed to count remaining entries for %s: %w", entry.TargetID, err)
	}

	synced := false
	if remaining == 0 {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET sync_marker = ? WHERE id = ? AND sync_marker IN (?, ?)`,
			string(model.MarkerSynced), entry.TargetID,
			string(model.MarkerPendingUpdate), string(model.MarkerPendingUpload),
		)
		if err != nil {
			return false, fmt.Errorf("failed to mark task %s synced: %w", entry.TargetID, mapErr(err))
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			synced = true
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit completion: %w", mapErr(err))
	}
	return synced, nil
}

// RecordOutboxFailure bumps an entry's retry counter. Within the retry
// budget the entry stays pending with a delayed next attempt; past it
// the entry is parked stuck. Data is never discarded on failure.
// Returns true if the entry was parked.
func (s *Store) RecordOutboxFailure(ctx context.Context, seq int64, failure error, maxRetries int, delay time.Duration) (bool, error) {
	var retries int
	err := s.conn.QueryRowContext(ctx, `SELECT retry_count FROM outbox WHERE seq = ?`, seq).Scan(&retries)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read entry %d: %w", seq, err)
	}

	retries++
	msg := ""
	if failure != nil {
		msg = failure.Error()
	}

	if retries > maxRetries {
		_, err = s.conn.ExecContext(ctx, `
			UPDATE outbox SET retry_count = ?, stuck = 1, last_error = ? WHERE seq = ?`,
			retries, msg, seq)
		if err != nil {
			return false, fmt.Errorf("failed to park entry %d: %w", seq, mapErr(err))
		}
		return true, nil
	}

	next := time.Now().Add(delay).Format(time.RFC3339Nano)
	_, err = s.conn.ExecContext(ctx, `
		UPDATE outbox SET retry_count = ?, next_attempt_at = ?, last_error = ? WHERE seq = ?`,
		retries, next, msg, seq)
	if err != nil {
		return false, fmt.Errorf("failed to record failure for entry %d: %w", seq, mapErr(err))
	}
	return false, nil
}

// RetryOutboxEntry resets a stuck entry for another round of automatic
// delivery. Returns ErrNotFound if the sequence number doesn't exist.
func (s *Store) RetryOutboxEntry(ctx context.Context, seq int64) error {
	now := time.Now().Format(time.RFC3339Nano)
	res, err := s.conn.ExecContext(ctx, `
		UPDATE outbox SET stuck = 0, retry_count = 0, next_attempt_at = ?, last_error = '' WHERE seq = ?`,
		now, seq)
	if err != nil {
		return fmt.Errorf("failed to reset entry %d: %w", seq, mapErr(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOutbox(rows *sql.Rows) ([]*model.OutboxEntry, error) {
	var entries []*model.OutboxEntry
	for rows.Next() {
		var e model.OutboxEntry
		var payload, enqueuedAt, nextAttemptAt string
		var stuck int
		err := rows.Scan(&e.Seq, &e.Resource, &e.Action, &e.TargetID, &payload,
			&enqueuedAt, &e.RetryCount, &nextAttemptAt, &stuck, &e.LastError)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		if ts, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			e.EnqueuedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, nextAttemptAt); err == nil {
			e.NextAttemptAt = ts
		}
		e.Stuck = stuck != 0
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return entries, nil
}

// AddConflict records a reconciliation conflict for manual resolution.
func (s *Store) AddConflict(ctx context.Context, task *model.LocalTask, kind string) error {
	snapshot, err := snapshotJSON(task)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO conflicts (task_id, work_order_id, kind, detected_at, local_snapshot)
		VALUES (?, ?, ?, ?, ?)`,
		task.ID, task.WorkOrderID, kind, time.Now().Format(time.RFC3339Nano), snapshot)
	if err != nil {
		return fmt.Errorf("failed to record conflict for task %s: %w", task.ID, mapErr(err))
	}
	return nil
}

// Conflicts returns recorded conflicts, unresolved first.
func (s *Store) Conflicts(ctx context.Context, includeResolved bool) ([]*model.Conflict, error) {
	query := `
		SELECT id, task_id, work_order_id, kind, detected_at, local_snapshot, resolved
		FROM conflicts`
	if !includeResolved {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY resolved, id`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*model.Conflict
	for rows.Next() {
		var c model.Conflict
		var detectedAt, snapshot string
		var resolved int
		if err := rows.Scan(&c.ID, &c.TaskID, &c.WorkOrderID, &c.Kind, &detectedAt, &snapshot, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, detectedAt); err == nil {
			c.DetectedAt = ts
		}
		c.LocalSnapshot = json.RawMessage(snapshot)
		c.Resolved = resolved != 0
		conflicts = append(conflicts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

// ResolveConflict marks a conflict as handled. Returns ErrNotFound for
// an unknown id.
func (s *Store) ResolveConflict(ctx context.Context, id int64) error {
	res, err := s.conn.ExecContext(ctx, `UPDATE conflicts SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %d: %w", id, mapErr(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnresolvedConflictCount counts conflicts awaiting manual resolution.
func (s *Store) UnresolvedConflictCount(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts WHERE resolved = 0`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return count, nil
}

// StuckOutboxCount counts parked entries.
func (s *Store) StuckOutboxCount(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE stuck = 1`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count stuck outbox: %w", err)
	}
	return count, nil
}
