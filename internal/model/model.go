// Package model provides data structures for the lubesync local cache.
//
// All three record kinds live in the local SQLite store. Tasks carry a
// sync marker describing whether the local copy is known to match the
// remote store; the outbox is the durable record of mutations that still
// have to be delivered.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncMarker describes the relationship between a locally cached record
// and its remote counterpart.
type SyncMarker string

const (
	// MarkerSynced means the local copy matches the last known remote state.
	MarkerSynced SyncMarker = "synced"

	// MarkerPendingUpdate means the record was mutated locally and the
	// mutation has not yet been confirmed by the remote store.
	MarkerPendingUpdate SyncMarker = "pending-update"

	// MarkerPendingUpload means the record was created locally and does
	// not exist remotely yet.
	MarkerPendingUpload SyncMarker = "pending-upload"
)

// Pending reports whether the marker represents unconfirmed local work.
// Records with a pending marker must never be overwritten by a pull.
func (m SyncMarker) Pending() bool {
	return m == MarkerPendingUpdate || m == MarkerPendingUpload
}

// Task statuses for lubrication task executions.
const (
	TaskNotStarted = "not_started"
	TaskDone       = "done"
	TaskSkipped    = "skipped"
)

// LocalTask is a cached, possibly locally-mutated copy of one lubrication
// task execution. The ID is shared with the remote record.
type LocalTask struct {
	ID           string     `json:"id"`
	WorkOrderID  string     `json:"work_order_id"`
	PointID      string     `json:"point_id"`
	Status       string     `json:"status"`
	QuantityUsed float64    `json:"quantity_used"`
	Notes        string     `json:"notes,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
	SyncMarker   SyncMarker `json:"sync_marker"`
}

// Validate checks that the task has usable field values.
func (t *LocalTask) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.WorkOrderID == "" {
		return fmt.Errorf("work_order_id is required")
	}
	switch t.Status {
	case TaskNotStarted, TaskDone, TaskSkipped:
	default:
		return fmt.Errorf("invalid status %q", t.Status)
	}
	switch t.SyncMarker {
	case MarkerSynced, MarkerPendingUpdate, MarkerPendingUpload:
	default:
		return fmt.Errorf("invalid sync marker %q", t.SyncMarker)
	}
	if t.QuantityUsed < 0 {
		return fmt.Errorf("quantity_used must not be negative (got %v)", t.QuantityUsed)
	}
	return nil
}

// WorkOrder is a cached parent grouping of tasks for a scheduled date.
// Work orders are refreshed by pulls and never mutated locally; local
// mutations happen at the task level.
type WorkOrder struct {
	ID            string     `json:"id"`
	ScheduledDate string     `json:"scheduled_date"` // YYYY-MM-DD
	Status        string     `json:"status"`
	SyncMarker    SyncMarker `json:"sync_marker"`
}

// Validate checks that the work order has usable field values.
func (w *WorkOrder) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("id is required")
	}
	if w.ScheduledDate != "" {
		if _, err := time.Parse("2006-01-02", w.ScheduledDate); err != nil {
			return fmt.Errorf("invalid scheduled_date %q: %w", w.ScheduledDate, err)
		}
	}
	return nil
}

// Outbox actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
)

// Outbox resource kinds.
const (
	ResourceTask = "task"
)

// OutboxEntry is one durable pending mutation destined for the remote
// store. Entries are delivered strictly in Seq order and removed only
// after the remote apply succeeds. Entries that exhaust their retry
// budget are parked (Stuck=true) for operator review, never dropped.
type OutboxEntry struct {
	Seq           int64           `json:"seq"`
	Resource      string          `json:"resource"`
	Action        string          `json:"action"`
	TargetID      string          `json:"target_id"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	RetryCount    int             `json:"retry_count"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	Stuck         bool            `json:"stuck"`
	LastError     string          `json:"last_error,omitempty"`
}

// TaskMutation is the partial field set carried by an update entry's
// payload. Pointer fields distinguish "not touched" from zero values.
type TaskMutation struct {
	Status       *string  `json:"status,omitempty"`
	QuantityUsed *float64 `json:"quantity_used,omitempty"`
	Notes        *string  `json:"notes,omitempty"`
}

// Empty reports whether the mutation touches no fields.
func (m *TaskMutation) Empty() bool {
	return m.Status == nil && m.QuantityUsed == nil && m.Notes == nil
}

// Validate checks the mutation's field values.
func (m *TaskMutation) Validate() error {
	if m.Empty() {
		return fmt.Errorf("mutation touches no fields")
	}
	if m.Status != nil {
		switch *m.Status {
		case TaskNotStarted, TaskDone, TaskSkipped:
		default:
			return fmt.Errorf("invalid status %q", *m.Status)
		}
	}
	if m.QuantityUsed != nil && *m.QuantityUsed < 0 {
		return fmt.Errorf("quantity_used must not be negative (got %v)", *m.QuantityUsed)
	}
	return nil
}

// ApplyTo merges the mutation into a task in place.
func (m *TaskMutation) ApplyTo(t *LocalTask) {
	if m.Status != nil {
		t.Status = *m.Status
	}
	if m.QuantityUsed != nil {
		t.QuantityUsed = *m.QuantityUsed
	}
	if m.Notes != nil {
		t.Notes = *m.Notes
	}
}

// Merge overlays a newer mutation on top of this one, field by field.
// Used when coalescing two queued updates for the same task.
func (m *TaskMutation) Merge(newer *TaskMutation) {
	if newer.Status != nil {
		m.Status = newer.Status
	}
	if newer.QuantityUsed != nil {
		m.QuantityUsed = newer.QuantityUsed
	}
	if newer.Notes != nil {
		m.Notes = newer.Notes
	}
}

// UpdatePayload is the wire shape of an update entry's payload: the
// target id plus the mutated fields.
type UpdatePayload struct {
	ID string `json:"id"`
	TaskMutation
}

// EncodeUpdatePayload builds the payload for an update outbox entry.
func EncodeUpdatePayload(id string, m *TaskMutation) (json.RawMessage, error) {
	data, err := json.Marshal(&UpdatePayload{ID: id, TaskMutation: *m})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal update payload: %w", err)
	}
	return data, nil
}

// DecodeUpdatePayload parses an update entry's payload.
func DecodeUpdatePayload(data json.RawMessage) (*UpdatePayload, error) {
	var p UpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse update payload: %w", err)
	}
	return &p, nil
}

// Conflict kinds.
const (
	ConflictRemoteDeleted = "remote-deleted"
)

// Conflict records a reconciliation outcome that must not be resolved
// automatically: currently only a remote-side deletion of a task that
// still has unconfirmed local changes.
type Conflict struct {
	ID            int64           `json:"id"`
	TaskID        string          `json:"task_id"`
	WorkOrderID   string          `json:"work_order_id"`
	Kind          string          `json:"kind"`
	DetectedAt    time.Time       `json:"detected_at"`
	LocalSnapshot json.RawMessage `json:"local_snapshot"`
	Resolved      bool            `json:"resolved"`
}
