// Package remote defines the remote data capability the sync engine
// consumes and provides the HTTP implementation used in production.
//
// The engine only ever needs two operations: apply one queued mutation,
// and fetch one work order with its task list. Any backend offering
// those suffices; tests substitute an in-memory implementation.
package remote

import (
	"context"
	"errors"

	"github.com/lubetrack/lubesync/internal/model"
)

var (
	// ErrApplyFailed wraps transient failures of ApplyMutation. The
	// outbox processor retries these up to its budget, then parks the
	// entry as stuck.
	ErrApplyFailed = errors.New("remote apply failed")

	// ErrFetchFailed wraps transient failures of FetchWorkOrder. The
	// reconciler skips the pass and keeps serving the stale cache.
	ErrFetchFailed = errors.New("remote fetch failed")

	// ErrGone indicates the remote store no longer has the requested
	// record. Not transient; retrying cannot help.
	ErrGone = errors.New("remote record gone")
)

// WorkOrderSnapshot is the result of fetching one work order: the order
// itself plus the remote's full task list for it.
type WorkOrderSnapshot struct {
	WorkOrder *model.WorkOrder   `json:"work_order"`
	Tasks     []*model.LocalTask `json:"tasks"`
}

// Remote is the request/response capability to the durable remote store.
// Calls may fail at any time due to connectivity; callers own retries.
type Remote interface {
	// ApplyMutation delivers one outbox entry's payload. Transient
	// failures are reported as ErrApplyFailed; a missing target is
	// ErrGone.
	ApplyMutation(ctx context.Context, resource, action string, payload []byte) error

	// FetchWorkOrder retrieves a work order and its tasks. Transient
	// failures are reported as ErrFetchFailed; an unknown id is ErrGone.
	FetchWorkOrder(ctx context.Context, id string) (*WorkOrderSnapshot, error)
}
