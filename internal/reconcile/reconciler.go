package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/lubetrack/lubesync/internal/model"
	"github.com/lubetrack/lubesync/internal/remote"
	"github.com/lubetrack/lubesync/internal/status"
	"github.com/lubetrack/lubesync/internal/store"
)

// reconciler implements the Reconciler interface.
type reconciler struct {
	store   *store.Store
	remote  remote.Remote
	tracker *status.Tracker
	logger  *log.Logger

	mu       sync.Mutex
	inflight map[string]*flight
}

// flight identifies one in-progress pull so a superseded pull can tell
// whether the registry slot still belongs to it.
type flight struct {
	cancel context.CancelFunc
}

// New creates a Reconciler. If logger is nil, a default logger writing
// to stderr is used.
func New(st *store.Store, rem remote.Remote, tracker *status.Tracker, logger *log.Logger) Reconciler {
	if logger == nil {
		logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	return &reconciler{
		store:    st,
		remote:   rem,
		tracker:  tracker,
		logger:   logger,
		inflight: make(map[string]*flight),
	}
}

// Reconcile implements Reconciler.Reconcile.
func (r *reconciler) Reconcile(ctx context.Context, workOrderID string) error {
	ctx, f := r.begin(ctx, workOrderID)
	defer r.end(workOrderID, f)

	snapshot, err := r.remote.FetchWorkOrder(ctx, workOrderID)
	if err != nil {
		if errors.Is(err, remote.ErrGone) {
			return r.handleRemoteGone(ctx, workOrderID)
		}
		// Best effort: stale cache stays valid, next scheduled pull
		// will try again.
		r.logger.Printf("Skipping pull for %s: %v", workOrderID, err)
		return nil
	}

	// A newer pull for this work order superseded us while we were
	// fetching; its data is fresher, discard ours.
	if ctx.Err() != nil {
		r.logger.Printf("Pull for %s superseded, discarding result", workOrderID)
		return nil
	}

	return r.merge(ctx, snapshot)
}

// ReconcileAll implements Reconciler.ReconcileAll.
func (r *reconciler) ReconcileAll(ctx context.Context) error {
	orders, err := r.store.WorkOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list cached work orders: %w", err)
	}
	for _, wo := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.Reconcile(ctx, wo.ID); err != nil {
			r.logger.Printf("WARNING: failed to reconcile %s: %v", wo.ID, err)
		}
	}
	return nil
}

// begin registers this pull as the in-flight one for the work order,
// cancelling any pull it supersedes.
func (r *reconciler) begin(ctx context.Context, workOrderID string) (context.Context, *flight) {
	ctx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel}
	r.mu.Lock()
	if prev, ok := r.inflight[workOrderID]; ok {
		prev.cancel()
	}
	r.inflight[workOrderID] = f
	r.mu.Unlock()
	return ctx, f
}

func (r *reconciler) end(workOrderID string, f *flight) {
	r.mu.Lock()
	// Only clear the slot if it is still ours; a superseding pull may
	// have replaced it already.
	if r.inflight[workOrderID] == f {
		delete(r.inflight, workOrderID)
	}
	r.mu.Unlock()
	f.cancel()
}

// merge applies the remote snapshot under the local-pending-wins rule.
func (r *reconciler) merge(ctx context.Context, snapshot *remote.WorkOrderSnapshot) error {
	wo := *snapshot.WorkOrder
	wo.SyncMarker = model.MarkerSynced
	if err := r.store.PutWorkOrder(ctx, &wo); err != nil {
		return fmt.Errorf("failed to upsert work order %s: %w", wo.ID, err)
	}

	remoteIDs := make(map[string]bool, len(snapshot.Tasks))
	for _, remoteTask := range snapshot.Tasks {
		remoteIDs[remoteTask.ID] = true

		// Local wins until the outbox entry is confirmed delivered; the
		// store's merge upsert enforces that in a single statement.
		incoming := *remoteTask
		incoming.WorkOrderID = wo.ID
		if err := r.store.PutTaskFromRemote(ctx, &incoming); err != nil {
			return fmt.Errorf("failed to merge task %s: %w", incoming.ID, err)
		}
	}

	if err := r.pruneMissing(ctx, wo.ID, remoteIDs); err != nil {
		return err
	}

	r.logger.Printf("Reconciled work order %s (%d remote tasks)", wo.ID, len(snapshot.Tasks))
	return nil
}

// pruneMissing handles local tasks the remote snapshot no longer has.
func (r *reconciler) pruneMissing(ctx context.Context, workOrderID string, remoteIDs map[string]bool) error {
	locals, err := r.store.TasksByWorkOrder(ctx, workOrderID)
	if err != nil {
		return fmt.Errorf("failed to list local tasks for %s: %w", workOrderID, err)
	}

	for _, local := range locals {
		if remoteIDs[local.ID] {
			continue
		}
		switch local.SyncMarker {
		case model.MarkerSynced:
			// Remote is the source of truth for synced data.
			if err := r.store.DeleteTask(ctx, local.ID); err != nil {
				return fmt.Errorf("failed to delete task %s: %w", local.ID, err)
			}

		case model.MarkerPendingUpload:
			// Never uploaded; the remote not having it is expected.

		case model.MarkerPendingUpdate:
			// Deleted remotely while locally mutated. Must not resolve
			// either way silently.
			if err := r.flagConflict(ctx, local); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleRemoteGone deals with a work order deleted server-side.
func (r *reconciler) handleRemoteGone(ctx context.Context, workOrderID string) error {
	locals, err := r.store.TasksByWorkOrder(ctx, workOrderID)
	if err != nil {
		return fmt.Errorf("failed to list local tasks for %s: %w", workOrderID, err)
	}

	pending := 0
	for _, local := range locals {
		switch local.SyncMarker {
		case model.MarkerSynced:
			if err := r.store.DeleteTask(ctx, local.ID); err != nil {
				return fmt.Errorf("failed to delete task %s: %w", local.ID, err)
			}
		case model.MarkerPendingUpdate:
			if err := r.flagConflict(ctx, local); err != nil {
				return err
			}
			pending++
		case model.MarkerPendingUpload:
			pending++
		}
	}

	if pending > 0 {
		// Pending work still references the order; keep the row so the
		// outbox and conflict views stay navigable.
		r.logger.Printf("Work order %s gone remotely but %d local tasks pending, keeping cache row", workOrderID, pending)
		return nil
	}

	if err := r.store.DeleteWorkOrder(ctx, workOrderID); err != nil {
		return fmt.Errorf("failed to delete work order %s: %w", workOrderID, err)
	}
	r.logger.Printf("Work order %s gone remotely, removed from cache", workOrderID)
	return nil
}

func (r *reconciler) flagConflict(ctx context.Context, task *model.LocalTask) error {
	if err := r.store.AddConflict(ctx, task, model.ConflictRemoteDeleted); err != nil {
		return fmt.Errorf("failed to record conflict for task %s: %w", task.ID, err)
	}
	r.logger.Printf("CONFLICT: task %s deleted remotely while pending locally, flagged for review", task.ID)
	if count, err := r.store.UnresolvedConflictCount(ctx); err == nil {
		r.tracker.SetConflictCount(count)
	}
	return nil
}
