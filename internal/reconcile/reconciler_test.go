package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lubetrack/lubesync/internal/model"
	"github.com/lubetrack/lubesync/internal/remote"
	"github.com/lubetrack/lubesync/internal/status"
	"github.com/lubetrack/lubesync/internal/store"
)

// fakeRemote serves canned work order snapshots.
type fakeRemote struct {
	snapshots map[string]*remote.WorkOrderSnapshot
	errs      map[string]error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		snapshots: make(map[string]*remote.WorkOrderSnapshot),
		errs:      make(map[string]error),
	}
}

func (f *fakeRemote) ApplyMutation(ctx context.Context, resource, action string, payload []byte) error {
	return nil
}

func (f *fakeRemote) FetchWorkOrder(ctx context.Context, id string) (*remote.WorkOrderSnapshot, error) {
	if err, ok := f.errs[id]; ok {
		return nil, err
	}
	if snap, ok := f.snapshots[id]; ok {
		return snap, nil
	}
	return nil, remote.ErrGone
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func remoteTask(id, taskStatus string) *model.LocalTask {
	return &model.LocalTask{
		ID:          id,
		WorkOrderID: "wo-1",
		PointID:     "pt-1",
		Status:      taskStatus,
		UpdatedAt:   time.Now(),
		SyncMarker:  model.MarkerSynced,
	}
}

func snapshot(tasks ...*model.LocalTask) *remote.WorkOrderSnapshot {
	return &remote.WorkOrderSnapshot{
		WorkOrder: &model.WorkOrder{ID: "wo-1", ScheduledDate: "2026-08-29", Status: "open"},
		Tasks:     tasks,
	}
}

func TestReconcileInsertsNewTasks(t *testing.T) {
	s := testStore(t)
	rem := newFakeRemote()
	rem.snapshots["wo-1"] = snapshot(remoteTask("t-1", model.TaskNotStarted))

	r := New(s, rem, status.NewTracker(), nil)
	if err := r.Reconcile(context.Background(), "wo-1"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	task, err := s.GetTask(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.SyncMarker != model.MarkerSynced {
		t.Errorf("marker = %s, want synced", task.SyncMarker)
	}

	wo, err := s.GetWorkOrder(context.Background(), "wo-1")
	if err != nil {
		t.Fatalf("GetWorkOrder failed: %v", err)
	}
	if wo.ScheduledDate != "2026-08-29" {
		t.Errorf("scheduled date = %s, want 2026-08-29", wo.ScheduledDate)
	}
}

func TestReconcileOverwritesSyncedTasks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	stale := remoteTask("t-1", model.TaskNotStarted)
	stale.Notes = "stale local copy"
	if err := s.PutTask(ctx, stale); err != nil {
		t.Fatalf("PutTask failed: %v", err)
	}

	fresh := remoteTask("t-1", model.TaskDone)
	fresh.Notes = "remote truth"
	rem := newFakeRemote()
	rem.snapshots["wo-1"] = snapshot(fresh)

	r := New(s, rem, status.NewTracker(), nil)
	if err := r.Reconcile(ctx, "wo-1"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	got, err := s.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != model.TaskDone || got.Notes != "remote truth" {
		t.Errorf("synced task not overwritten by pull: %+v", got)
	}
}

func TestReconcileLocalPendingWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Local pending-update copy, queued but unconfirmed.
	local := remoteTask("t-1", model.TaskNotStarted)
	if err := s.PutTask(ctx, local); err != nil {
		t.Fatalf("PutTask failed: %v", err)
	}
	done := model.TaskDone
	if err := s.MutateTaskWithOutbox(ctx, "t-1", &model.TaskMutation{Status: &done}); err != nil {
		t.Fatalf("MutateTaskWithOutbox failed: %v", err)
	}

	// The remote still serves the stale version.
	rem := newFakeRemote()
	rem.snapshots["wo-1"] = snapshot(remoteTask("t-1", model.TaskNotStarted))

	r := New(s, rem, status.NewTracker(), nil)
	if err := r.Reconcile(ctx, "wo-1"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	got, err := s.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != model.TaskDone {
		t.Errorf("status = %s, want local pending change preserved", got.Status)
	}
	if got.SyncMarker != model.MarkerPendingUpdate {
		t.Errorf("marker = %s, want pending-update preserved", got.SyncMarker)
	}
}

func TestReconcilePrunesSyncedMissingRemotely(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.PutTask(ctx, remoteTask("t-gone", model.TaskNotStarted)); err != nil {
		t.Fatalf("PutTask failed: %v", err)
	}

	rem := newFakeRemote()
	rem.snapshots["wo-1"] = snapshot(remoteTask("t-kept", model.TaskNotStarted))

	r := New(s, rem, status.NewTracker(), nil)
	if err := r.Reconcile(ctx, "wo-1"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if _, err := s.GetTask(ctx, "t-gone"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want synced task pruned", err)
	}
	if _, err := s.GetTask(ctx, "t-kept"); err != nil {
		t.Errorf("remote task missing after pull: %v", err)
	}
}

func TestReconcileKeepsPendingUploadMissingRemotely(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	local := remoteTask("t-local", model.TaskDone)
	if err := s.CreateTaskWithOutbox(ctx, local); err != nil {
		t.Fatalf("CreateTaskWithOutbox failed: %v", err)
	}

	rem := newFakeRemote()
	rem.snapshots["wo-1"] = snapshot()

	r := New(s, rem, status.NewTracker(), nil)
	if err := r.Reconcile(ctx, "wo-1"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	got, err := s.GetTask(ctx, "t-local")
	if err != nil {
		t.Fatalf("locally created task pruned by pull: %v", err)
	}
	if got.SyncMarker != model.MarkerPendingUpload {
		t.Errorf("marker = %s, want pending-upload", got.SyncMarker)
	}
}

func TestReconcileFlagsConflictForPendingUpdateMissingRemotely(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tracker := status.NewTracker()

	if err := s.PutTask(ctx, remoteTask("t-1", model.TaskNotStarted)); err != nil {
		t.Fatalf("PutTask failed: %v", err)
	}
	done := model.TaskDone
	if err := s.MutateTaskWithOutbox(ctx, "t-1", &model.TaskMutation{Status: &done}); err != nil {
		t.Fatalf("MutateTaskWithOutbox failed: %v", err)
	}

	rem := newFakeRemote()
	rem.snapshots["wo-1"] = snapshot()

	r := New(s, rem, tracker, nil)
	if err := r.Reconcile(ctx, "wo-1"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	// The local copy stays; the disagreement is flagged for an operator.
	if _, err := s.GetTask(ctx, "t-1"); err != nil {
		t.Errorf("conflicted task deleted: %v", err)
	}
	conflicts, err := s.Conflicts(ctx, false)
	if err != nil {
		t.Fatalf("Conflicts failed: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].TaskID != "t-1" {
		t.Fatalf("conflicts = %+v, want one for t-1", conflicts)
	}
	if tracker.GetStatus().ConflictCount != 1 {
		t.Errorf("tracker conflicts = %d, want 1", tracker.GetStatus().ConflictCount)
	}
}

func TestReconcileFetchErrorKeepsCache(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.PutWorkOrder(ctx, &model.WorkOrder{ID: "wo-1", SyncMarker: model.MarkerSynced}); err != nil {
		t.Fatalf("PutWorkOrder failed: %v", err)
	}
	if err := s.PutTask(ctx, remoteTask("t-1", model.TaskDone)); err != nil {
		t.Fatalf("PutTask failed: %v", err)
	}

	rem := newFakeRemote()
	rem.errs["wo-1"] = errors.New("connection reset")

	r := New(s, rem, status.NewTracker(), nil)
	if err := r.Reconcile(ctx, "wo-1"); err != nil {
		t.Fatalf("Reconcile returned error for transient failure: %v", err)
	}

	// Stale cache stays valid for offline work.
	if _, err := s.GetTask(ctx, "t-1"); err != nil {
		t.Errorf("cached task lost on failed pull: %v", err)
	}
}

func TestReconcileRemoteGoneCleansUp(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.PutWorkOrder(ctx, &model.WorkOrder{ID: "wo-1", SyncMarker: model.MarkerSynced}); err != nil {
		t.Fatalf("PutWorkOrder failed: %v", err)
	}
	if err := s.PutTask(ctx, remoteTask("t-1", model.TaskDone)); err != nil {
		t.Fatalf("PutTask failed: %v", err)
	}

	rem := newFakeRemote() // no snapshot registered -> ErrGone

	r := New(s, rem, status.NewTracker(), nil)
	if err := r.Reconcile(ctx, "wo-1"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if _, err := s.GetTask(ctx, "t-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want synced task removed", err)
	}
	if _, err := s.GetWorkOrder(ctx, "wo-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want work order removed", err)
	}
}

func TestReconcileRemoteGoneKeepsPendingWork(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.PutWorkOrder(ctx, &model.WorkOrder{ID: "wo-1", SyncMarker: model.MarkerSynced}); err != nil {
		t.Fatalf("PutWorkOrder failed: %v", err)
	}
	if err := s.CreateTaskWithOutbox(ctx, remoteTask("t-local", model.TaskDone)); err != nil {
		t.Fatalf("CreateTaskWithOutbox failed: %v", err)
	}

	rem := newFakeRemote()

	r := New(s, rem, status.NewTracker(), nil)
	if err := r.Reconcile(ctx, "wo-1"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if _, err := s.GetTask(ctx, "t-local"); err != nil {
		t.Errorf("pending-upload task lost: %v", err)
	}
	if _, err := s.GetWorkOrder(ctx, "wo-1"); err != nil {
		t.Errorf("work order with pending work removed: %v", err)
	}
}

func TestReconcileAllContinuesPastFailures(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"wo-1", "wo-2"} {
		if err := s.PutWorkOrder(ctx, &model.WorkOrder{ID: id, SyncMarker: model.MarkerSynced}); err != nil {
			t.Fatalf("PutWorkOrder(%s) failed: %v", id, err)
		}
	}

	rem := newFakeRemote()
	rem.errs["wo-1"] = errors.New("transient")
	fresh := remoteTask("t-2", model.TaskDone)
	fresh.WorkOrderID = "wo-2"
	rem.snapshots["wo-2"] = &remote.WorkOrderSnapshot{
		WorkOrder: &model.WorkOrder{ID: "wo-2", ScheduledDate: "2026-08-30"},
		Tasks:     []*model.LocalTask{fresh},
	}

	r := New(s, rem, status.NewTracker(), nil)
	if err := r.ReconcileAll(ctx); err != nil {
		t.Fatalf("ReconcileAll failed: %v", err)
	}

	if _, err := s.GetTask(ctx, "t-2"); err != nil {
		t.Errorf("wo-2 not reconciled after wo-1 failure: %v", err)
	}
}
