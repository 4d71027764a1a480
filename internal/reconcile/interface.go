// Package reconcile refreshes the local cache from the remote store
// without ever clobbering unsynced local work.
package reconcile

import "context"

// Reconciler pulls remote work order state into the local cache.
//
// Pulling is best effort: a connectivity failure leaves the (possibly
// stale) local cache in place and is logged, not surfaced. The one rule
// that is never relaxed is merge precedence: a task with unconfirmed
// local changes is authoritative over anything a pull brings in, until
// its outbox entry is confirmed delivered.
type Reconciler interface {
	// Reconcile fetches one work order and merges it into the cache.
	//
	// Per remote task:
	//   - absent locally: inserted, marked synced
	//   - present and synced: overwritten with remote fields
	//   - present and pending: left untouched
	//
	// A remote snapshot missing a locally *synced* task deletes it (the
	// remote won). Missing a locally *pending-update* task is a conflict
	// that is recorded for manual resolution, never guessed at.
	//
	// A newer Reconcile call for the same work order cancels an
	// in-flight one; the stale pull's results are discarded.
	Reconcile(ctx context.Context, workOrderID string) error

	// ReconcileAll refreshes every work order currently cached.
	// Individual failures are logged and do not stop the pass.
	ReconcileAll(ctx context.Context) error
}
