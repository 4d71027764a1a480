// Package status exposes the engine's sync state to UI surfaces.
//
// The tracker is a small observable: components push transitions into
// it, and subscribers (CLI status view, websocket dashboard) get invoked
// synchronously on every change.
package status

import (
	"sync"
	"time"
)

// Status is a point-in-time snapshot of sync state.
type Status struct {
	Online        bool       `json:"online"`
	PendingCount  int        `json:"pending_count"`
	Syncing       bool       `json:"syncing"`
	LastSync      *time.Time `json:"last_sync,omitempty"`
	StuckCount    int        `json:"stuck_count"`
	ConflictCount int        `json:"conflict_count"`
}

// Listener receives a snapshot after each state transition.
type Listener func(Status)

// Tracker holds current sync state and fans out transitions.
type Tracker struct {
	mu        sync.Mutex
	current   Status
	listeners map[int]Listener
	nextID    int
}

// NewTracker creates an empty tracker (offline, nothing pending).
func NewTracker() *Tracker {
	return &Tracker{listeners: make(map[int]Listener)}
}

// GetStatus returns the current snapshot.
func (t *Tracker) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Subscribe registers a listener and returns an unsubscribe function.
// Listeners are invoked synchronously, in registration order, while no
// lock is held, so a listener may call back into the tracker.
func (t *Tracker) Subscribe(fn Listener) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// SetOnline records a connectivity transition.
func (t *Tracker) SetOnline(online bool) {
	t.update(func(s *Status) bool {
		if s.Online == online {
			return false
		}
		s.Online = online
		return true
	})
}

// SetSyncing records the start or end of a processor pass.
func (t *Tracker) SetSyncing(syncing bool) {
	t.update(func(s *Status) bool {
		if s.Syncing == syncing {
			return false
		}
		s.Syncing = syncing
		return true
	})
}

// SetPendingCount records the current outbox depth.
func (t *Tracker) SetPendingCount(n int) {
	t.update(func(s *Status) bool {
		if s.PendingCount == n {
			return false
		}
		s.PendingCount = n
		return true
	})
}

// SetStuckCount records the number of parked outbox entries.
func (t *Tracker) SetStuckCount(n int) {
	t.update(func(s *Status) bool {
		if s.StuckCount == n {
			return false
		}
		s.StuckCount = n
		return true
	})
}

// SetConflictCount records the number of unresolved conflicts.
func (t *Tracker) SetConflictCount(n int) {
	t.update(func(s *Status) bool {
		if s.ConflictCount == n {
			return false
		}
		s.ConflictCount = n
		return true
	})
}

// MarkSynced records a successful delivery pass completion time.
func (t *Tracker) MarkSynced(at time.Time) {
	t.update(func(s *Status) bool {
		s.LastSync = &at
		return true
	})
}

// update applies a transition and notifies listeners if it changed state.
func (t *Tracker) update(apply func(*Status) bool) {
	t.mu.Lock()
	if !apply(&t.current) {
		t.mu.Unlock()
		return
	}
	snapshot := t.current
	listeners := make([]Listener, 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}
