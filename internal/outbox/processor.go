// Package outbox drains locally queued mutations to the remote store.
//
// Entries are delivered one at a time, strictly in enqueue order. That
// ordering is the core invariant: an update for a task whose create has
// not been applied remotely yet is meaningless, so a failed entry blocks
// later entries for the same target while unrelated entries keep
// flowing. A single-flight guard prevents two overlapping passes from
// double-delivering the same entry.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/lubetrack/lubesync/internal/model"
	"github.com/lubetrack/lubesync/internal/remote"
	"github.com/lubetrack/lubesync/internal/status"
	"github.com/lubetrack/lubesync/internal/store"
)

// ErrSyncInProgress is returned when Run is called while another pass is
// still draining. The caller should simply try again later.
var ErrSyncInProgress = errors.New("sync pass already in progress")

// Config holds processor policy values.
type Config struct {
	// MaxRetries bounds automatic redelivery. An entry failing more than
	// this many times is parked stuck (default: 3).
	MaxRetries int

	// BaseDelay is the first retry delay; it doubles per retry
	// (default: 30s).
	BaseDelay time.Duration

	// MaxDelay caps the backoff (default: 1h).
	MaxDelay time.Duration

	// Logger for processor activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns the standard policy values.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  30 * time.Second,
		MaxDelay:   time.Hour,
	}
}

// Result summarizes one processing pass.
type Result struct {
	// Offline is true when the pass was skipped for lack of connectivity.
	Offline bool

	// Delivered counts entries confirmed by the remote and removed.
	Delivered int

	// Failed counts entries that failed but remain pending.
	Failed int

	// Parked counts entries that exhausted their budget this pass.
	Parked int

	// Blocked counts entries skipped because an earlier entry for the
	// same target failed.
	Blocked int
}

// Processor drains the outbox.
type Processor struct {
	store   *store.Store
	remote  remote.Remote
	online  func() bool
	tracker *status.Tracker
	cfg     Config

	// running guards against overlapping passes within this process.
	// Separate processes (the daemon and a manual sync) sharing the
	// database can still overlap; that at worst re-applies a payload
	// the remote already accepted, which the remote must tolerate, and
	// the store's payload-conditional completion keeps the local
	// bookkeeping consistent either way.
	running atomic.Bool
}

// New creates a Processor. The online func is the connectivity
// precondition; when it reports false a pass is a silent no-op.
func New(st *store.Store, rem remote.Remote, online func() bool, tracker *status.Tracker, cfg Config) *Processor {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	return &Processor{
		store:   st,
		remote:  rem,
		online:  online,
		tracker: tracker,
		cfg:     cfg,
	}
}

// Run performs one delivery pass over all due entries.
//
// Being offline is a precondition miss, not an error: the pass reports
// Offline and does nothing. A pass overlapping another returns
// ErrSyncInProgress without touching any entry.
func (p *Processor) Run(ctx context.Context) (*Result, error) {
	if !p.online() {
		return &Result{Offline: true}, nil
	}

	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer p.running.Store(false)

	p.tracker.SetSyncing(true)
	defer p.tracker.SetSyncing(false)

	entries, err := p.store.PendingOutbox(ctx, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to read pending outbox: %w", err)
	}

	result := &Result{}
	blockedTargets := make(map[string]bool)

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		key := entry.Resource + "/" + entry.TargetID
		if blockedTargets[key] {
			// An earlier entry for this target failed; delivering this
			// one now would reorder the target's mutation stream.
			result.Blocked++
			continue
		}

		if err := p.deliver(ctx, entry, result); err != nil {
			blockedTargets[key] = true
		}
	}

	p.refreshCounts(ctx)

	if result.Failed == 0 && result.Parked == 0 {
		p.tracker.MarkSynced(time.Now())
	}

	if result.Delivered > 0 || result.Failed > 0 || result.Parked > 0 {
		p.cfg.Logger.Printf("Pass complete: delivered=%d failed=%d parked=%d blocked=%d",
			result.Delivered, result.Failed, result.Parked, result.Blocked)
	}
	return result, nil
}

// deliver attempts one entry and records the outcome. Returns non-nil
// when later entries for the same target must not be attempted.
func (p *Processor) deliver(ctx context.Context, entry *model.OutboxEntry, result *Result) error {
	err := p.remote.ApplyMutation(ctx, entry.Resource, entry.Action, entry.Payload)
	if err == nil {
		synced, cerr := p.store.CompleteOutboxEntry(ctx, entry)
		if cerr != nil {
			// The remote has the mutation but the local bookkeeping
			// failed; the entry stays and will be redelivered. The
			// remote apply must therefore tolerate duplicates.
			result.Failed++
			p.cfg.Logger.Printf("WARNING: delivered entry %d but completion failed: %v", entry.Seq, cerr)
			return cerr
		}
		result.Delivered++
		if synced {
			p.cfg.Logger.Printf("Delivered entry %d (%s %s %s), task synced",
				entry.Seq, entry.Action, entry.Resource, entry.TargetID)
		} else {
			p.cfg.Logger.Printf("Delivered entry %d (%s %s %s)",
				entry.Seq, entry.Action, entry.Resource, entry.TargetID)
		}
		return nil
	}

	// A gone target can never succeed; park immediately instead of
	// burning the retry budget.
	maxRetries := p.cfg.MaxRetries
	if errors.Is(err, remote.ErrGone) {
		maxRetries = -1
	}

	parked, ferr := p.store.RecordOutboxFailure(ctx, entry.Seq, err, maxRetries, p.backoff(entry.RetryCount))
	if ferr != nil {
		p.cfg.Logger.Printf("WARNING: failed to record failure for entry %d: %v", entry.Seq, ferr)
		return err
	}

	if parked {
		result.Parked++
		p.cfg.Logger.Printf("Entry %d parked after %d retries: %v", entry.Seq, entry.RetryCount+1, err)
	} else {
		result.Failed++
		p.cfg.Logger.Printf("Entry %d failed (retry %d/%d): %v", entry.Seq, entry.RetryCount+1, p.cfg.MaxRetries, err)
	}
	return err
}

// backoff returns the delay before the next attempt: base * 2^retries,
// capped.
func (p *Processor) backoff(retries int) time.Duration {
	delay := p.cfg.BaseDelay << uint(retries)
	if delay > p.cfg.MaxDelay || delay <= 0 {
		delay = p.cfg.MaxDelay
	}
	return delay
}

// refreshCounts pushes current queue depths into the status tracker.
func (p *Processor) refreshCounts(ctx context.Context) {
	if pending, err := p.store.PendingOutboxCount(ctx); err == nil {
		p.tracker.SetPendingCount(pending)
	} else {
		p.cfg.Logger.Printf("WARNING: failed to count pending entries: %v", err)
	}
	if stuck, err := p.store.StuckOutboxCount(ctx); err == nil {
		p.tracker.SetStuckCount(stuck)
	} else {
		p.cfg.Logger.Printf("WARNING: failed to count stuck entries: %v", err)
	}
}
