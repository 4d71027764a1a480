// Package daemon runs the sync engine's background loops.
//
// The daemon:
//  1. Seeds the status tracker and performs an initial pull
//  2. Drains the outbox on a fixed interval
//  3. Re-pulls cached work orders on a slower interval
//  4. Drains opportunistically when connectivity comes back
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/lubetrack/lubesync/internal/connectivity"
	"github.com/lubetrack/lubesync/internal/outbox"
	"github.com/lubetrack/lubesync/internal/reconcile"
	"github.com/lubetrack/lubesync/internal/status"
	"github.com/lubetrack/lubesync/internal/store"
)

// Config holds configuration for the daemon.
type Config struct {
	// ProcessInterval is how often the outbox is drained (default: 30s).
	ProcessInterval time.Duration

	// ReconcileInterval is how often cached work orders are re-pulled
	// (default: 5m).
	ReconcileInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProcessInterval:   30 * time.Second,
		ReconcileInterval: 5 * time.Minute,
		Logger:            log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates the processor, reconciler, and connectivity
// monitor.
type Daemon struct {
	store      *store.Store
	processor  *outbox.Processor
	reconciler reconcile.Reconciler
	monitor    *connectivity.Monitor
	tracker    *status.Tracker
	config     *Config

	drainNow chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon. All collaborators are required.
func New(st *store.Store, p *outbox.Processor, r reconcile.Reconciler, m *connectivity.Monitor, t *status.Tracker, config *Config) (*Daemon, error) {
	if st == nil || p == nil || r == nil || m == nil || t == nil {
		return nil, fmt.Errorf("all collaborators are required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.ProcessInterval == 0 {
		config.ProcessInterval = 30 * time.Second
	}
	if config.ReconcileInterval == 0 {
		config.ReconcileInterval = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		store:      st,
		processor:  p,
		reconciler: r,
		monitor:    m,
		tracker:    t,
		config:     config,
		drainNow:   make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins the daemon's operation. This blocks until ctx is
// cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	d.monitor.OnChange(func(online bool) {
		d.tracker.SetOnline(online)
		if online {
			// Opportunistic drain on the regained edge.
			select {
			case d.drainNow <- struct{}{}:
			default:
			}
		}
	})

	if err := d.monitor.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}
	d.tracker.SetOnline(d.monitor.Online())

	d.seedCounts()

	// Initial pull so a fresh start serves current data when online.
	if err := d.reconciler.ReconcileAll(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.config.Logger.Printf("WARNING: initial reconcile failed: %v", err)
	}

	d.wg.Add(2)
	go d.processLoop()
	go d.reconcileLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()
	if err := d.monitor.Stop(); err != nil {
		d.config.Logger.Printf("Error stopping connectivity monitor: %v", err)
	}
	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// processLoop drains the outbox periodically and on regained
// connectivity.
func (d *Daemon) processLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runPass()
		case <-d.drainNow:
			d.runPass()
		}
	}
}

// runPass executes one processor pass, tolerating overlap.
func (d *Daemon) runPass() {
	result, err := d.processor.Run(d.ctx)
	switch {
	case errors.Is(err, outbox.ErrSyncInProgress):
		// Previous pass still draining; the ticker will come around.
	case err != nil:
		d.config.Logger.Printf("WARNING: outbox pass failed: %v", err)
	case result.Offline:
		// Precondition miss, nothing to log.
	}
}

// reconcileLoop re-pulls cached work orders on a slower cadence.
func (d *Daemon) reconcileLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if !d.monitor.Online() {
				continue
			}
			if err := d.reconciler.ReconcileAll(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.config.Logger.Printf("WARNING: reconcile pass failed: %v", err)
			}
		}
	}
}

// seedCounts initializes the tracker from the durable store so the
// status surface is correct before the first pass runs.
func (d *Daemon) seedCounts() {
	ctx := d.ctx
	if n, err := d.store.PendingOutboxCount(ctx); err == nil {
		d.tracker.SetPendingCount(n)
	} else {
		d.config.Logger.Printf("WARNING: failed to count pending entries: %v", err)
	}
	if n, err := d.store.StuckOutboxCount(ctx); err == nil {
		d.tracker.SetStuckCount(n)
	} else {
		d.config.Logger.Printf("WARNING: failed to count stuck entries: %v", err)
	}
	if n, err := d.store.UnresolvedConflictCount(ctx); err == nil {
		d.tracker.SetConflictCount(n)
	} else {
		d.config.Logger.Printf("WARNING: failed to count conflicts: %v", err)
	}
}
