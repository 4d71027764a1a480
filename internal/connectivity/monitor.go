package connectivity

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// OfflineMarkerName is the file that forces offline mode while present
// in the state directory. Dropping it is the portable equivalent of
// airplane mode; removing it counts as a "connectivity regained" signal.
const OfflineMarkerName = "offline"

// Monitor tracks online state by polling a Probe and watching the
// offline marker file. Transitions are fanned out to OnChange callbacks.
type Monitor struct {
	probe      Probe
	markerPath string
	interval   time.Duration
	logger     *log.Logger

	watcher *fsnotify.Watcher

	mu            sync.Mutex
	online        bool
	forcedOffline bool
	callbacks     []func(online bool)
	running       bool

	done chan struct{}
	wg   sync.WaitGroup
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Probe answers reachability. Required.
	Probe Probe

	// StateDir is the directory watched for the offline marker file.
	// Required.
	StateDir string

	// Interval between reachability probes (default: 15s).
	Interval time.Duration

	// Logger for monitor activity (default: stderr logger).
	Logger *log.Logger
}

// NewMonitor creates a Monitor. Start must be called before it reports
// transitions; until then Online reflects only the marker file.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Probe == nil {
		return nil, fmt.Errorf("probe cannot be nil")
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("state directory cannot be empty")
	}
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}

	m := &Monitor{
		probe:      cfg.Probe,
		markerPath: filepath.Join(cfg.StateDir, OfflineMarkerName),
		interval:   cfg.Interval,
		logger:     cfg.Logger,
		done:       make(chan struct{}),
	}
	m.forcedOffline = m.markerPresent()
	return m, nil
}

// Online reports the last observed state. The marker file always wins.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online && !m.forcedOffline
}

// OnChange registers a callback invoked on every online/offline
// transition. Callbacks run on the monitor's goroutine; keep them short.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Start begins probing and watching the marker file.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	m.running = true
	m.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create marker watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.markerPath)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch state directory: %w", err)
	}
	m.watcher = watcher

	// Establish initial state synchronously so callers see a meaningful
	// Online() immediately after Start.
	m.observe(m.probe.Check(ctx), m.markerPresent())

	m.wg.Add(2)
	go m.probeLoop(ctx)
	go m.watchMarker()

	return nil
}

// Stop shuts the monitor down and waits for its goroutines.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	if err := m.watcher.Close(); err != nil {
		m.logger.Printf("Error closing marker watcher: %v", err)
	}
	m.wg.Wait()
	return nil
}

// probeLoop periodically re-checks reachability.
func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(m.probe.Check(ctx), m.markerPresent())
		}
	}
}

// watchMarker reacts to the offline marker appearing or disappearing.
func (m *Monitor) watchMarker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != m.markerPath {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				m.logger.Printf("Offline marker created, forcing offline")
				m.observeForced(true)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				m.logger.Printf("Offline marker removed")
				m.observeForced(false)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Printf("Marker watcher error: %v", err)
		}
	}
}

func (m *Monitor) markerPresent() bool {
	_, err := os.Stat(m.markerPath)
	return err == nil
}

// observe folds a probe result and marker state into the effective
// online state and notifies callbacks on a transition.
func (m *Monitor) observe(reachable, forced bool) {
	m.mu.Lock()
	was := m.online && !m.forcedOffline
	m.online = reachable
	m.forcedOffline = forced
	now := m.online && !m.forcedOffline
	callbacks := m.callbacks
	m.mu.Unlock()

	if was == now {
		return
	}
	if now {
		m.logger.Printf("Connectivity regained")
	} else {
		m.logger.Printf("Connectivity lost")
	}
	for _, fn := range callbacks {
		fn(now)
	}
}

func (m *Monitor) observeForced(forced bool) {
	m.mu.Lock()
	reachable := m.online
	m.mu.Unlock()
	m.observe(reachable, forced)
}
