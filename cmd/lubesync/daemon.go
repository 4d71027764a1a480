package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lubetrack/lubesync/internal/connectivity"
	"github.com/lubetrack/lubesync/internal/daemon"
	"github.com/lubetrack/lubesync/internal/dashboard"
	"github.com/lubetrack/lubesync/internal/outbox"
	"github.com/lubetrack/lubesync/internal/reconcile"
	"github.com/lubetrack/lubesync/internal/status"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync engine",
	Long: `Run lubesync as a long-lived process: the outbox is drained on an
interval and whenever connectivity comes back, cached work orders are
re-pulled periodically, and a websocket dashboard exposes live sync
state to UI surfaces.

Logs rotate under <state-dir>/logs/. Drop a file named "offline" in the
state directory to force offline mode (airplane mode for testing).`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(cmd); err != nil {
			fatal(err)
		}
	},
}

func runDaemon(cmd *cobra.Command) error {
	stateDir := viper.GetString("state_dir")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Rotating file log, mirrored to stderr in the foreground.
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(stateDir, "logs", "daemon.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	defer rotator.Close()
	logOut := io.MultiWriter(os.Stderr, rotator)

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rem, err := newRemote()
	if err != nil {
		return err
	}

	probe := connectivity.NewHTTPProbe(healthURL(), viper.GetDuration("remote.timeout"))
	monitor, err := connectivity.NewMonitor(connectivity.MonitorConfig{
		Probe:    probe,
		StateDir: stateDir,
		Interval: viper.GetDuration("connectivity.probe_interval"),
		Logger:   log.New(logOut, "[connectivity] ", log.LstdFlags),
	})
	if err != nil {
		return err
	}

	tracker := status.NewTracker()

	processor := outbox.New(st, rem, monitor.Online, tracker, outbox.Config{
		MaxRetries: viper.GetInt("sync.max_retries"),
		BaseDelay:  viper.GetDuration("sync.base_delay"),
		Logger:     log.New(logOut, "[outbox] ", log.LstdFlags),
	})

	reconciler := reconcile.New(st, rem, tracker,
		log.New(logOut, "[reconcile] ", log.LstdFlags))

	d, err := daemon.New(st, processor, reconciler, monitor, tracker, &daemon.Config{
		ProcessInterval:   viper.GetDuration("sync.process_interval"),
		ReconcileInterval: viper.GetDuration("sync.reconcile_interval"),
		Logger:            log.New(logOut, "[daemon] ", log.LstdFlags),
	})
	if err != nil {
		return err
	}

	var dash *dashboard.Server
	if enabled, _ := cmd.Flags().GetBool("dashboard"); enabled {
		dash, err = dashboard.NewServer(&dashboard.Config{
			Port:    viper.GetInt("dashboard.port"),
			Tracker: tracker,
			Logger:  log.New(logOut, "[dashboard] ", log.LstdFlags),
		})
		if err != nil {
			return err
		}
		if err := dash.Start(); err != nil {
			return err
		}
		defer func() {
			if err := dash.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Start(ctx)
}

func init() {
	daemonCmd.Flags().Bool("dashboard", true, "serve the websocket status dashboard")
	daemonCmd.Flags().Int("dashboard-port", 0, "dashboard port (overrides config)")
	_ = viper.BindPFlag("dashboard.port", daemonCmd.Flags().Lookup("dashboard-port"))

	rootCmd.AddCommand(daemonCmd)
}
