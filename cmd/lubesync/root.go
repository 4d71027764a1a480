// Command lubesync is the offline sync engine for lubrication
// maintenance tracking.
//
// Field technicians record task executions locally; lubesync keeps the
// local SQLite cache durable, queues every mutation in an outbox, and
// reconciles with the remote maintenance API whenever the device is
// online.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lubetrack/lubesync/internal/remote"
	"github.com/lubetrack/lubesync/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "lubesync",
	Short: "Offline-first sync engine for lubrication maintenance routes",
	Long: `lubesync keeps a local cache of lubrication work orders and task
executions, queues every local change in a durable outbox, and delivers
queued changes to the remote maintenance API in order whenever the
device is online.

Local changes are never lost: a mutation and its outbox entry are
written in one transaction, failed deliveries are retried with backoff,
and entries that exhaust their retry budget are parked for operator
review instead of being dropped.`,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <state-dir>/config.yaml)")
	rootCmd.PersistentFlags().String("state-dir", "", "state directory (default: ~/.lubesync)")
	_ = viper.BindPFlag("state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))

	rootCmd.AddGroup(
		&cobra.Group{ID: "record", Title: "Recording commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
		&cobra.Group{ID: "audit", Title: "Audit commands:"},
	)
}

func initConfig() {
	viper.SetDefault("state_dir", defaultStateDir())
	viper.SetDefault("remote.timeout", 10*time.Second)
	viper.SetDefault("sync.process_interval", 30*time.Second)
	viper.SetDefault("sync.reconcile_interval", 5*time.Minute)
	viper.SetDefault("sync.max_retries", 3)
	viper.SetDefault("sync.base_delay", 30*time.Second)
	viper.SetDefault("connectivity.probe_interval", 15*time.Second)
	viper.SetDefault("dashboard.port", 8080)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(viper.GetString("state_dir"))
	}

	viper.SetEnvPrefix("LUBESYNC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Missing config is fine; flags, env, and defaults cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lubesync"
	}
	return filepath.Join(home, ".lubesync")
}

// openStore opens the local database under the state directory.
func openStore() (*store.Store, error) {
	dbPath := filepath.Join(viper.GetString("state_dir"), "lubesync.db")
	return store.Open(dbPath)
}

// newRemote builds the HTTP remote from config.
func newRemote() (remote.Remote, error) {
	baseURL := viper.GetString("remote.base_url")
	if baseURL == "" {
		return nil, fmt.Errorf("remote.base_url is not configured (set it in config.yaml or LUBESYNC_REMOTE_BASE_URL)")
	}
	return remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL: baseURL,
		APIKey:  viper.GetString("remote.api_key"),
		Timeout: viper.GetDuration("remote.timeout"),
	})
}

// healthURL returns the configured probe URL, defaulting to the remote's
// health endpoint.
func healthURL() string {
	if url := viper.GetString("connectivity.health_url"); url != "" {
		return url
	}
	return viper.GetString("remote.base_url") + "/health"
}

// fatal prints an error and exits, surfacing storage exhaustion with the
// blocking warning it deserves.
func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if errors.Is(err, store.ErrStorageFull) {
		fmt.Fprintln(os.Stderr, "Local storage is full. Free disk space before recording more work; new changes cannot be queued safely.")
	}
	os.Exit(1)
}
