package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lubetrack/lubesync/internal/model"
)

var outboxCmd = &cobra.Command{
	Use:     "outbox",
	GroupID: "audit",
	Short:   "Inspect and manage the pending-change queue",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued changes in delivery order",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		ctx := context.Background()
		stuckOnly, _ := cmd.Flags().GetBool("stuck")

		var entries []*model.OutboxEntry
		if stuckOnly {
			entries, err = st.StuckOutbox(ctx)
		} else {
			entries, err = st.AllOutbox(ctx)
		}
		if err != nil {
			fatal(err)
		}
		if len(entries) == 0 {
			fmt.Println("Outbox is empty")
			return
		}

		for _, e := range entries {
			state := "queued"
			if e.Stuck {
				state = "STUCK"
			} else if e.RetryCount > 0 {
				state = fmt.Sprintf("retrying (%d)", e.RetryCount)
			}
			fmt.Printf("%4d  %-6s %-6s %-20s %-12s enqueued %s\n",
				e.Seq, e.Action, e.Resource, e.TargetID, state,
				e.EnqueuedAt.Format(time.RFC3339))
			if e.LastError != "" {
				fmt.Printf("      last error: %s\n", e.LastError)
			}
		}
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <seq>",
	Short: "Re-arm a stuck entry for automatic delivery",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		seq, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid sequence number %q\n", args[0])
			os.Exit(1)
		}

		st, err := openStore()
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		if err := st.RetryOutboxEntry(context.Background(), seq); err != nil {
			fatal(err)
		}
		fmt.Printf("Entry %d re-armed; it will be delivered on the next sync pass\n", seq)
	},
}

// exportedEntry is the export wire shape. The payload is embedded as a
// plain string so the YAML encoder renders it readably instead of as a
// binary blob.
type exportedEntry struct {
	Seq        int64  `json:"seq" yaml:"seq"`
	Resource   string `json:"resource" yaml:"resource"`
	Action     string `json:"action" yaml:"action"`
	TargetID   string `json:"target_id" yaml:"target_id"`
	Payload    string `json:"payload" yaml:"payload"`
	EnqueuedAt string `json:"enqueued_at" yaml:"enqueued_at"`
	RetryCount int    `json:"retry_count" yaml:"retry_count"`
	Stuck      bool   `json:"stuck" yaml:"stuck"`
	LastError  string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

var outboxExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump the full outbox for support or backup",
	Long: `Write every queued change to stdout. Useful before wiping a device or
when escalating a stuck queue to support.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		entries, err := st.AllOutbox(context.Background())
		if err != nil {
			fatal(err)
		}

		exported := make([]exportedEntry, 0, len(entries))
		for _, e := range entries {
			exported = append(exported, exportedEntry{
				Seq:        e.Seq,
				Resource:   e.Resource,
				Action:     e.Action,
				TargetID:   e.TargetID,
				Payload:    string(e.Payload),
				EnqueuedAt: e.EnqueuedAt.Format(time.RFC3339Nano),
				RetryCount: e.RetryCount,
				Stuck:      e.Stuck,
				LastError:  e.LastError,
			})
		}

		format, _ := cmd.Flags().GetString("format")
		switch format {
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(exported); err != nil {
				fatal(err)
			}
			enc.Close()
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(exported); err != nil {
				fatal(err)
			}
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown format %q (want yaml or json)\n", format)
			os.Exit(1)
		}
	},
}

func init() {
	outboxListCmd.Flags().Bool("stuck", false, "show only parked entries")
	outboxExportCmd.Flags().String("format", "yaml", "output format: yaml or json")

	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxRetryCmd)
	outboxCmd.AddCommand(outboxExportCmd)
	rootCmd.AddCommand(outboxCmd)
}
