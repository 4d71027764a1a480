package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lubetrack/lubesync/internal/connectivity"
	"github.com/lubetrack/lubesync/internal/outbox"
	"github.com/lubetrack/lubesync/internal/reconcile"
	"github.com/lubetrack/lubesync/internal/status"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one outbox delivery pass now",
	Long: `Deliver all queued changes to the remote API in enqueue order. If the
device is offline this is a no-op. Entries that fail are left queued for
the next pass; entries past their retry budget are parked for review
(see "lubesync outbox list").`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		rem, err := newRemote()
		if err != nil {
			fatal(err)
		}

		ctx := context.Background()
		probe := connectivity.NewHTTPProbe(healthURL(), viper.GetDuration("remote.timeout"))
		tracker := status.NewTracker()
		logger := log.New(os.Stderr, "[outbox] ", log.LstdFlags)

		proc := outbox.New(st, rem, func() bool { return probe.Check(ctx) }, tracker, outbox.Config{
			MaxRetries: viper.GetInt("sync.max_retries"),
			BaseDelay:  viper.GetDuration("sync.base_delay"),
			Logger:     logger,
		})

		result, err := proc.Run(ctx)
		if err != nil {
			fatal(err)
		}
		if result.Offline {
			fmt.Println("Offline; nothing delivered. Queued changes are safe and will sync later.")
			return
		}
		fmt.Printf("Delivered %d, failed %d, parked %d, blocked %d\n",
			result.Delivered, result.Failed, result.Parked, result.Blocked)
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull [work-order-id...]",
	GroupID: "sync",
	Short:   "Pull work orders from the remote API into the local cache",
	Long: `Refresh the local cache from the remote API. With no arguments, every
cached work order is re-pulled. Tasks with unconfirmed local changes are
never overwritten by a pull.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		rem, err := newRemote()
		if err != nil {
			fatal(err)
		}

		ctx := context.Background()
		tracker := status.NewTracker()
		rec := reconcile.New(st, rem, tracker, log.New(os.Stderr, "[reconcile] ", log.LstdFlags))

		if len(args) == 0 {
			if err := rec.ReconcileAll(ctx); err != nil {
				fatal(err)
			}
		} else {
			for _, id := range args {
				if err := rec.Reconcile(ctx, id); err != nil {
					fatal(err)
				}
			}
		}
		fmt.Println("Pull complete")
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pullCmd)
}
