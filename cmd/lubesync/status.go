package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lubetrack/lubesync/internal/connectivity"
	"github.com/lubetrack/lubesync/internal/model"
	"github.com/lubetrack/lubesync/internal/store"
)

var (
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12)
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity and queue state",
	Long: `Show whether the device is online, how many local changes are waiting
for delivery, and whether any entries are parked or conflicted. With
--watch the view refreshes until interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		probe := connectivity.NewHTTPProbe(healthURL(), viper.GetDuration("remote.timeout"))
		watch, _ := cmd.Flags().GetBool("watch")

		ctx := context.Background()
		if err := printStatus(ctx, st, probe); err != nil {
			fatal(err)
		}
		if !watch {
			return
		}
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			fmt.Println()
			if err := printStatus(ctx, st, probe); err != nil {
				fatal(err)
			}
		}
	},
}

func printStatus(ctx context.Context, st *store.Store, probe connectivity.Probe) error {
	pending, err := st.PendingOutboxCount(ctx)
	if err != nil {
		return err
	}
	stuck, err := st.StuckOutboxCount(ctx)
	if err != nil {
		return err
	}
	conflicts, err := st.UnresolvedConflictCount(ctx)
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render("lubesync status"))

	if probe.Check(ctx) {
		fmt.Printf("%s %s\n", labelStyle.Render("Remote:"), onlineStyle.Render("online"))
	} else {
		fmt.Printf("%s %s\n", labelStyle.Render("Remote:"), offlineStyle.Render("offline"))
	}

	fmt.Printf("%s %d queued\n", labelStyle.Render("Outbox:"), pending)
	if stuck > 0 {
		fmt.Printf("%s %s\n", labelStyle.Render("Stuck:"),
			warnStyle.Render(fmt.Sprintf("%d entries need review (lubesync outbox list --stuck)", stuck)))
	}
	if conflicts > 0 {
		fmt.Printf("%s %s\n", labelStyle.Render("Conflicts:"),
			warnStyle.Render(fmt.Sprintf("%d unresolved (lubesync conflicts list)", conflicts)))
	}

	orders, err := st.WorkOrders(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s %d cached\n", labelStyle.Render("Work orders:"), len(orders))

	for _, wo := range orders {
		tasks, err := st.TasksByWorkOrder(ctx, wo.ID)
		if err != nil {
			return err
		}
		done, pendingTasks := 0, 0
		for _, t := range tasks {
			if t.Status == model.TaskDone {
				done++
			}
			if t.SyncMarker.Pending() {
				pendingTasks++
			}
		}
		line := fmt.Sprintf("  %s (%s): %d/%d done", wo.ID, wo.ScheduledDate, done, len(tasks))
		if pendingTasks > 0 {
			line += warnStyle.Render(fmt.Sprintf(", %d unsynced", pendingTasks))
		}
		fmt.Println(line)
	}
	return nil
}

func init() {
	statusCmd.Flags().Bool("watch", false, "refresh the view every few seconds")
	rootCmd.AddCommand(statusCmd)
}
