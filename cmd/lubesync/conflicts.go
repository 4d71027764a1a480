package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/lubetrack/lubesync/internal/model"
	"github.com/lubetrack/lubesync/internal/store"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "audit",
	Short:   "Review and resolve sync conflicts",
	Long: `A conflict is recorded when a task with unconfirmed local changes is
deleted on the remote side. Neither copy wins automatically; an operator
decides whether the local work is re-created remotely or discarded.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded conflicts",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		includeResolved, _ := cmd.Flags().GetBool("all")
		conflicts, err := st.Conflicts(context.Background(), includeResolved)
		if err != nil {
			fatal(err)
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts")
			return
		}

		for _, c := range conflicts {
			state := "unresolved"
			if c.Resolved {
				state = "resolved"
			}
			fmt.Printf("%4d  %-15s task %-20s (work order %s) detected %s [%s]\n",
				c.ID, c.Kind, c.TaskID, c.WorkOrderID,
				c.DetectedAt.Format(time.RFC3339), state)
		}
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve [conflict-id]",
	Short: "Resolve conflicts interactively",
	Long: `Walk through unresolved conflicts one by one. Keeping the local work
re-queues the task as a remote create; accepting the remote deletion
removes the local copy. Either way the conflict is marked resolved.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		ctx := context.Background()
		conflicts, err := st.Conflicts(ctx, false)
		if err != nil {
			fatal(err)
		}

		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid conflict id %q\n", args[0])
				os.Exit(1)
			}
			conflicts = filterConflict(conflicts, id)
			if len(conflicts) == 0 {
				fmt.Fprintf(os.Stderr, "Error: no unresolved conflict with id %d\n", id)
				os.Exit(1)
			}
		}

		if len(conflicts) == 0 {
			fmt.Println("No conflicts to resolve")
			return
		}

		for _, c := range conflicts {
			if err := resolveOne(ctx, st, c); err != nil {
				fatal(err)
			}
		}
	},
}

func filterConflict(conflicts []*model.Conflict, id int64) []*model.Conflict {
	for _, c := range conflicts {
		if c.ID == id {
			return []*model.Conflict{c}
		}
	}
	return nil
}

// resolveOne prompts for and applies one resolution.
func resolveOne(ctx context.Context, st *store.Store, c *model.Conflict) error {
	var task model.LocalTask
	if err := json.Unmarshal(c.LocalSnapshot, &task); err != nil {
		return fmt.Errorf("failed to parse local snapshot for conflict %d: %w", c.ID, err)
	}

	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(fmt.Sprintf("Conflict %d: task %s was deleted remotely", c.ID, c.TaskID)).
			Description(fmt.Sprintf("Local copy: status=%s quantity=%v notes=%q (work order %s)",
				task.Status, task.QuantityUsed, task.Notes, c.WorkOrderID)).
			Options(
				huh.NewOption("Keep local work (re-create remotely)", "keep-local"),
				huh.NewOption("Accept remote deletion (discard local copy)", "accept-remote"),
				huh.NewOption("Skip for now", "skip"),
			).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		return fmt.Errorf("resolution aborted: %w", err)
	}

	switch choice {
	case "keep-local":
		if err := st.RequeueCreate(ctx, &task); err != nil {
			return fmt.Errorf("failed to requeue task %s: %w", task.ID, err)
		}
		if err := st.ResolveConflict(ctx, c.ID); err != nil {
			return err
		}
		fmt.Printf("Kept local copy of %s; queued for upload\n", task.ID)

	case "accept-remote":
		if err := st.DeleteTask(ctx, task.ID); err != nil {
			return fmt.Errorf("failed to delete task %s: %w", task.ID, err)
		}
		if err := st.ResolveConflict(ctx, c.ID); err != nil {
			return err
		}
		fmt.Printf("Discarded local copy of %s\n", task.ID)

	case "skip":
		fmt.Printf("Left conflict %d unresolved\n", c.ID)
	}
	return nil
}

func init() {
	conflictsListCmd.Flags().Bool("all", false, "include resolved conflicts")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
