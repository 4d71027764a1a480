package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lubetrack/lubesync/internal/model"
)

var recordCmd = &cobra.Command{
	Use:     "record <task-id>",
	GroupID: "record",
	Short:   "Record the execution of a lubrication task",
	Long: `Record a task execution locally. The change is applied to the local
cache and queued in the outbox in one transaction, so it survives a
crash and is delivered to the remote API on the next sync pass, whenever
connectivity allows.

Only the flags you pass are changed; other fields keep their values.

Example:
  lubesync record t-1042 --status done --quantity 12.5 --notes "bearing ran hot"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		var mut model.TaskMutation
		if cmd.Flags().Changed("status") {
			v, _ := cmd.Flags().GetString("status")
			mut.Status = &v
		}
		if cmd.Flags().Changed("quantity") {
			v, _ := cmd.Flags().GetFloat64("quantity")
			mut.QuantityUsed = &v
		}
		if cmd.Flags().Changed("notes") {
			v, _ := cmd.Flags().GetString("notes")
			mut.Notes = &v
		}
		if mut.Empty() {
			fmt.Fprintln(os.Stderr, "Error: nothing to record; pass at least one of --status, --quantity, --notes")
			os.Exit(1)
		}

		if err := st.MutateTaskWithOutbox(context.Background(), args[0], &mut); err != nil {
			fatal(err)
		}

		pending, err := st.PendingOutboxCount(context.Background())
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Recorded %s (%d change(s) queued)\n", args[0], pending)
	},
}

var recordNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Record a task execution for a point not on the work order",
	Long: `Create a new task execution locally, for example when a technician
services a lubrication point that was not scheduled. The task gets a
locally generated id, is marked pending-upload, and is created remotely
on the next sync pass.`,
	Run: func(cmd *cobra.Command, args []string) {
		workOrder, _ := cmd.Flags().GetString("work-order")
		point, _ := cmd.Flags().GetString("point")
		if workOrder == "" || point == "" {
			fmt.Fprintln(os.Stderr, "Error: --work-order and --point are required")
			os.Exit(1)
		}

		st, err := openStore()
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		taskStatus, _ := cmd.Flags().GetString("status")
		quantity, _ := cmd.Flags().GetFloat64("quantity")
		notes, _ := cmd.Flags().GetString("notes")

		task := &model.LocalTask{
			ID:           uuid.NewString(),
			WorkOrderID:  workOrder,
			PointID:      point,
			Status:       taskStatus,
			QuantityUsed: quantity,
			Notes:        notes,
		}
		if err := st.CreateTaskWithOutbox(context.Background(), task); err != nil {
			fatal(err)
		}
		fmt.Printf("Created task %s (queued for upload)\n", task.ID)
	},
}

func init() {
	recordCmd.Flags().String("status", "", "execution status (not_started, done, skipped)")
	recordCmd.Flags().Float64("quantity", 0, "lubricant quantity used")
	recordCmd.Flags().String("notes", "", "free-text notes")

	recordNewCmd.Flags().String("work-order", "", "parent work order id")
	recordNewCmd.Flags().String("point", "", "lubrication point id")
	recordNewCmd.Flags().String("status", model.TaskDone, "execution status")
	recordNewCmd.Flags().Float64("quantity", 0, "lubricant quantity used")
	recordNewCmd.Flags().String("notes", "", "free-text notes")

	recordCmd.AddCommand(recordNewCmd)
	rootCmd.AddCommand(recordCmd)
}
