package commands

import (
	"os"
	"time"

	"ratewatch-backend/lib/timezone"
	"ratewatch-backend/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var queueLimit *int64

func init() {
	queueLimit = queueCmd.Flags().Int64("limit", 20, "How many pending tasks to show.")
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue [--limit <n>]",
	Short: "Prints the highest-priority pending verification tasks.",
	Run: func(cmd *cobra.Command, args []string) {
		s, cleanup := setupServices()
		defer cleanup()

		tasks, err := s.verify.PendingQueue(cmd.Context(), *queueLimit)
		if err != nil {
			serviceutil.Fatal("list pending tasks", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Item", "Priority", "Status", "Last Seen"})
		for _, task := range tasks {
			lastSeen := time.Unix(task.LastSeenAt, 0).
				In(timezone.Location).
				Format("2006-01-02 15:04")
			t.AppendRow(table.Row{task.ItemKey, task.Priority, task.Status, lastSeen})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
