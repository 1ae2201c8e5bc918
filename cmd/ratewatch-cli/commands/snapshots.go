package commands

import (
	"os"
	"time"

	"ratewatch-backend/lib/timezone"
	"ratewatch-backend/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var snapshotsLimit *int64

func init() {
	snapshotsLimit = snapshotsCmd.Flags().Int64("limit", 10, "How many snapshots to show.")
	rootCmd.AddCommand(snapshotsCmd)
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots <genreId> [--limit <n>]",
	Short: "Prints the most recent snapshots captured for a genre.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, cleanup := setupServices()
		defer cleanup()

		snapshots, err := s.ranking.ListSnapshots(cmd.Context(), args[0], *snapshotsLimit)
		if err != nil {
			serviceutil.Fatal("list snapshots", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"ID", "Captured", "Status", "Items", "Error"})
		for _, snapshot := range snapshots {
			captured := time.Unix(snapshot.CapturedAt, 0).
				In(timezone.Location).
				Format("2006-01-02 15:04")
			t.AppendRow(table.Row{
				snapshot.ID, captured, snapshot.Status,
				snapshot.FetchedCount, snapshot.Error.String,
			})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
