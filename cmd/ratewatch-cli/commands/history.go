package commands

import (
	"fmt"
	"os"
	"time"

	"ratewatch-backend/lib/timezone"
	"ratewatch-backend/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <itemKey>",
	Short: "Prints the verification history of an item.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, cleanup := setupServices()
		defer cleanup()

		events, err := s.verify.History(cmd.Context(), args[0])
		if err != nil {
			serviceutil.Fatal("list verification history", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"When", "Rate", "By", "Evidence", "Note"})
		for _, event := range events {
			when := time.Unix(event.CreatedAt, 0).
				In(timezone.Location).
				Format("2006-01-02 15:04")
			t.AppendRow(table.Row{
				when,
				fmt.Sprintf("%.2f%%", event.Rate),
				event.CreatedBy,
				event.Evidence.String,
				event.Note.String,
			})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
