package commands

import (
	"fmt"
	"os"

	"ratewatch-backend/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var ingestGenre *string

func init() {
	ingestGenre = ingestCmd.Flags().String("genre", "", "Ingest a single genre instead of every configured one.")
	rootCmd.AddCommand(ingestCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [--genre <genreId>]",
	Short: "Fetches ranking snapshots and reconciles verification tasks.",
	Run: func(cmd *cobra.Command, args []string) {
		s, cleanup := setupServices()
		defer cleanup()
		ctx := cmd.Context()

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Genre", "Snapshot", "Status", "Items", "Error"})

		if *ingestGenre != "" {
			cfg, err := s.ranking.IngestConfig(ctx)
			if err != nil {
				serviceutil.Fatal("read ingest config", err)
			}
			result, err := s.ranking.IngestCategory(ctx, *ingestGenre, cfg.TopN)
			t.AppendRow(table.Row{
				*ingestGenre, result.SnapshotID, result.Status, result.Count, errString(err),
			})
		} else {
			results, err := s.ranking.IngestAll(ctx)
			if err != nil {
				serviceutil.Fatal("ingest all categories", err)
			}
			for _, res := range results {
				t.AppendRow(table.Row{
					res.GenreID, res.Result.SnapshotID, res.Result.Status,
					res.Result.Count, errString(res.Err),
				})
			}
		}

		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%v", err)
}
