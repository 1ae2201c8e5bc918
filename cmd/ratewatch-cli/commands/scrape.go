package commands

import (
	"fmt"
	"os"
	"strings"

	"ratewatch-backend/lib/util/serviceutil"
	"ratewatch-backend/services/scrape"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	scrapeSnapshot *int64
	scrapeQueue    *int64
	scrapeKeys     *string
)

func init() {
	scrapeSnapshot = scrapeCmd.Flags().Int64("snapshot", 0, "Scrape every item of the given snapshot.")
	scrapeQueue = scrapeCmd.Flags().Int64("queue", 0, "Scrape the top N pending tasks by priority.")
	scrapeKeys = scrapeCmd.Flags().String("keys", "", "Comma-separated item keys to scrape.")
	rootCmd.AddCommand(scrapeCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape [--snapshot <id> | --queue <n> | --keys <k1,k2,...>]",
	Short: "Runs a scrape batch and verifies the extracted rates.",
	Run: func(cmd *cobra.Command, args []string) {
		var target scrape.Target
		switch {
		case *scrapeSnapshot != 0:
			target = scrape.BySnapshot{SnapshotID: *scrapeSnapshot}
		case *scrapeQueue != 0:
			target = scrape.ByQueue{Limit: *scrapeQueue}
		case *scrapeKeys != "":
			target = scrape.ByItemKeys{Keys: strings.Split(*scrapeKeys, ",")}
		default:
			fmt.Fprintln(os.Stderr, "one of --snapshot, --queue or --keys is required")
			os.Exit(1)
		}

		s, cleanup := setupServices()
		defer cleanup()
		ctx := cmd.Context()

		orchestrator, release := setupOrchestrator(ctx, s)
		defer release()

		result, err := orchestrator.RunBatch(ctx, target)
		if err != nil {
			serviceutil.Fatal("run scrape batch", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Item", "Source", "Scraped", "Diff", "Status", "Error"})
		for _, item := range result.Items {
			t.AppendRow(table.Row{
				item.ItemKey,
				formatRate(item.SourceRate),
				formatRate(item.ScrapedRate),
				formatRate(item.Difference),
				item.Status,
				item.Error,
			})
		}
		t.AppendFooter(table.Row{
			"", "", "", "",
			fmt.Sprintf("%d ok", result.Succeeded),
			fmt.Sprintf("%d failed", result.Failed),
		})
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
