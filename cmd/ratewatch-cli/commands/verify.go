package commands

import (
	"fmt"
	"os"
	"strconv"

	"ratewatch-backend/lib/util/serviceutil"
	"ratewatch-backend/services/verify"

	"github.com/spf13/cobra"
)

var (
	verifyNote     *string
	verifyEvidence *string
	verifyActor    *string
)

func init() {
	verifyNote = verifyCmd.Flags().String("note", "", "Free-form note stored with the verification.")
	verifyEvidence = verifyCmd.Flags().String("evidence", "", "Reference (URL, screenshot path) backing the rate.")
	verifyActor = verifyCmd.Flags().String("actor", "", "Actor id recorded in history; defaults to $USER.")
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify <itemKey> <rate>",
	Short: "Records a manually verified rate for an item.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		rate, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rate %q is not a number\n", args[1])
			os.Exit(1)
		}
		actor := *verifyActor
		if actor == "" {
			actor = os.Getenv("USER")
		}
		if actor == "" {
			fmt.Fprintln(os.Stderr, "--actor is required when $USER is unset")
			os.Exit(1)
		}

		s, cleanup := setupServices()
		defer cleanup()

		err = s.verify.Submit(cmd.Context(), verify.Submission{
			ItemKey:  args[0],
			Rate:     rate,
			Evidence: *verifyEvidence,
			Note:     *verifyNote,
			Actor:    actor,
		})
		if err != nil {
			serviceutil.Fatal("submit verification", err)
		}
		fmt.Printf("verified %s at %.2f%%\n", args[0], rate)
	},
}
