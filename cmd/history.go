package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/dashlink/internal/types"
	"github.com/andresmejia3/dashlink/internal/utils"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recently sent frames from the transmission log",
	Run: func(cmd *cobra.Command, args []string) {
		if err := openDB(cmd.Context(), resolveDBURL(dbURL, os.Getenv)); err != nil {
			utils.Die("Failed to open transmission log", err)
		}
		transmissions, err := DB.ListTransmissions(cmd.Context(), historyLimit)
		if err != nil {
			utils.Die("Failed to list transmissions", err)
		}
		printHistory(os.Stdout, transmissions)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of transmissions to show")
	rootCmd.AddCommand(historyCmd)
}

func printHistory(out io.Writer, transmissions []types.Transmission) {
	if len(transmissions) == 0 {
		fmt.Fprintln(out, "No transmissions recorded.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SENT\tPEER\tSIZE\tLATENCY\tTOP CLASS\tDIGEST")
	fmt.Fprintln(w, "----\t----\t----\t-------\t---------\t------")

	for _, t := range transmissions {
		top := "-"
		if i := utils.ArgMax(t.Scores); i >= 0 {
			top = fmt.Sprintf("%d (%.3f)", i, t.Scores[i])
		}
		digest := t.Digest
		if len(digest) > 12 {
			digest = digest[:12]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.SentAt.Local().Format("2006-01-02 15:04:05"),
			t.Peer,
			utils.HumanBytes(t.FrameBytes),
			t.SentAt.Sub(t.ObservedAt).Round(10*time.Microsecond),
			top,
			digest)
	}
	w.Flush()
}
