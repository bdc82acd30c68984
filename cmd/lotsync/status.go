package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gavelworks/lotsync/internal/model"
	"github.com/gavelworks/lotsync/internal/store"
)

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a summary of the persisted state",
	Long:  "Displays snapshot, row, entity, event, and outcome counts plus data quality rates.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		sum, err := st.Summary(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		switch statusFormat {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			defer enc.Close()
			return enc.Encode(sum)
		case "text":
			formatSummary(os.Stdout, sum)
			return nil
		default:
			return eris.Errorf("unknown format %q", statusFormat)
		}
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "output format: text, json, or yaml")
	rootCmd.AddCommand(statusCmd)
}

// formatSummary writes a tabular representation of the summary to w.
func formatSummary(out io.Writer, sum *store.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	lastCaptured := "-"
	if sum.LastCapturedAt != nil {
		lastCaptured = sum.LastCapturedAt.Format("2006-01-02 15:04")
	}

	_, _ = fmt.Fprintf(w, "snapshots\t%d\t(last captured %s)\n", sum.Snapshots, lastCaptured)
	_, _ = fmt.Fprintf(w, "raw rows\t%d\n", sum.RawRows)
	_, _ = fmt.Fprintf(w, "staging rows\t%d\t(%d pending, %.1f%% missing vin)\n",
		sum.StagingRows, sum.StagingPending, sum.MissingVINRate()*100)
	_, _ = fmt.Fprintf(w, "vehicles\t%d\n", sum.Vehicles)
	_, _ = fmt.Fprintf(w, "lots\t%d\n", sum.Lots)
	_, _ = fmt.Fprintf(w, "parse errors\t%d\n", sum.ParseErrors)
	_, _ = fmt.Fprintf(w, "missing key drops\t%d\n", sum.MissingKeyDrops)

	for _, et := range []model.EventType{model.EventAppeared, model.EventDisappeared, model.EventUpdated, model.EventRelisted} {
		if n := sum.EventCounts[et]; n > 0 {
			_, _ = fmt.Fprintf(w, "events: %s\t%d\n", et, n)
		}
	}
	for outcome, n := range sum.OutcomeCounts {
		_, _ = fmt.Fprintf(w, "outcome: %s\t%d\t(mean confidence %.2f)\n",
			outcome, n, sum.MeanConfidence[outcome])
	}

	_, _ = fmt.Fprintf(w, "unresolved conflicts\t%d\n", sum.UnresolvedConflicts)
	_ = w.Flush()
}
