package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gavelworks/lotsync/internal/model"
)

var (
	conflictsUnresolved bool
	conflictsLimit      int
	conflictsResolve    string
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List or resolve normalization conflicts",
	Long:  "Shows the conflict audit log: invalid VINs, VIN collisions, rejected fields, and constraint violations queued for manual review.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if conflictsResolve != "" {
			if err := st.ResolveConflict(ctx, conflictsResolve); err != nil {
				return eris.Wrapf(err, "resolve conflict %s", conflictsResolve)
			}
			zap.L().Info("conflict resolved", zap.String("id", conflictsResolve))
			return nil
		}

		entries, err := st.ListConflicts(ctx, conflictsUnresolved, conflictsLimit)
		if err != nil {
			return eris.Wrap(err, "list conflicts")
		}
		if len(entries) == 0 {
			zap.L().Info("no conflicts found")
			return nil
		}

		formatConflicts(os.Stdout, entries)
		return nil
	},
}

func init() {
	conflictsCmd.Flags().BoolVar(&conflictsUnresolved, "unresolved", false, "show only unresolved conflicts")
	conflictsCmd.Flags().IntVar(&conflictsLimit, "limit", 100, "max conflicts to list")
	conflictsCmd.Flags().StringVar(&conflictsResolve, "resolve", "", "mark the given conflict id resolved")
	rootCmd.AddCommand(conflictsCmd)
}

// formatConflicts writes a tabular representation of conflict entries to w.
func formatConflicts(out io.Writer, entries []model.Conflict) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tLOT\tVIN\tDETAIL\tRESOLVED\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t---\t---\t------\t--------\t-------")

	for _, c := range entries {
		vin := c.VIN
		if vin == "" {
			vin = c.VINRaw
		}
		resolved := ""
		if c.Resolved {
			resolved = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID,
			c.Kind,
			c.ExternalLotID,
			vin,
			truncate(c.Detail, 60),
			resolved,
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
