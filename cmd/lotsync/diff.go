package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/gavelworks/lotsync/internal/snapdiff"
)

var (
	diffAuto   bool
	diffPrev   string
	diffCurr   string
	diffDryRun bool
	diffForce  bool
)

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Diff two snapshots into the auction event ledger",
	Long:  "Compares two snapshots and appends appeared, disappeared, updated, and relisted events. A snapshot pair is only diffed once.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		opts := snapdiff.Options{DryRun: diffDryRun, Force: diffForce}

		var rep *snapdiff.Report
		switch {
		case diffAuto:
			rep, err = snapdiff.DiffAuto(ctx, st, opts)
		case diffPrev != "" && diffCurr != "":
			rep, err = snapdiff.Diff(ctx, st, diffPrev, diffCurr, opts)
		default:
			return eris.New("pass --auto or both --previous and --current")
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	diffCmd.Flags().BoolVar(&diffAuto, "auto", false, "diff the two most recent snapshots")
	diffCmd.Flags().StringVar(&diffPrev, "previous", "", "previous snapshot id")
	diffCmd.Flags().StringVar(&diffCurr, "current", "", "current snapshot id")
	diffCmd.Flags().BoolVar(&diffDryRun, "dry-run", false, "compute counts without writing events")
	diffCmd.Flags().BoolVar(&diffForce, "force", false, "re-diff a pair already in the ledger")
	rootCmd.AddCommand(diffCmd)
}
