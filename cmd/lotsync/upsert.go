package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/gavelworks/lotsync/internal/reconcile"
)

var upsertLimit int

var upsertCmd = &cobra.Command{
	Use:   "upsert",
	Short: "Reconcile pending staging records into vehicles and lots",
	Long:  "Normalizes VINs, coerces typed fields, and upserts vehicles and lots with monotonic revision guards. Bad rows log conflicts and never abort the batch.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		rep, err := reconcile.UpsertBatch(ctx, st, reconcile.Options{Limit: upsertLimit})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	upsertCmd.Flags().IntVar(&upsertLimit, "limit", 0, "max staging rows to process (0 = all)")
	rootCmd.AddCommand(upsertCmd)
}
