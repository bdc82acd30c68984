package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gavelworks/lotsync/internal/outcome"
)

var (
	resolveGraceHours   int
	resolveApprovalDays int
	resolveDryRun       bool
	resolveLot          string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve-outcomes",
	Short: "Infer sale outcomes from the event ledger",
	Long:  "Applies the outcome heuristics: disappearance past the grace window infers sold, a relist infers not_sold for the prior listing, and reserve lots wait out the approval window.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		rules := cfg.Resolver
		if resolveGraceHours > 0 {
			rules.GraceHours = resolveGraceHours
		}
		if resolveApprovalDays > 0 {
			rules.ApprovalDays = resolveApprovalDays
		}

		resolver := outcome.NewResolver(st, rules)
		rep, err := resolver.Resolve(ctx, time.Now().UTC(), outcome.Options{
			DryRun: resolveDryRun,
			Lot:    resolveLot,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	resolveCmd.Flags().IntVar(&resolveGraceHours, "grace-hours", 0, "override the sold grace window")
	resolveCmd.Flags().IntVar(&resolveApprovalDays, "approval-days", 0, "override the on-approval window")
	resolveCmd.Flags().BoolVar(&resolveDryRun, "dry-run", false, "report decisions without writing them")
	resolveCmd.Flags().StringVar(&resolveLot, "lot", "", "resolve a single external lot id")
	rootCmd.AddCommand(resolveCmd)
}
