package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gavelworks/lotsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "lotsync",
	Short: "Auction lot snapshot ingestion and outcome inference",
	Long:  "Captures daily auction inventory snapshots, reconciles them into normalized vehicles and lots, diffs consecutive snapshots into an event ledger, and infers sale outcomes.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
