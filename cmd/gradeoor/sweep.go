package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/gradeoor/pkg/database"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Sweep overdue batch runs once and exit",
	Long: `Stop the fleets of runs whose assignment deadline has passed while they
still hold hidden steps. This is the same pass the serve command runs
periodically.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx := context.Background()

	c, err := setup(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = database.Close(c.db) }()

	if err := c.orch.SweepBatchRuns(ctx); err != nil {
		return fmt.Errorf("sweeping batch runs: %w", err)
	}

	log.Info("Sweep complete")

	return nil
}
