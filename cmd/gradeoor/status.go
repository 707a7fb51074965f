package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/gradeoor/pkg/database"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/spf13/cobra"
)

var statusAll bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show runs with their fleet and result counts",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "include finished runs")

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()

	db, err := database.Open(log, &cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	defer func() { _ = database.Close(db) }()

	st := store.NewStore(log, db)
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating store: %w", err)
	}

	runs, err := st.ListRuns(ctx)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	now := time.Now()
	maxAge := cfg.Orchestrator.MaxHeartbeatAge()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATE\tAGE\tRUNNERS\tSILENT\tREQUESTED\tPENDING\tDONE\tDEADLINE")

	for _, run := range runs {
		if run.State.Finished() && !statusAll {
			continue
		}

		runners, err := st.ListRunners(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("listing runners of %s: %w", run.ID, err)
		}

		pending, err := st.CountPendingResults(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("counting results of %s: %w", run.ID, err)
		}

		counts, err := st.CountResultsByState(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("counting results of %s: %w", run.ID, err)
		}

		done := counts[store.ResultStatePassed] +
			counts[store.ResultStateFailed] +
			counts[store.ResultStateTimedOut]

		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			run.ID,
			run.State,
			units.HumanDuration(now.Sub(run.CreatedAt)),
			len(runners),
			countSilent(now, runners, maxAge),
			run.RunnersRequested,
			pending,
			done,
			formatDeadline(now, run.KillDeadline),
		)
	}

	return w.Flush()
}

// countSilent returns how many runners have not sent a heartbeat within
// maxAge and are due to be replaced.
func countSilent(now time.Time, runners []store.Runner, maxAge time.Duration) int {
	var n int

	for _, runner := range runners {
		if now.Sub(runner.LastHeartbeat) > maxAge {
			n++
		}
	}

	return n
}

func formatDeadline(now time.Time, deadline *time.Time) string {
	if deadline == nil {
		return "-"
	}

	if deadline.Before(now) {
		return units.HumanDuration(now.Sub(*deadline)) + " ago"
	}

	return "in " + units.HumanDuration(deadline.Sub(now))
}
