package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// AdjustRunnerCount brings the number of runners requested for a run in
// line with its pending results. It calls the broker only when the
// wanted count differs from what was last requested.
func (o *orchestrator) AdjustRunnerCount(ctx context.Context, runID string) error {
	log := o.log.WithField("run_id", runID)

	run, err := o.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}

	// A finished run's job has ended at the broker, which releases its
	// runners. Only the local count needs resetting.
	if run.State.Finished() {
		if run.RunnersRequested == 0 {
			return nil
		}

		_, err := updateRun(ctx, o.store, runID, func(r *store.Run) error {
			r.RunnersRequested = 0

			return nil
		})

		return err
	}

	pending, err := o.store.CountPendingResults(ctx, runID)
	if err != nil {
		return err
	}

	needed := 0
	if pending > 0 {
		needed = max(o.opts.Policy.Needed(int(pending)), 0)
	}

	if needed == run.RunnersRequested {
		return nil
	}

	delta := needed - run.RunnersRequested

	log = log.WithFields(logrus.Fields{
		"job_id":    run.JobID,
		"pending":   pending,
		"requested": run.RunnersRequested,
		"needed":    needed,
	})

	// Claim the new count before asking the broker so that concurrent
	// adjustments of the same run never both send a delta.
	won, err := o.store.SwapRunnersRequested(ctx, run.ID, run.JobID, run.RunnersRequested, needed)
	if err != nil {
		return err
	}

	if !won {
		log.Debug("Run resized elsewhere, skipping")

		return nil
	}

	if err := o.broker.RequestRunners(ctx, run.ID, run.JobID, delta); err != nil {
		// Hand the count back so the retry computes the same delta.
		_, rollbackErr := o.store.SwapRunnersRequested(
			ctx, run.ID, run.JobID, needed, run.RunnersRequested)

		return errors.Join(
			fmt.Errorf("requesting %+d runners for run %s: %w", delta, runID, err),
			rollbackErr,
		)
	}

	log.Info("Adjusted runner count")

	return nil
}
