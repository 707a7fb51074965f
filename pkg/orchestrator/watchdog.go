package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// sweepConcurrency bounds how many overdue runs are swept in parallel.
const sweepConcurrency = 4

// CheckKillDate enforces a run's hard deadline. Before the deadline the
// check reschedules itself for the deadline; after it any unfinished
// run, including one still waiting for its first runner, is marked
// timed_out and the broker is told the job ended.
func (o *orchestrator) CheckKillDate(ctx context.Context, runID string) error {
	log := o.log.WithField("run_id", runID)

	run, err := o.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}

	if run.KillDeadline == nil || run.State.Finished() {
		return nil
	}

	if o.now().Before(*run.KillDeadline) {
		return o.scheduleRunTask(ctx, TaskCheckKillDate, runID, *run.KillDeadline)
	}

	updated, err := updateRun(ctx, o.store, runID, func(r *store.Run) error {
		if r.State.Finished() {
			return errSkip
		}

		r.State = store.RunStateTimedOut
		r.RunnersRequested = 0

		return nil
	})
	if err != nil {
		return err
	}

	if updated == nil {
		return nil
	}

	log.WithFields(logrus.Fields{
		"job_id":        updated.JobID,
		"kill_deadline": run.KillDeadline,
	}).Warn("Run exceeded its kill deadline")

	return o.scheduleJobEnded(ctx, updated.JobID)
}

// SweepBatchRuns stops the fleet of every run whose assignment deadline
// passed while the run still holds steps hidden until that deadline.
// Each swept run is marked so a later sweep skips it. A run that fails
// is left unmarked for the next sweep; the others proceed.
func (o *orchestrator) SweepBatchRuns(ctx context.Context) error {
	runs, err := o.store.ListOverdueBatchRuns(ctx, o.now())
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		return nil
	}

	o.log.WithField("runs", len(runs)).Info("Sweeping overdue batch runs")

	// Runs are swept concurrently with bounded parallelism. A failure is
	// collected rather than returned so it does not cancel the others.
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	g.SetLimit(sweepConcurrency)

	for i := range runs {
		run := &runs[i]

		g.Go(func() error {
			if err := o.sweepRun(ctx, run); err != nil {
				o.log.WithError(err).
					WithField("run_id", run.ID).
					Warn("Failed to sweep run")

				mu.Lock()
				errs = append(errs, fmt.Errorf("sweeping run %s: %w", run.ID, err))
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	return errors.Join(errs...)
}

func (o *orchestrator) sweepRun(ctx context.Context, run *store.Run) error {
	runners, err := o.store.ListRunners(ctx, run.ID)
	if err != nil {
		return err
	}

	// A runner whose teardown fails stays attached so the next sweep
	// finds it again.
	var errs []error

	for _, runner := range runners {
		removed, err := o.removeRunner(ctx, runner.ID)
		if err == nil && !removed {
			err = fmt.Errorf("removing runner %s: %w", runner.ID, ErrCleanupPending)
		}

		if err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	if err := o.broker.NotifyJobEnded(ctx, run.JobID); err != nil {
		return fmt.Errorf("notifying job ended: %w", err)
	}

	var cleared int64

	err = o.store.Transaction(ctx, func(tx store.Store) error {
		updated, err := updateRun(ctx, tx, run.ID, func(r *store.Run) error {
			if r.BatchRunDone {
				return errSkip
			}

			r.BatchRunDone = true
			r.RunnersRequested = 0

			return nil
		})
		if err != nil || updated == nil {
			return err
		}

		cleared, err = tx.ClearUnfinishedResults(ctx, run.ID)

		return err
	})
	if err != nil {
		return err
	}

	o.log.WithFields(logrus.Fields{
		"run_id":          run.ID,
		"runners_removed": len(runners),
		"results_cleared": cleared,
	}).Info("Swept batch run")

	return nil
}
