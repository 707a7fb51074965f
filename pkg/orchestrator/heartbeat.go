package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// CheckHeartbeat is the per-runner liveness check. A live runner gets
// its next check scheduled at the exact instant it could next expire.
// An expired runner is detached, torn down and removed, and its run is
// moved to a fresh incarnation so another runner can pick up the work.
//
// jobID is the runner's job-id at scheduling time. A check whose runner
// is gone or no longer carries that job-id does nothing.
func (o *orchestrator) CheckHeartbeat(ctx context.Context, runnerID, jobID string) error {
	log := o.log.WithFields(logrus.Fields{
		"runner_id": runnerID,
		"job_id":    jobID,
	})

	runner, err := o.store.GetRunner(ctx, runnerID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("Runner gone, skipping heartbeat check")

		return nil
	}

	if err != nil {
		return fmt.Errorf("loading runner: %w", err)
	}

	if jobID != "" && runner.JobID != jobID {
		log.Debug("Stale heartbeat check, skipping")

		return nil
	}

	// A detached runner lost its run in an earlier check whose teardown
	// did not complete.
	if !runner.Attached() {
		return o.RemoveRunner(ctx, runnerID)
	}

	run, err := o.store.GetRun(ctx, *runner.RunID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("Run gone, skipping heartbeat check")

		return nil
	}

	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}

	if run.State.Finished() {
		log.WithField("state", run.State).Debug("Run finished, skipping heartbeat check")

		return nil
	}

	maxInterval := o.opts.maxInterval()
	deadline := o.now().Add(-maxInterval)

	if !runner.LastHeartbeat.Before(deadline) {
		return o.scheduleHeartbeatCheck(ctx, runner, runner.LastHeartbeat.Add(maxInterval))
	}

	log = log.WithField("run_id", run.ID)
	log.WithFields(logrus.Fields{
		"last_heartbeat": runner.LastHeartbeat,
		"max_interval":   maxInterval.String(),
	}).Warn("Runner missed its heartbeats")

	if err := o.store.DetachRunner(ctx, runnerID); err != nil {
		return err
	}

	// Leftover of an incarnation that was already replaced.
	if runner.JobID != run.JobID {
		return o.RemoveRunner(ctx, runnerID)
	}

	removed, err := o.removeRunner(ctx, runnerID)
	if err != nil {
		return errors.Join(err, o.crashRun(ctx, run.ID))
	}

	// Another recovery of this runner owns the teardown and the run.
	if !removed {
		log.Debug("Runner recovery in progress elsewhere, skipping")

		return o.scheduleCleanupRetry(ctx, runnerID)
	}

	return o.replaceIncarnation(ctx, run.ID, runner.JobID)
}

// replaceIncarnation moves the run to changing_runner under a new
// job-id, clears its unfinished results and asks for new runners. It is
// a no-op if the run finished or its job-id changed in the meantime.
func (o *orchestrator) replaceIncarnation(ctx context.Context, runID, oldJobID string) error {
	var run *store.Run

	err := o.store.Transaction(ctx, func(tx store.Store) error {
		var err error

		run, err = updateRun(ctx, tx, runID, func(r *store.Run) error {
			if r.State.Finished() || r.JobID != oldJobID {
				return errSkip
			}

			r.StartedAt = nil
			r.State = store.RunStateChangingRunner
			r.JobID = newID()
			r.RunnersRequested = 0

			return nil
		})
		if err != nil || run == nil {
			return err
		}

		_, err = tx.ClearUnfinishedResults(ctx, runID)

		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("recovering run %s: %w", runID, err)
	}

	if run == nil {
		return nil
	}

	o.log.WithFields(logrus.Fields{
		"run_id":     runID,
		"old_job_id": oldJobID,
		"job_id":     run.JobID,
	}).Info("Run moved to a new incarnation")

	return errors.Join(
		o.triggerAdjust(ctx, runID),
		o.scheduleJobEnded(ctx, oldJobID),
	)
}

// crashRun marks a run crashed after its runner could not be torn down.
func (o *orchestrator) crashRun(ctx context.Context, runID string) error {
	run, err := updateRun(ctx, o.store, runID, func(r *store.Run) error {
		if r.State.Finished() {
			return errSkip
		}

		r.State = store.RunStateCrashed

		return nil
	})
	if errors.Is(err, store.ErrNotFound) || (err == nil && run == nil) {
		return nil
	}

	if err != nil {
		return err
	}

	o.log.WithField("run_id", runID).Error("Run crashed")

	return o.scheduleJobEnded(ctx, run.JobID)
}

// RecordHeartbeat stamps the runner as alive now.
func (o *orchestrator) RecordHeartbeat(ctx context.Context, runnerID string) error {
	return o.store.TouchRunner(ctx, runnerID, o.now())
}
