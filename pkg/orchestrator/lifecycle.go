package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// CreateRun persists a new run under a fresh job-id and schedules its
// kill-date check.
func (o *orchestrator) CreateRun(ctx context.Context, run *store.Run) error {
	if run.ID == "" {
		run.ID = newID()
	}

	if run.AssignmentID != "" {
		if _, err := o.store.GetAssignment(ctx, run.AssignmentID); err != nil {
			return err
		}
	}

	run.JobID = newID()
	run.State = store.RunStateCreated
	run.StartedAt = nil
	run.BatchRunDone = false
	run.RunnersRequested = 0

	if run.KillDeadline != nil {
		deadline := run.KillDeadline.UTC()
		run.KillDeadline = &deadline
	}

	if err := o.store.CreateRun(ctx, run); err != nil {
		return err
	}

	o.log.WithFields(logrus.Fields{
		"run_id":        run.ID,
		"job_id":        run.JobID,
		"assignment_id": run.AssignmentID,
	}).Info("Run created")

	if run.KillDeadline == nil {
		return nil
	}

	return o.scheduleRunTask(ctx, TaskCheckKillDate, run.ID, *run.KillDeadline)
}

// AddSubmission adds a not yet started result to the run and triggers a
// fleet size adjustment.
func (o *orchestrator) AddSubmission(
	ctx context.Context, runID, submissionID string,
) (*store.Result, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.State.Finished() {
		return nil, fmt.Errorf("adding submission to run %s: %w", runID, ErrRunFinished)
	}

	result := &store.Result{
		ID:           newID(),
		RunID:        runID,
		SubmissionID: submissionID,
		State:        store.ResultStateNotStarted,
	}

	if err := o.store.CreateResult(ctx, result); err != nil {
		return nil, err
	}

	if err := o.triggerAdjust(ctx, runID); err != nil {
		return nil, err
	}

	return result, nil
}

// RegisterRunner attaches a newly provisioned runner to the run it was
// requested for and schedules its first heartbeat check. Runners
// provisioned for a replaced incarnation are rejected with ErrStaleJob.
func (o *orchestrator) RegisterRunner(
	ctx context.Context, runID, address, jobID string,
) (*store.Runner, error) {
	now := o.now()

	runner := &store.Runner{
		ID:            newID(),
		Address:       address,
		JobID:         jobID,
		RunID:         &runID,
		LastHeartbeat: now,
		CleanupState:  store.CleanupNotCalled,
	}

	err := o.store.Transaction(ctx, func(tx store.Store) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}

		if run.State.Finished() {
			return ErrRunFinished
		}

		if run.JobID != jobID {
			return ErrStaleJob
		}

		if err := tx.CreateRunner(ctx, runner); err != nil {
			return err
		}

		if run.State == store.RunStateRunning {
			return nil
		}

		_, err = tx.UpdateRun(ctx, runID, func(r *store.Run) error {
			r.State = store.RunStateRunning
			r.StartedAt = &now

			return nil
		})

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("registering runner for run %s: %w", runID, err)
	}

	o.log.WithFields(logrus.Fields{
		"run_id":    runID,
		"runner_id": runner.ID,
		"job_id":    jobID,
		"address":   address,
	}).Info("Runner registered")

	if err := o.scheduleHeartbeatCheck(ctx, runner, now.Add(o.opts.maxInterval())); err != nil {
		return nil, err
	}

	return runner, nil
}

// RecordResult applies a runner's report on one result. Runners claim a
// result by reporting running and finish it with passed, failed or
// timed_out. A run whose results are all done becomes done.
func (o *orchestrator) RecordResult(
	ctx context.Context,
	runnerID, resultID string,
	state store.ResultState,
) (*store.Result, error) {
	if !state.Valid() || state == store.ResultStateNotStarted {
		return nil, fmt.Errorf("recording result state %q: %w", state, ErrInvalidTransition)
	}

	var (
		result  *store.Result
		run     *store.Run
		runDone bool
	)

	err := o.store.Transaction(ctx, func(tx store.Store) error {
		runner, err := tx.GetRunner(ctx, runnerID)
		if err != nil {
			return err
		}

		if !runner.Attached() {
			return ErrStaleJob
		}

		run, err = tx.GetRun(ctx, *runner.RunID)
		if err != nil {
			return err
		}

		if run.JobID != runner.JobID {
			return ErrStaleJob
		}

		if run.State.Finished() {
			return ErrRunFinished
		}

		current, err := tx.GetResult(ctx, resultID)
		if err != nil {
			return err
		}

		if current.RunID != run.ID {
			return fmt.Errorf("result %s belongs to another run: %w", resultID, store.ErrNotFound)
		}

		if current.State.Done() {
			return fmt.Errorf("result %s is already %s: %w",
				resultID, current.State, ErrInvalidTransition)
		}

		if owner := current.RunnerID; owner != nil && *owner != runnerID {
			live, err := runnerAttachedTo(ctx, tx, *owner, run.ID)
			if err != nil {
				return err
			}

			if live {
				return fmt.Errorf("result %s is owned by runner %s: %w",
					resultID, *owner, ErrInvalidTransition)
			}
		}

		result, err = tx.UpdateResult(ctx, resultID, func(r *store.Result) error {
			r.State = state
			r.RunnerID = &runnerID

			return nil
		})
		if err != nil {
			return err
		}

		if !state.Done() {
			return nil
		}

		counts, err := tx.CountResultsByState(ctx, run.ID)
		if err != nil {
			return err
		}

		if counts[store.ResultStateNotStarted]+counts[store.ResultStateRunning] > 0 {
			return nil
		}

		run, err = tx.UpdateRun(ctx, run.ID, func(r *store.Run) error {
			r.State = store.RunStateDone

			return nil
		})
		runDone = err == nil

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("recording result %s: %w", resultID, err)
	}

	if runDone {
		o.log.WithFields(logrus.Fields{
			"run_id": run.ID,
			"job_id": run.JobID,
		}).Info("Run completed")

		if err := o.scheduleJobEnded(ctx, run.JobID); err != nil {
			return nil, err
		}
	}

	if err := o.triggerAdjust(ctx, run.ID); err != nil {
		return nil, err
	}

	return result, nil
}

func runnerAttachedTo(
	ctx context.Context, st store.Store, runnerID, runID string,
) (bool, error) {
	runner, err := st.GetRunner(ctx, runnerID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return runner.Attached() && *runner.RunID == runID, nil
}
