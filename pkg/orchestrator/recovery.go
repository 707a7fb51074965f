package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// ResetRunner runs the runner's teardown at most once per attempt.
// Entry into the calling state is a compare-and-set, so concurrent
// resets of the same runner never both reach the broker. A failed
// teardown leaves the runner in calling; it may be attempted again once
// the cleanup backoff has passed, up to MaxCleanupAttempts.
func (o *orchestrator) ResetRunner(ctx context.Context, runnerID string) error {
	_, err := o.resetRunner(ctx, runnerID)

	return err
}

// RemoveRunner resets the runner and deletes its record once the
// teardown is known to have completed. If a teardown started elsewhere
// is still within its backoff window the call does nothing and a
// heartbeat check is queued for when the window closes.
func (o *orchestrator) RemoveRunner(ctx context.Context, runnerID string) error {
	removed, err := o.removeRunner(ctx, runnerID)
	if err != nil || removed {
		return err
	}

	return o.scheduleCleanupRetry(ctx, runnerID)
}

// removeRunner reports whether the runner is gone afterwards. A runner
// left in calling without error is owned by another teardown.
func (o *orchestrator) removeRunner(ctx context.Context, runnerID string) (bool, error) {
	state, err := o.resetRunner(ctx, runnerID)
	if err != nil {
		return false, err
	}

	switch state {
	case "":
		return true, nil
	case store.CleanupCalled:
	default:
		return false, nil
	}

	if err := o.store.DeleteRunner(ctx, runnerID); err != nil {
		return false, fmt.Errorf("removing runner %s: %w", runnerID, err)
	}

	o.log.WithField("runner_id", runnerID).Info("Runner removed")

	return true, nil
}

// scheduleCleanupRetry queues a heartbeat check for the instant a
// pending teardown may be attempted again.
func (o *orchestrator) scheduleCleanupRetry(ctx context.Context, runnerID string) error {
	runner, err := o.store.GetRunner(ctx, runnerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("loading runner: %w", err)
	}

	at := o.cleanupRetryAt(runner)
	if now := o.now(); at.Before(now) {
		at = now
	}

	return o.scheduleHeartbeatCheck(ctx, runner, at)
}

// resetRunner returns the cleanup state the runner is left in, or an
// empty state if the runner does not exist.
func (o *orchestrator) resetRunner(
	ctx context.Context, runnerID string,
) (store.CleanupState, error) {
	log := o.log.WithField("runner_id", runnerID)

	runner, err := o.store.GetRunner(ctx, runnerID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("loading runner: %w", err)
	}

	now := o.now()

	switch runner.CleanupState {
	case store.CleanupCalled:
		return store.CleanupCalled, nil
	case store.CleanupCalling:
		if now.Before(o.cleanupRetryAt(runner)) {
			log.Debug("Runner teardown in progress, skipping")

			return store.CleanupCalling, nil
		}

		if runner.CleanupAttempts >= o.opts.MaxCleanupAttempts {
			log.WithFields(logrus.Fields{
				"job_id":   runner.JobID,
				"address":  runner.Address,
				"attempts": runner.CleanupAttempts,
			}).Error("Runner teardown abandoned, manual cleanup required")

			return store.CleanupCalling, fmt.Errorf(
				"resetting runner %s: %w", runnerID, ErrCleanupAbandoned)
		}
	}

	won, err := o.store.BeginCleanup(
		ctx, runnerID, runner.CleanupState, runner.CleanupAttempts, now)
	if err != nil {
		return "", err
	}

	if !won {
		log.Debug("Runner teardown claimed elsewhere, skipping")

		return store.CleanupCalling, nil
	}

	log = log.WithFields(logrus.Fields{
		"job_id":  runner.JobID,
		"attempt": runner.CleanupAttempts + 1,
	})

	if err := o.broker.KillRunner(ctx, runner.JobID, runner.Address); err != nil {
		log.WithError(err).Warn("Runner teardown failed")

		return store.CleanupCalling, fmt.Errorf("tearing down runner %s: %w", runnerID, err)
	}

	if err := o.store.FinishCleanup(ctx, runnerID); err != nil {
		return store.CleanupCalling, err
	}

	log.Debug("Runner teardown completed")

	return store.CleanupCalled, nil
}

// cleanupRetryAt is when a teardown stuck in calling may be retried:
// CleanupRetryBackoff doubled for every previous attempt.
func (o *orchestrator) cleanupRetryAt(runner *store.Runner) time.Time {
	if runner.CleanupStartedAt == nil {
		return time.Time{}
	}

	backoff := o.opts.CleanupRetryBackoff
	for i := 1; i < runner.CleanupAttempts; i++ {
		backoff *= 2
	}

	return runner.CleanupStartedAt.Add(backoff)
}
