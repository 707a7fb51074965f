// Package orchestrator supervises the runner fleet of every run: it
// tracks runner liveness, recovers runs whose runner disappeared, sizes
// the fleet to the outstanding work and enforces run deadlines.
//
// Every control loop is a scheduled task that re-reads the entities it
// operates on, so running a check late or twice is always safe.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/broker"
	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/ethpandaops/gradeoor/pkg/scheduler"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

// Task names handled by the orchestrator.
const (
	TaskCheckHeartbeat    = "check_heartbeat"
	TaskCheckKillDate     = "check_kill_date"
	TaskSweepBatchRuns    = "sweep_batch_runs"
	TaskAdjustRunnerCount = "adjust_runner_count"
	TaskNotifyJobEnded    = "notify_job_ended"
)

var (
	// ErrStaleJob is returned when a caller presents a job-id that is no
	// longer the run's current incarnation.
	ErrStaleJob = errors.New("stale job id")

	// ErrRunFinished is returned when a run in a terminal state is asked
	// to accept new work.
	ErrRunFinished = errors.New("run already finished")

	// ErrInvalidTransition is returned for result updates that the
	// result's current state does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrCleanupPending is reported by the batch sweep for a run whose
	// runner teardown is still in flight or backing off.
	ErrCleanupPending = errors.New("runner cleanup pending")

	// ErrCleanupAbandoned is returned once a runner's teardown failed
	// MaxCleanupAttempts times.
	ErrCleanupAbandoned = errors.New("runner cleanup abandoned")
)

// errSkip aborts a read-modify-write without an error.
var errSkip = errors.New("skip")

// Options configures the orchestrator. Zero values select defaults.
type Options struct {
	HeartbeatInterval   time.Duration
	MaxMissedBeats      int
	SweepInterval       time.Duration
	CleanupRetryBackoff time.Duration
	MaxCleanupAttempts  int

	// Policy maps pending results to the number of runners wanted.
	Policy SizingPolicy

	// Now overrides the clock.
	Now func() time.Time
}

// OptionsFromConfig builds Options from the orchestrator configuration.
func OptionsFromConfig(cfg *config.OrchestratorConfig) Options {
	return Options{
		HeartbeatInterval:   cfg.HeartbeatInterval,
		MaxMissedBeats:      cfg.MaxMissedBeats,
		SweepInterval:       cfg.SweepInterval,
		CleanupRetryBackoff: cfg.CleanupRetryBackoff,
		MaxCleanupAttempts:  cfg.MaxCleanupAttempts,
		Policy: BatchPolicy{
			ResultsPerRunner: cfg.Sizing.ResultsPerRunner,
			MaxRunners:       cfg.Sizing.MaxRunners,
		},
	}
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = config.DefaultHeartbeatInterval
	}

	if o.MaxMissedBeats <= 0 {
		o.MaxMissedBeats = config.DefaultMaxMissedBeats
	}

	if o.SweepInterval <= 0 {
		o.SweepInterval = config.DefaultSweepInterval
	}

	if o.CleanupRetryBackoff <= 0 {
		o.CleanupRetryBackoff = config.DefaultCleanupRetryBackoff
	}

	if o.MaxCleanupAttempts <= 0 {
		o.MaxCleanupAttempts = config.DefaultMaxCleanupAttempts
	}

	if o.Policy == nil {
		o.Policy = BatchPolicy{
			ResultsPerRunner: config.DefaultResultsPerRunner,
			MaxRunners:       config.DefaultMaxRunners,
		}
	}

	if o.Now == nil {
		o.Now = time.Now
	}
}

// maxInterval is how long a runner may stay silent.
func (o *Options) maxInterval() time.Duration {
	return o.HeartbeatInterval * time.Duration(o.MaxMissedBeats)
}

// Orchestrator drives the runner fleet of all runs.
type Orchestrator interface {
	// Register installs the orchestrator's task handlers.
	Register(d scheduler.Dispatcher)

	// EnsureSweepScheduled bootstraps the periodic batch sweep.
	EnsureSweepScheduled(ctx context.Context) error

	// Heartbeat monitor.
	CheckHeartbeat(ctx context.Context, runnerID, jobID string) error
	RecordHeartbeat(ctx context.Context, runnerID string) error

	// Recovery.
	ResetRunner(ctx context.Context, runnerID string) error
	RemoveRunner(ctx context.Context, runnerID string) error

	// Fleet sizing.
	AdjustRunnerCount(ctx context.Context, runID string) error

	// Deadline watchdog.
	CheckKillDate(ctx context.Context, runID string) error
	SweepBatchRuns(ctx context.Context) error

	// Run lifecycle ingress.
	CreateRun(ctx context.Context, run *store.Run) error
	AddSubmission(ctx context.Context, runID, submissionID string) (*store.Result, error)
	RegisterRunner(ctx context.Context, runID, address, jobID string) (*store.Runner, error)
	RecordResult(
		ctx context.Context,
		runnerID, resultID string,
		state store.ResultState,
	) (*store.Result, error)
}

// Compile-time interface check.
var _ Orchestrator = (*orchestrator)(nil)

type orchestrator struct {
	log    logrus.FieldLogger
	store  store.Store
	broker broker.Client
	sched  scheduler.Scheduler
	opts   Options
}

// New creates an orchestrator.
func New(
	log logrus.FieldLogger,
	st store.Store,
	br broker.Client,
	sched scheduler.Scheduler,
	opts Options,
) Orchestrator {
	opts.applyDefaults()

	return &orchestrator{
		log:    log.WithField("component", "orchestrator"),
		store:  st,
		broker: br,
		sched:  sched,
		opts:   opts,
	}
}

func (o *orchestrator) now() time.Time {
	return o.opts.Now().UTC()
}

// heartbeatArgs are the arguments of a TaskCheckHeartbeat task.
type heartbeatArgs struct {
	RunnerID string `mapstructure:"runner_id"`
	JobID    string `mapstructure:"job_id"`
}

// runArgs are the arguments of tasks addressing a single run.
type runArgs struct {
	RunID string `mapstructure:"run_id"`
}

// jobArgs are the arguments of a TaskNotifyJobEnded task.
type jobArgs struct {
	JobID string `mapstructure:"job_id"`
}

func decodeArgs(args scheduler.Args, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return fmt.Errorf("creating args decoder: %w", err)
	}

	if err := dec.Decode(map[string]string(args)); err != nil {
		return fmt.Errorf("decoding task args: %w", err)
	}

	return nil
}

func (o *orchestrator) Register(d scheduler.Dispatcher) {
	d.Handle(TaskCheckHeartbeat, func(ctx context.Context, args scheduler.Args) error {
		var a heartbeatArgs
		if err := decodeArgs(args, &a); err != nil {
			return err
		}

		return o.CheckHeartbeat(ctx, a.RunnerID, a.JobID)
	})

	d.Handle(TaskCheckKillDate, func(ctx context.Context, args scheduler.Args) error {
		var a runArgs
		if err := decodeArgs(args, &a); err != nil {
			return err
		}

		return o.CheckKillDate(ctx, a.RunID)
	})

	d.Handle(TaskAdjustRunnerCount, func(ctx context.Context, args scheduler.Args) error {
		var a runArgs
		if err := decodeArgs(args, &a); err != nil {
			return err
		}

		return o.AdjustRunnerCount(ctx, a.RunID)
	})

	d.Handle(TaskNotifyJobEnded, func(ctx context.Context, args scheduler.Args) error {
		var a jobArgs
		if err := decodeArgs(args, &a); err != nil {
			return err
		}

		return o.broker.NotifyJobEnded(ctx, a.JobID)
	})

	d.Handle(TaskSweepBatchRuns, func(ctx context.Context, _ scheduler.Args) error {
		sweepErr := o.SweepBatchRuns(ctx)

		// Requeue even on failure. EnsureScheduled keeps the retry and
		// the next cycle from doubling up.
		next := o.now().Add(o.opts.SweepInterval)
		if err := o.sched.EnsureScheduled(ctx, TaskSweepBatchRuns, nil, next); err != nil {
			return errors.Join(sweepErr, fmt.Errorf("rescheduling sweep: %w", err))
		}

		return sweepErr
	})
}

func (o *orchestrator) EnsureSweepScheduled(ctx context.Context) error {
	if err := o.sched.EnsureScheduled(ctx, TaskSweepBatchRuns, nil, o.now()); err != nil {
		return fmt.Errorf("scheduling batch sweep: %w", err)
	}

	return nil
}

// scheduleHeartbeatCheck queues the runner's next check. At most one
// check per runner and job-id is pending at a time.
func (o *orchestrator) scheduleHeartbeatCheck(
	ctx context.Context, runner *store.Runner, at time.Time,
) error {
	if err := o.sched.EnsureScheduled(ctx, TaskCheckHeartbeat, scheduler.Args{
		"runner_id": runner.ID,
		"job_id":    runner.JobID,
	}, at); err != nil {
		return fmt.Errorf("scheduling heartbeat check: %w", err)
	}

	return nil
}

func (o *orchestrator) scheduleRunTask(
	ctx context.Context, name, runID string, at time.Time,
) error {
	if err := o.sched.Schedule(ctx, name, scheduler.Args{"run_id": runID}, at); err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}

	return nil
}

// triggerAdjust queues a fleet size adjustment for the run. At most one
// adjustment per run is pending at a time.
func (o *orchestrator) triggerAdjust(ctx context.Context, runID string) error {
	if err := o.sched.EnsureScheduled(ctx, TaskAdjustRunnerCount, scheduler.Args{
		"run_id": runID,
	}, o.now()); err != nil {
		return fmt.Errorf("scheduling %s: %w", TaskAdjustRunnerCount, err)
	}

	return nil
}

func (o *orchestrator) scheduleJobEnded(ctx context.Context, jobID string) error {
	if err := o.sched.Schedule(ctx, TaskNotifyJobEnded, scheduler.Args{
		"job_id": jobID,
	}, o.now()); err != nil {
		return fmt.Errorf("scheduling job ended notification: %w", err)
	}

	return nil
}

// updateRun is store.UpdateRun where fn may return errSkip to leave the
// run untouched. A skipped update returns a nil run and no error.
func updateRun(
	ctx context.Context, st store.Store, id string, fn func(run *store.Run) error,
) (*store.Run, error) {
	run, err := st.UpdateRun(ctx, id, fn)
	if errors.Is(err, errSkip) {
		return nil, nil
	}

	return run, err
}

func newID() string {
	return uuid.NewString()
}
