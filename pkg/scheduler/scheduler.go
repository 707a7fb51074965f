// Package scheduler is a durable delayed-task queue. Tasks are rows in
// the database, so a restart never loses a pending check. Every task is
// executed at least once at or after its due time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	defaultPollInterval  = time.Second
	defaultConcurrency   = 4
	defaultBatchSize     = 32
	defaultLeaseDuration = 5 * time.Minute
	defaultMaxAttempts   = 10
	defaultRetryBackoff  = 5 * time.Second
	maxRetryBackoff      = 30 * time.Minute
)

// Handler executes one task. A returned error schedules a retry.
type Handler func(ctx context.Context, args Args) error

// Scheduler enqueues named callbacks for later execution.
type Scheduler interface {
	// Schedule enqueues name to run at or after at.
	Schedule(ctx context.Context, name string, args Args, at time.Time) error

	// EnsureScheduled enqueues name unless a pending task with the same
	// name and args already exists.
	EnsureScheduled(ctx context.Context, name string, args Args, at time.Time) error
}

// Dispatcher is a Scheduler that also executes the tasks it holds.
type Dispatcher interface {
	Scheduler

	// Handle registers the handler for a task name. It must be called
	// before Start.
	Handle(name string, h Handler)

	Migrate(ctx context.Context) error
	Start(ctx context.Context) error
	Stop() error

	// RunDue claims and executes one batch of due tasks and waits for
	// them. It returns how many tasks were executed.
	RunDue(ctx context.Context) (int, error)
}

// Options tune the dispatcher. Zero values select defaults.
type Options struct {
	PollInterval  time.Duration
	Concurrency   int
	BatchSize     int
	LeaseDuration time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration

	// Observers are notified of every task lifecycle event, in order.
	Observers []Observer

	// Now overrides the clock.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}

	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}

	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}

	if o.LeaseDuration <= 0 {
		o.LeaseDuration = defaultLeaseDuration
	}

	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}

	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}

	if o.Now == nil {
		o.Now = time.Now
	}
}

// Compile-time interface check.
var _ Dispatcher = (*dispatcher)(nil)

type dispatcher struct {
	log      logrus.FieldLogger
	db       *gorm.DB
	opts     Options
	handlers map[string]Handler
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher storing its tasks in db.
func NewDispatcher(
	log logrus.FieldLogger,
	db *gorm.DB,
	opts Options,
) Dispatcher {
	opts.applyDefaults()

	return &dispatcher{
		log:      log.WithField("component", "scheduler"),
		db:       db,
		opts:     opts,
		handlers: make(map[string]Handler, 8),
		done:     make(chan struct{}),
	}
}

func (d *dispatcher) Handle(name string, h Handler) {
	d.handlers[name] = h
}

func (d *dispatcher) Migrate(ctx context.Context) error {
	if err := d.db.WithContext(ctx).AutoMigrate(&Task{}); err != nil {
		return fmt.Errorf("running task migrations: %w", err)
	}

	return nil
}

func (d *dispatcher) now() time.Time {
	return d.opts.Now().UTC()
}

func (d *dispatcher) Schedule(
	ctx context.Context, name string, args Args, at time.Time,
) error {
	task, err := d.newTask(name, args, at)
	if err != nil {
		return err
	}

	if err := d.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("scheduling task %s: %w", name, err)
	}

	d.scheduled(task)

	return nil
}

func (d *dispatcher) EnsureScheduled(
	ctx context.Context, name string, args Args, at time.Time,
) error {
	task, err := d.newTask(name, args, at)
	if err != nil {
		return err
	}

	created := false

	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Task{}).
			Where("name = ? AND args = ? AND status = ?",
				name, task.Args, StatusPending).
			Count(&count).Error; err != nil {
			return err
		}

		if count > 0 {
			return nil
		}

		created = true

		return tx.Create(task).Error
	})
	if err != nil {
		return fmt.Errorf("ensuring task %s: %w", name, err)
	}

	if created {
		d.scheduled(task)
	}

	return nil
}

func (d *dispatcher) newTask(name string, args Args, at time.Time) (*Task, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}

	return &Task{
		Name:   name,
		Args:   encoded,
		RunAt:  at.UTC(),
		Status: StatusPending,
	}, nil
}

func (d *dispatcher) scheduled(task *Task) {
	d.log.WithFields(logrus.Fields{
		"task":    task.Name,
		"task_id": task.ID,
		"run_at":  task.RunAt,
	}).Debug("Task scheduled")

	d.notify(Event{
		Kind:   EventScheduled,
		Task:   task.Name,
		TaskID: task.ID,
		RunAt:  task.RunAt,
	})
}

// Start launches the polling loop. The first pass runs immediately.
func (d *dispatcher) Start(ctx context.Context) error {
	d.log.WithFields(logrus.Fields{
		"poll_interval": d.opts.PollInterval.String(),
		"concurrency":   d.opts.Concurrency,
		"handlers":      len(d.handlers),
	}).Info("Starting scheduler")

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.opts.PollInterval)
		defer ticker.Stop()

		for {
			d.runPass(ctx)

			select {
			case <-ticker.C:
			case <-d.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the loop to stop and waits for in-flight tasks.
func (d *dispatcher) Stop() error {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()

	d.log.Info("Scheduler stopped")

	return nil
}

// runPass drains due tasks until a batch comes back short.
func (d *dispatcher) runPass(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		default:
		}

		n, err := d.RunDue(ctx)
		if err != nil {
			d.log.WithError(err).Warn("Scheduler pass failed")

			return
		}

		if n < d.opts.BatchSize {
			return
		}
	}
}

func (d *dispatcher) RunDue(ctx context.Context) (int, error) {
	claimed, err := d.claim(ctx)
	if err != nil {
		return 0, err
	}

	if len(claimed) == 0 {
		return 0, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)

	for _, task := range claimed {
		g.Go(func() error {
			d.execute(gCtx, task)

			return nil
		})
	}

	_ = g.Wait()

	return len(claimed), nil
}

// claim selects due tasks and takes ownership of each with a
// conditional update, so concurrent dispatchers never run the same
// claim twice. Running tasks whose lease lapsed are reclaimed.
func (d *dispatcher) claim(ctx context.Context) ([]Task, error) {
	now := d.now()

	var candidates []Task
	if err := d.db.WithContext(ctx).
		Where(
			d.db.Where("status = ? AND run_at <= ?", StatusPending, now).
				Or("status = ? AND lease_until < ?", StatusRunning, now),
		).
		Order("run_at ASC").
		Limit(d.opts.BatchSize).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("listing due tasks: %w", err)
	}

	claimed := make([]Task, 0, len(candidates))
	lease := now.Add(d.opts.LeaseDuration)

	for _, task := range candidates {
		result := d.db.WithContext(ctx).
			Model(&Task{}).
			Where("id = ? AND status = ? AND attempts = ?",
				task.ID, task.Status, task.Attempts).
			Updates(map[string]any{
				"status":      StatusRunning,
				"attempts":    task.Attempts + 1,
				"lease_until": lease,
			})
		if result.Error != nil {
			return claimed, fmt.Errorf("claiming task %d: %w", task.ID, result.Error)
		}

		if result.RowsAffected != 1 {
			continue
		}

		task.Status = StatusRunning
		task.Attempts++
		task.LeaseUntil = &lease
		claimed = append(claimed, task)
	}

	return claimed, nil
}

func (d *dispatcher) execute(ctx context.Context, task Task) {
	log := d.log.WithFields(logrus.Fields{
		"task":    task.Name,
		"task_id": task.ID,
		"attempt": task.Attempts,
	})

	d.notify(Event{
		Kind:    EventStarted,
		Task:    task.Name,
		TaskID:  task.ID,
		Attempt: task.Attempts,
		RunAt:   task.RunAt,
	})

	start := time.Now()
	err := d.invoke(ctx, &task)
	elapsed := time.Since(start)

	if err == nil {
		if dErr := d.db.WithContext(ctx).
			Where("id = ? AND attempts = ?", task.ID, task.Attempts).
			Delete(&Task{}).Error; dErr != nil {
			// The lease will lapse and the task runs again, which
			// handlers tolerate.
			log.WithError(dErr).Warn("Failed to delete completed task")
		}

		log.WithField("duration", elapsed.Round(time.Millisecond)).
			Debug("Task succeeded")

		d.notify(Event{
			Kind:     EventSucceeded,
			Task:     task.Name,
			TaskID:   task.ID,
			Attempt:  task.Attempts,
			Duration: elapsed,
		})

		return
	}

	updates := map[string]any{
		"last_error":  err.Error(),
		"lease_until": nil,
	}

	kind := EventRetrying

	var nextRun time.Time

	if errors.Is(err, errNoHandler) || task.Attempts >= d.opts.MaxAttempts {
		kind = EventFailed
		updates["status"] = StatusFailed

		log.WithError(err).Error("Task failed permanently")
	} else {
		nextRun = d.now().Add(d.backoff(task.Attempts))
		updates["status"] = StatusPending
		updates["run_at"] = nextRun

		log.WithError(err).
			WithField("retry_at", nextRun).
			Warn("Task failed, will retry")
	}

	if uErr := d.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ? AND attempts = ?", task.ID, task.Attempts).
		Updates(updates).Error; uErr != nil {
		log.WithError(uErr).Warn("Failed to record task failure")
	}

	d.notify(Event{
		Kind:     kind,
		Task:     task.Name,
		TaskID:   task.ID,
		Attempt:  task.Attempts,
		RunAt:    nextRun,
		Duration: elapsed,
		Err:      err,
	})
}

var errNoHandler = errors.New("no handler registered")

// invoke runs the handler, turning a panic into an error so one broken
// task cannot take the dispatcher down.
func (d *dispatcher) invoke(ctx context.Context, task *Task) (err error) {
	h, ok := d.handlers[task.Name]
	if !ok {
		return fmt.Errorf("task %s: %w", task.Name, errNoHandler)
	}

	args, err := task.DecodedArgs()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()

	return h(ctx, args)
}

// backoff doubles the retry delay per attempt, capped at maxRetryBackoff.
func (d *dispatcher) backoff(attempt int) time.Duration {
	delay := d.opts.RetryBackoff

	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}

	return delay
}

func (d *dispatcher) notify(ev Event) {
	for _, obs := range d.opts.Observers {
		obs(ev)
	}
}
