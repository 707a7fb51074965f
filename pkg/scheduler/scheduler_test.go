package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/ethpandaops/gradeoor/pkg/database"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()

	kinds := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		kinds = append(kinds, ev.Kind)
	}

	return kinds
}

func setupTestDispatcher(
	t *testing.T, opts Options,
) (*dispatcher, *gorm.DB, *testClock, *eventLog) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	db, err := database.Open(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = database.Close(db) })

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	events := &eventLog{}

	if opts.Now == nil {
		opts.Now = clock.Now
	}

	opts.Observers = append(opts.Observers, events.observe)

	d := NewDispatcher(log, db, opts).(*dispatcher)
	require.NoError(t, d.Migrate(context.Background()))

	return d, db, clock, events
}

func countTasks(t *testing.T, db *gorm.DB) int64 {
	t.Helper()

	var count int64
	require.NoError(t, db.Model(&Task{}).Count(&count).Error)

	return count
}

func TestDispatcher_RunsTaskWhenDue(t *testing.T) {
	d, db, clock, events := setupTestDispatcher(t, Options{})
	ctx := context.Background()

	var got []Args

	d.Handle("greet", func(_ context.Context, args Args) error {
		got = append(got, args)

		return nil
	})

	require.NoError(t, d.Schedule(ctx, "greet", Args{"who": "runner-1"},
		clock.Now().Add(time.Minute)))

	n, err := d.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "task must not run before it is due")
	assert.Empty(t, got)

	clock.Advance(time.Minute)

	n, err = d.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, "runner-1", got[0]["who"])

	assert.Zero(t, countTasks(t, db), "succeeded tasks are deleted")
	assert.Equal(t,
		[]EventKind{EventScheduled, EventStarted, EventSucceeded},
		events.kinds())
}

func TestDispatcher_RetriesWithBackoff(t *testing.T) {
	d, db, clock, events := setupTestDispatcher(t, Options{
		MaxAttempts:  3,
		RetryBackoff: 10 * time.Second,
	})
	ctx := context.Background()

	calls := 0

	d.Handle("flaky", func(context.Context, Args) error {
		calls++

		return errors.New("broker down")
	})

	require.NoError(t, d.Schedule(ctx, "flaky", nil, clock.Now()))

	_, err := d.RunDue(ctx)
	require.NoError(t, err)

	var task Task
	require.NoError(t, db.First(&task).Error)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, "broker down", task.LastError)
	assert.True(t, task.RunAt.Equal(clock.Now().Add(10*time.Second)))

	// Not due again until the backoff elapses.
	n, err := d.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(10 * time.Second)
	_, err = d.RunDue(ctx)
	require.NoError(t, err)

	require.NoError(t, db.First(&task).Error)
	assert.Equal(t, 2, task.Attempts)
	assert.True(t, task.RunAt.Equal(clock.Now().Add(20*time.Second)))

	clock.Advance(20 * time.Second)
	_, err = d.RunDue(ctx)
	require.NoError(t, err)

	require.NoError(t, db.First(&task).Error)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 3, calls)

	clock.Advance(time.Hour)
	n, err = d.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "failed tasks are parked")

	kinds := events.kinds()
	assert.Equal(t, EventFailed, kinds[len(kinds)-1])
	assert.Contains(t, kinds, EventRetrying)
}

func TestDispatcher_UnknownTaskFailsImmediately(t *testing.T) {
	d, db, clock, _ := setupTestDispatcher(t, Options{MaxAttempts: 5})
	ctx := context.Background()

	require.NoError(t, d.Schedule(ctx, "nobody-home", nil, clock.Now()))

	_, err := d.RunDue(ctx)
	require.NoError(t, err)

	var task Task
	require.NoError(t, db.First(&task).Error)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Contains(t, task.LastError, "no handler registered")
}

func TestDispatcher_PanicIsRetried(t *testing.T) {
	d, db, clock, _ := setupTestDispatcher(t, Options{})
	ctx := context.Background()

	d.Handle("explode", func(context.Context, Args) error {
		panic("kaboom")
	})

	require.NoError(t, d.Schedule(ctx, "explode", nil, clock.Now()))

	_, err := d.RunDue(ctx)
	require.NoError(t, err)

	var task Task
	require.NoError(t, db.First(&task).Error)
	assert.Equal(t, StatusPending, task.Status)
	assert.Contains(t, task.LastError, "kaboom")
}

func TestDispatcher_ReclaimsExpiredLease(t *testing.T) {
	d, db, clock, _ := setupTestDispatcher(t, Options{LeaseDuration: time.Minute})
	ctx := context.Background()

	calls := 0

	d.Handle("check", func(context.Context, Args) error {
		calls++

		return nil
	})

	// Simulate a dispatcher that claimed the task and then died.
	lease := clock.Now().Add(time.Minute)
	require.NoError(t, db.Create(&Task{
		Name:       "check",
		Args:       "{}",
		RunAt:      clock.Now(),
		Status:     StatusRunning,
		Attempts:   1,
		LeaseUntil: &lease,
	}).Error)

	n, err := d.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still held")

	clock.Advance(2 * time.Minute)

	n, err = d.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
	assert.Zero(t, countTasks(t, db))
}

func TestDispatcher_EnsureScheduled(t *testing.T) {
	d, db, clock, _ := setupTestDispatcher(t, Options{})
	ctx := context.Background()

	require.NoError(t, d.EnsureScheduled(ctx, "sweep", nil, clock.Now().Add(time.Minute)))
	require.NoError(t, d.EnsureScheduled(ctx, "sweep", nil, clock.Now().Add(time.Minute)))
	require.NoError(t, d.EnsureScheduled(ctx, "other", nil, clock.Now()))
	require.NoError(t, d.EnsureScheduled(ctx, "other", Args{"id": "1"}, clock.Now().Add(time.Hour)))
	require.NoError(t, d.EnsureScheduled(ctx, "other", Args{"id": "1"}, clock.Now().Add(time.Hour)))

	assert.Equal(t, int64(3), countTasks(t, db))

	// A sweep that reschedules itself while running is not blocked by
	// its own (running) row.
	d.Handle("sweep", func(ctx context.Context, _ Args) error {
		return d.EnsureScheduled(ctx, "sweep", nil, clock.Now().Add(time.Hour))
	})
	d.Handle("other", func(context.Context, Args) error { return nil })

	clock.Advance(time.Minute)

	n, err := d.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var tasks []Task
	require.NoError(t, db.Order("id ASC").Find(&tasks).Error)
	require.Len(t, tasks, 2)
	assert.Equal(t, "other", tasks[0].Name, "not yet due")
	assert.Equal(t, "sweep", tasks[1].Name)
	assert.Equal(t, StatusPending, tasks[1].Status)
}

func TestDispatcher_StartStop(t *testing.T) {
	d, _, _, _ := setupTestDispatcher(t, Options{
		PollInterval: 10 * time.Millisecond,
		Now:          time.Now,
	})

	ran := make(chan string, 1)

	d.Handle("ping", func(_ context.Context, args Args) error {
		ran <- args["id"]

		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Schedule(ctx, "ping", Args{"id": "42"}, time.Now()))

	select {
	case id := <-ran:
		assert.Equal(t, "42", id)
	case <-time.After(5 * time.Second):
		t.Fatal("task was not executed")
	}

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop(), "stop is idempotent")
}

func TestDispatcher_StopDrainsInFlightTask(t *testing.T) {
	d, db, _, _ := setupTestDispatcher(t, Options{
		PollInterval: 10 * time.Millisecond,
		Now:          time.Now,
	})

	started := make(chan struct{})
	release := make(chan struct{})
	ctxErr := make(chan error, 1)

	d.Handle("slow", func(ctx context.Context, _ Args) error {
		close(started)
		<-release

		ctxErr <- ctx.Err()

		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Schedule(ctx, "slow", Args{"id": "1"}, time.Now()))
	require.NoError(t, d.Start(ctx))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not executed")
	}

	stopped := make(chan struct{})

	go func() {
		_ = d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a task was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}

	// The caller's context stays live until Stop returns.
	require.NoError(t, <-ctxErr)
	assert.Zero(t, countTasks(t, db), "drained task completes")
}

func TestDispatcher_Backoff(t *testing.T) {
	d := &dispatcher{opts: Options{RetryBackoff: time.Second}}

	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 8*time.Second, d.backoff(4))
	assert.Equal(t, maxRetryBackoff, d.backoff(40))
}
