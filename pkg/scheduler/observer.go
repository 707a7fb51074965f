package scheduler

import (
	"time"
)

// EventKind names a point in a task's lifecycle.
type EventKind string

// Task lifecycle events.
const (
	EventScheduled EventKind = "scheduled"
	EventStarted   EventKind = "started"
	EventSucceeded EventKind = "succeeded"
	EventRetrying  EventKind = "retrying"
	EventFailed    EventKind = "failed"
)

// Event describes a task lifecycle transition.
type Event struct {
	Kind     EventKind
	Task     string
	TaskID   uint
	Attempt  int
	RunAt    time.Time
	Duration time.Duration
	Err      error
}

// Observer receives task lifecycle events. Observers run synchronously
// on the dispatching goroutine and must not block.
type Observer func(Event)
