package store

import (
	"time"
)

// RunState is the lifecycle state of a Run.
type RunState string

// Run states.
const (
	RunStateCreated        RunState = "created"
	RunStateRunning        RunState = "running"
	RunStateChangingRunner RunState = "changing_runner"
	RunStateDone           RunState = "done"
	RunStateTimedOut       RunState = "timed_out"
	RunStateCrashed        RunState = "crashed"
)

// Finished reports whether the state is terminal.
func (s RunState) Finished() bool {
	switch s {
	case RunStateDone, RunStateTimedOut, RunStateCrashed:
		return true
	default:
		return false
	}
}

// CleanupState tracks the teardown of a Runner. It only ever moves
// forward: not_called -> calling -> called.
type CleanupState string

// Runner cleanup states.
const (
	CleanupNotCalled CleanupState = "not_called"
	CleanupCalling   CleanupState = "calling"
	CleanupCalled    CleanupState = "called"
)

// ResultState is the state of a single submission's result.
type ResultState string

// Result states.
const (
	ResultStateNotStarted ResultState = "not_started"
	ResultStateRunning    ResultState = "running"
	ResultStatePassed     ResultState = "passed"
	ResultStateFailed     ResultState = "failed"
	ResultStateTimedOut   ResultState = "timed_out"
)

// Final reports whether a result carries a verdict that recovery must
// never discard.
func (s ResultState) Final() bool {
	return s == ResultStatePassed || s == ResultStateFailed
}

// Done reports whether no more work is expected for the result.
func (s ResultState) Done() bool {
	return s.Final() || s == ResultStateTimedOut
}

// Valid reports whether s is a known result state.
func (s ResultState) Valid() bool {
	switch s {
	case ResultStateNotStarted, ResultStateRunning,
		ResultStatePassed, ResultStateFailed, ResultStateTimedOut:
		return true
	default:
		return false
	}
}

// Assignment owns the deadline after which hidden test steps may be
// revealed.
type Assignment struct {
	ID        string     `gorm:"primaryKey" json:"id"`
	Name      string     `gorm:"not null" json:"name"`
	Deadline  *time.Time `gorm:"index" json:"deadline"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Run is one execution campaign of a test suite against a batch of
// submissions.
type Run struct {
	ID               string     `gorm:"primaryKey" json:"id"`
	AssignmentID     string     `gorm:"index" json:"assignment_id"`
	JobID            string     `gorm:"uniqueIndex;not null" json:"job_id"`
	State            RunState   `gorm:"index;not null" json:"state"`
	StartedAt        *time.Time `json:"started_at"`
	KillDeadline     *time.Time `json:"kill_deadline"`
	HasHiddenSteps   bool       `gorm:"not null;default:false" json:"has_hidden_steps"`
	BatchRunDone     bool       `gorm:"not null;default:false" json:"batch_run_done"`
	RunnersRequested int        `gorm:"not null;default:0" json:"runners_requested"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Runner is one ephemeral worker executing a Run's steps. RunID is a
// lookup relation only: the broker, not the Run, governs the Runner's
// lifetime.
type Runner struct {
	ID               string       `gorm:"primaryKey" json:"id"`
	Address          string       `gorm:"not null" json:"address"`
	JobID            string       `gorm:"index;not null" json:"job_id"`
	RunID            *string      `gorm:"index" json:"run_id"`
	LastHeartbeat    time.Time    `gorm:"not null" json:"last_heartbeat"`
	CleanupState     CleanupState `gorm:"not null;default:not_called" json:"cleanup_state"`
	CleanupAttempts  int          `gorm:"not null;default:0" json:"cleanup_attempts"`
	CleanupStartedAt *time.Time   `json:"cleanup_started_at"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Attached reports whether the runner still points at a run.
func (r *Runner) Attached() bool {
	return r.RunID != nil && *r.RunID != ""
}

// Result is the outcome of running the suite against one submission.
type Result struct {
	ID           string      `gorm:"primaryKey" json:"id"`
	RunID        string      `gorm:"index;not null" json:"run_id"`
	SubmissionID string      `gorm:"not null" json:"submission_id"`
	RunnerID     *string     `gorm:"index" json:"runner_id"`
	State        ResultState `gorm:"index;not null" json:"state"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}
