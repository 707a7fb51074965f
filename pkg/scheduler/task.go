package scheduler

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the dispatch state of a task.
type Status string

// Task statuses.
const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
)

// Args are the string arguments a task is scheduled with.
type Args map[string]string

// Task is a named callback due at RunAt. Succeeded tasks are deleted;
// tasks that exhausted their attempts stay behind as failed.
type Task struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Name       string     `gorm:"index;not null" json:"name"`
	Args       string     `gorm:"not null" json:"args"`
	RunAt      time.Time  `gorm:"index;not null" json:"run_at"`
	Status     Status     `gorm:"index;not null" json:"status"`
	Attempts   int        `gorm:"not null;default:0" json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	LeaseUntil *time.Time `json:"lease_until,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName keeps the table name distinct from any domain "tasks".
func (Task) TableName() string {
	return "scheduled_tasks"
}

// DecodedArgs returns the task's arguments.
func (t *Task) DecodedArgs() (Args, error) {
	args := Args{}
	if t.Args == "" {
		return args, nil
	}

	if err := json.Unmarshal([]byte(t.Args), &args); err != nil {
		return nil, fmt.Errorf("decoding args of task %d: %w", t.ID, err)
	}

	return args, nil
}

func encodeArgs(args Args) (string, error) {
	if args == nil {
		args = Args{}
	}

	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encoding task args: %w", err)
	}

	return string(b), nil
}
