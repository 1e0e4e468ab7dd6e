package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a function run on a cron schedule.
type Job struct {
	ID   string
	Expr string // standard 5-field cron expression
	Run  func(ctx context.Context) error

	schedule cron.Schedule
}

// JobState tracks job execution state
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Validate checks the job and parses its schedule.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: run func required", j.ID)
	}
	if j.Expr == "" {
		return fmt.Errorf("job %s: cron expression required", j.ID)
	}
	schedule, err := cron.ParseStandard(j.Expr)
	if err != nil {
		return fmt.Errorf("job %s: invalid cron expression: %w", j.ID, err)
	}
	j.schedule = schedule
	return nil
}

// NextRun returns the first activation strictly after from.
func (j *Job) NextRun(from time.Time) time.Time {
	return j.schedule.Next(from)
}
