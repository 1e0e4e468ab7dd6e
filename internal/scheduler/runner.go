package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// JobRunner executes a single job on schedule
type JobRunner struct {
	job    *Job
	clock  clockwork.Clock
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}

	mu    sync.Mutex
	state JobState
}

// NewJobRunner creates a new job runner
func NewJobRunner(job *Job, clock clockwork.Clock, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	return &JobRunner{
		job:    job,
		clock:  clock,
		logger: log.With("job", job.ID),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the job at each activation until ctx is done or Stop is called.
func (r *JobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	for {
		next := r.job.NextRun(r.clock.Now())
		r.mu.Lock()
		r.state.NextRunAt = next
		r.mu.Unlock()
		r.logger.Debug("next run scheduled", "next_run", next.Format(time.RFC3339))

		timer := r.clock.NewTimer(next.Sub(r.clock.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.stopCh:
			timer.Stop()
			return
		case <-timer.Chan():
			r.execute(ctx)
		}
	}
}

// Stop stops the job runner
func (r *JobRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// State returns a copy of the runner's state.
func (r *JobRunner) State() JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *JobRunner) execute(ctx context.Context) {
	start := r.clock.Now()
	err := r.job.Run(ctx)
	duration := r.clock.Since(start)

	r.mu.Lock()
	r.state.LastRunAt = start
	r.state.LastDuration = duration
	r.state.RunCount++
	if err != nil {
		r.state.ErrorCount++
		r.state.LastError = err.Error()
	} else {
		r.state.LastError = ""
	}
	st := r.state
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("job failed", "error", err, "duration", duration, "error_count", st.ErrorCount)
		return
	}
	r.logger.Debug("job completed", "duration", duration, "run_count", st.RunCount)
}
