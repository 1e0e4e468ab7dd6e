// Package syncer drains the write queue against the backend.
//
// At most one drain pass runs at a time. A pass requested while another is
// in flight returns an empty Result immediately instead of waiting.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/mdrrmo/fieldsync/internal/config"
	"github.com/mdrrmo/fieldsync/internal/observability"
	"github.com/mdrrmo/fieldsync/internal/queue"
	"github.com/mdrrmo/fieldsync/internal/relay"
)

// Queue is the part of the queue store a drain pass needs.
type Queue interface {
	ListPending(ctx context.Context, entryType string) ([]queue.Entry, error)
	RecordAttempt(ctx context.Context, id int64, at time.Time) (int, error)
	RecordFailure(ctx context.Context, id int64, reason string) error
	DeadLetter(ctx context.Context, id int64, reason string) error
	MarkSynced(ctx context.Context, id int64) error
	PurgeSynced(ctx context.Context) (int64, error)
}

// Submitter delivers one entry to the backend.
type Submitter interface {
	Submit(ctx context.Context, entryType string, payload json.RawMessage, clientRef string) error
}

// Publisher receives the pass summary.
type Publisher interface {
	Publish(m relay.Message) int
}

// EntryError describes one entry that failed during a pass.
type EntryError struct {
	ID        int64  `json:"id"`
	EntryType string `json:"type"`
	Error     string `json:"error"`
}

// Result summarizes a drain pass.
type Result struct {
	Succeeded    int          `json:"succeeded"`
	Failed       int          `json:"failed"`
	Errors       []EntryError `json:"errors"`
	DeadLettered int          `json:"deadLettered,omitempty"`
	Purged       int64        `json:"purged,omitempty"`

	// Skipped is set when another pass was already running.
	Skipped bool `json:"skipped,omitempty"`

	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`

	// Err is set only when the queue could not be read at all.
	Err error `json:"-"`
}

// Options configures an Engine.
type Options struct {
	Concurrency  int
	MaxAttempts  int // 0 keeps failing entries forever
	SettleDelay  time.Duration
	StartupDelay time.Duration

	// Online reports whether the backend is believed reachable. Nil means always.
	Online func() bool

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// OptionsFromConfig maps the sync config section onto Options.
func OptionsFromConfig(cfg config.SyncConfig) Options {
	return Options{
		Concurrency:  cfg.Concurrency,
		MaxAttempts:  cfg.MaxAttempts,
		SettleDelay:  time.Duration(cfg.SettleDelaySec) * time.Second,
		StartupDelay: time.Duration(cfg.StartupDelaySec) * time.Second,
	}
}

// Engine runs drain passes.
type Engine struct {
	queue     Queue
	submitter Submitter
	publisher Publisher

	concurrency  int
	maxAttempts  atomic.Int64
	settleDelay  time.Duration
	startupDelay time.Duration
	online       func() bool
	clock        clockwork.Clock
	logger       *slog.Logger
	metrics      *observability.Metrics

	draining atomic.Bool
	requests chan struct{}

	mu      sync.Mutex
	last    *Result
	settle  clockwork.Timer
	running bool
	stop    context.CancelFunc
	done    chan struct{}
}

// New creates an Engine. publisher may be nil.
func New(q Queue, s Submitter, p Publisher, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	e := &Engine{
		queue:        q,
		submitter:    s,
		publisher:    p,
		concurrency:  opts.Concurrency,
		settleDelay:  opts.SettleDelay,
		startupDelay: opts.StartupDelay,
		online:       opts.Online,
		clock:        opts.Clock,
		logger:       opts.Logger.With("component", "syncer"),
		metrics:      opts.Metrics,
		requests:     make(chan struct{}, 1),
	}
	e.maxAttempts.Store(int64(opts.MaxAttempts))
	return e
}

// SetMaxAttempts changes the dead-letter threshold for later passes.
func (e *Engine) SetMaxAttempts(n int) {
	e.maxAttempts.Store(int64(n))
}

// Draining reports whether a pass is in progress.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

// LastResult returns the most recent completed pass, if any.
func (e *Engine) LastResult() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Result{}, false
	}
	return *e.last, true
}

// SyncAll runs one drain pass. Entry failures are reported in the Result,
// never as an error.
func (e *Engine) SyncAll(ctx context.Context) Result {
	if !e.draining.CompareAndSwap(false, true) {
		e.logger.Debug("drain pass already in progress, skipping")
		e.countPass("skipped")
		return Result{Errors: []EntryError{}, Skipped: true}
	}
	defer e.draining.Store(false)

	start := e.clock.Now()
	res := Result{Errors: []EntryError{}, StartedAt: start}

	entries, err := e.queue.ListPending(ctx, "")
	if err != nil {
		e.logger.Error("failed to list pending entries", "error", err)
		res.Err = fmt.Errorf("list pending: %w", err)
		e.countPass("failed")
		return res
	}

	if len(entries) > 0 {
		e.logger.Info("drain pass started", "pending", len(entries))
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, entry := range entries {
		g.Go(func() error {
			outcome := e.syncEntry(gctx, entry)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case outcome.err == nil:
				res.Succeeded++
			default:
				res.Failed++
				if outcome.deadLettered {
					res.DeadLettered++
				}
				res.Errors = append(res.Errors, EntryError{
					ID:        entry.ID,
					EntryType: entry.EntryType,
					Error:     outcome.err.Error(),
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Errors, func(a, b int) bool { return res.Errors[a].ID < res.Errors[b].ID })

	purged, err := e.queue.PurgeSynced(ctx)
	if err != nil {
		e.logger.Warn("purge after drain pass failed", "error", err)
	}
	res.Purged = purged
	res.Duration = e.clock.Since(start)

	e.finish(res)
	return res
}

type entryOutcome struct {
	err          error
	deadLettered bool
}

func (e *Engine) syncEntry(ctx context.Context, entry queue.Entry) entryOutcome {
	log := e.logger.With("id", entry.ID, "entry_type", entry.EntryType)

	// the attempt is recorded before submitting so it survives a crash mid-call
	attempts, err := e.queue.RecordAttempt(ctx, entry.ID, e.clock.Now())
	if err != nil {
		log.Error("failed to record attempt, skipping entry", "error", err)
		return entryOutcome{err: fmt.Errorf("record attempt: %w", err)}
	}

	if err := e.submitter.Submit(ctx, entry.EntryType, entry.Payload, entry.ClientRef); err != nil {
		log.Warn("submission failed, entry stays queued", "attempts", attempts, "error", err)
		if ferr := e.queue.RecordFailure(ctx, entry.ID, err.Error()); ferr != nil {
			log.Error("failed to record failure", "error", ferr)
		}

		limit := int(e.maxAttempts.Load())
		if limit > 0 && attempts >= limit {
			if derr := e.queue.DeadLetter(ctx, entry.ID, err.Error()); derr != nil {
				log.Error("failed to dead-letter entry", "error", derr)
				return entryOutcome{err: err}
			}
			log.Warn("entry dead-lettered", "attempts", attempts, "max_attempts", limit)
			return entryOutcome{err: err, deadLettered: true}
		}
		return entryOutcome{err: err}
	}

	if err := e.queue.MarkSynced(ctx, entry.ID); err != nil {
		// accepted remotely but not marked; the idempotency key covers the resubmission
		log.Error("submitted but failed to mark synced", "error", err)
		return entryOutcome{err: fmt.Errorf("mark synced: %w", err)}
	}
	log.Debug("entry synced", "attempts", attempts)
	return entryOutcome{}
}

func (e *Engine) finish(res Result) {
	e.mu.Lock()
	e.last = &res
	e.mu.Unlock()

	if e.publisher != nil {
		e.publisher.Publish(relay.SyncCompleteMessage(res.Succeeded, res.Failed))
	}

	e.countPass("completed")
	if e.metrics != nil {
		e.metrics.SyncPassDuration.Observe(res.Duration.Seconds())
		e.metrics.SyncEntries.WithLabelValues("succeeded").Add(float64(res.Succeeded))
		e.metrics.SyncEntries.WithLabelValues("failed").Add(float64(res.Failed))
		e.metrics.SyncEntries.WithLabelValues("dead_lettered").Add(float64(res.DeadLettered))
	}

	if res.Succeeded+res.Failed > 0 {
		e.logger.Info("drain pass complete",
			"synced", res.Succeeded,
			"failed", res.Failed,
			"dead_lettered", res.DeadLettered,
			"purged", res.Purged,
			"duration", res.Duration)
	}
}

func (e *Engine) countPass(outcome string) {
	if e.metrics != nil {
		e.metrics.SyncPasses.WithLabelValues(outcome).Inc()
	}
}

// Nudge asks the background loop for a pass. Requests made while one is
// already pending collapse into it.
func (e *Engine) Nudge() {
	select {
	case e.requests <- struct{}{}:
	default:
	}
}

// Register satisfies queue.Registrar: a fresh enqueue asks for a pass when
// the backend looks reachable.
func (e *Engine) Register(_ context.Context) error {
	if e.online != nil && !e.online() {
		return nil
	}
	e.Nudge()
	return nil
}

// ConnectivityChanged reacts to the online signal. Coming online schedules a
// pass after the settle delay; going offline cancels a pending one.
func (e *Engine) ConnectivityChanged(online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.settle != nil {
		e.settle.Stop()
		e.settle = nil
	}
	if !online {
		return
	}
	e.logger.Info("connectivity restored, sync scheduled", "settle_delay", e.settleDelay)
	e.settle = e.clock.AfterFunc(e.settleDelay, e.Nudge)
}

var ErrAlreadyRunning = errors.New("syncer: already running")

// Start launches the background loop that serves Nudge requests. If the
// backend is reachable at startup a pass runs after the startup delay.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	e.running = true
	e.stop = cancel
	e.done = make(chan struct{})

	go e.loop(ctx, e.done)
	return nil
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	startup := e.clock.NewTimer(e.startupDelay)
	defer startup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-startup.Chan():
			if e.online == nil || e.online() {
				e.logger.Debug("startup sync check")
				e.SyncAll(ctx)
			}
		case <-e.requests:
			e.SyncAll(ctx)
		}
	}
}

// Stop ends the background loop and waits for an in-flight pass to return.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	if e.settle != nil {
		e.settle.Stop()
		e.settle = nil
	}
	cancel, done := e.stop, e.done
	e.mu.Unlock()

	cancel()
	<-done
}
