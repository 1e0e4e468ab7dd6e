package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdrrmo/fieldsync/internal/observability"
	"github.com/mdrrmo/fieldsync/internal/queue"
	"github.com/mdrrmo/fieldsync/internal/relay"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(entryType string, payload json.RawMessage) error
	gate  chan struct{}
	entry chan struct{}
}

func newSubmitter() *fakeSubmitter {
	return &fakeSubmitter{calls: map[string]int{}}
}

func (f *fakeSubmitter) Submit(_ context.Context, entryType string, payload json.RawMessage, clientRef string) error {
	if f.entry != nil {
		f.entry <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.calls[clientRef]++
	f.mu.Unlock()
	if f.fail != nil {
		return f.fail(entryType, payload)
	}
	return nil
}

func (f *fakeSubmitter) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type recorder struct {
	mu   sync.Mutex
	msgs []relay.Message
}

func (r *recorder) Publish(m relay.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return 1
}

func (r *recorder) messages() []relay.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relay.Message(nil), r.msgs...)
}

func newQueue(t *testing.T, clock clockwork.Clock) *queue.Store {
	t.Helper()
	q := queue.New(filepath.Join(t.TempDir(), "queue.db"), queue.WithClock(clock))
	require.NoError(t, q.Initialize(context.Background()))
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func enqueue(t *testing.T, q *queue.Store, payload string) int64 {
	t.Helper()
	id, err := q.Enqueue(context.Background(), json.RawMessage(payload), "incident")
	require.NoError(t, err)
	return id
}

func TestSyncAllAccepted(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	q := newQueue(t, clock)
	sub := newSubmitter()
	pub := &recorder{}
	e := New(q, sub, pub, Options{Clock: clock, Concurrency: 2})

	enqueue(t, q, `{"type":"flooding","desc":"knee-deep on Rizal St"}`)

	res := e.SyncAll(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	assert.Empty(t, res.Errors)
	assert.EqualValues(t, 1, res.Purged)

	pending, err := q.ListPending(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, []relay.Message{relay.SyncCompleteMessage(1, 0)}, pub.messages())

	last, ok := e.LastResult()
	require.True(t, ok)
	assert.Equal(t, 1, last.Succeeded)
}

func TestSyncAllRejected(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	q := newQueue(t, clock)
	sub := newSubmitter()
	sub.fail = func(string, json.RawMessage) error { return errors.New("remote returned 422") }
	pub := &recorder{}
	e := New(q, sub, pub, Options{Clock: clock})

	id := enqueue(t, q, `{"type":"flooding"}`)

	res := e.SyncAll(ctx)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []EntryError{{ID: id, EntryType: "incident", Error: "remote returned 422"}}, res.Errors)

	entry, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, entry.Synced)
	assert.Equal(t, 1, entry.AttemptCount)
	require.NotNil(t, entry.LastAttemptAt)
	assert.True(t, entry.LastAttemptAt.Equal(epoch))
	assert.Equal(t, "remote returned 422", entry.LastError)

	assert.Equal(t, []relay.Message{relay.SyncCompleteMessage(0, 1)}, pub.messages())
}

func TestSyncAllIndependentOutcomes(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	q := newQueue(t, clock)
	sub := newSubmitter()
	sub.fail = func(_ string, payload json.RawMessage) error {
		var p struct{ Bad bool }
		_ = json.Unmarshal(payload, &p)
		if p.Bad {
			return errors.New("rejected")
		}
		return nil
	}
	e := New(q, sub, nil, Options{Clock: clock, Concurrency: 3})

	var bad []int64
	for i := 0; i < 6; i++ {
		if i%2 == 0 {
			bad = append(bad, enqueue(t, q, `{"bad":true}`))
		} else {
			enqueue(t, q, `{"bad":false}`)
		}
	}

	res := e.SyncAll(ctx)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 3, res.Failed)
	require.Len(t, res.Errors, 3)
	for i, ee := range res.Errors {
		assert.Equal(t, bad[i], ee.ID, "errors are ordered by id")
	}

	pending, err := q.ListPending(ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, p := range pending {
		assert.Equal(t, bad[i], p.ID)
	}
}

func TestSyncAllEmptyQueue(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	pub := &recorder{}
	e := New(newQueue(t, clock), newSubmitter(), pub, Options{Clock: clock})

	res := e.SyncAll(context.Background())
	assert.Equal(t, 0, res.Succeeded+res.Failed)
	assert.NotNil(t, res.Errors)
	assert.Equal(t, []relay.Message{relay.SyncCompleteMessage(0, 0)}, pub.messages())
}

func TestSyncAllSkipsWhileDraining(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	q := newQueue(t, clock)
	sub := newSubmitter()
	sub.gate = make(chan struct{})
	sub.entry = make(chan struct{}, 8)
	metrics := observability.NewMetricsForTesting()
	e := New(q, sub, nil, Options{Clock: clock, Concurrency: 4, Metrics: metrics})

	enqueue(t, q, `{"n":1}`)
	enqueue(t, q, `{"n":2}`)

	first := make(chan Result, 1)
	go func() { first <- e.SyncAll(ctx) }()

	<-sub.entry
	require.True(t, e.Draining())

	second := e.SyncAll(ctx)
	assert.True(t, second.Skipped)
	assert.Equal(t, 0, second.Succeeded)
	assert.Equal(t, 0, second.Failed)
	assert.Equal(t, []EntryError{}, second.Errors)

	close(sub.gate)
	res := <-first
	assert.Equal(t, 2, res.Succeeded)
	assert.False(t, e.Draining())

	sub.mu.Lock()
	for ref, n := range sub.calls {
		assert.Equal(t, 1, n, "entry %s submitted more than once", ref)
	}
	sub.mu.Unlock()
	assert.Equal(t, 2, sub.total())
}

func TestConcurrentPassesNeverDuplicate(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	q := newQueue(t, clock)
	sub := newSubmitter()
	e := New(q, sub, nil, Options{Clock: clock, Concurrency: 2})

	for i := 0; i < 10; i++ {
		enqueue(t, q, `{}`)
	}

	var wg sync.WaitGroup
	var succeeded atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			succeeded.Add(int64(e.SyncAll(ctx).Succeeded))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, succeeded.Load())
	assert.Equal(t, 10, sub.total())
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	q := newQueue(t, clock)
	sub := newSubmitter()
	sub.fail = func(string, json.RawMessage) error { return errors.New("still down") }
	e := New(q, sub, nil, Options{Clock: clock, MaxAttempts: 2})

	id := enqueue(t, q, `{}`)

	res := e.SyncAll(ctx)
	assert.Equal(t, 0, res.DeadLettered)

	res = e.SyncAll(ctx)
	assert.Equal(t, 1, res.DeadLettered)

	pending, err := q.ListPending(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)

	dead, err := q.ListDeadLettered(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, 2, dead[0].AttemptCount)

	// a third pass leaves it alone
	e.SyncAll(ctx)
	assert.Equal(t, 2, sub.total())
}

func TestUnlimitedAttemptsKeepEntry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	q := newQueue(t, clock)
	sub := newSubmitter()
	sub.fail = func(string, json.RawMessage) error { return errors.New("down") }
	e := New(q, sub, nil, Options{Clock: clock})

	id := enqueue(t, q, `{}`)
	for i := 0; i < 5; i++ {
		e.SyncAll(ctx)
	}

	entry, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, entry.AttemptCount)
	assert.Nil(t, entry.DeadLetteredAt)
}

type failingQueue struct {
	Queue
}

func (failingQueue) ListPending(context.Context, string) ([]queue.Entry, error) {
	return nil, &queue.OpenError{Path: "/nope/queue.db", Err: errors.New("read-only file system")}
}

func TestSyncAllStorageOpenFailure(t *testing.T) {
	pub := &recorder{}
	e := New(failingQueue{}, newSubmitter(), pub, Options{})

	res := e.SyncAll(context.Background())
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, queue.ErrStorageOpen)
	assert.Empty(t, pub.messages())
	assert.False(t, e.Draining())
}

func TestConnectivityRestoredTriggersAfterSettle(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	q := newQueue(t, clock)
	sub := newSubmitter()
	pub := &recorder{}
	e := New(q, sub, pub, Options{
		Clock:        clock,
		SettleDelay:  5 * time.Second,
		StartupDelay: time.Hour,
	})
	enqueue(t, q, `{}`)

	require.NoError(t, e.Start(ctx))
	defer e.Stop()
	assert.ErrorIs(t, e.Start(ctx), ErrAlreadyRunning)

	e.ConnectivityChanged(true)
	clock.Advance(4 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, sub.total(), "must wait for the settle delay")

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(pub.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sub.total())
}

func TestConnectivityLostCancelsPendingPass(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	q := newQueue(t, clock)
	sub := newSubmitter()
	e := New(q, sub, nil, Options{Clock: clock, SettleDelay: 5 * time.Second, StartupDelay: time.Hour})
	enqueue(t, q, `{}`)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	e.ConnectivityChanged(true)
	clock.Advance(2 * time.Second)
	e.ConnectivityChanged(false)
	clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, sub.total())
}

func TestStartupCheckRunsWhenOnline(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	q := newQueue(t, clock)
	sub := newSubmitter()
	pub := &recorder{}
	e := New(q, sub, pub, Options{Clock: clock, StartupDelay: 2 * time.Second, Online: func() bool { return true }})
	enqueue(t, q, `{}`)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return len(pub.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStartupCheckSkippedWhenOffline(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	q := newQueue(t, clock)
	sub := newSubmitter()
	e := New(q, sub, nil, Options{Clock: clock, StartupDelay: 2 * time.Second, Online: func() bool { return false }})
	enqueue(t, q, `{}`)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, sub.total())
}

func TestRegisterNudgesWhenOnline(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	var online atomic.Bool
	sub := newSubmitter()
	pub := &recorder{}

	var e *Engine
	q := queue.New(filepath.Join(t.TempDir(), "queue.db"),
		queue.WithClock(clock),
		queue.WithRegistrar(queue.RegistrarFunc(func(ctx context.Context) error { return e.Register(ctx) })))
	t.Cleanup(func() { _ = q.Close() })
	e = New(q, sub, pub, Options{Clock: clock, StartupDelay: time.Hour, Online: online.Load})

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	enqueue(t, q, `{"offline":true}`)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, sub.total(), "no pass while offline")

	online.Store(true)
	enqueue(t, q, `{"offline":false}`)
	require.Eventually(t, func() bool { return sub.total() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestNudgeCollapses(t *testing.T) {
	e := New(nil, nil, nil, Options{})
	e.Nudge()
	e.Nudge()
	e.Nudge()
	assert.Len(t, e.requests, 1)
}

func TestStopIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	e := New(newQueue(t, clock), newSubmitter(), nil, Options{Clock: clock, StartupDelay: time.Hour})
	e.Stop()
	require.NoError(t, e.Start(context.Background()))
	e.Stop()
	e.Stop()
}
