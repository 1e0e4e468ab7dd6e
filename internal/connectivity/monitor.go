// Package connectivity tracks whether the backend is reachable.
//
// The state comes from two places: a periodic health probe and explicit
// signals forwarded by the front end. Listeners are called on transitions
// only.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Prober checks backend reachability.
type Prober interface {
	Health(ctx context.Context) error
}

// Listener is called with the new state after every transition.
type Listener func(online bool)

// Monitor holds the current connectivity state.
type Monitor struct {
	prober   Prober
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	// dispatch serializes transitions with their listener calls, so
	// listeners see states in the order they were recorded.
	dispatch sync.Mutex

	mu        sync.RWMutex
	online    bool
	changedAt time.Time
	listeners []Listener

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor. prober may be nil when only external signals are used.
// The state starts online so that the first probe or signal decides.
func New(prober Prober, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		prober:    prober,
		interval:  interval,
		clock:     clock,
		logger:    logger.With("component", "connectivity"),
		online:    true,
		changedAt: clock.Now(),
	}
}

// OnChange registers a listener. Listeners run synchronously in registration order.
func (m *Monitor) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Since returns when the current state began.
func (m *Monitor) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changedAt
}

// Set records a state reported from outside. It returns true when the state changed.
// Listeners must not call Set.
func (m *Monitor) Set(online bool) bool {
	m.dispatch.Lock()
	defer m.dispatch.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.changedAt = m.clock.Now()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if online {
		m.logger.Info("backend reachable")
	} else {
		m.logger.Warn("backend unreachable")
	}
	for _, l := range listeners {
		l(online)
	}
	return true
}

// Probe runs one health check and records the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil {
		return m.Online()
	}
	err := m.prober.Health(ctx)
	if err != nil {
		m.logger.Debug("health probe failed", "error", err)
	}
	m.Set(err == nil)
	return err == nil
}

// Start probes immediately and then on every interval until Stop.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := m.clock.NewTicker(m.interval)
		defer ticker.Stop()

		m.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				m.Probe(ctx)
			}
		}
	}()
}

// Stop ends probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}
