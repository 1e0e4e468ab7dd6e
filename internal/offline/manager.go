// Package offline assembles the durability layer: stores, backend client,
// interceptor, drain engine, connectivity monitor, relay and gateway.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mdrrmo/fieldsync/internal/cache"
	"github.com/mdrrmo/fieldsync/internal/config"
	"github.com/mdrrmo/fieldsync/internal/connectivity"
	"github.com/mdrrmo/fieldsync/internal/gateway"
	"github.com/mdrrmo/fieldsync/internal/intercept"
	"github.com/mdrrmo/fieldsync/internal/observability"
	"github.com/mdrrmo/fieldsync/internal/queue"
	"github.com/mdrrmo/fieldsync/internal/relay"
	"github.com/mdrrmo/fieldsync/internal/remote"
	"github.com/mdrrmo/fieldsync/internal/scheduler"
	"github.com/mdrrmo/fieldsync/internal/syncer"
)

const (
	drainJobID   = "drain-queue"
	refreshJobID = "refresh-critical"

	configPollInterval = 5 * time.Second
)

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the clock used by every timed component.
func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithMetrics installs a metrics set. Without it metrics are collected but not registered.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithHTTPClient sets the client used to reach the backend.
func WithHTTPClient(hc *http.Client) Option { return func(m *Manager) { m.httpClient = hc } }

// WithLevel lets config reloads change the log level.
func WithLevel(lv *slog.LevelVar) Option { return func(m *Manager) { m.level = lv } }

// Manager owns every component and their lifecycle.
type Manager struct {
	cfg        *config.Config
	cfgPath    string
	logger     *slog.Logger
	level      *slog.LevelVar
	clock      clockwork.Clock
	metrics    *observability.Metrics
	httpClient *http.Client

	queue       *queue.Store
	cache       *cache.Store
	remote      *remote.Client
	hub         *relay.Hub
	engine      *syncer.Engine
	monitor     *connectivity.Monitor
	interceptor *intercept.Interceptor
	scheduler   *scheduler.Scheduler

	mqtt  *relay.MQTTSink
	kafka *relay.KafkaSink

	warmMu sync.Mutex

	jobMu    sync.Mutex
	jobExprs map[string]string
}

// NewManager builds all components from cfg without touching disk or network.
// cfgPath enables hot reload when non-empty.
func NewManager(cfg *config.Config, cfgPath string, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		cfgPath:  cfgPath,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
		jobExprs: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = observability.NewMetricsForTesting()
	}

	remoteOpts := []remote.Option{remote.WithClock(m.clock), remote.WithMetrics(m.metrics)}
	if m.httpClient != nil {
		remoteOpts = append(remoteOpts, remote.WithHTTPClient(m.httpClient))
	}
	client, err := remote.NewClient(cfg.Remote, logger, remoteOpts...)
	if err != nil {
		return nil, fmt.Errorf("remote client: %w", err)
	}
	m.remote = client

	m.hub = relay.NewHub(cfg.Relay.SubscriberBuffer, logger, m.metrics)

	var prober connectivity.Prober
	if cfg.Connectivity.ProbeEnabled {
		prober = client
	}
	m.monitor = connectivity.New(prober,
		time.Duration(cfg.Connectivity.ProbeIntervalSec)*time.Second, m.clock, logger)

	m.queue = queue.New(cfg.QueuePath(),
		queue.WithLogger(logger),
		queue.WithClock(m.clock),
		queue.WithRegistrar(queue.RegistrarFunc(func(ctx context.Context) error {
			return m.engine.Register(ctx)
		})),
		queue.WithChangeHook(m.queueChanged),
	)
	m.cache = cache.New(cfg.CachePath(), logger, m.clock)

	syncOpts := syncer.OptionsFromConfig(cfg.Sync)
	syncOpts.Online = m.monitor.Online
	syncOpts.Clock = m.clock
	syncOpts.Logger = logger
	syncOpts.Metrics = m.metrics
	m.engine = syncer.New(m.queue, client, m.hub, syncOpts)

	m.interceptor = intercept.New(client, m.queue, m.cache, intercept.Options{
		Critical:    cfg.CriticalSet(),
		QueueRoutes: cfg.Intercept.QueueRoutes,
		Generation:  cache.Generation(cfg.Cache.Generation),
		Online:      m.monitor.Online,
		Clock:       m.clock,
		Logger:      logger,
		Metrics:     m.metrics,
	})

	m.monitor.OnChange(m.connectivityChanged)

	m.scheduler = scheduler.NewScheduler(m.clock, logger)
	if err := m.addJobs(); err != nil {
		return nil, err
	}

	if mc := cfg.Relay.MQTT; mc != nil && mc.Host != "" {
		m.mqtt = relay.NewMQTTSink(*mc, m.hub, m.engine.Nudge, logger)
	}
	if kc := cfg.Relay.Kafka; kc != nil && len(kc.Brokers) > 0 {
		m.kafka = relay.NewKafkaSink(*kc, m.hub, logger)
	}

	return m, nil
}

func (m *Manager) addJobs() error {
	if err := m.schedule(drainJobID, m.cfg.Sync.Schedule); err != nil {
		return err
	}
	return m.schedule(refreshJobID, m.cfg.Cache.RefreshSchedule)
}

// schedule makes job id run on expr, replacing an earlier schedule. An empty
// expr removes the job.
func (m *Manager) schedule(id, expr string) error {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()

	if m.jobExprs[id] == expr {
		return nil
	}
	if _, ok := m.jobExprs[id]; ok {
		if err := m.scheduler.RemoveJob(id); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
			return err
		}
		delete(m.jobExprs, id)
	}
	if expr == "" {
		return nil
	}
	if err := m.scheduler.AddJob(&scheduler.Job{ID: id, Expr: expr, Run: m.jobFunc(id)}); err != nil {
		return fmt.Errorf("schedule %s: %w", id, err)
	}
	m.jobExprs[id] = expr
	return nil
}

// Both jobs are skipped while offline.
func (m *Manager) jobFunc(id string) func(ctx context.Context) error {
	if id == refreshJobID {
		return func(ctx context.Context) error {
			if !m.monitor.Online() {
				return nil
			}
			return m.WarmCritical(ctx).Err()
		}
	}
	return func(ctx context.Context) error {
		if !m.monitor.Online() {
			return nil
		}
		return m.engine.SyncAll(ctx).Err
	}
}

// JobStates reports every scheduled job. Jobs that have not started yet
// report a zero state.
func (m *Manager) JobStates() map[string]scheduler.JobState {
	ids := m.scheduler.JobIDs()
	out := make(map[string]scheduler.JobState, len(ids))
	for _, id := range ids {
		st, _ := m.scheduler.State(id)
		out[id] = st
	}
	return out
}

// RunJob runs a scheduled job once, now.
func (m *Manager) RunJob(ctx context.Context, id string) error {
	return m.scheduler.RunJobNow(ctx, id)
}

func (m *Manager) generation() cache.Generation {
	m.cfg.RLock()
	defer m.cfg.RUnlock()
	return cache.Generation(m.cfg.Cache.Generation)
}

// Open initializes both stores and drops cache partitions from older
// generations. A queue that cannot be opened is fatal; a cache that cannot be
// opened only disables offline reads.
func (m *Manager) Open(ctx context.Context) error {
	if err := m.queue.Initialize(ctx); err != nil {
		return err
	}
	if err := m.cache.Initialize(ctx); err != nil {
		m.logger.Warn("response cache unavailable, offline reads disabled", "error", err)
	} else {
		gen := m.generation()
		removed, err := m.cache.ClearStale(ctx, gen.Owns)
		if err != nil {
			m.logger.Warn("failed to clear stale cache partitions", "error", err)
		} else if len(removed) > 0 {
			m.logger.Info("cleared stale cache partitions", "partitions", removed)
		}
	}

	if stats, err := m.queue.Stats(ctx); err == nil {
		m.metrics.QueuePending.Set(float64(stats.Pending))
		if stats.Pending > 0 {
			m.logger.Info("queued writes waiting from a previous session", "pending", stats.Pending)
		}
	}
	return nil
}

// Close releases both stores.
func (m *Manager) Close() error {
	m.hub.Close()
	return errors.Join(m.queue.Close(), m.cache.Close())
}

// Run opens the stores, starts every background component and serves the
// gateway until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Open(ctx); err != nil {
		return err
	}
	defer m.Close()

	if m.mqtt != nil {
		if err := m.mqtt.Start(ctx); err != nil {
			m.logger.Warn("mqtt relay disabled", "error", err)
			m.mqtt = nil
		} else {
			defer m.mqtt.Stop()
		}
	}
	if m.kafka != nil {
		if err := m.kafka.Start(ctx); err != nil {
			m.logger.Warn("kafka relay disabled", "error", err)
			m.kafka = nil
		} else {
			defer m.kafka.Stop()
		}
	}

	m.metrics.Online.Set(1)
	m.monitor.Start(ctx)
	defer m.monitor.Stop()

	if err := m.engine.Start(ctx); err != nil {
		return err
	}
	defer m.engine.Stop()

	if err := m.scheduler.Start(ctx); err != nil {
		return err
	}
	defer m.scheduler.Stop()

	if m.cfgPath != "" {
		w := config.NewWatcher(m.cfgPath, configPollInterval, m.logger, m.Reload).WithClock(m.clock)
		w.Start()
		defer w.Stop()
	}

	go m.warmInBackground(ctx)

	srv := gateway.NewServer(m.cfg.Server.Listen, gateway.Deps{
		Interceptor:  m.interceptor,
		Engine:       m.engine,
		Queue:        m.queue,
		Connectivity: m.monitor,
		Hub:          m.hub,
		Jobs:         m,
		CacheStatus:  m.CacheStatus,
	}, m.logger)
	return srv.Start(ctx)
}

func (m *Manager) warmInBackground(ctx context.Context) {
	if !m.monitor.Online() {
		return
	}
	report := m.WarmCritical(ctx)
	if err := report.Err(); err != nil {
		m.logger.Warn("some critical endpoints could not be cached", "cached", report.Cached, "total", report.Total, "error", err)
	}
}

// WarmCritical fetches every critical endpoint into the api partition and
// announces the result on the relay.
func (m *Manager) WarmCritical(ctx context.Context) cache.WarmReport {
	m.warmMu.Lock()
	defer m.warmMu.Unlock()

	m.cfg.RLock()
	paths := m.cfg.CriticalSet().Paths()
	concurrency := m.cfg.Cache.WarmConcurrency
	gen := cache.Generation(m.cfg.Cache.Generation)
	m.cfg.RUnlock()

	report := m.cache.WarmCritical(ctx, gen.API(), paths, m.fetcher(), concurrency)
	m.metrics.CacheWarmed.Set(float64(report.Cached))
	m.hub.Publish(relay.CacheWarmedMessage(report.Cached, report.Total))
	m.logger.Info("critical endpoints warmed", "cached", report.Cached, "total", report.Total)
	return report
}

func (m *Manager) fetcher() cache.Fetcher {
	return cache.FetcherFunc(func(ctx context.Context, path string) (cache.Record, error) {
		resp, err := m.remote.Get(ctx, path)
		if err != nil {
			return cache.Record{}, err
		}
		return cache.Record{
			Status:      resp.Status,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        resp.Body,
		}, nil
	})
}

// CacheStatus reports, per critical endpoint, whether a cached copy exists.
// Endpoints are keyed by their normalized path.
func (m *Manager) CacheStatus(ctx context.Context) map[string]bool {
	m.cfg.RLock()
	paths := m.cfg.CriticalSet().Paths()
	gen := cache.Generation(m.cfg.Cache.Generation)
	m.cfg.RUnlock()

	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = cache.Key(p, "")
	}
	byKey := m.cache.Status(ctx, gen.API(), keys)

	out := make(map[string]bool, len(paths))
	for i, p := range paths {
		out[p] = byKey[keys[i]]
	}
	return out
}

// SyncNow runs one drain pass in the foreground.
func (m *Manager) SyncNow(ctx context.Context) syncer.Result {
	return m.engine.SyncAll(ctx)
}

func (m *Manager) Queue() *queue.Store { return m.queue }
func (m *Manager) Cache() *cache.Store { return m.cache }
func (m *Manager) Hub() *relay.Hub { return m.hub }
func (m *Manager) Engine() *syncer.Engine { return m.engine }
func (m *Manager) Monitor() *connectivity.Monitor { return m.monitor }
func (m *Manager) Interceptor() *intercept.Interceptor { return m.interceptor }

func (m *Manager) queueChanged(pending int) {
	m.metrics.QueuePending.Set(float64(pending))
	m.hub.Publish(relay.QueueChangedMessage(pending))
}

func (m *Manager) connectivityChanged(online bool) {
	if online {
		m.metrics.Online.Set(1)
	} else {
		m.metrics.Online.Set(0)
	}
	m.hub.Publish(relay.ConnectivityMessage(online))
	m.engine.ConnectivityChanged(online)
	if online {
		go m.warmInBackground(context.Background())
	}
}

// Reload re-reads the config file and applies the hot-reloadable sections.
func (m *Manager) Reload() {
	if m.cfgPath == "" {
		return
	}
	result, err := m.cfg.Reload(m.cfgPath)
	if err != nil {
		m.logger.Error("config reload failed", "error", err)
		return
	}
	result.LogResult(m.logger)

	m.cfg.RLock()
	level := m.cfg.Server.LogLevel
	critical := m.cfg.CriticalSet()
	routes := maps.Clone(m.cfg.Intercept.QueueRoutes)
	maxAttempts := m.cfg.Sync.MaxAttempts
	drainExpr, refreshExpr := m.cfg.Sync.Schedule, m.cfg.Cache.RefreshSchedule
	m.cfg.RUnlock()

	if result.Has("Server.LogLevel") && m.level != nil {
		m.level.Set(observability.ParseLevel(level))
	}
	if result.Has("Cache") {
		m.interceptor.SetCritical(critical)
		if err := m.schedule(refreshJobID, refreshExpr); err != nil {
			m.logger.Error("failed to reschedule cache refresh", "error", err)
		}
	}
	if result.Has("Intercept") {
		m.interceptor.SetQueueRoutes(routes)
	}
	if result.Has("Sync") {
		m.engine.SetMaxAttempts(maxAttempts)
		if err := m.schedule(drainJobID, drainExpr); err != nil {
			m.logger.Error("failed to reschedule queue drain", "error", err)
		}
	}
}
