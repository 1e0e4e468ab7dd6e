// Package gateway is the local HTTP surface: the application's requests go
// through the interceptor, and operators get status and control endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mdrrmo/fieldsync/internal/queue"
	"github.com/mdrrmo/fieldsync/internal/relay"
	"github.com/mdrrmo/fieldsync/internal/scheduler"
	"github.com/mdrrmo/fieldsync/internal/syncer"
)

// Engine runs drain passes on demand.
type Engine interface {
	SyncAll(ctx context.Context) syncer.Result
	LastResult() (syncer.Result, bool)
	Draining() bool
	Nudge()
}

// Queue exposes the queue for inspection.
type Queue interface {
	Stats(ctx context.Context) (queue.Stats, error)
	ListPending(ctx context.Context, entryType string) ([]queue.Entry, error)
	ListDeadLettered(ctx context.Context) ([]queue.Entry, error)
	Requeue(ctx context.Context, id int64) error
}

// Connectivity is the shared online/offline state.
type Connectivity interface {
	Online() bool
	Since() time.Time
	Set(online bool) bool
}

// Jobs exposes the maintenance schedule.
type Jobs interface {
	JobStates() map[string]scheduler.JobState
	RunJob(ctx context.Context, id string) error
}

// Deps are the components the gateway serves.
type Deps struct {
	Interceptor  http.Handler
	Engine       Engine
	Queue        Queue
	Connectivity Connectivity
	Hub          *relay.Hub
	Jobs         Jobs

	// CacheStatus reports which critical endpoints are cached.
	CacheStatus func(ctx context.Context) map[string]bool
}

// Server is the gateway HTTP server
type Server struct {
	addr       string
	deps       Deps
	logger     *slog.Logger
	httpServer *http.Server
	started    time.Time
}

// NewServer creates a new gateway server
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		deps:    deps,
		logger:  logger.With("component", "gateway"),
		started: time.Now(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sync", s.handleSync)
		r.Get("/queue", s.handleQueue)
		r.Post("/queue/{id}/requeue", s.handleRequeue)
		r.Post("/connectivity", s.handleConnectivity)
		if s.deps.Jobs != nil {
			r.Get("/jobs", s.handleJobs)
			r.Post("/jobs/{id}/run", s.handleRunJob)
		}
		if s.deps.Hub != nil {
			r.Handle("/events", relay.WebSocketHandler(s.deps.Hub, s.deps.Engine.Nudge, s.logger))
		}
	})

	if s.deps.Interceptor != nil {
		r.Handle("/*", s.deps.Interceptor)
	}
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("gateway starting", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, apikey, Prefer")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Queue.Stats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Status is the body of GET /v1/status.
type Status struct {
	Online      bool            `json:"online"`
	OnlineSince time.Time       `json:"onlineSince"`
	Draining    bool            `json:"draining"`
	Queue       queue.Stats     `json:"queue"`
	LastSync    *syncer.Result  `json:"lastSync,omitempty"`
	Critical    map[string]bool `json:"critical,omitempty"`
	Subscribers int             `json:"subscribers"`
	Uptime      string          `json:"uptime"`

	Jobs map[string]scheduler.JobState `json:"jobs,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	st := Status{
		Online:      s.deps.Connectivity.Online(),
		OnlineSince: s.deps.Connectivity.Since(),
		Draining:    s.deps.Engine.Draining(),
		Queue:       stats,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}
	if last, ok := s.deps.Engine.LastResult(); ok {
		st.LastSync = &last
	}
	if s.deps.CacheStatus != nil {
		st.Critical = s.deps.CacheStatus(r.Context())
	}
	if s.deps.Hub != nil {
		st.Subscribers = s.deps.Hub.Subscribers()
	}
	if s.deps.Jobs != nil {
		st.Jobs = s.deps.Jobs.JobStates()
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Engine.SyncAll(r.Context())
	if res.Err != nil {
		writeError(w, http.StatusInternalServerError, res.Err.Error())
		return
	}
	status := http.StatusOK
	if res.Skipped {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var (
		entries []queue.Entry
		err     error
	)
	if r.URL.Query().Get("dead") != "" {
		entries, err = s.deps.Queue.ListDeadLettered(r.Context())
	} else {
		entries, err = s.deps.Queue.ListPending(r.Context(), r.URL.Query().Get("type"))
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []queue.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entry id")
		return
	}
	if err := s.deps.Queue.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrEntryNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.deps.Engine.Nudge()
	writeJSON(w, http.StatusOK, map[string]any{"requeued": id})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Jobs.JobStates())
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Jobs.RunJob(r.Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ran": id})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
		writeError(w, http.StatusBadRequest, `expected {"online": true|false}`)
		return
	}
	changed := s.deps.Connectivity.Set(*body.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": *body.Online, "changed": changed})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
