// Package intercept applies the offline policy to every request the
// application sends through the gateway:
//
//   - critical GET: network first with write-through, then cache, then a
//     structured 503 offline body
//   - other GET: network first with write-through, then cache, then the
//     backend failure
//   - POST to a queueable route: network, then persist to the queue and
//     answer {"queued":true}
//   - anything else: network only
package intercept

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/mdrrmo/fieldsync/internal/cache"
	"github.com/mdrrmo/fieldsync/internal/config"
	"github.com/mdrrmo/fieldsync/internal/observability"
	"github.com/mdrrmo/fieldsync/internal/queue"
	"github.com/mdrrmo/fieldsync/internal/remote"
)

// OfflineMessage is the message carried by the offline fallback body.
const OfflineMessage = "This data is not available offline. Please check your connection."

// SourceHeader tells the client where a response came from.
const SourceHeader = "X-Fieldsync-Source"

const maxRequestBody = 16 << 20

// Source identifies how a response was produced.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceQueue    Source = "queue"
	SourceFallback Source = "fallback"
	SourceError    Source = "error"
)

// Backend forwards requests to the remote store.
type Backend interface {
	Do(ctx context.Context, req remote.Request) (*remote.Response, error)
}

// Queue persists writes that could not be delivered.
type Queue interface {
	Enqueue(ctx context.Context, payload json.RawMessage, entryType string) (int64, error)
}

// Cache stores and serves last-known-good GET responses.
type Cache interface {
	Put(ctx context.Context, partition string, rec cache.Record) error
	Lookup(ctx context.Context, key string, partitions ...string) (cache.Record, string, bool)
}

// Response is what the interceptor hands back to the application.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// Options configures an Interceptor.
type Options struct {
	Critical    config.EndpointSet
	QueueRoutes map[string]string
	Generation  cache.Generation

	// Online reports the connectivity monitor's view. When it returns false
	// queueable writes skip the network attempt. Nil means always try.
	Online func() bool

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Interceptor implements the request policy.
type Interceptor struct {
	backend Backend
	queue   Queue
	cache   Cache
	gen     cache.Generation
	online  func() bool
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	critical atomic.Pointer[config.EndpointSet]
	routes   atomic.Pointer[map[string]string]
}

// New builds an Interceptor.
func New(backend Backend, q Queue, c Cache, opts Options) *Interceptor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Generation == "" {
		opts.Generation = "v1"
	}
	i := &Interceptor{
		backend: backend,
		queue:   q,
		cache:   c,
		gen:     opts.Generation,
		online:  opts.Online,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "intercept"),
		metrics: opts.Metrics,
	}
	i.SetCritical(opts.Critical)
	i.SetQueueRoutes(opts.QueueRoutes)
	return i
}

// SetCritical replaces the critical endpoint set.
func (i *Interceptor) SetCritical(set config.EndpointSet) {
	i.critical.Store(&set)
}

// SetQueueRoutes replaces the path -> entry type map for queueable writes.
func (i *Interceptor) SetQueueRoutes(routes map[string]string) {
	normalized := make(map[string]string, len(routes))
	for p, t := range routes {
		normalized[config.NormalizePath(p)] = t
	}
	i.routes.Store(&normalized)
}

// IsCritical reports whether path is a critical endpoint.
func (i *Interceptor) IsCritical(path string) bool {
	return i.critical.Load().Contains(path)
}

func (i *Interceptor) entryType(path string) (string, bool) {
	t, ok := (*i.routes.Load())[config.NormalizePath(path)]
	return t, ok
}

// Handle runs req through the policy table. It always produces a response.
func (i *Interceptor) Handle(ctx context.Context, req remote.Request) *Response {
	switch {
	case req.Method == http.MethodGet:
		if i.IsCritical(req.Path) {
			return i.count("critical", i.handleRead(ctx, req, true))
		}
		return i.count("general", i.handleRead(ctx, req, false))
	case req.Method == http.MethodPost:
		if entryType, ok := i.entryType(req.Path); ok {
			return i.count("queueable", i.handleQueueable(ctx, req, entryType))
		}
	}
	return i.count("passthrough", i.handlePassthrough(ctx, req))
}

func (i *Interceptor) count(route string, resp *Response) *Response {
	if i.metrics != nil {
		i.metrics.Intercepted.WithLabelValues(route, string(resp.Source)).Inc()
	}
	return resp
}

func (i *Interceptor) handleRead(ctx context.Context, req remote.Request, critical bool) *Response {
	key := cache.Key(req.Path, req.RawQuery)
	primary, secondary := i.gen.Runtime(), i.gen.API()
	tier := "general"
	if critical {
		primary, secondary = secondary, primary
		tier = "critical"
	}

	resp, err := i.backend.Do(ctx, req)
	if err == nil {
		if resp.Status == http.StatusOK && !encoded(resp.Header) {
			rec := cache.Record{
				Key:         key,
				Status:      resp.Status,
				ContentType: resp.Header.Get("Content-Type"),
				Body:        resp.Body,
			}
			if err := i.cache.Put(ctx, primary, rec); err != nil {
				i.logger.Warn("cache write-through failed", "key", key, "error", err)
			}
		}
		return fromRemote(resp, SourceNetwork)
	}

	i.logger.Debug("read failed, trying cache", "path", req.Path, "critical", critical, "error", err)

	if rec, from, ok := i.cache.Lookup(ctx, key, primary, secondary); ok {
		i.lookup(tier, "hit")
		i.logger.Info("serving cached response", "key", key, "partition", from)
		h := http.Header{}
		if rec.ContentType != "" {
			h.Set("Content-Type", rec.ContentType)
		}
		return &Response{Status: rec.Status, Header: h, Body: rec.Body, Source: SourceCache}
	}
	i.lookup(tier, "miss")

	if critical {
		return i.offline(req.Path)
	}
	return failure(err)
}

// encoded reports a body that is still content-encoded. Records carry no
// encoding, so such bodies are not cached.
func encoded(h http.Header) bool {
	ce := strings.TrimSpace(h.Get("Content-Encoding"))
	return ce != "" && !strings.EqualFold(ce, "identity")
}

func (i *Interceptor) lookup(tier, result string) {
	if i.metrics != nil {
		i.metrics.CacheLookups.WithLabelValues(tier, result).Inc()
	}
}

func (i *Interceptor) handleQueueable(ctx context.Context, req remote.Request, entryType string) *Response {
	if i.online != nil && !i.online() {
		i.logger.Debug("offline, queueing without network attempt", "path", req.Path)
		return i.enqueue(ctx, req, entryType, nil)
	}

	resp, err := i.backend.Do(ctx, req)
	if err == nil {
		return fromRemote(resp, SourceNetwork)
	}
	return i.enqueue(ctx, req, entryType, err)
}

func (i *Interceptor) enqueue(ctx context.Context, req remote.Request, entryType string, cause error) *Response {
	id, err := i.queue.Enqueue(ctx, json.RawMessage(req.Body), entryType)
	if err != nil {
		i.logger.Error("failed to queue write", "path", req.Path, "entry_type", entryType, "error", err, "cause", cause)
		if errors.Is(err, queue.ErrInvalidPayload) {
			return jsonResponse(http.StatusBadRequest, map[string]string{"error": "request body is not valid JSON"}, SourceError)
		}
		return jsonResponse(http.StatusInternalServerError,
			map[string]string{"error": fmt.Sprintf("Failed to queue %s", entryType)}, SourceError)
	}

	if i.metrics != nil {
		i.metrics.QueueEnqueued.WithLabelValues(entryType).Inc()
	}
	i.logger.Info("write queued for later sync", "id", id, "entry_type", entryType, "cause", cause)
	return jsonResponse(http.StatusOK, map[string]bool{"queued": true}, SourceQueue)
}

func (i *Interceptor) handlePassthrough(ctx context.Context, req remote.Request) *Response {
	resp, err := i.backend.Do(ctx, req)
	if err != nil {
		return failure(err)
	}
	return fromRemote(resp, SourceNetwork)
}

type offlineBody struct {
	Offline   bool     `json:"offline"`
	Message   string   `json:"message"`
	Data      []string `json:"data"`
	Timestamp int64    `json:"timestamp"`
	Endpoint  string   `json:"endpoint"`
}

func (i *Interceptor) offline(path string) *Response {
	return jsonResponse(http.StatusServiceUnavailable, offlineBody{
		Offline:   true,
		Message:   OfflineMessage,
		Data:      []string{},
		Timestamp: i.clock.Now().UnixMilli(),
		Endpoint:  path,
	}, SourceFallback)
}

func fromRemote(resp *remote.Response, src Source) *Response {
	return &Response{Status: resp.Status, Header: resp.Header, Body: resp.Body, Source: src}
}

// failure turns a backend error into the response the application sees:
// the backend's own answer when it sent one, otherwise 502.
func failure(err error) *Response {
	var netErr *remote.NetworkError
	if errors.As(err, &netErr) && netErr.Response != nil {
		return fromRemote(netErr.Response, SourceError)
	}
	return jsonResponse(http.StatusBadGateway, map[string]string{"error": err.Error()}, SourceError)
}

func jsonResponse(status int, v any, src Source) *Response {
	body, _ := json.Marshal(v)
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{Status: status, Header: h, Body: body, Source: src}
}

// ServeHTTP adapts Handle to net/http so the interceptor can sit behind a router.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, `{"error":"read request body"}`, http.StatusBadRequest)
		return
	}

	resp := i.Handle(r.Context(), remote.Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
	})

	for k, vv := range resp.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Transfer-Encoding", "Connection":
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(SourceHeader, string(resp.Source))
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
