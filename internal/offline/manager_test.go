package offline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdrrmo/fieldsync/internal/config"
	"github.com/mdrrmo/fieldsync/internal/relay"
	"github.com/mdrrmo/fieldsync/internal/remote"
	"github.com/mdrrmo/fieldsync/internal/scheduler"
)

type backend struct {
	down      atomic.Bool
	submitted atomic.Int32
	server    *httptest.Server
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/incidents":
			b.submitted.Add(1)
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/"):
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"list":["` + r.URL.Path + `"]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Remote.BaseURL = baseURL
	cfg.Remote.SubmitRatePerSec = 0
	cfg.Remote.MaxRetries = 0
	cfg.Cache.CriticalEndpoints = []string{"/api/hotlines", "/api/checklist"}
	cfg.Cache.RefreshSchedule = ""
	cfg.Sync.Schedule = ""
	cfg.Connectivity.ProbeEnabled = false
	return cfg
}

func newManager(t *testing.T, cfg *config.Config, path string) *Manager {
	t.Helper()
	m, err := NewManager(cfg, path, nil)
	require.NoError(t, err)
	require.NoError(t, m.Open(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestOfflineWriteThenSync(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	m := newManager(t, testConfig(t, b.server.URL), "")

	sub := m.Hub().Subscribe("test")

	b.down.Store(true)
	resp := m.Interceptor().Handle(ctx, remote.Request{
		Method: http.MethodPost,
		Path:   "/api/incidents",
		Body:   []byte(`{"type":"flooding","desc":"river over the bridge"}`),
	})
	require.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"queued":true}`, string(resp.Body))

	assert.Equal(t, relay.QueueChangedMessage(1), <-sub.C)

	b.down.Store(false)
	res := m.SyncNow(ctx)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, int32(1), b.submitted.Load())

	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case msg := <-sub.C:
			done = msg == relay.SyncCompleteMessage(1, 0)
		case <-timeout:
			t.Fatal("no SYNC_COMPLETE broadcast")
		}
	}

	pending, err := m.Queue().ListPending(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWarmCriticalAndServeOffline(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	m := newManager(t, testConfig(t, b.server.URL), "")

	report := m.WarmCritical(ctx)
	require.NoError(t, report.Err())
	assert.Equal(t, 2, report.Cached)
	assert.Equal(t, map[string]bool{"/api/hotlines": true, "/api/checklist": true}, m.CacheStatus(ctx))

	b.down.Store(true)
	resp := m.Interceptor().Handle(ctx, remote.Request{Method: http.MethodGet, Path: "/api/hotlines"})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, `{"list":["/api/hotlines"]}`, string(resp.Body))

	resp = m.Interceptor().Handle(ctx, remote.Request{Method: http.MethodGet, Path: "/api/checklist", RawQuery: "lang=fil"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, true, body["offline"])
	assert.Equal(t, []any{}, body["data"])
}

func TestStaleGenerationClearedOnOpen(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	cfg := testConfig(t, b.server.URL)

	m := newManager(t, cfg, "")
	m.WarmCritical(ctx)
	require.NoError(t, m.Close())

	cfg.Cache.Generation = "v2"
	m2 := newManager(t, cfg, "")
	parts, err := m2.Cache().Partitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestConnectivityChangeIsRelayed(t *testing.T) {
	b := newBackend(t)
	m := newManager(t, testConfig(t, b.server.URL), "")
	sub := m.Hub().Subscribe("test")

	m.Monitor().Set(false)
	assert.Equal(t, relay.ConnectivityMessage(false), <-sub.C)
	assert.False(t, m.Monitor().Online())
}

func TestReloadAppliesCriticalSet(t *testing.T) {
	b := newBackend(t)
	cfg := testConfig(t, b.server.URL)
	path := filepath.Join(t.TempDir(), "fieldsync.json")
	require.NoError(t, cfg.Save(path))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	m := newManager(t, loaded, path)
	assert.False(t, m.Interceptor().IsCritical("/api/evacuation-centers"))

	loaded2, err := config.Load(path)
	require.NoError(t, err)
	loaded2.Cache.CriticalEndpoints = append(loaded2.Cache.CriticalEndpoints, "/api/evacuation-centers")
	loaded2.Intercept.QueueRoutes["/api/reports"] = "report"
	require.NoError(t, loaded2.Save(path))

	m.Reload()
	assert.True(t, m.Interceptor().IsCritical("/api/evacuation-centers"))
}

func TestWarmCriticalUsesNormalizedPaths(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	cfg := testConfig(t, b.server.URL)
	cfg.Cache.CriticalEndpoints = []string{"/api/hotlines/", "api/checklist"}
	m := newManager(t, cfg, "")

	report := m.WarmCritical(ctx)
	require.NoError(t, report.Err())
	assert.Equal(t, 2, report.Cached)
	assert.Equal(t, map[string]bool{"/api/hotlines": true, "/api/checklist": true}, m.CacheStatus(ctx))

	b.down.Store(true)
	for _, p := range []string{"/api/hotlines", "/api/checklist"} {
		resp := m.Interceptor().Handle(ctx, remote.Request{Method: http.MethodGet, Path: p})
		assert.Equal(t, http.StatusOK, resp.Status, p)
		assert.Equal(t, `{"list":["`+p+`"]}`, string(resp.Body))
	}
}

func TestJobsFollowConfigReload(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	cfg := testConfig(t, b.server.URL)
	cfg.Sync.Schedule = "*/5 * * * *"
	path := filepath.Join(t.TempDir(), "fieldsync.json")
	require.NoError(t, cfg.Save(path))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	m := newManager(t, loaded, path)
	assert.Equal(t, []string{"drain-queue"}, keys(m.JobStates()))

	_, err = m.Queue().Enqueue(ctx, json.RawMessage(`{"type":"flooding"}`), "incident")
	require.NoError(t, err)
	require.NoError(t, m.RunJob(ctx, "drain-queue"))
	assert.Equal(t, int32(1), b.submitted.Load())
	assert.ErrorIs(t, m.RunJob(ctx, "refresh-critical"), scheduler.ErrJobNotFound)

	cfg.Sync.Schedule = ""
	cfg.Cache.RefreshSchedule = "0 */6 * * *"
	require.NoError(t, cfg.Save(path))
	m.Reload()

	assert.Equal(t, []string{"refresh-critical"}, keys(m.JobStates()))
	require.NoError(t, m.RunJob(ctx, "refresh-critical"))
	assert.Equal(t, map[string]bool{"/api/hotlines": true, "/api/checklist": true}, m.CacheStatus(ctx))
}

func keys(states map[string]scheduler.JobState) []string {
	out := make([]string, 0, len(states))
	for id := range states {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
