package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdrrmo/fieldsync/internal/config"
	"github.com/mdrrmo/fieldsync/internal/queue"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	// nothing listens here; commands that need the backend will see it as down
	cfg.Remote.BaseURL = "http://127.0.0.1:1"
	cfg.Remote.TimeoutSec = 1
	cfg.Remote.SubmitRatePerSec = 0
	cfg.Connectivity.ProbeEnabled = false
	path := filepath.Join(dir, "fieldsync.yaml")
	require.NoError(t, cfg.Save(path))
	return path, cfg
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.toml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")

	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = execute(t, "config", "init", path)
	assert.Error(t, err, "must not overwrite without --force")

	_, err = execute(t, "config", "init", "--force", path)
	assert.NoError(t, err)
}

func TestConfigShowMasksKey(t *testing.T) {
	path, _ := writeConfig(t)
	t.Setenv(config.EnvAPIKey, "secret-key")

	out, err := execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "secret-key")
	assert.Contains(t, out, "********")
}

func TestQueueCommands(t *testing.T) {
	path, cfg := writeConfig(t)
	ctx := context.Background()

	q := queue.New(cfg.QueuePath())
	_, err := q.Enqueue(ctx, json.RawMessage(`{"type":"landslide"}`), "incident")
	require.NoError(t, err)
	id, err := q.Enqueue(ctx, json.RawMessage(`{"type":"fire"}`), "incident")
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, id, "rejected"))
	require.NoError(t, q.Close())

	out, err := execute(t, "--config", path, "queue", "list", "--json")
	require.NoError(t, err)
	var pending []queue.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &pending))
	assert.Len(t, pending, 1)

	out, err = execute(t, "--config", path, "queue", "list", "--dead")
	require.NoError(t, err)
	assert.Contains(t, out, "rejected")

	out, err = execute(t, "--config", path, "queue", "requeue", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "#2 requeued")

	_, err = execute(t, "--config", path, "queue", "requeue", "nope")
	assert.Error(t, err)

	_, err = execute(t, "--config", path, "queue", "clear")
	assert.Error(t, err)

	out, err = execute(t, "--config", path, "queue", "clear", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "queue cleared")

	out, err = execute(t, "--config", path, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "queue is empty")
}

func TestSyncWithBackendDown(t *testing.T) {
	path, cfg := writeConfig(t)
	ctx := context.Background()

	q := queue.New(cfg.QueuePath())
	_, err := q.Enqueue(ctx, json.RawMessage(`{}`), "incident")
	require.NoError(t, err)
	require.NoError(t, q.Close())

	out, err := execute(t, "--config", path, "sync")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "synced 0, failed 1"), out)
}

func TestStatusCommand(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := execute(t, "--config", path, "status")
	require.NoError(t, err)

	var body struct {
		Queue    queue.Stats     `json:"queue"`
		Critical map[string]bool `json:"critical"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Len(t, body.Critical, len(config.DefaultCriticalEndpoints))
	assert.False(t, body.Critical["/api/hotlines"])
}
