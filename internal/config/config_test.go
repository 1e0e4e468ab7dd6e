package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Listen != "127.0.0.1:8430" {
		t.Errorf("expected listen 127.0.0.1:8430, got %s", cfg.Server.Listen)
	}

	if cfg.Server.DataDir != "./data" {
		t.Errorf("expected dataDir ./data, got %s", cfg.Server.DataDir)
	}

	if cfg.Sync.SettleDelaySec != 5 {
		t.Errorf("expected settleDelaySec 5, got %d", cfg.Sync.SettleDelaySec)
	}

	if cfg.Sync.MaxAttempts != 0 {
		t.Errorf("expected unlimited attempts by default, got %d", cfg.Sync.MaxAttempts)
	}

	if got := cfg.Intercept.QueueRoutes["/api/incidents"]; got != "incident" {
		t.Errorf("expected /api/incidents to queue as incident, got %q", got)
	}

	if got := cfg.Remote.GenericEndpoint; got != "/api/data" {
		t.Errorf("expected generic endpoint /api/data, got %s", got)
	}

	if n := cfg.CriticalSet().Len(); n != len(DefaultCriticalEndpoints) {
		t.Errorf("expected %d critical endpoints, got %d", len(DefaultCriticalEndpoints), n)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldsync.json")
	dataDir := filepath.Join(dir, "state")

	raw := `{
		"server": {"dataDir": "` + dataDir + `", "logLevel": "debug"},
		"remote": {"baseUrl": "https://backend.example.org"},
		"cache": {"criticalEndpoints": ["/api/hotlines/", "api/checklist"]}
	}`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("expected logLevel debug, got %s", cfg.Server.LogLevel)
	}
	if cfg.Remote.BaseURL != "https://backend.example.org" {
		t.Errorf("unexpected baseUrl %s", cfg.Remote.BaseURL)
	}
	// unset fields keep their defaults
	if cfg.Remote.HealthPath != "/api/" {
		t.Errorf("expected default health path, got %s", cfg.Remote.HealthPath)
	}

	set := cfg.CriticalSet()
	if !set.Contains("/api/hotlines") || !set.Contains("/api/checklist") {
		t.Errorf("critical set not normalized: %v", set.Paths())
	}
	if set.Contains("/api/resources") {
		t.Error("file endpoints should replace the defaults")
	}
	want := []string{"/api/checklist", "/api/hotlines"}
	if !slices.Equal(cfg.Cache.CriticalEndpoints, want) {
		t.Errorf("expected critical endpoints %v, got %v", want, cfg.Cache.CriticalEndpoints)
	}

	if _, err := os.Stat(dataDir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldsync.toml")

	raw := `
[server]
dataDir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[remote]
baseUrl = "https://toml.example.org"

[sync]
maxAttempts = 7
`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Remote.BaseURL != "https://toml.example.org" {
		t.Errorf("unexpected baseUrl %s", cfg.Remote.BaseURL)
	}
	if cfg.Sync.MaxAttempts != 7 {
		t.Errorf("expected maxAttempts 7, got %d", cfg.Sync.MaxAttempts)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldsync.yaml")

	raw := "server:\n  dataDir: " + filepath.Join(dir, "data") + "\n" +
		"remote:\n  baseUrl: https://yaml.example.org\n" +
		"intercept:\n  queueRoutes:\n    /api/reports: report\n"
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Intercept.QueueRoutes["/api/reports"] != "report" {
		t.Errorf("expected /api/reports route, got %v", cfg.Intercept.QueueRoutes)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvRemoteURL, "https://env.example.org")
	t.Setenv(EnvDataDir, filepath.Join(dir, "envdata"))
	t.Setenv(EnvMaxAttempts, "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Remote.BaseURL != "https://env.example.org" {
		t.Errorf("env did not override baseUrl: %s", cfg.Remote.BaseURL)
	}
	if cfg.Sync.MaxAttempts != 3 {
		t.Errorf("env did not override maxAttempts: %d", cfg.Sync.MaxAttempts)
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldsync.json")
	saveJSON(t, path, map[string]any{
		"server": map[string]any{"dataDir": filepath.Join(dir, "data")},
	})
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(EnvAPIKey+"=from-dotenv\n"), 0600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// t.Setenv registers cleanup so the variable set by godotenv is undone.
	t.Setenv(EnvAPIKey, "")
	os.Unsetenv(EnvAPIKey)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Remote.APIKey != "from-dotenv" {
		t.Errorf("expected api key from .env, got %q", cfg.Remote.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"relative base url", func(c *Config) { c.Remote.BaseURL = "backend" }, "remote.baseUrl"},
		{"negative attempts", func(c *Config) { c.Sync.MaxAttempts = -1 }, "maxAttempts"},
		{"bad schedule", func(c *Config) { c.Sync.Schedule = "every now and then" }, "sync.schedule"},
		{"route without slash", func(c *Config) { c.Intercept.QueueRoutes = map[string]string{"api/x": "x"} }, "must start with /"},
		{"kafka without topic", func(c *Config) { c.Relay.Kafka = &KafkaConfig{Brokers: []string{"k:9092"}} }, "relay.kafka"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSaveRoundTripFormats(t *testing.T) {
	for _, ext := range []string{".json", ".toml", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "nested", "fieldsync"+ext)

			cfg := DefaultConfig()
			cfg.Server.DataDir = filepath.Join(dir, "data")
			cfg.Sync.MaxAttempts = 9
			if err := cfg.Save(path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Sync.MaxAttempts != 9 {
				t.Errorf("expected maxAttempts 9, got %d", loaded.Sync.MaxAttempts)
			}
		})
	}
}

func TestEndpointSet(t *testing.T) {
	set := NewEndpointSet("/api/hotlines", " /api/map/locations/ ", "")

	if set.Len() != 2 {
		t.Fatalf("expected 2 endpoints, got %d", set.Len())
	}
	if !set.Contains("/api/map/locations?zoom=3") {
		t.Error("query string should not affect membership")
	}
	if set.Contains("/api/hotlines/extra") {
		t.Error("sub-paths are not members")
	}

	var empty EndpointSet
	if empty.Contains("/api/hotlines") {
		t.Error("zero set should be empty")
	}
}

func saveJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
