package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all fieldsync configuration
type Config struct {
	// Gateway and process settings
	Server ServerConfig `json:"server" toml:"server" yaml:"server"`

	// Backend the application talks to
	Remote RemoteConfig `json:"remote" toml:"remote" yaml:"remote"`

	// Response cache settings
	Cache CacheConfig `json:"cache" toml:"cache" yaml:"cache"`

	// Queue drain settings
	Sync SyncConfig `json:"sync" toml:"sync" yaml:"sync"`

	// Request interception policy
	Intercept InterceptConfig `json:"intercept" toml:"intercept" yaml:"intercept"`

	// Connectivity probing
	Connectivity ConnectivityConfig `json:"connectivity" toml:"connectivity" yaml:"connectivity"`

	// Status relay sinks
	Relay RelayConfig `json:"relay" toml:"relay" yaml:"relay"`

	// guards the hot-reloadable sections against Reload
	mu sync.RWMutex
}

type ServerConfig struct {
	Listen             string `json:"listen" toml:"listen" yaml:"listen"`
	DataDir            string `json:"dataDir" toml:"dataDir" yaml:"dataDir"`
	LogLevel           string `json:"logLevel" toml:"logLevel" yaml:"logLevel"`
	LogFormat          string `json:"logFormat" toml:"logFormat" yaml:"logFormat"` // "text" or "json"
	ShutdownTimeoutSec int    `json:"shutdownTimeoutSec" toml:"shutdownTimeoutSec" yaml:"shutdownTimeoutSec"`
}

// RemoteConfig describes the backend that accepts writes and serves reads.
type RemoteConfig struct {
	BaseURL    string `json:"baseUrl" toml:"baseUrl" yaml:"baseUrl"`
	APIKey     string `json:"apiKey,omitempty" toml:"apiKey" yaml:"apiKey,omitempty"`
	TimeoutSec int    `json:"timeoutSec" toml:"timeoutSec" yaml:"timeoutSec"`
	MaxRetries int    `json:"maxRetries" toml:"maxRetries" yaml:"maxRetries"` // GET only

	// Submissions per second during a drain pass; 0 disables pacing
	SubmitRatePerSec float64 `json:"submitRatePerSec" toml:"submitRatePerSec" yaml:"submitRatePerSec"`
	SubmitBurst      int     `json:"submitBurst" toml:"submitBurst" yaml:"submitBurst"`

	// Entry type -> write path. Types not listed go to GenericEndpoint.
	WriteEndpoints  map[string]string `json:"writeEndpoints" toml:"writeEndpoints" yaml:"writeEndpoints"`
	GenericEndpoint string            `json:"genericEndpoint" toml:"genericEndpoint" yaml:"genericEndpoint"`
	HealthPath      string            `json:"healthPath" toml:"healthPath" yaml:"healthPath"`
}

type CacheConfig struct {
	// Partitions from other generations are purged at startup
	Generation        string   `json:"generation" toml:"generation" yaml:"generation"`
	CriticalEndpoints []string `json:"criticalEndpoints" toml:"criticalEndpoints" yaml:"criticalEndpoints"`
	WarmConcurrency   int      `json:"warmConcurrency" toml:"warmConcurrency" yaml:"warmConcurrency"`
	RefreshSchedule   string   `json:"refreshSchedule,omitempty" toml:"refreshSchedule" yaml:"refreshSchedule,omitempty"` // cron expr, empty disables
}

type SyncConfig struct {
	SettleDelaySec  int    `json:"settleDelaySec" toml:"settleDelaySec" yaml:"settleDelaySec"`
	StartupDelaySec int    `json:"startupDelaySec" toml:"startupDelaySec" yaml:"startupDelaySec"`
	Concurrency     int    `json:"concurrency" toml:"concurrency" yaml:"concurrency"`
	MaxAttempts     int    `json:"maxAttempts" toml:"maxAttempts" yaml:"maxAttempts"` // 0 = retry forever
	Schedule        string `json:"schedule,omitempty" toml:"schedule" yaml:"schedule,omitempty"`
}

type InterceptConfig struct {
	// Write path -> entry type for writes that are queued on network failure
	QueueRoutes map[string]string `json:"queueRoutes" toml:"queueRoutes" yaml:"queueRoutes"`
}

type ConnectivityConfig struct {
	ProbeEnabled     bool `json:"probeEnabled" toml:"probeEnabled" yaml:"probeEnabled"`
	ProbeIntervalSec int  `json:"probeIntervalSec" toml:"probeIntervalSec" yaml:"probeIntervalSec"`
}

type RelayConfig struct {
	SubscriberBuffer int          `json:"subscriberBuffer" toml:"subscriberBuffer" yaml:"subscriberBuffer"`
	MQTT             *MQTTConfig  `json:"mqtt,omitempty" toml:"mqtt" yaml:"mqtt,omitempty"`
	Kafka            *KafkaConfig `json:"kafka,omitempty" toml:"kafka" yaml:"kafka,omitempty"`
}

type MQTTConfig struct {
	Host     string `json:"host" toml:"host" yaml:"host"`
	Port     int    `json:"port" toml:"port" yaml:"port"`
	Topic    string `json:"topic" toml:"topic" yaml:"topic"`
	ClientID string `json:"clientId,omitempty" toml:"clientId" yaml:"clientId,omitempty"`
	Username string `json:"username,omitempty" toml:"username" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" toml:"password" yaml:"password,omitempty"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" toml:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" toml:"topic" yaml:"topic"`
}

// DefaultCriticalEndpoints are the read endpoints the application needs offline.
var DefaultCriticalEndpoints = []string{
	"/api/hotlines",
	"/api/resources",
	"/api/checklist",
	"/api/map/locations",
	"/api/disaster-guidelines",
	"/api/typhoon-data",
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:             "127.0.0.1:8430",
			DataDir:            "./data",
			LogLevel:           "info",
			LogFormat:          "text",
			ShutdownTimeoutSec: 5,
		},
		Remote: RemoteConfig{
			BaseURL:          "http://localhost:8000",
			TimeoutSec:       30,
			MaxRetries:       3,
			SubmitRatePerSec: 5,
			SubmitBurst:      5,
			WriteEndpoints: map[string]string{
				"incident": "/api/incidents",
			},
			GenericEndpoint: "/api/data",
			HealthPath:      "/api/",
		},
		Cache: CacheConfig{
			Generation:        "v1",
			CriticalEndpoints: NewEndpointSet(DefaultCriticalEndpoints...).Paths(),
			WarmConcurrency:   4,
			RefreshSchedule:   "0 */6 * * *",
		},
		Sync: SyncConfig{
			SettleDelaySec:  5,
			StartupDelaySec: 2,
			Concurrency:     4,
			Schedule:        "*/15 * * * *",
		},
		Intercept: InterceptConfig{
			QueueRoutes: map[string]string{
				"/api/incidents": "incident",
			},
		},
		Connectivity: ConnectivityConfig{
			ProbeEnabled:     true,
			ProbeIntervalSec: 15,
		},
		Relay: RelayConfig{
			SubscriberBuffer: 16,
		},
	}
}

// Load reads config from a JSON, TOML or YAML file (chosen by extension),
// applies .env and FIELDSYNC_* overrides and validates the result.
// An empty path yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadDotEnv(path); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config to path in the format implied by its extension.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := encode(path, c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func encode(path string, cfg *Config) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	default:
		return json.MarshalIndent(cfg, "", "  ")
	}
}

// Validate checks the fields the daemon cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.DataDir == "" {
		errs = append(errs, errors.New("server.dataDir is required"))
	}
	if c.Remote.BaseURL == "" {
		errs = append(errs, errors.New("remote.baseUrl is required"))
	} else if u, err := url.Parse(c.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("remote.baseUrl %q is not an absolute URL", c.Remote.BaseURL))
	}
	if c.Sync.MaxAttempts < 0 {
		errs = append(errs, errors.New("sync.maxAttempts must be >= 0"))
	}
	if c.Sync.Schedule != "" {
		if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("sync.schedule: %w", err))
		}
	}
	if c.Cache.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.Cache.RefreshSchedule); err != nil {
			errs = append(errs, fmt.Errorf("cache.refreshSchedule: %w", err))
		}
	}
	for route, entryType := range c.Intercept.QueueRoutes {
		if !strings.HasPrefix(route, "/") {
			errs = append(errs, fmt.Errorf("intercept.queueRoutes: %q must start with /", route))
		}
		if entryType == "" {
			errs = append(errs, fmt.Errorf("intercept.queueRoutes: %q has no entry type", route))
		}
	}
	if c.Relay.MQTT != nil && c.Relay.MQTT.Topic == "" {
		errs = append(errs, errors.New("relay.mqtt.topic is required"))
	}
	if c.Relay.Kafka != nil && (len(c.Relay.Kafka.Brokers) == 0 || c.Relay.Kafka.Topic == "") {
		errs = append(errs, errors.New("relay.kafka needs brokers and topic"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// QueuePath is the queue store database file.
func (c *Config) QueuePath() string {
	return filepath.Join(c.Server.DataDir, "queue.db")
}

// CachePath is the response cache database file.
func (c *Config) CachePath() string {
	return filepath.Join(c.Server.DataDir, "cache.db")
}

// Normalize rewrites the critical endpoints into the form requests are
// matched against, sorted and without duplicates.
func (c *Config) Normalize() {
	c.Cache.CriticalEndpoints = c.CriticalSet().Paths()
}

// RLock holds off Reload while the caller reads hot-reloadable sections.
func (c *Config) RLock() { c.mu.RLock() }

// RUnlock releases RLock.
func (c *Config) RUnlock() { c.mu.RUnlock() }

// CriticalSet resolves the configured critical endpoints once.
func (c *Config) CriticalSet() EndpointSet {
	return NewEndpointSet(c.Cache.CriticalEndpoints...)
}
