package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
}

// restartRequiredFields lists fields that cannot be hot-reloaded and
// require a full process restart.
var restartRequiredFields = map[string]bool{
	"Server.Listen":  true,
	"Server.DataDir": true,
	"Remote":         true,
	"Relay":          true,
}

// Reload re-reads the config from path, diffs against the current config,
// and applies hot-reloadable changes in place.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config for reload: %w", err)
	}

	newCfg := DefaultConfig()
	if err := decode(path, data, newCfg); err != nil {
		return nil, fmt.Errorf("parse config for reload: %w", err)
	}
	newCfg.ApplyEnv(os.LookupEnv)
	newCfg.Normalize()
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}

	result := &ReloadResult{}

	c.mu.Lock()
	defer c.mu.Unlock()

	diffAndApply(c, newCfg, result)

	return result, nil
}

func diffAndApply(old, new *Config, result *ReloadResult) {
	skip := func(field string, changed bool) {
		if changed {
			result.Changed = append(result.Changed, field)
			result.Skipped = append(result.Skipped, field+" (requires restart)")
		}
	}
	skip("Server.Listen", old.Server.Listen != new.Server.Listen)
	skip("Server.DataDir", old.Server.DataDir != new.Server.DataDir)
	skip("Remote", !reflect.DeepEqual(old.Remote, new.Remote))
	skip("Relay", !reflect.DeepEqual(old.Relay, new.Relay))

	if old.Server.LogLevel != new.Server.LogLevel {
		result.Changed = append(result.Changed, "Server.LogLevel")
		old.Server.LogLevel = new.Server.LogLevel
		result.Applied = append(result.Applied, "Server.LogLevel")
	}
	if !reflect.DeepEqual(old.Cache, new.Cache) {
		result.Changed = append(result.Changed, "Cache")
		old.Cache = new.Cache
		result.Applied = append(result.Applied, "Cache")
	}
	if !reflect.DeepEqual(old.Sync, new.Sync) {
		result.Changed = append(result.Changed, "Sync")
		old.Sync = new.Sync
		result.Applied = append(result.Applied, "Sync")
	}
	if !reflect.DeepEqual(old.Intercept, new.Intercept) {
		result.Changed = append(result.Changed, "Intercept")
		old.Intercept = new.Intercept
		result.Applied = append(result.Applied, "Intercept")
	}
	if !reflect.DeepEqual(old.Connectivity, new.Connectivity) {
		result.Changed = append(result.Changed, "Connectivity")
		old.Connectivity = new.Connectivity
		result.Applied = append(result.Applied, "Connectivity")
	}
}

// Has reports whether field was applied in this reload.
func (r *ReloadResult) Has(field string) bool {
	for _, f := range r.Applied {
		if f == field {
			return true
		}
	}
	return false
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}

	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(field string) bool {
	return restartRequiredFields[field]
}
