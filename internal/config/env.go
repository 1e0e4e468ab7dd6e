package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override file settings.
const (
	EnvRemoteURL   = "FIELDSYNC_REMOTE_URL"
	EnvAPIKey      = "FIELDSYNC_API_KEY"
	EnvDataDir     = "FIELDSYNC_DATA_DIR"
	EnvListen      = "FIELDSYNC_LISTEN"
	EnvLogLevel    = "FIELDSYNC_LOG_LEVEL"
	EnvMaxAttempts = "FIELDSYNC_MAX_ATTEMPTS"
)

// loadDotEnv loads a .env file from the config's directory (or the working
// directory when no config file is used). Variables already set win.
func loadDotEnv(configPath string) error {
	dir := "."
	if configPath != "" {
		dir = filepath.Dir(configPath)
	}
	err := godotenv.Load(filepath.Join(dir, ".env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ApplyEnv overlays FIELDSYNC_* variables on c.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRemoteURL); ok && v != "" {
		c.Remote.BaseURL = v
	}
	if v, ok := lookup(EnvAPIKey); ok {
		c.Remote.APIKey = v
	}
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.Server.DataDir = v
	}
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Server.Listen = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Server.LogLevel = v
	}
	if v, ok := lookup(EnvMaxAttempts); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.MaxAttempts = n
		}
	}
}
