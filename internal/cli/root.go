// Package cli holds the fieldsync command tree.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mdrrmo/fieldsync/internal/config"
	"github.com/mdrrmo/fieldsync/internal/observability"
	"github.com/mdrrmo/fieldsync/internal/offline"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "FIELDSYNC_CONFIG"

type globalFlags struct {
	configPath string
	logLevel   string
}

// NewRootCmd builds the fieldsync command tree.
func NewRootCmd(version string) *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline durability layer for the field reporting app",
		Long: `fieldsync sits between the reporting app and its backend. Reads are served
network-first with a local cache fallback, incident writes are queued while
offline and synchronized when the backend is reachable again.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv(EnvConfigPath), "config file (.json, .toml or .yaml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(newServeCmd(g))
	root.AddCommand(newSyncCmd(g))
	root.AddCommand(newStatusCmd(g))
	root.AddCommand(newQueueCmd(g))
	root.AddCommand(newCacheCmd(g))
	root.AddCommand(newConfigCmd(g))
	root.AddCommand(newWatchCmd(g))

	return root
}

func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Server.LogLevel = g.logLevel
	}
	return cfg, nil
}

func (g *globalFlags) logger(cfg *config.Config) (*slog.Logger, *slog.LevelVar) {
	return observability.NewLogger(os.Stderr, cfg.Server.LogLevel, cfg.Server.LogFormat)
}

// openManager loads config and opens the stores for a one-shot command.
func (g *globalFlags) openManager(cmd *cobra.Command) (*offline.Manager, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	logger, _ := g.logger(cfg)
	m, err := offline.NewManager(cfg, "", logger)
	if err != nil {
		return nil, err
	}
	if err := m.Open(cmd.Context()); err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}
	return m, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
