package cli

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/mdrrmo/fieldsync/internal/observability"
	"github.com/mdrrmo/fieldsync/internal/offline"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, drain engine and connectivity monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			logger, level := g.logger(cfg)

			m, err := offline.NewManager(cfg, g.configPath, logger,
				offline.WithMetrics(observability.NewMetrics()),
				offline.WithLevel(level),
			)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, shutdownSignals()...)
			defer signal.Stop(sigCh)

			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case sig := <-sigCh:
						if handlePlatformSignal(sig, m, logger) {
							continue
						}
						logger.Info("shutdown signal received", "signal", sig)
						cancel()
						return
					}
				}
			}()

			logger.Info("fieldsync starting",
				"listen", cfg.Server.Listen,
				"remote", cfg.Remote.BaseURL,
				"data_dir", cfg.Server.DataDir,
				"critical_endpoints", len(cfg.Cache.CriticalEndpoints))

			return m.Run(ctx)
		},
	}
}
