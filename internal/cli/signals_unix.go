//go:build !windows

package cli

import (
	"log/slog"
	"os"
	"syscall"

	"github.com/mdrrmo/fieldsync/internal/offline"
)

func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1}
}

// handlePlatformSignal handles non-terminating signals, returns true if the loop should continue
func handlePlatformSignal(sig os.Signal, m *offline.Manager, logger *slog.Logger) bool {
	switch sig {
	case syscall.SIGHUP:
		logger.Info("reload signal received")
		m.Reload()
		return true
	case syscall.SIGUSR1:
		logger.Info("sync signal received")
		m.Engine().Nudge()
		return true
	}
	return false
}
