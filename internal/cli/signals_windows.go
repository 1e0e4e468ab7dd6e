//go:build windows

package cli

import (
	"log/slog"
	"os"
	"syscall"

	"github.com/mdrrmo/fieldsync/internal/offline"
)

func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

func handlePlatformSignal(os.Signal, *offline.Manager, *slog.Logger) bool {
	return false
}
