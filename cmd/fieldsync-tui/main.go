// Command fieldsync-tui opens the terminal monitor for a running fieldsync
// daemon. It is the same view as `fieldsync watch`, without the config file.
//
// Usage:
//
//	fieldsync-tui --addr 127.0.0.1:8430
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdrrmo/fieldsync/internal/tui"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8430", "gateway address")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tui.Run(ctx, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
