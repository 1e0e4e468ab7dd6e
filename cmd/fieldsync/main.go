// Command fieldsync runs the offline durability daemon and its maintenance
// commands.
//
// Usage:
//
//	fieldsync serve --config fieldsync.toml
//	fieldsync sync
//	fieldsync queue list --dead
//	fieldsync cache warm
package main

import (
	"fmt"
	"os"

	"github.com/mdrrmo/fieldsync/internal/cli"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := cli.NewRootCmd(fmt.Sprintf("%s (built %s)", version, buildTime))
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
