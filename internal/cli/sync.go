package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one drain pass now",
		Long: `Submit every pending queue entry to the backend once. Entries that fail
stay queued for the next pass.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := g.openManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			res := m.SyncNow(cmd.Context())
			if res.Err != nil {
				return res.Err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, res)
			}

			fmt.Fprintf(out, "synced %d, failed %d", res.Succeeded, res.Failed)
			if res.DeadLettered > 0 {
				fmt.Fprintf(out, ", dead-lettered %d", res.DeadLettered)
			}
			fmt.Fprintln(out)
			for _, e := range res.Errors {
				fmt.Fprintf(out, "  #%d (%s): %s\n", e.ID, e.EntryType, e.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and critical cache coverage",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := g.openManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			stats, err := m.Queue().Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"queue":    stats,
				"critical": m.CacheStatus(cmd.Context()),
			})
		},
	}
}
