package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newCacheCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the offline response cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "warm",
		Short: "Fetch every critical endpoint into the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := g.openManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			report := m.WarmCritical(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cached %d of %d critical endpoints\n", report.Cached, report.Total)
			for _, f := range report.Failures {
				fmt.Fprintf(out, "  %s: %s\n", f.Path, f.Err)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show which critical endpoints are cached",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := g.openManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			status := m.CacheStatus(cmd.Context())
			paths := make([]string, 0, len(status))
			for p := range status {
				paths = append(paths, p)
			}
			sort.Strings(paths)

			out := cmd.OutOrStdout()
			for _, p := range paths {
				mark := "missing"
				if status[p] {
					mark = "cached"
				}
				fmt.Fprintf(out, "%-28s %s\n", p, mark)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "partitions",
		Short: "List cache partitions (stale generations are removed on open)",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := g.openManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			parts, err := m.Cache().Partitions(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range parts {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	})

	return cmd
}
