package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mdrrmo/fieldsync/internal/queue"
)

func newQueueCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued writes",
	}

	cmd.AddCommand(newQueueListCmd(g))
	cmd.AddCommand(newQueueRequeueCmd(g))
	cmd.AddCommand(newQueueClearCmd(g))

	return cmd
}

func newQueueListCmd(g *globalFlags) *cobra.Command {
	var (
		dead      bool
		entryType string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending (or dead-lettered) entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := g.openManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			var entries []queue.Entry
			if dead {
				entries, err = m.Queue().ListDeadLettered(cmd.Context())
			} else {
				entries, err = m.Queue().ListPending(cmd.Context(), entryType)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if entries == nil {
					entries = []queue.Entry{}
				}
				return printJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "queue is empty")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "#%d  %-10s  queued %s  attempts %d",
					e.ID, e.EntryType, e.EnqueuedAt.Local().Format("2006-01-02 15:04:05"), e.AttemptCount)
				if e.LastError != "" {
					fmt.Fprintf(out, "  last error: %s", e.LastError)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dead, "dead", false, "list dead-lettered entries instead")
	cmd.Flags().StringVar(&entryType, "type", "", "only entries of this type")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newQueueRequeueCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Return a dead-lettered entry to the pending set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			m, err := g.openManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Queue().Requeue(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entry #%d requeued\n", id)
			return nil
		},
	}
}

func newQueueClearCmd(g *globalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every entry, including unsynced ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to discard queued writes without --yes")
			}
			m, err := g.openManager(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Queue().Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queue cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	return cmd
}
