package cli

import (
	"github.com/spf13/cobra"

	"github.com/mdrrmo/fieldsync/internal/tui"
)

func newWatchCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open the terminal monitor for a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := g.load()
				if err != nil {
					return err
				}
				addr = cfg.Server.Listen
			}
			return tui.Run(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (defaults to server.listen)")
	return cmd
}
