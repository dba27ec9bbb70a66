package cli

import (
	"github.com/spf13/cobra"

	"github.com/bcrosbie/activityhub/internal/ui"
)

func topCommand(conn *connection) *cobra.Command {
	return &cobra.Command{
		Use:   "top",
		Short: "Live terminal view of activities, samples and agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := conn.dial()
			if err != nil {
				return err
			}
			defer c.Close()
			return ui.Run(cmd.Context(), conn.opts.Addr, c)
		},
	}
}
