package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/bcrosbie/activityhub/internal/hub"
)

var errWatchDone = errors.New("watch count reached")

func watchCommand(conn *connection) *cobra.Command {
	var (
		follow     bool
		heartbeats bool
		count      int
		backoff    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream push messages as JSON lines",
		Long: `Stream push messages as JSON lines. The first line is always the
initial-state snapshot; activity-update and metrics-update lines follow.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := conn.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			seen := 0
			handle := func(msg hub.Message) error {
				if msg.Type == hub.TypeHeartbeat && !heartbeats {
					return nil
				}
				line, err := json.Marshal(msg)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintln(out, string(line)); err != nil {
					return err
				}
				seen++
				if count > 0 && seen >= count {
					return errWatchDone
				}
				return nil
			}

			ctx := cmd.Context()
			if follow {
				err = c.Follow(ctx, backoff, handle)
			} else {
				err = c.Watch(ctx, handle)
			}
			if errors.Is(err, errWatchDone) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "reconnect when the stream drops")
	cmd.Flags().BoolVar(&heartbeats, "heartbeats", false, "include heartbeat messages")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many messages, 0 for no limit")
	cmd.Flags().DurationVar(&backoff, "backoff", 2*time.Second, "delay between reconnects with --follow")
	return cmd
}
