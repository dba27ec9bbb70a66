package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bcrosbie/activityhub/internal/client"
	"github.com/bcrosbie/activityhub/internal/domain"
)

func healthCommand(conn *connection) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return conn.call(cmd, func(ctx context.Context, c *client.Client) error {
				health, err := c.Health(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), health)
			})
		},
	}
}

func statsCommand(conn *connection) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show lifetime activity counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return conn.call(cmd, func(ctx context.Context, c *client.Client) error {
				stats, err := c.Statistics(ctx)
				if err != nil {
					return err
				}
				if conn.asJSON {
					return printJSON(cmd.OutOrStdout(), stats)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "started\t%d\n", stats.ActivitiesStarted)
				fmt.Fprintf(w, "completed\t%d\n", stats.ActivitiesCompleted)
				fmt.Fprintf(w, "failed\t%d\n", stats.ActivitiesFailed)
				fmt.Fprintf(w, "cancelled\t%d\n", stats.ActivitiesCancelled)
				fmt.Fprintf(w, "active\t%d\n", stats.ActiveActivities)
				fmt.Fprintf(w, "history\t%d\n", stats.TotalActivities)
				fmt.Fprintf(w, "total duration\t%.3fs\n", stats.TotalDuration)
				fmt.Fprintf(w, "average duration\t%.3fs\n", stats.AverageDuration)
				fmt.Fprintf(w, "samples\t%d\n", stats.SystemMetricsCount)
				fmt.Fprintf(w, "agents\t%d\n", stats.AgentsMonitored)
				return w.Flush()
			})
		},
	}
}

func recentCommand(conn *connection) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List recently finished activities, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return conn.call(cmd, func(ctx context.Context, c *client.Client) error {
				items, err := c.RecentActivities(ctx, limit)
				if err != nil {
					return err
				}
				return conn.printActivities(cmd.OutOrStdout(), items)
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 0, "maximum activities, 0 for the server default")
	return cmd
}

func liveCommand(conn *connection) *cobra.Command {
	return &cobra.Command{
		Use:   "live",
		Short: "List activities still in progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return conn.call(cmd, func(ctx context.Context, c *client.Client) error {
				items, err := c.LiveActivities(ctx)
				if err != nil {
					return err
				}
				return conn.printActivities(cmd.OutOrStdout(), items)
			})
		},
	}
}

func samplesCommand(conn *connection) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "samples",
		Short: "List recent host resource samples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return conn.call(cmd, func(ctx context.Context, c *client.Client) error {
				samples, err := c.Samples(ctx, limit)
				if err != nil {
					return err
				}
				if conn.asJSON {
					return printJSON(cmd.OutOrStdout(), samples)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tCPU%\tMEM%\tDISK%\tSENT\tRECV\tPROCS")
				for _, sample := range samples {
					fmt.Fprintf(w, "%s\t%.1f\t%.1f\t%.1f\t%d\t%d\t%d\n",
						sample.Timestamp.Local().Format(time.TimeOnly),
						sample.CPUUsage,
						sample.MemoryUsage,
						sample.DiskUsage,
						sample.NetworkIO.BytesSent,
						sample.NetworkIO.BytesRecv,
						sample.ActiveProcesses,
					)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 0, "maximum samples, 0 for the server default")
	return cmd
}

func agentsCommand(conn *connection) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "Show per-agent metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return conn.call(cmd, func(ctx context.Context, c *client.Client) error {
				agents, err := c.EntityMetrics(ctx)
				if err != nil {
					return err
				}
				if conn.asJSON {
					return printJSON(cmd.OutOrStdout(), agents)
				}
				names := make([]string, 0, len(agents))
				for name := range agents {
					names = append(names, name)
				}
				sort.Strings(names)

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "AGENT\tDONE\tFAILED\tAVG RESPONSE\tTOKENS\tTOOLS")
				for _, name := range names {
					agent := agents[name]
					fmt.Fprintf(w, "%s\t%d\t%d\t%.3fs\t%d\t%d\n",
						name,
						agent.TasksCompleted,
						agent.TasksFailed,
						agent.AverageResponseTime,
						agent.TokenUsage,
						len(agent.ToolUsage),
					)
				}
				return w.Flush()
			})
		},
	}
}

func snapshotCommand(conn *connection) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the full server snapshot as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return conn.call(cmd, func(ctx context.Context, c *client.Client) error {
				snapshot, err := c.Snapshot(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snapshot)
			})
		},
	}
}

func getCommand(conn *connection) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one activity, live or finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return conn.call(cmd, func(ctx context.Context, c *client.Client) error {
				activity, err := c.GetActivity(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), activity)
			})
		},
	}
}

func (c *connection) printActivities(out io.Writer, items []domain.Activity) error {
	if c.asJSON {
		return printJSON(out, items)
	}
	if len(items) == 0 {
		_, err := fmt.Fprintln(out, "No activities.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tSTARTED\tDURATION\tLABEL")
	for _, activity := range items {
		duration := "-"
		if activity.Duration != nil {
			duration = activity.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			activity.ID,
			activity.Kind,
			activity.Status,
			activity.StartedAt.Local().Format(time.TimeOnly),
			duration,
			activity.Label,
		)
	}
	return w.Flush()
}
