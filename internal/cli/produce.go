package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bcrosbie/activityhub/internal/client"
	"github.com/bcrosbie/activityhub/internal/domain"
	"github.com/bcrosbie/activityhub/internal/service"
)

func beginCommand(conn *connection) *cobra.Command {
	var (
		kind     string
		label    string
		parentID string
		attrs    []string
	)
	cmd := &cobra.Command{
		Use:   "begin",
		Short: "Start an activity and print its id",
		Long: `Start an activity and print its id. An empty line means monitoring is
disabled on the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			if parsed, ok := domain.ParseKind(kind); ok {
				kind = string(parsed)
			}
			return conn.call(cmd, func(ctx context.Context, c *client.Client) error {
				id, err := c.Begin(ctx, client.BeginInput{
					Kind:       domain.Kind(kind),
					Label:      label,
					Attributes: attributes,
					ParentID:   parentID,
				})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "activity kind, e.g. tool-execution (required)")
	cmd.Flags().StringVar(&label, "label", "", "human readable label")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent activity id")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "attribute as key=value, repeatable")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func endCommand(conn *connection) *cobra.Command {
	var (
		status string
		attrs  []string
	)
	cmd := &cobra.Command{
		Use:   "end ID",
		Short: "Finish an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, ok := domain.ParseTerminalStatus(status)
			if !ok {
				return fmt.Errorf("status must be completed, failed or cancelled, got %q", status)
			}
			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			return conn.call(cmd, func(ctx context.Context, c *client.Client) error {
				return c.End(ctx, client.EndInput{ID: args[0], Status: parsed, Attributes: attributes})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(domain.StatusCompleted), "completed, failed or cancelled")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "attribute merged on finish as key=value, repeatable")
	return cmd
}

func addChildCommand(conn *connection) *cobra.Command {
	return &cobra.Command{
		Use:   "add-child PARENT_ID CHILD_ID",
		Short: "Link a child activity to a live parent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return conn.call(cmd, func(ctx context.Context, c *client.Client) error {
				return c.AddChild(ctx, args[0], args[1])
			})
		},
	}
}

func sampleCommand(conn *connection) *cobra.Command {
	var sample domain.SystemMetricSample
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Record a host resource sample",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sample.Timestamp = time.Now().UTC()
			return conn.call(cmd, func(ctx context.Context, c *client.Client) error {
				return c.IngestSample(ctx, sample)
			})
		},
	}
	flags := cmd.Flags()
	flags.Float64Var(&sample.CPUUsage, "cpu", 0, "CPU usage percent")
	flags.Float64Var(&sample.MemoryUsage, "memory", 0, "memory usage percent")
	flags.Float64Var(&sample.DiskUsage, "disk", 0, "disk usage percent")
	flags.Uint64Var(&sample.NetworkIO.BytesSent, "bytes-sent", 0, "cumulative bytes sent")
	flags.Uint64Var(&sample.NetworkIO.BytesRecv, "bytes-recv", 0, "cumulative bytes received")
	flags.IntVar(&sample.ActiveProcesses, "processes", 0, "process count")
	return cmd
}

func agentMetricsCommand(conn *connection) *cobra.Command {
	var (
		request      service.UpdateEntityMetricsRequest
		responseTime time.Duration
	)
	cmd := &cobra.Command{
		Use:   "agent-metrics NAME",
		Short: "Apply a metrics delta to one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request.AgentName = args[0]
			if cmd.Flags().Changed("response-time") {
				seconds := responseTime.Seconds()
				request.ResponseTime = &seconds
			}
			return conn.call(cmd, func(ctx context.Context, c *client.Client) error {
				return c.UpdateEntityMetrics(ctx, request)
			})
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&request.TaskCompleted, "completed", false, "count a completed task")
	flags.BoolVar(&request.TaskFailed, "failed", false, "count a failed task")
	flags.DurationVar(&responseTime, "response-time", 0, "fold a response time into the average")
	flags.StringVar(&request.ToolUsed, "tool", "", "count one use of this tool")
	flags.Int64Var(&request.TokensUsed, "tokens", 0, "tokens consumed")
	return cmd
}

func toggleCommand(conn *connection, enabled bool) *cobra.Command {
	use, short := "disable", "Stop recording new activities"
	if enabled {
		use, short = "enable", "Resume recording activities"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return conn.call(cmd, func(ctx context.Context, c *client.Client) error {
				current, err := c.SetEnabled(ctx, enabled)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "enabled=%t\n", current)
				return err
			})
		},
	}
}
