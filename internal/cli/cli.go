// Package cli holds the cobra commands shared by the activityhub-cli and ah
// binaries.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/bcrosbie/activityhub/internal/client"
	"github.com/bcrosbie/activityhub/internal/config"
)

// connection holds the persistent flags every subcommand uses to reach the
// server. Flag defaults come from ACTIVITYHUB_ADDR, ACTIVITYHUB_TOKEN and
// ACTIVITYHUB_INSECURE.
type connection struct {
	opts    client.Options
	timeout time.Duration
	asJSON  bool

	// envErr is a bad ACTIVITYHUB_* value. It is reported on dial unless
	// the matching flag was given.
	envErr   error
	insecure *pflag.Flag

	// dialOptions is set by tests to dial an in-memory listener.
	dialOptions []grpc.DialOption
}

func (c *connection) bind(cmd *cobra.Command) {
	c.opts, c.envErr = config.ClientOptions(os.LookupEnv)
	flags := cmd.PersistentFlags()
	flags.StringVar(&c.opts.Addr, "addr", c.opts.Addr, "activityhub gRPC address")
	flags.StringVar(&c.opts.Token, "token", c.opts.Token, "auth token for producer calls")
	flags.BoolVar(&c.opts.Insecure, "insecure", c.opts.Insecure, "skip TLS even for non-loopback addresses")
	c.insecure = flags.Lookup("insecure")
	flags.DurationVar(&c.timeout, "timeout", 10*time.Second, "overall timeout for one-shot commands")
	flags.BoolVar(&c.asJSON, "json", false, "print raw JSON")
}

func (c *connection) dial() (*client.Client, error) {
	if c.envErr != nil && (c.insecure == nil || !c.insecure.Changed) {
		return nil, c.envErr
	}
	opts := c.opts
	opts.DialOptions = append(opts.DialOptions, c.dialOptions...)
	conn, err := client.New(opts)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Addr, err)
	}
	return conn, nil
}

// call dials, runs fn under the one-shot timeout and closes the client.
func (c *connection) call(cmd *cobra.Command, fn func(ctx context.Context, conn *client.Client) error) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()
	return fn(ctx, conn)
}

// NewAdminCommand is the root of activityhub-cli: queries, producer calls
// and a raw push stream.
func NewAdminCommand() *cobra.Command {
	return newAdminCommand(&connection{})
}

func newAdminCommand(conn *connection) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activityhub-cli",
		Short: "Query and feed an activityhub server",
		Long: `activityhub-cli talks to an activityhub server over gRPC.

Examples:
  activityhub-cli stats
  activityhub-cli recent --limit 20
  activityhub-cli begin --kind tool-execution --label "Tool: grep" --attr pattern=TODO
  activityhub-cli end <id> --status failed --attr error="exit 1"
  activityhub-cli watch`,
		SilenceUsage: true,
	}
	conn.bind(cmd)

	cmd.AddCommand(
		healthCommand(conn),
		statsCommand(conn),
		recentCommand(conn),
		liveCommand(conn),
		samplesCommand(conn),
		agentsCommand(conn),
		snapshotCommand(conn),
		getCommand(conn),
		beginCommand(conn),
		endCommand(conn),
		addChildCommand(conn),
		sampleCommand(conn),
		agentMetricsCommand(conn),
		toggleCommand(conn, true),
		toggleCommand(conn, false),
		watchCommand(conn),
	)
	return cmd
}

// NewAhCommand is the root of ah, the developer front end: wrap a command
// in an activity or open the live viewer.
func NewAhCommand() *cobra.Command {
	return newAhCommand(&connection{})
}

func newAhCommand(conn *connection) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ah",
		Short: "Record commands as activities and watch them live",
		Long: `ah records shell commands as command-execution activities on an
activityhub server and shows everything the server is tracking.

Quick start:
  ah run -- go test ./...     # run and report a command
  ah top                      # live terminal viewer
  ah watch                    # raw push stream as JSON lines`,
		SilenceUsage: true,
		// main prints errors so a wrapped command's exit status stays quiet.
		SilenceErrors: true,
	}
	conn.bind(cmd)
	cmd.AddCommand(runCommand(conn), topCommand(conn), watchCommand(conn))
	return cmd
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// parseAttributes turns key=value pairs into attributes. Values that parse
// as JSON keep their type; anything else is a string.
func parseAttributes(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("attribute %q must be key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		attrs[key] = value
	}
	return attrs, nil
}
