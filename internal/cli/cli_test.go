package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/bcrosbie/activityhub/internal/domain"
	"github.com/bcrosbie/activityhub/internal/hub"
	"github.com/bcrosbie/activityhub/internal/monitor"
	"github.com/bcrosbie/activityhub/internal/service"
	grpcx "github.com/bcrosbie/activityhub/internal/transport/grpc"
)

const testToken = "s3cret"

type harness struct {
	store  *monitor.Store
	fanout *hub.Hub
	dial   grpc.DialOption
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := monitor.New(nil, monitor.DefaultOptions(), monitor.WithLogger(logger))
	fanout := hub.New(store, logger, hub.DefaultOptions())

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpcx.AuthUnaryInterceptor(testToken),
			grpcx.ErrorUnaryInterceptor(),
		),
		grpc.ChainStreamInterceptor(grpcx.ErrorStreamInterceptor()),
	)
	grpcx.RegisterActivityHubServer(server, grpcx.NewActivityHubHandler(service.NewMonitorService(store, fanout), fanout))
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = fanout.Close(ctx)
		server.Stop()
	})

	return &harness{
		store:  store,
		fanout: fanout,
		dial: grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
	}
}

// execute runs one command line against the harness and returns stdout.
func (h *harness) execute(t *testing.T, build func(*connection) *cobra.Command, args ...string) (string, error) {
	t.Helper()
	conn := &connection{dialOptions: []grpc.DialOption{h.dial}}
	root := build(conn)

	var stdout bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append([]string{"--addr", "passthrough:///bufnet", "--token", testToken}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestBeginEndAndQueries(t *testing.T) {
	h := newHarness(t)

	out, err := h.execute(t, newAdminCommand, "begin", "--kind", "tool_execution", "--label", "Tool: grep", "--attr", "pattern=TODO", "--attr", "hits=3")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	live, ok := h.store.Get(id)
	require.True(t, ok)
	require.Equal(t, domain.KindToolExecution, live.Kind)
	require.True(t, live.Attributes["hits"].Equal(domain.Int(3)))
	require.True(t, live.Attributes["pattern"].Equal(domain.String("TODO")))

	out, err = h.execute(t, newAdminCommand, "live")
	require.NoError(t, err)
	require.Contains(t, out, id)
	require.Contains(t, out, "Tool: grep")

	_, err = h.execute(t, newAdminCommand, "end", id, "--status", "failed", "--attr", `error="exit 1"`)
	require.NoError(t, err)

	out, err = h.execute(t, newAdminCommand, "--json", "stats")
	require.NoError(t, err)
	var stats domain.Statistics
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.EqualValues(t, 1, stats.ActivitiesFailed)
	require.Zero(t, stats.ActiveActivities)

	out, err = h.execute(t, newAdminCommand, "get", id)
	require.NoError(t, err)
	var activity domain.Activity
	require.NoError(t, json.Unmarshal([]byte(out), &activity))
	require.Equal(t, domain.StatusFailed, activity.Status)
	require.True(t, activity.Attributes["error"].Equal(domain.String("exit 1")))

	out, err = h.execute(t, newAdminCommand, "recent", "--limit", "5")
	require.NoError(t, err)
	require.Contains(t, out, "failed")
}

func TestProducerCommands(t *testing.T) {
	h := newHarness(t)

	_, err := h.execute(t, newAdminCommand, "sample", "--cpu", "12.5", "--processes", "40")
	require.NoError(t, err)
	samples := h.store.Samples(0)
	require.Len(t, samples, 1)
	require.InDelta(t, 12.5, samples[0].CPUUsage, 1e-9)
	require.Equal(t, 40, samples[0].ActiveProcesses)

	_, err = h.execute(t, newAdminCommand, "agent-metrics", "planner", "--completed", "--tool", "grep", "--tokens", "120", "--response-time", "1500ms")
	require.NoError(t, err)
	agent := h.store.EntityMetrics()["planner"]
	require.EqualValues(t, 1, agent.TasksCompleted)
	require.EqualValues(t, 120, agent.TokenUsage)
	require.EqualValues(t, 1, agent.ToolUsage["grep"])
	require.InDelta(t, 1.5, agent.AverageResponseTime, 1e-9)

	out, err := h.execute(t, newAdminCommand, "agents")
	require.NoError(t, err)
	require.Contains(t, out, "planner")

	out, err = h.execute(t, newAdminCommand, "disable")
	require.NoError(t, err)
	require.Equal(t, "enabled=false\n", out)
	require.False(t, h.store.Enabled())

	out, err = h.execute(t, newAdminCommand, "begin", "--kind", "model-call", "--label", "LLM: draft")
	require.NoError(t, err)
	require.Equal(t, "\n", out)

	_, err = h.execute(t, newAdminCommand, "enable")
	require.NoError(t, err)
	require.True(t, h.store.Enabled())
}

func TestCommandErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.execute(t, newAdminCommand, "end", "x", "--status", "started")
	require.ErrorContains(t, err, "status must be completed, failed or cancelled")

	_, err = h.execute(t, newAdminCommand, "begin", "--kind", "teleport", "--label", "x")
	require.ErrorContains(t, err, "kind")

	_, err = h.execute(t, newAdminCommand, "begin")
	require.ErrorContains(t, err, `required flag(s) "kind" not set`)

	_, err = h.execute(t, newAdminCommand, "get", "missing")
	require.Error(t, err)

	_, err = h.execute(t, newAdminCommand, "begin", "--kind", "tool-execution", "--attr", "novalue")
	require.ErrorContains(t, err, "must be key=value")
}

func TestInvalidInsecureEnvIsReported(t *testing.T) {
	h := newHarness(t)
	t.Setenv("ACTIVITYHUB_INSECURE", "maybe")

	_, err := h.execute(t, newAdminCommand, "stats")
	require.ErrorContains(t, err, "invalid ACTIVITYHUB_INSECURE")

	_, err = h.execute(t, newAdminCommand, "stats", "--insecure")
	require.NoError(t, err)
}

func TestWatchPrintsSnapshotThenUpdates(t *testing.T) {
	h := newHarness(t)

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := h.execute(t, newAdminCommand, "watch", "--count", "2")
		done <- outcome{out, err}
	}()

	require.Eventually(t, func() bool { return h.fanout.Stats().Connections == 1 }, 2*time.Second, 5*time.Millisecond)
	id := h.store.Begin(domain.KindWorkflowStep, "step", nil, "")

	var result outcome
	select {
	case result = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not return")
	}
	require.NoError(t, result.err)

	lines := strings.Split(strings.TrimSpace(result.out), "\n")
	require.Len(t, lines, 2)

	var first, second hub.Message
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.Equal(t, hub.TypeInitialState, first.Type)
	require.Equal(t, hub.TypeActivityUpdate, second.Type)
	require.Equal(t, id, second.Activity.ID)
}

func TestRunReportsCommand(t *testing.T) {
	h := newHarness(t)

	out, err := h.execute(t, newAhCommand, "run", "--pty=false", "--git=false", "--", "sh", "-c", "echo token=abc123; exit 3")
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, 3, exitErr.Code)
	require.Contains(t, out, "token=abc123")

	recent := h.store.History(0)
	require.Len(t, recent, 1)
	activity := recent[0]
	require.Equal(t, domain.KindCommandExecution, activity.Kind)
	require.Equal(t, domain.StatusFailed, activity.Status)
	require.True(t, strings.HasPrefix(activity.Label, "Command: sh -c"))
	require.True(t, activity.Attributes["exit_code"].Equal(domain.Int(3)))

	output, ok := activity.Attributes["output"].AsString()
	require.True(t, ok)
	require.NotContains(t, output, "abc123")
}

func TestRunSucceeds(t *testing.T) {
	h := newHarness(t)

	out, err := h.execute(t, newAhCommand, "run", "--pty=false", "--git=false", "echo", "hello")
	require.NoError(t, err)
	require.Equal(t, "hello\n", out)
	require.Equal(t, domain.StatusCompleted, h.store.History(0)[0].Status)
}

func TestParseAttributes(t *testing.T) {
	attrs, err := parseAttributes([]string{"n=3", "ok=true", "name=planner", "list=[1,2]", "empty="})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"n":     float64(3),
		"ok":    true,
		"name":  "planner",
		"list":  []any{float64(1), float64(2)},
		"empty": "",
	}, attrs)

	attrs, err = parseAttributes(nil)
	require.NoError(t, err)
	require.Nil(t, attrs)
}
