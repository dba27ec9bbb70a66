package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/bcrosbie/activityhub/internal/domain"
	"github.com/bcrosbie/activityhub/internal/hub"
	"github.com/bcrosbie/activityhub/internal/monitor"
	"github.com/bcrosbie/activityhub/internal/service"
	"github.com/bcrosbie/activityhub/internal/rpccontract"
	grpcx "github.com/bcrosbie/activityhub/internal/transport/grpc"
)

const testToken = "s3cret"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	store  *monitor.Store
	fanout *hub.Hub
	dial   grpc.DialOption
}

func newHarness(t *testing.T, interceptors ...grpc.UnaryServerInterceptor) *harness {
	t.Helper()
	store := monitor.New(nil, monitor.DefaultOptions(), monitor.WithLogger(quietLogger()))
	fanout := hub.New(store, quietLogger(), hub.DefaultOptions())

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(append(interceptors,
			grpcx.AuthUnaryInterceptor(testToken),
			grpcx.ErrorUnaryInterceptor(),
		)...),
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

func (h *harness) client(t *testing.T, token string) *Client {
	t.Helper()
	c, err := New(Options{
		Addr:          "passthrough:///bufnet",
		Token:         token,
		RetryAttempts: 1,
		DialOptions:   []grpc.DialOption{h.dial},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestReporterLifecycle(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testToken)
	ctx := context.Background()

	parent, err := c.Begin(ctx, BeginInput{Kind: domain.KindAgentExecution, Label: "planner: plan"})
	require.NoError(t, err)
	require.NotEmpty(t, parent)

	child, err := c.Begin(ctx, BeginInput{
		Kind:       domain.KindCommandExecution,
		Label:      "Command: make",
		Attributes: map[string]any{"argv": []string{"make", "test"}, "started": time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		ParentID:   parent,
	})
	require.NoError(t, err)

	require.NoError(t, c.End(ctx, EndInput{ID: child, Status: domain.StatusFailed, Attributes: map[string]any{"exit_code": 2}}))
	require.NoError(t, c.End(ctx, EndInput{ID: parent}))

	activity, err := c.GetActivity(ctx, child)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, activity.Status)
	require.Equal(t, parent, activity.ParentID)
	require.True(t, activity.Attributes["exit_code"].Equal(domain.Int(2)))
	require.True(t, activity.Attributes["started"].Equal(domain.String("2026-03-01T00:00:00Z")))

	parentActivity, err := c.GetActivity(ctx, parent)
	require.NoError(t, err)
	require.Equal(t, []string{child}, parentActivity.Children)
	require.Equal(t, domain.StatusCompleted, parentActivity.Status)

	recent, err := c.RecentActivities(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	stats, err := c.Statistics(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.ActivitiesFailed)
	require.EqualValues(t, 1, stats.ActivitiesCompleted)

	_, err = c.GetActivity(ctx, "missing")
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestSamplesMetricsAndToggle(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testToken)
	ctx := context.Background()

	require.NoError(t, c.IngestSample(ctx, domain.SystemMetricSample{
		Timestamp:       time.Now().UTC(),
		CPUUsage:        33,
		NetworkIO:       domain.NetworkIO{BytesSent: 10},
		ActiveProcesses: 4,
	}))
	samples, err := c.Samples(ctx, 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.EqualValues(t, 10, samples[0].NetworkIO.BytesSent)

	seconds := 1.5
	require.NoError(t, c.UpdateEntityMetrics(ctx, service.UpdateEntityMetricsRequest{
		AgentName:     "coder",
		TaskCompleted: true,
		ResponseTime:  &seconds,
		TokensUsed:    20,
	}))
	entities, err := c.EntityMetrics(ctx)
	require.NoError(t, err)
	require.InDelta(t, 1.5, entities["coder"].AverageResponseTime, 1e-9)

	enabled, err := c.SetEnabled(ctx, false)
	require.NoError(t, err)
	require.False(t, enabled)

	id, err := c.Begin(ctx, BeginInput{Kind: domain.KindToolExecution, Label: "Tool: noop"})
	require.NoError(t, err)
	require.Empty(t, id)
	require.NoError(t, c.End(ctx, EndInput{ID: id}))

	health, err := c.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, false, health["enabled"])

	snapshot, err := c.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot.Metrics, 1)
	require.Empty(t, snapshot.ActiveActivities)
}

func TestWritesRequireToken(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, "")

	_, err := c.Begin(context.Background(), BeginInput{Kind: domain.KindToolExecution, Label: "x"})
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	live, err := c.LiveActivities(context.Background())
	require.NoError(t, err)
	require.Empty(t, live)
}

func TestWatchDeliversSnapshotThenUpdates(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testToken)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	existing := h.store.Begin(domain.KindWorkflowStep, "index", nil, "")
	stop := errors.New("seen enough")
	var received []hub.Message

	err := c.Watch(ctx, func(msg hub.Message) error {
		if msg.Type == hub.TypeHeartbeat {
			return nil
		}
		received = append(received, msg)
		if msg.Type == hub.TypeInitialState {
			h.store.End(existing, domain.StatusCompleted, nil)
			return nil
		}
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Len(t, received, 2)

	require.Equal(t, hub.TypeInitialState, received[0].Type)
	require.Len(t, received[0].Snapshot.ActiveActivities, 1)
	require.Equal(t, existing, received[0].Snapshot.ActiveActivities[0].ID)

	require.Equal(t, hub.TypeActivityUpdate, received[1].Type)
	require.Equal(t, existing, received[1].Activity.ID)
	require.Equal(t, domain.StatusCompleted, received[1].Activity.Status)
}

func TestFollowReturnsOnCancel(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testToken)
	ctx, cancel := context.WithCancel(context.Background())

	err := c.Follow(ctx, 10*time.Millisecond, func(msg hub.Message) error {
		if msg.Type == hub.TypeInitialState {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestReconnectable(t *testing.T) {
	require.True(t, reconnectable(io.EOF))
	require.True(t, reconnectable(status.Error(codes.ResourceExhausted, "slow")))
	require.True(t, reconnectable(status.Error(codes.Unavailable, "restart")))
	require.False(t, reconnectable(status.Error(codes.FailedPrecondition, "push disabled")))
	require.False(t, reconnectable(errors.New("handler failed")))
}

// stallFirst applies the first call to method and then holds the response
// past the client's deadline.
func stallFirst(method string, delay time.Duration) (grpc.UnaryServerInterceptor, *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod != method {
			return handler(ctx, req)
		}
		resp, err := handler(ctx, req)
		if calls.Add(1) == 1 {
			time.Sleep(delay)
		}
		return resp, err
	}, &calls
}

func retryingClient(t *testing.T, h *harness) *Client {
	t.Helper()
	c, err := New(Options{
		Addr:           "passthrough:///bufnet",
		Token:          testToken,
		RequestTimeout: 100 * time.Millisecond,
		RetryAttempts:  3,
		DialOptions:    []grpc.DialOption{h.dial},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTimedOutWriteIsNotRepeated(t *testing.T) {
	stall, calls := stallFirst(rpccontract.MethodBeginActivity, 300*time.Millisecond)
	h := newHarness(t, stall)
	c := retryingClient(t, h)

	_, err := c.Begin(context.Background(), BeginInput{Kind: domain.KindToolExecution, Label: "Tool: grep"})
	require.Equal(t, codes.DeadlineExceeded, status.Code(err))

	require.Never(t, func() bool { return calls.Load() > 1 }, 500*time.Millisecond, 10*time.Millisecond)
	require.Len(t, h.store.Live(), 1)
}

func TestTimedOutReadIsRetried(t *testing.T) {
	stall, calls := stallFirst(rpccontract.MethodGetStatistics, 300*time.Millisecond)
	h := newHarness(t, stall)
	c := retryingClient(t, h)

	_, err := c.Statistics(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestIsRetryable(t *testing.T) {
	unavailable := status.Error(codes.Unavailable, "connection refused")
	deadline := status.Error(codes.DeadlineExceeded, "deadline exceeded")
	throttled := status.Error(codes.ResourceExhausted, "slow down")

	require.True(t, isRetryable(rpccontract.MethodBeginActivity, unavailable))
	require.False(t, isRetryable(rpccontract.MethodBeginActivity, deadline))
	require.False(t, isRetryable(rpccontract.MethodEndActivity, throttled))
	require.True(t, isRetryable(rpccontract.MethodGetSnapshot, deadline))
	require.True(t, isRetryable(rpccontract.MethodGetSnapshot, throttled))
	require.False(t, isRetryable(rpccontract.MethodGetSnapshot, status.Error(codes.NotFound, "missing")))
}
