package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bcrosbie/activityhub/internal/client"
	"github.com/bcrosbie/activityhub/internal/domain"
	"github.com/bcrosbie/activityhub/internal/redact"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

type fakeReporter struct {
	mu       sync.Mutex
	begins   []client.BeginInput
	ends     []client.EndInput
	beginErr error
}

func (f *fakeReporter) Begin(_ context.Context, input client.BeginInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return "", f.beginErr
	}
	f.begins = append(f.begins, input)
	return "cmd-1", nil
}

func (f *fakeReporter) End(_ context.Context, input client.EndInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, input)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunPipedCapturesOutputAndExitCode(t *testing.T) {
	requireShell(t)
	var out bytes.Buffer
	result := Run(context.Background(), Options{
		Argv:         []string{"sh", "-c", "echo hello; echo oops 1>&2; exit 3"},
		OutputWriter: &out,
	})

	require.Equal(t, ModePipe, result.Mode)
	require.Equal(t, 3, result.ExitCode)
	require.Error(t, result.Err)
	require.Contains(t, result.Output, "hello")
	require.Contains(t, result.Output, "oops")
	require.Equal(t, result.Output, out.String())
	require.False(t, result.OutputTruncated)
	require.True(t, result.EndedAt.After(result.StartedAt) || result.EndedAt.Equal(result.StartedAt))
}

func TestRunTruncatesOutput(t *testing.T) {
	requireShell(t)
	result := Run(context.Background(), Options{
		Argv:           []string{"sh", "-c", "printf 0123456789"},
		OutputWriter:   io.Discard,
		MaxOutputBytes: 4,
	})
	require.Equal(t, 0, result.ExitCode)
	require.Equal(t, "0123", result.Output)
	require.True(t, result.OutputTruncated)
}

func TestRunForwardsInput(t *testing.T) {
	requireShell(t)
	result := Run(context.Background(), Options{
		Argv:         []string{"cat"},
		ForwardInput: true,
		InputReader:  strings.NewReader("piped through\n"),
		OutputWriter: io.Discard,
	})
	require.NoError(t, result.Err)
	require.Equal(t, "piped through\n", result.Output)
}

func TestRunMissingCommand(t *testing.T) {
	result := Run(context.Background(), Options{Argv: []string{"definitely-not-a-command-xyz"}, OutputWriter: io.Discard})
	require.Equal(t, 127, result.ExitCode)
	require.Error(t, result.Err)

	result = Run(context.Background(), Options{})
	require.ErrorContains(t, result.Err, "command is required")
}

func TestRunUnderPTY(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("pty not supported")
	}
	result := Run(context.Background(), Options{
		Argv:         []string{"sh", "-c", "test -t 1 && echo tty"},
		UsePTY:       true,
		OutputWriter: io.Discard,
	})
	if result.Err != nil && strings.Contains(result.Err.Error(), "/dev/ptmx") {
		t.Skipf("pty unavailable in this environment: %v", result.Err)
	}
	require.Equal(t, ModePTY, result.Mode)
	require.Equal(t, 0, result.ExitCode)
	require.Contains(t, result.Output, "tty")
}

func TestReportRecordsCommandActivity(t *testing.T) {
	requireShell(t)
	reporter := &fakeReporter{}
	result := Report(context.Background(), reporter, Options{
		Argv:         []string{"sh", "-c", "echo password=hunter2; exit 1"},
		OutputWriter: io.Discard,
	}, ReportOptions{
		ParentID:   "agent-1",
		Attributes: map[string]any{"source": "test"},
		Scrubber:   redact.New(true, nil, nil),
		Logger:     quietLogger(),
	})
	require.Equal(t, 1, result.ExitCode)

	require.Len(t, reporter.begins, 1)
	begin := reporter.begins[0]
	require.Equal(t, domain.KindCommandExecution, begin.Kind)
	require.Equal(t, "Command: sh -c echo password=hunter2; exit 1", begin.Label)
	require.Equal(t, "agent-1", begin.ParentID)
	require.Equal(t, "test", begin.Attributes["source"])

	require.Len(t, reporter.ends, 1)
	end := reporter.ends[0]
	require.Equal(t, "cmd-1", end.ID)
	require.Equal(t, domain.StatusFailed, end.Status)
	require.Equal(t, 1, end.Attributes["exit_code"])
	require.Contains(t, end.Attributes["output"], "password=[REDACTED]")
	require.NotContains(t, end.Attributes["output"], "hunter2")
}

func TestReportRunsEvenWhenServerIsDown(t *testing.T) {
	requireShell(t)
	reporter := &fakeReporter{beginErr: errors.New("connection refused")}
	result := Report(context.Background(), reporter, Options{
		Argv:         []string{"sh", "-c", "exit 0"},
		OutputWriter: io.Discard,
	}, ReportOptions{Logger: quietLogger()})

	require.Equal(t, 0, result.ExitCode)
	require.Empty(t, reporter.ends)
}

func TestStatusMapping(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, domain.StatusCompleted, Status(ctx, Result{ExitCode: 0}))
	require.Equal(t, domain.StatusFailed, Status(ctx, Result{ExitCode: 2, Err: errors.New("exit status 2")}))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Equal(t, domain.StatusCancelled, Status(cancelled, Result{ExitCode: -1}))

	expired, cancelExpired := context.WithTimeout(ctx, time.Nanosecond)
	defer cancelExpired()
	<-expired.Done()
	require.Equal(t, domain.StatusFailed, Status(expired, Result{ExitCode: -1, Err: errors.New("killed")}))
}

func TestLabelTruncates(t *testing.T) {
	require.Equal(t, "Command: go test ./...", Label([]string{"go", "test", "./..."}))
	require.Len(t, []rune(Label([]string{strings.Repeat("é", 80)})), len("Command: ")+labelLimit)
}
