package runner

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bcrosbie/activityhub/internal/client"
	"github.com/bcrosbie/activityhub/internal/domain"
)

const labelLimit = 50

// Reporter is the part of client.Client that Report needs.
type Reporter interface {
	Begin(ctx context.Context, input client.BeginInput) (string, error)
	End(ctx context.Context, input client.EndInput) error
}

// Scrubber masks credentials in captured output before it is reported.
type Scrubber interface {
	Apply(string) string
}

type ReportOptions struct {
	ParentID   string
	Attributes map[string]any
	Scrubber   Scrubber
	Logger     *slog.Logger
	// Timeout bounds each reporting call so an unreachable server never
	// delays the command.
	Timeout time.Duration
}

// Report runs the command and records it as a command-execution activity.
// Reporting failures are logged and never change the command's result.
func Report(ctx context.Context, reporter Reporter, opts Options, report ReportOptions) Result {
	logger := report.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := report.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	attrs := map[string]any{
		"command": strings.Join(opts.Argv, " "),
		"argv":    opts.Argv,
		"dir":     opts.Dir,
		"pty":     opts.UsePTY,
	}
	for key, value := range report.Attributes {
		attrs[key] = value
	}

	beginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	id, err := reporter.Begin(beginCtx, client.BeginInput{
		Kind:       domain.KindCommandExecution,
		Label:      Label(opts.Argv),
		Attributes: attrs,
		ParentID:   report.ParentID,
	})
	cancel()
	if err != nil {
		logger.Warn("activity begin failed; running unreported", "error", err)
	}

	result := Run(ctx, opts)

	if err != nil {
		return result
	}
	output := result.Output
	if report.Scrubber != nil {
		output = report.Scrubber.Apply(output)
	}
	extra := map[string]any{
		"exit_code":        result.ExitCode,
		"mode":             result.Mode,
		"output":           output,
		"output_truncated": result.OutputTruncated,
	}
	if result.Err != nil {
		extra["error"] = result.Err.Error()
	}

	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := reporter.End(endCtx, client.EndInput{
		ID:         id,
		Status:     Status(ctx, result),
		Attributes: extra,
	}); err != nil {
		logger.Warn("activity end failed", "id", id, "error", err)
	}
	return result
}

// Status maps a finished command to its terminal activity status: exit 0
// is completed, a cancelled context is cancelled, anything else failed.
func Status(ctx context.Context, result Result) domain.Status {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return domain.StatusCancelled
	case result.Err == nil && result.ExitCode == 0:
		return domain.StatusCompleted
	default:
		return domain.StatusFailed
	}
}

// Label renders argv the way command wrappers label their activities.
func Label(argv []string) string {
	joined := strings.Join(argv, " ")
	runes := []rune(joined)
	if len(runes) > labelLimit {
		joined = string(runes[:labelLimit])
	}
	return "Command: " + joined
}
