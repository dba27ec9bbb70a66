// Package runner executes an external command and reports it to an
// activityhub server as a command-execution activity.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	ModePTY  = "pty"
	ModePipe = "pipe"

	defaultMaxOutputBytes = 16 * 1024
)

var errPTYUnsupported = errors.New("pty execution is not supported on this platform")

type Options struct {
	Argv   []string
	Dir    string
	Env    []string
	UsePTY bool
	// ForwardInput copies InputReader (default os.Stdin) to the command.
	ForwardInput bool
	InputReader  io.Reader
	OutputWriter io.Writer
	// MaxOutputBytes caps the captured output kept for the activity.
	MaxOutputBytes int
}

type Result struct {
	ExitCode        int
	Mode            string
	StartedAt       time.Time
	EndedAt         time.Time
	Duration        time.Duration
	Err             error
	Output          string
	OutputTruncated bool
}

// Run executes opts.Argv, preferring a pty when asked and falling back to
// pipes where a pty cannot be opened.
func Run(ctx context.Context, opts Options) Result {
	start := time.Now().UTC()
	result := Result{ExitCode: -1, StartedAt: start}
	finish := func() Result {
		result.EndedAt = time.Now().UTC()
		result.Duration = result.EndedAt.Sub(result.StartedAt)
		return result
	}

	if len(opts.Argv) == 0 || strings.TrimSpace(opts.Argv[0]) == "" {
		result.Err = fmt.Errorf("command is required")
		return finish()
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = defaultMaxOutputBytes
	}
	if opts.OutputWriter == nil {
		opts.OutputWriter = os.Stdout
	}

	output := newCappedBuffer(opts.MaxOutputBytes)
	stream := io.MultiWriter(opts.OutputWriter, output)

	if opts.UsePTY {
		code, err := runWithPTY(ctx, opts, stream)
		if !errors.Is(err, errPTYUnsupported) {
			result.Mode = ModePTY
			result.ExitCode = code
			result.Err = err
			result.Output = output.String()
			result.OutputTruncated = output.Truncated()
			return finish()
		}
	}

	result.Mode = ModePipe
	result.ExitCode, result.Err = runPiped(ctx, opts, stream)
	result.Output = output.String()
	result.OutputTruncated = output.Truncated()
	return finish()
}

func command(ctx context.Context, opts Options) *exec.Cmd {
	cmd := exec.CommandContext(ctx, opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	return cmd
}

func runPiped(ctx context.Context, opts Options, stream io.Writer) (int, error) {
	cmd := command(ctx, opts)
	cmd.Stdout = stream
	cmd.Stderr = stream
	if opts.ForwardInput {
		in := opts.InputReader
		if in == nil {
			in = os.Stdin
		}
		cmd.Stdin = in
	}

	err := cmd.Run()
	return exitCode(cmd, err), err
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if errors.Is(err, exec.ErrNotFound) {
		return 127
	}
	var exitErr *exec.ExitError
	if err != nil && errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// cappedBuffer keeps the first max bytes written and records whether
// anything was discarded.
type cappedBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated bool
	mu        sync.Mutex
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.max - c.buf.Len()
	if remaining <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) <= remaining {
		_, _ = c.buf.Write(p)
		return len(p), nil
	}
	_, _ = c.buf.Write(p[:remaining])
	c.truncated = true
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
