//go:build linux || darwin

package runner

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

func runWithPTY(ctx context.Context, opts Options, stream io.Writer) (int, error) {
	cmd := command(ctx, opts)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return exitCode(cmd, err), err
	}
	defer func() {
		_ = ptmx.Close()
	}()

	in := opts.InputReader
	if in == nil {
		in = os.Stdin
	}
	// An interactive stdin is put in raw mode so keystrokes reach the child
	// unprocessed, and the pty takes the terminal's size.
	if file, ok := in.(*os.File); ok && opts.ForwardInput && term.IsTerminal(int(file.Fd())) {
		_ = pty.InheritSize(file, ptmx)
		if state, rawErr := term.MakeRaw(int(file.Fd())); rawErr == nil {
			defer func() { _ = term.Restore(int(file.Fd()), state) }()
		}
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		_, _ = io.Copy(stream, ptmx)
	}()
	if opts.ForwardInput {
		go func() { _, _ = io.Copy(ptmx, in) }()
	}

	waitErr := cmd.Wait()
	code := exitCode(cmd, waitErr)

	// The reader sees EIO once the child side closes; give it a moment to
	// flush buffered output before returning.
	select {
	case <-readerDone:
	case <-time.After(400 * time.Millisecond):
	}
	return code, waitErr
}
