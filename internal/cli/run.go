package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bcrosbie/activityhub/internal/gitutil"
	"github.com/bcrosbie/activityhub/internal/redact"
	"github.com/bcrosbie/activityhub/internal/runner"
)

// ExitError carries a wrapped command's non-zero exit code out to main.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.Code)
}

func runCommand(conn *connection) *cobra.Command {
	var (
		usePTY    bool
		parentID  string
		attrs     []string
		withGit   bool
		redaction bool
		maxOutput int
	)
	cmd := &cobra.Command{
		Use:   "run [flags] -- COMMAND [ARGS...]",
		Short: "Run a command and record it as a command-execution activity",
		Long: `Run a command and record it as a command-execution activity. The command
runs even when the server is unreachable; reporting failures only warn.
ah exits with the command's exit status.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			if attributes == nil {
				attributes = map[string]any{}
			}
			dir, err := os.Getwd()
			if err != nil {
				return err
			}
			if withGit {
				for key, value := range gitutil.Attributes(cmd.Context(), dir) {
					attributes[key] = value
				}
			}

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			opts := runner.Options{
				Argv:           args,
				Dir:            dir,
				UsePTY:         usePTY,
				ForwardInput:   true,
				InputReader:    cmd.InOrStdin(),
				OutputWriter:   cmd.OutOrStdout(),
				MaxOutputBytes: maxOutput,
			}

			var result runner.Result
			c, err := conn.dial()
			if err != nil {
				logger.Warn("activityhub unavailable; running unreported", "error", err)
				result = runner.Run(cmd.Context(), opts)
			} else {
				defer c.Close()
				result = runner.Report(cmd.Context(), c, opts, runner.ReportOptions{
					ParentID:   parentID,
					Attributes: attributes,
					Scrubber:   redact.New(redaction, nil, nil),
					Logger:     logger,
				})
			}

			if result.ExitCode != 0 {
				return &ExitError{Code: result.ExitCode}
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.SetInterspersed(false)
	flags.BoolVar(&usePTY, "pty", term.IsTerminal(int(os.Stdin.Fd())), "run under a pseudo-terminal")
	flags.StringVar(&parentID, "parent", os.Getenv("ACTIVITYHUB_PARENT_ID"), "parent activity id")
	flags.StringArrayVar(&attrs, "attr", nil, "extra attribute as key=value, repeatable")
	flags.BoolVar(&withGit, "git", true, "attach repository metadata when run inside a git work tree")
	flags.BoolVar(&redaction, "redact", true, "mask credentials in captured output")
	flags.IntVar(&maxOutput, "max-output", 16*1024, "bytes of output kept on the activity")
	return cmd
}
