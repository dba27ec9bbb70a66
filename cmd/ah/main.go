package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bcrosbie/activityhub/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewAhCommand().ExecuteContext(ctx)
	stop()

	var exitErr *cli.ExitError
	switch {
	case errors.As(err, &exitErr):
		os.Exit(exitErr.Code)
	case err != nil:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
