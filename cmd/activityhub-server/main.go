package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bcrosbie/activityhub/internal/config"
	"github.com/bcrosbie/activityhub/internal/server"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.LookupEnv)
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Printf("Usage of activityhub-server:\n%s", config.Usage())
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "activityhub-server: %v\n", err)
		os.Exit(2)
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("server setup failed", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
