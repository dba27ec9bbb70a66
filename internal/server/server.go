// Package server assembles the activityhub daemon: the store and its
// resource sampler, the push hub, the gRPC and HTTP transports and the
// optional archive writer.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/bcrosbie/activityhub/internal/archive"
	"github.com/bcrosbie/activityhub/internal/bus"
	"github.com/bcrosbie/activityhub/internal/config"
	"github.com/bcrosbie/activityhub/internal/hub"
	"github.com/bcrosbie/activityhub/internal/monitor"
	"github.com/bcrosbie/activityhub/internal/probe"
	"github.com/bcrosbie/activityhub/internal/redact"
	"github.com/bcrosbie/activityhub/internal/service"
	grpcx "github.com/bcrosbie/activityhub/internal/transport/grpc"
	httpx "github.com/bcrosbie/activityhub/internal/transport/http"
)

const shutdownTimeout = 5 * time.Second

type Option func(*Server)

// WithProbe replaces the host probe used for resource sampling.
func WithProbe(p monitor.Probe) Option {
	return func(s *Server) {
		if p != nil {
			s.probe = p
		}
	}
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	probe  monitor.Probe

	store    *monitor.Store
	fanout   *hub.Hub
	grpc     *grpc.Server
	health   *health.Server
	http     *http.Server
	listener net.Listener
	writer   *archive.Writer
}

// New wires every component and binds the gRPC listener. Nothing runs until
// Run is called.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, options ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		probe:  probe.NewHost(cfg.Monitor.DiskPath),
	}
	for _, option := range options {
		option(s)
	}

	redactor := redact.New(cfg.Redaction.Enabled, cfg.Redaction.Patterns, cfg.Redaction.Keys)
	s.store = monitor.New(
		bus.New(logger),
		cfg.MonitorOptions(),
		monitor.WithLogger(logger),
		monitor.WithAttributeFilter(redactor),
	)
	s.fanout = hub.New(s.store, logger, cfg.HubOptions())
	monitorService := service.NewMonitorService(s.store, s.fanout)

	sink, err := archive.Open(ctx, cfg.Archive.Driver, cfg.Archive.DSN, cfg.Archive.Path)
	if err != nil {
		return nil, fmt.Errorf("archive setup failed: %w", err)
	}
	if sink != nil {
		s.writer = archive.NewWriter(s.store.Bus(), sink, logger, cfg.Archive.QueueSize)
	}

	s.listener, err = net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		if s.writer != nil {
			s.writer.Close()
			_ = sink.Close()
		}
		return nil, fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}

	s.grpc = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpcx.RecoveryUnaryInterceptor(logger),
			grpcx.AuthUnaryInterceptor(cfg.AuthToken),
			grpcx.LoggingUnaryInterceptor(logger),
			grpcx.ErrorUnaryInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			grpcx.RecoveryStreamInterceptor(logger),
			grpcx.LoggingStreamInterceptor(logger),
			grpcx.ErrorStreamInterceptor(),
		),
	)
	grpcx.RegisterActivityHubServer(s.grpc, grpcx.NewActivityHubHandler(monitorService, s.fanout))

	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	if cfg.EnableReflection {
		reflection.Register(s.grpc)
	}

	if strings.TrimSpace(cfg.HTTPAddr) != "" {
		s.http = httpx.NewServer(monitorService, httpx.Options{
			Addr:           cfg.HTTPAddr,
			Hub:            s.fanout,
			Logger:         logger,
			OriginPatterns: cfg.Push.OriginPatterns,
		})
	}
	return s, nil
}

// Addr is the bound gRPC address, useful when the config asked for port 0.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

func (s *Server) Store() *monitor.Store { return s.store }

func (s *Server) Hub() *hub.Hub { return s.fanout }

// Run serves until ctx is done, then closes the hub so push streams end
// cleanly, drains the transports and stops resource sampling. It returns the
// first serve error, or nil after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	if s.store.StartSampling(s.probe) {
		defer s.store.StopSampling()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("gRPC server listening", "addr", s.listener.Addr().String(), "archive", s.cfg.Archive.Driver, "enabled", s.store.Enabled())
		if s.cfg.AuthToken == "" {
			s.logger.Warn("auth token is not configured; producer methods are unauthenticated")
		}
		if err := s.grpc.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve failed: %w", err)
		}
		return nil
	})
	if s.http != nil {
		group.Go(func() error {
			s.logger.Info("HTTP server listening", "addr", s.cfg.HTTPAddr)
			if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http serve failed: %w", err)
			}
			return nil
		})
	}
	if s.cfg.Monitor.StaleThreshold > 0 {
		group.Go(func() error {
			monitor.NewSweeper(s.store, s.cfg.Monitor.StaleThreshold, 0).Run(groupCtx)
			return nil
		})
	}
	if s.writer != nil {
		group.Go(func() error {
			return s.writer.Run(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		s.logger.Info("shutdown signal received; draining servers")
		s.health.Shutdown()
		s.shutdown()
		return nil
	})

	err := group.Wait()
	if s.writer != nil {
		stats := s.writer.Stats()
		s.logger.Info("archive writer stopped", "written", stats.Written, "dropped", stats.Dropped, "failed", stats.Failed)
	}
	return err
}

// shutdown closes the hub first so push streams end cleanly, then drains
// gRPC with a bounded wait before forcing it down.
func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.fanout.Close(ctx); err != nil {
		s.logger.Warn("hub close warning", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("graceful timeout reached; forcing stop")
		s.grpc.Stop()
	}

	if s.http != nil {
		httpCtx, httpCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer httpCancel()
		if err := s.http.Shutdown(httpCtx); err != nil {
			s.logger.Warn("http shutdown warning", "error", err)
		}
	}
}
