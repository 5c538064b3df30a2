package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/alfredjeanlab/turnqueue/internal/logging"
	"github.com/alfredjeanlab/turnqueue/internal/metrics"
	"github.com/alfredjeanlab/turnqueue/internal/server"
	queuesync "github.com/alfredjeanlab/turnqueue/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the turnq HTTP and gRPC server",
	GroupID: "system",
	Args:    cobra.NoArgs,
	// Override PersistentPreRunE so no API client is created.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return loadConfig() },
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
		m := metrics.New()

		b, err := openBackend(cfg, m, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := b.Close(); err != nil {
				logger.Error("closing backend", "err", err)
			}
		}()

		srv := server.New(b.engine, b.pipeline, m, logger)
		if err := srv.Follow(); err != nil {
			return err
		}
		defer srv.Close()
		if err := b.engine.Refresh(cmd.Context()); err != nil {
			logger.Warn("initial projection load failed", "err", err)
		}
		stopFollow, err := b.engine.Follow()
		if err != nil {
			return err
		}
		defer stopFollow()

		grpcServer, health := server.NewGRPCServer(cfg.AuthToken, logger)
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		go func() {
			logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", "err", err)
			}
		}()

		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           srv.NewHTTPHandler(cfg.AuthToken),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		scheduler := startSync(cmd.Context(), b, m)
		if cfg.AuthToken == "" {
			logger.Warn("authentication disabled (TURNQ_AUTH_TOKEN not set)")
		}
		logger.Info("turnq server started",
			"grpc_addr", cfg.GRPCAddr,
			"http_addr", cfg.HTTPAddr,
			"turn_duration", cfg.TurnDuration,
		)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		health.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("sync scheduler stopped")
		}

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")
		return nil
	},
}

// startSync starts the backup scheduler when an interval and at least one
// destination are configured.
func startSync(ctx context.Context, b *backend, m *metrics.Metrics) *queuesync.Scheduler {
	if cfg.SyncInterval <= 0 {
		return nil
	}
	logger := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel).With("component", "sync")
	var dests []queuesync.Destination
	if cfg.SyncS3Bucket != "" {
		d, err := queuesync.NewS3Destination(ctx, cfg.SyncS3Bucket, cfg.SyncS3Key, cfg.SyncS3Region, cfg.SyncS3Endpoint)
		if err != nil {
			logger.Error("failed to create S3 sync destination", "err", err)
		} else {
			dests = append(dests, d)
			logger.Info("sync S3 destination enabled", "bucket", cfg.SyncS3Bucket, "key", d.Key())
		}
	}
	if cfg.SyncGitRepo != "" {
		dests = append(dests, queuesync.NewGitDestination(cfg.SyncGitRepo, cfg.SyncGitFile, cfg.SyncGitBranch, os.Stderr))
		logger.Info("sync git destination enabled", "repo", cfg.SyncGitRepo, "file", cfg.SyncGitFile)
	}
	if len(dests) == 0 {
		logger.Warn("sync interval set but no destination configured")
		return nil
	}
	s := queuesync.NewScheduler(b.store, dests, cfg.SyncInterval, logger, queuesync.WithMetrics(m))
	s.Start()
	logger.Info("sync scheduler started", "interval", cfg.SyncInterval)
	return s
}
