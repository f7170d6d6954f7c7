package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/triage-ai/bastion/internal/api"
	"github.com/triage-ai/bastion/internal/auth"
	"github.com/triage-ai/bastion/internal/server"
	"github.com/triage-ai/bastion/internal/store"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC validation servers",
	RunE:  serveCommand,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serveCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting bastion",
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("grpc_addr", cfg.GRPC.Addr),
	)

	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer s.close()

	verifier, err := auth.NewKeyVerifier(cfg.Auth.APIKeyHashes, cfg.Auth.CacheTTL, logger)
	if err != nil {
		logger.Error("invalid api key configuration", zap.Error(err))
		return err
	}
	if !verifier.Enabled() {
		logger.Warn("no api key hashes configured, endpoints are unauthenticated")
	}

	deps := &api.Dependencies{
		Validator:   s.validator,
		Tracker:     s.tracker,
		Verifier:    verifier,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Logger:      logger,
	}
	if s.analytics != nil {
		deps.Events = s.analytics
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var (
		grpcServer *grpc.Server
		healthSrv  *health.Server
	)
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			logger.Error("grpc listen failed", zap.Error(err))
			return err
		}
		grpcServer, healthSrv = server.New(server.NewValidationServer(s.validator, logger), verifier, logger)
		go func() {
			logger.Info("grpc server listening", zap.String("addr", cfg.GRPC.Addr))
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	go pruneLoop(ctx, s.store, cfg.Retention, logger)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if grpcServer != nil {
		healthSrv.Shutdown()
		grpcServer.GracefulStop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	// s.close (deferred) drains the queue after no request can enqueue.
	logger.Info("bastion stopped")
	return nil
}

// pruneLoop deletes events past the retention period once per interval.
func pruneLoop(ctx context.Context, st store.StateStore, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.DeleteEventsOlderThan(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("event pruning failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("pruned events", zap.Int64("deleted", n))
			}
		}
	}
}
