package server

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/triage-ai/bastion/internal/auth"
)

// New builds a gRPC server with the validation service, the standard
// health service and reflection registered. The returned health server
// is used to flip serving status on shutdown.
func New(vs *ValidationServer, verifier *auth.KeyVerifier, logger *zap.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoveryInterceptor(logger),
		AuthInterceptor(verifier, logger),
	))
	RegisterValidationServer(srv, vs)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return srv, hs
}

// AuthInterceptor requires a valid bearer API key in the "authorization"
// metadata. Health checks are exempt, and a verifier without keys admits
// every call.
func AuthInterceptor(verifier *auth.KeyVerifier, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if verifier == nil || !verifier.Enabled() || strings.HasPrefix(info.FullMethod, "/grpc.health.v1.") {
			return handler(ctx, req)
		}

		token, err := auth.TokenFromIncomingContext(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		if _, err := verifier.Verify(ctx, token); err != nil {
			logger.Warn("auth failed", zap.String("method", info.FullMethod), zap.Error(err))
			if errors.Is(err, auth.ErrInvalidAPIKey) {
				return nil, status.Error(codes.Unauthenticated, "invalid API key")
			}
			return nil, status.Errorf(codes.Unauthenticated, "auth failed: %v", err)
		}
		return handler(ctx, req)
	}
}

// RecoveryInterceptor turns handler panics into Internal errors.
func RecoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("grpc handler panic",
					zap.String("method", info.FullMethod),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
