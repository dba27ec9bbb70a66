package grpcx

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/bcrosbie/activityhub/internal/domain"
	"github.com/bcrosbie/activityhub/internal/rpccontract"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func RecoveryUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (response any, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.Error("panic recovered", "method", info.FullMethod, "panic", recovered, "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func RecoveryStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.Error("panic recovered", "method", info.FullMethod, "panic", recovered, "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(srv, stream)
	}
}

// AuthUnaryInterceptor guards the producer methods with token. Reads are
// always open. An empty token disables the check.
func AuthUnaryInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if token == "" {
			return handler(ctx, req)
		}
		if _, isWriteMethod := rpccontract.WriteMethods[info.FullMethod]; !isWriteMethod {
			return handler(ctx, req)
		}

		requestToken := extractToken(ctx)
		if subtle.ConstantTimeCompare([]byte(requestToken), []byte(token)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid authentication token")
		}
		return handler(ctx, req)
	}
}

func LoggingUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		started := time.Now()
		response, err := handler(ctx, req)
		logger.Debug("grpc", "method", info.FullMethod, "duration", time.Since(started), "code", status.Code(err).String())
		return response, err
	}
}

func LoggingStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		started := time.Now()
		logger.Info("grpc stream opened", "method", info.FullMethod)
		err := handler(srv, stream)
		logger.Info("grpc stream closed", "method", info.FullMethod, "duration", time.Since(started), "code", status.Code(err).String())
		return err
	}
}

func ErrorUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		response, err := handler(ctx, req)
		if err == nil {
			return response, nil
		}

		if status.Code(err) != codes.Unknown {
			return nil, err
		}

		return nil, mapError(err)
	}
}

func ErrorStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		err := handler(srv, stream)
		if err == nil || status.Code(err) != codes.Unknown {
			return err
		}
		return mapError(err)
	}
}

func mapError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var appError *domain.AppError
	if errors.As(err, &appError) {
		switch appError.Code {
		case domain.CodeInvalidArgument:
			return status.Error(codes.InvalidArgument, appError.Message)
		case domain.CodeNotFound:
			return status.Error(codes.NotFound, appError.Message)
		case domain.CodeUnauthenticated:
			return status.Error(codes.Unauthenticated, appError.Message)
		case domain.CodeFailedPrecondition:
			return status.Error(codes.FailedPrecondition, appError.Message)
		default:
			return status.Error(codes.Internal, appError.Message)
		}
	}

	return status.Error(codes.Internal, "internal server error")
}

func extractToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}

	token := strings.TrimSpace(first(md.Get(rpccontract.TokenHeader)))
	if token != "" {
		return token
	}

	authHeader := strings.TrimSpace(first(md.Get("authorization")))
	const bearer = "Bearer "
	if strings.HasPrefix(authHeader, bearer) {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, bearer))
	}
	return ""
}

func first(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[0]
}
