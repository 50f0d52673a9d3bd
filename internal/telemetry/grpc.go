package telemetry

import (
	"context"
	"log/slog"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCServerInterceptor logs every finished call and turns panics into internal errors.
func GRPCServerInterceptor() grpc.ServerOption {
	opts := []logging.Option{
		logging.WithLogOnEvents(logging.FinishCall),
		logging.WithLevels(grpcCodeToLevel),
	}

	return grpc.ChainUnaryInterceptor(
		logging.UnaryServerInterceptor(grpcServerLogger(slog.Default()), opts...),
		recovery.UnaryServerInterceptor(recovery.WithRecoveryHandlerContext(func(ctx context.Context, p any) error {
			slog.ErrorContext(ctx, "grpc: panic recovered", "panic", p)
			return status.Error(codes.Internal, "internal error")
		})),
	)
}

// grpcCodeToLevel keeps client mistakes out of the error logs.
func grpcCodeToLevel(code codes.Code) logging.Level {
	switch code {
	case codes.OK, codes.InvalidArgument, codes.NotFound, codes.AlreadyExists, codes.FailedPrecondition:
		return logging.LevelInfo
	case codes.Unavailable:
		return logging.LevelWarn
	default:
		return logging.LevelError
	}
}

func grpcServerLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
