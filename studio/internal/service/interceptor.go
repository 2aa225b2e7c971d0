package service

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// UnaryLoggingInterceptor logs one line per call. Successful polls are
// logged at debug: agents poll every few seconds.
func UnaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		level := slog.LevelInfo
		switch {
		case err != nil && code != codes.NotFound:
			level = slog.LevelWarn
		case err == nil && strings.HasSuffix(info.FullMethod, "/PollArtifact"):
			level = slog.LevelDebug
		}

		attrs := []slog.Attr{
			slog.String("method", info.FullMethod),
			slog.String("code", code.String()),
			slog.Duration("duration", time.Since(start)),
		}
		if tc := taskCodeOf(req); tc != "" {
			attrs = append(attrs, slog.String("task_code", tc))
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", status.Convert(err).Message()))
		}
		logger.LogAttrs(ctx, level, "grpc request", attrs...)

		return resp, err
	}
}

func taskCodeOf(req any) string {
	s, ok := req.(*structpb.Struct)
	if !ok {
		return ""
	}
	return s.GetFields()["taskCode"].GetStringValue()
}

func RecoveryUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("studio handler panicked",
					slog.String("method", info.FullMethod),
					slog.String("task_code", taskCodeOf(req)),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				err = status.Error(codes.Internal, "studio internal error")
			}
		}()

		return handler(ctx, req)
	}
}
