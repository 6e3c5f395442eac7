package transport

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func unaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			code := codes.Unknown
			if st, ok := status.FromError(err); ok {
				code = st.Code()
			}
			logger.Warn("request failed",
				"method", info.FullMethod,
				"duration_ms", time.Since(start).Milliseconds(),
				"code", code.String(),
				"error", err)
		}
		return resp, err
	}
}
