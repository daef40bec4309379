package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tataru-assistant/tataru/pkg/metrics"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "x-request-id"

// GetRequestID retrieves the request id assigned by the request id interceptor
func GetRequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// requestID reuses the caller's x-request-id or generates one
func requestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(RequestIDHeader); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	return uuid.NewString()
}

// UnaryRequestID tags every call with a request id and echoes it in the response header
func UnaryRequestID() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		id := requestID(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, id))
		return handler(context.WithValue(ctx, requestIDKey, id), req)
	}
}

// StreamRequestID is the streaming counterpart of UnaryRequestID
func StreamRequestID() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		id := requestID(ss.Context())
		_ = ss.SetHeader(metadata.Pairs(RequestIDHeader, id))
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: context.WithValue(ss.Context(), requestIDKey, id)})
	}
}

// UnaryLogging logs every finished call
func UnaryLogging(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(ctx, logger, info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

// StreamLogging logs every finished stream
func StreamLogging(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(ss.Context(), logger, info.FullMethod, time.Since(start), err)
		return err
	}
}

func logCall(ctx context.Context, logger *zap.Logger, method string, duration time.Duration, err error) {
	st := status.Convert(err)
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("code", st.Code().String()),
		zap.Duration("duration", duration),
	}
	if id, ok := GetRequestID(ctx); ok {
		fields = append(fields, zap.String("request_id", id))
	}

	switch st.Code() {
	case codes.OK:
		logger.Info("rpc completed", fields...)
	case codes.Internal, codes.Unknown, codes.DataLoss:
		logger.Error("rpc failed", append(fields, zap.String("error", st.Message()))...)
	default:
		logger.Warn("rpc completed with error", append(fields, zap.String("error", st.Message()))...)
	}
}

// UnaryMetrics records request counts and durations
func UnaryMetrics(collector metrics.MetricsCollector) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		collector.RecordRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
		return resp, err
	}
}

// StreamMetrics is the streaming counterpart of UnaryMetrics
func StreamMetrics(collector metrics.MetricsCollector) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		collector.RecordRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
		return err
	}
}
