// Package server exposes a translation pipeline as the tataru.v1.Translator gRPC service
package server

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/tataru-assistant/tataru"
	"github.com/tataru-assistant/tataru/pipeline"
	"github.com/tataru-assistant/tataru/pkg/cache"
	"github.com/tataru-assistant/tataru/pkg/metrics"
	"github.com/tataru-assistant/tataru/pkg/rpc"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Service implements rpc.TranslatorServer on top of a pipeline
type Service struct {
	pipeline *pipeline.Pipeline
	logger   *zap.Logger
}

// NewService creates the Translator service
func NewService(p *pipeline.Pipeline, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{pipeline: p, logger: logger}
}

// Translate implements rpc.TranslatorServer
func (s *Service) Translate(ctx context.Context, req *rpc.TranslateRequest) (*rpc.TranslateResponse, error) {
	out, err := s.pipeline.TranslateErr(ctx, req.Text, req.Config, req.Table, req.Type)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.TranslateResponse{Translation: out}, nil
}

// TranslateStream implements rpc.TranslatorServer
func (s *Service) TranslateStream(req *rpc.TranslateRequest, stream rpc.DeltaSender) error {
	var sendErr error
	out, err := s.pipeline.TranslateStream(stream.Context(), req.Text, req.Config, req.Table, req.Type, func(delta string) {
		if sendErr != nil {
			return
		}
		sendErr = stream.Send(&rpc.TranslateDelta{Delta: delta})
	})
	if err != nil {
		return toStatus(err)
	}
	if sendErr != nil {
		return sendErr
	}
	return stream.Send(&rpc.TranslateDelta{Translation: out, Done: true})
}

// CacheStats implements rpc.TranslatorServer
func (s *Service) CacheStats(ctx context.Context) (cache.Stats, error) {
	return s.pipeline.Store().Stats(), nil
}

// ClearCache implements rpc.TranslatorServer
func (s *Service) ClearCache(ctx context.Context) error {
	fields := []zap.Field{}
	if id, ok := GetUserID(ctx); ok {
		fields = append(fields, zap.String("user_id", id))
	}
	s.logger.Info("clearing translation cache", fields...)

	s.pipeline.Store().Clear()
	return nil
}

// toStatus maps pipeline errors onto gRPC status errors
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, tataru.ErrUnknownEngine):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, tataru.ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// Config holds server configuration
type Config struct {
	JWTSecret string
	APIKeys   map[string][]string // key → roles
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records every RPC in collector
func WithMetrics(collector metrics.MetricsCollector) Option {
	return func(s *Server) {
		s.metrics = collector
	}
}

// WithAuth requires callers to present a JWT signed with the configured
// secret or one of the configured API keys. ClearCache needs the admin role.
func WithAuth(config *Config) Option {
	return func(s *Server) {
		s.auth = config
	}
}

// WithServerOptions appends raw grpc server options
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(s *Server) {
		s.extra = append(s.extra, opts...)
	}
}

// Server is a gRPC server hosting the Translator and health services
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	logger  *zap.Logger
	metrics metrics.MetricsCollector
	auth    *Config
	extra   []grpc.ServerOption
}

// New creates a server for p
func New(p *pipeline.Pipeline, opts ...Option) *Server {
	s := &Server{
		logger: zap.NewNop(),
		health: health.NewServer(),
	}

	for _, opt := range opts {
		opt(s)
	}

	unary := []grpc.UnaryServerInterceptor{UnaryRequestID(), UnaryLogging(s.logger)}
	stream := []grpc.StreamServerInterceptor{StreamRequestID(), StreamLogging(s.logger)}

	if s.metrics != nil {
		unary = append(unary, UnaryMetrics(s.metrics))
		stream = append(stream, StreamMetrics(s.metrics))
	}

	if validator := s.validator(); validator != nil {
		healthPrefix := "/" + healthpb.Health_ServiceDesc.ServiceName + "/"
		unary = append(unary,
			UnaryAuth(validator, healthPrefix),
			RequireRole(rpc.ClearCacheMethod, RoleAdmin),
		)
		stream = append(stream, StreamAuth(validator, healthPrefix))
	}

	serverOpts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
	s.grpc = grpc.NewServer(append(serverOpts, s.extra...)...)

	rpc.RegisterTranslatorServer(s.grpc, NewService(p, s.logger))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	return s
}

func (s *Server) validator() AuthValidator {
	if s.auth == nil {
		return nil
	}

	var validators []AuthValidator
	if strings.TrimSpace(s.auth.JWTSecret) != "" {
		validators = append(validators, JWTValidator(s.auth.JWTSecret))
	}
	if len(s.auth.APIKeys) > 0 {
		validators = append(validators, APIKeyValidator(s.auth.APIKeys))
	}
	if len(validators) == 0 {
		return nil
	}
	return AnyValidator(validators...)
}

// Serve accepts connections on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("translator server listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop marks the services as not serving and waits for running calls
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
