package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tataru-assistant/tataru/pkg/tracing"
	"github.com/tataru-assistant/tataru/server"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen, metricsListen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the translation pipeline over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if metricsListen != "" {
				cfg.Server.MetricsListen = metricsListen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tp, err := tracing.Setup(ctx, &cfg.Tracing)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				_ = tracing.Shutdown(context.Background(), tp)
				return err
			}

			return a.serve(ctx, func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := tracing.Shutdown(sctx, tp); err != nil {
					a.logger.Warn("failed to flush traces", zap.Error(err))
				}
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "override server.metrics_listen")
	return cmd
}

// serve runs the gRPC and metrics servers until ctx ends, then shuts
// everything down. onShutdown runs last.
func (a *app) serve(ctx context.Context, onShutdown func()) error {
	cfg := a.cfg.Server

	opts := []server.Option{
		server.WithLogger(a.logger),
		server.WithMetrics(a.metrics),
	}
	if cfg.JWTSecret != "" || len(cfg.APIKeys) > 0 {
		opts = append(opts, server.WithAuth(&server.Config{JWTSecret: cfg.JWTSecret, APIKeys: cfg.APIKeys}))
	} else {
		a.logger.Warn("authentication disabled, set server.jwt_secret or server.api_keys")
	}
	srv := server.New(a.pipeline, opts...)

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		_ = a.Close(context.Background())
		onShutdown()
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.metrics.GetRegistry(), promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			a.logger.Info("metrics server listening", zap.String("addr", cfg.MetricsListen))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case runErr = <-errCh:
		a.logger.Error("server stopped", zap.Error(runErr))
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	srv.Stop()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(sctx)
	}
	for engine, state := range a.breakers.States() {
		a.logger.Debug("circuit breaker state at exit", zap.String("engine", engine), zap.Stringer("state", state))
	}
	if err := a.Close(sctx); err != nil {
		a.logger.Warn("shutdown incomplete", zap.Error(err))
	}
	onShutdown()

	return runErr
}
