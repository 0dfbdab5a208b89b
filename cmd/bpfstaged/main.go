// Package main is the entry point for the bpfstage server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/bpfstage/internal/bpf"
	"github.com/pitabwire/bpfstage/internal/config"
	"github.com/pitabwire/bpfstage/internal/controller"
	"github.com/pitabwire/bpfstage/internal/observability"
	"github.com/pitabwire/bpfstage/internal/platform"
	"github.com/pitabwire/bpfstage/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, observability.ServiceName, version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	platformClient, err := platform.NewClient(cfg.Platform,
		platform.WithLogger(logger.Named("platform")),
		platform.WithRecorder(metrics),
	)
	if err != nil {
		logger.Error("platform client initialization failed", zap.Error(err))
		return 1
	}

	resolver := bpf.NewClient(platformClient,
		bpf.WithLogger(logger.Named("bpf")),
		bpf.WithRecorder(metrics),
		bpf.WithCacheObserver(metrics),
		bpf.WithCallTimeout(cfg.Resolver.CallTimeout),
		bpf.WithCacheTTL(cfg.Resolver.CacheTTL),
		bpf.WithBatchSize(cfg.Resolver.BatchSize),
	)
	views := controller.NewViews(resolver, logger.Named("controller"), metrics)
	defaults := cfg.BPFConfiguration()

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Views:        views,
		Resolver:     resolver,
		Authenticate: transport.JWTAuthenticator(cfg.Identity),
		Readiness: observability.ReadinessChecks{
			Definitions: func() int { return len(defaults.Definitions) },
			Platform:    platformClient,
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go runCacheJanitor(bgCtx, resolver, cfg.Resolver.CacheTTL, logger)

	if !cfg.Identity.Enabled() {
		logger.Warn("authentication disabled: no identity secret configured")
	}
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", len(defaults.Definitions)),
		zap.String("platform", cfg.Platform.BaseURL),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()
	views.DestroyAll()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// runCacheJanitor periodically drops expired resolver cache entries.
func runCacheJanitor(ctx context.Context, resolver *bpf.Client, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = bpf.DefaultCacheTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := resolver.EvictExpired(); n > 0 {
				logger.Debug("expired cache entries evicted", zap.Int("count", n))
			}
		}
	}
}
