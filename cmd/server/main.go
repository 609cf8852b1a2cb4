// xphotos archive server
//
// Streams user-selected images as a single ZIP download:
// - S3, Cloudflare R2 and generic HTTP/local storage backends
// - GPS privacy filter with a per-request keepExif override
// - Fixed-window rate limiting (in-memory or Redis)
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xphotos/xphotos/internal/api"
	"github.com/xphotos/xphotos/internal/auth"
	"github.com/xphotos/xphotos/internal/config"
	"github.com/xphotos/xphotos/internal/logging"
	"github.com/xphotos/xphotos/internal/metadata/postgres"
	"github.com/xphotos/xphotos/internal/metrics"
	"github.com/xphotos/xphotos/internal/quota"
	"github.com/xphotos/xphotos/internal/storage"
	"github.com/xphotos/xphotos/pkg/retry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "xphotos-archive",
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("xphotos archive server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("storage_config", cfg.StorageConfigSource))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metadata store
	logging.Info("connecting to PostgreSQL...")
	metaStore, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer metaStore.Close()

	// Auth
	authHandler := auth.New(cfg.JWTSecret, metaStore)
	if cfg.OIDCIssuerURL != "" {
		oidcProvider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
			IssuerURL: cfg.OIDCIssuerURL,
			ClientID:  cfg.OIDCClientID,
		}, metaStore)
		if err != nil {
			logging.Fatal("OIDC provider init failed", zap.Error(err))
		}
		if oidcProvider != nil {
			authHandler.SetOIDCProvider(oidcProvider)
		}
	}

	// Storage registry. Settings come either from the environment or from
	// app_settings, re-read on every request so changes apply without a restart.
	var source storage.ConfigSource = storage.StaticConfig(cfg.StorageSettings())
	if cfg.StorageConfigSource == "db" {
		source = metaStore
	}
	registry := storage.NewRegistry(source, storage.NewFactory(storage.GenericOptions{
		MaxObjectBytes:    cfg.GenericMaxObjectBytes,
		RequestsPerSecond: cfg.GenericFetchRPS,
		Retry:             retry.DefaultConfig(),
	}))
	defer registry.Close()

	// Rate limiter
	var limiter quota.Limiter
	var memLimiter *quota.RateLimiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logging.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logging.Warn("redis unreachable, rate limiting fails open until it recovers", zap.Error(err))
		}
		limiter = quota.NewRedisLimiter(rdb, cfg.RateLimitRequests, cfg.RateLimitWindow)
		logging.Info("rate limiter initialized (redis)")
	} else {
		memLimiter = quota.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
		limiter = memLimiter
		logging.Info("rate limiter initialized (in-memory)")
	}

	srv := api.NewServer(cfg, authHandler, limiter, metaStore, registry, metaStore)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Archives can take minutes, so there is no write timeout.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("forcing server close", zap.Error(err))
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	// Periodic metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metaStore.UpdateConnectionMetrics()
			}
		}
	}()

	// Expired in-memory rate-limit windows
	if memLimiter != nil {
		go func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					memLimiter.Cleanup()
				}
			}
		}()
	}

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
	<-stopped
	logging.Info("server stopped")
}
