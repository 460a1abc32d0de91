package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "vodstream/aggregatorservice/internal/api/http"
	"vodstream/aggregatorservice/internal/app"
	"vodstream/aggregatorservice/internal/metrics"
	"vodstream/aggregatorservice/internal/providers/cmsapi"
	"vodstream/aggregatorservice/internal/providers/douban"
	"vodstream/aggregatorservice/internal/search"
	"vodstream/aggregatorservice/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "vod-aggregator")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	sources, err := app.LoadSources(cfg.SourcesFile)
	if err != nil {
		logger.Error("failed to load sources", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if len(sources) == 0 {
		logger.Error("no enabled sources configured")
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		slog.String("service", "vod-aggregator"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Duration("searchTimeout", cfg.SearchTimeout),
		slog.Duration("detailTimeout", cfg.DetailTimeout),
		slog.Int("maxSearchPages", cfg.MaxSearchPages),
		slog.Int("sources", len(sources)),
		slog.Bool("contentFilterDisabled", cfg.ContentFilterDisabled),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Bool("doubanEnabled", cfg.DoubanEnabled),
		slog.Duration("cacheTTL", cfg.CacheTTL),
	)

	searchClient := &http.Client{Timeout: cfg.SearchTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	detailClient := &http.Client{Timeout: cfg.DetailTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}

	clients := make([]search.Source, 0, len(sources))
	for _, entry := range sources {
		clients = append(clients, cmsapi.New(cmsapi.Config{
			Key:            entry.Key,
			Label:          entry.Name,
			Endpoint:       entry.API,
			DetailEndpoint: entry.Detail,
			UserAgent:      cfg.UserAgent,
			Client:         searchClient,
			DetailClient:   detailClient,
		}))
	}

	redisClient := buildRedisClient(cfg, logger)
	doubanClient := buildDoubanClient(cfg, redisClient)

	serviceOpts := buildServiceOptions(cfg, redisClient)
	if doubanClient.Enabled() {
		serviceOpts = append(serviceOpts, search.WithCatalog(doubanClient))
	}
	searchService := search.NewService(clients, serviceOpts...)

	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithCatalog(doubanClient),
	}
	handler := apihttp.NewServer(searchService, serverOpts...).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	searchService.StartBackground(rootCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("vod aggregator started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Int("sources", len(clients)),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("vod aggregator stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildRedisClient(cfg app.Config, logger *slog.Logger) *redis.Client {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, running without redis", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := search.NewRedisCacheBackend(client).Ping(ctx); err != nil {
		logger.Warn("redis not reachable, running without redis", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return client
}

func buildServiceOptions(cfg app.Config, redisClient *redis.Client) []search.ServiceOption {
	opts := []search.ServiceOption{
		search.WithMaxSearchPages(cfg.MaxSearchPages),
		search.WithContentFilterDisabled(cfg.ContentFilterDisabled),
		search.WithSourceRateLimit(cfg.SourceRateLimitRPS, cfg.SourceRateLimitBurst),
	}
	if len(cfg.ExtraBlockedKeywords) > 0 {
		opts = append(opts, search.WithExtraBlockedKeywords(cfg.ExtraBlockedKeywords))
	}

	if cfg.CacheDisabled {
		opts = append(opts, search.WithCacheDisabled(true))
		return opts
	}
	if cfg.CacheTTL > 0 {
		opts = append(opts, search.WithCacheTTL(cfg.CacheTTL))
	}
	if redisClient != nil {
		opts = append(opts, search.WithRedisCache(search.NewRedisCacheBackend(redisClient)))
	}
	return opts
}

func buildDoubanClient(cfg app.Config, redisClient *redis.Client) *douban.Client {
	return douban.NewClient(douban.Config{
		BaseURL:   cfg.DoubanBaseURL,
		UserAgent: cfg.UserAgent,
		Enabled:   cfg.DoubanEnabled,
		Client:    &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Redis:     redisClient,
		CacheTTL:  cfg.DoubanCacheTTL,
	})
}
