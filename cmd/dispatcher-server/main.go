package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/maumercado/taskrun-dispatcher/internal/api"
	"github.com/maumercado/taskrun-dispatcher/internal/config"
	"github.com/maumercado/taskrun-dispatcher/internal/dispatch"
	"github.com/maumercado/taskrun-dispatcher/internal/logger"
	"github.com/maumercado/taskrun-dispatcher/internal/queue"
	"github.com/maumercado/taskrun-dispatcher/internal/store"
	"github.com/maumercado/taskrun-dispatcher/internal/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("starting dispatcher server")

	st, closeStore := mustStore(cfg, log)
	defer closeStore()

	redisQueue, err := queue.NewRedisClient(&cfg.Redis, &cfg.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create redis queue client")
	}
	defer func() {
		if err := redisQueue.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis queue client")
		}
	}()

	redeliveryCtx, cancelRedelivery := context.WithCancel(context.Background())
	defer cancelRedelivery()
	redisQueue.StartRedelivery(redeliveryCtx)

	// No exporter is attached by default: spans are created and sampled but
	// go nowhere until an OTLP or stdout exporter is wired into this
	// TracerProvider for a given deployment.
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shut down tracer provider")
		}
	}()

	tracer := trace.NewOTelRecorder("taskrun-dispatcher")

	dispatchCfg := dispatch.Config{
		MaxItemsPerTrace:    cfg.Dispatch.MaxItemsPerTrace,
		TraceTimeoutSeconds: cfg.Dispatch.TraceTimeoutSeconds,
		DefaultMaxAttempts:  cfg.Dispatch.DefaultMaxAttempts,
		ConsumerIDPrefix:    cfg.Dispatch.ConsumerIDPrefix,
	}

	server := api.NewServer(cfg, st, redisQueue, tracer, dispatchCfg)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down dispatcher server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancelRedelivery()
	server.Shutdown(shutdownCtx)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("dispatcher server stopped")
}

// mustStore connects to Postgres when a connection string is configured,
// falling back to an in-process MemoryStore for local development. It
// returns a cleanup func the caller defers unconditionally.
func mustStore(cfg *config.Config, log *zerolog.Logger) (store.Store, func()) {
	if cfg.Postgres.ConnectionString == "" {
		log.Warn().Msg("postgres.connectionstring unset, using in-process memory store")
		return store.NewMemoryStore(), func() {}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.ConnectionString)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse postgres connection string")
	}
	poolCfg.MaxConns = cfg.Postgres.MaxOpenConns
	poolCfg.MinConns = cfg.Postgres.MaxIdleConns
	poolCfg.HealthCheckPeriod = cfg.Postgres.HealthCheckPeriod
	poolCfg.MaxConnIdleTime = cfg.Postgres.MaxConnIdleTime
	poolCfg.MaxConnLifetime = cfg.Postgres.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	return store.NewPostgresStore(pool), pool.Close
}
