package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/vigilops/vigil/pkg/api"
	"github.com/vigilops/vigil/pkg/config"
	"github.com/vigilops/vigil/pkg/deliverylog"
	"github.com/vigilops/vigil/pkg/middleware"
	"github.com/vigilops/vigil/pkg/observability"
	"github.com/vigilops/vigil/pkg/webhooks"
)

func main() {
	port := flag.String("port", "", "Port to listen on (overrides VIGIL_PORT)")
	flag.Parse()

	cfg := config.Load()
	if *port != "" {
		cfg.Server.Port = *port
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	// Delivery history: always in memory, optionally mirrored to Postgres.
	memStore := deliverylog.NewMemoryStore(cfg.History.MaxInMemory)
	history := deliverylog.Store(memStore)

	var db *sql.DB
	if cfg.History.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.History.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			log.Fatalf("Failed to ping database: %v", err)
		}

		dbStore, err := deliverylog.NewDBStore(db, logger)
		if err != nil {
			log.Fatalf("Failed to initialize delivery history store: %v", err)
		}
		history = deliverylog.Tee{memStore, dbStore}
		logger.Info("delivery history persistence enabled")
	}

	// Outbound rate limiting: Redis-backed when configured, in-process
	// token buckets otherwise.
	var redisClient *redis.Client
	var limiter webhooks.DeliveryLimiter
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		limiter = middleware.NewDistributedRateLimiter(
			redisClient, cfg.Webhooks.RateLimit, cfg.Webhooks.RateWindow, "")
		logger.Info("distributed delivery rate limiting enabled")
	} else {
		limiter = webhooks.NewTokenBucketLimiter(cfg.Webhooks.RateLimit, cfg.Webhooks.RateWindow)
	}

	registry := webhooks.NewRegistry()
	manager := webhooks.NewManager(registry, webhooks.Options{
		Logger:       logger,
		Metrics:      metrics,
		History:      history,
		Limiter:      limiter,
		PollInterval: cfg.Webhooks.PollInterval,
	})

	server := api.NewServer(manager, api.Options{
		Logger:  logger,
		Metrics: metrics,
		Health:  observability.NewHealthChecker(db, redisClient),
		Auth:    middleware.NewAPIKeyAuth(cfg.APIKeys),
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		manager.Shutdown()
		return nil
	})

	var group errgroup.Group
	group.Go(func() error {
		logger.Infof("Vigil webhook service listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(shutdown.WaitForShutdown)

	if err := group.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
