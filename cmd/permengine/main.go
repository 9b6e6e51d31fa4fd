package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/platinummonkey/permengine/pkg/authz"
	"github.com/platinummonkey/permengine/pkg/config"
	"github.com/platinummonkey/permengine/pkg/httputil"
	"github.com/platinummonkey/permengine/pkg/iam"
	"github.com/platinummonkey/permengine/pkg/iam/bus"
	"github.com/platinummonkey/permengine/pkg/iam/cache"
	"github.com/platinummonkey/permengine/pkg/iam/store"
	"github.com/platinummonkey/permengine/pkg/observability"
)

// builtinSeed selects the seed document compiled into the binary
const builtinSeed = "builtin"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Level(), os.Stdout).WithField("service", cfg.OTelServiceName)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.WithError(err).Error("permengine exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		Insecure:    cfg.OTelInsecure,
		SampleRatio: cfg.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	recorders := observability.Recorders{metrics}
	if cfg.OTelEnabled {
		otelMetrics, err := observability.NewOTelMetrics(otel.GetMeterProvider())
		if err != nil {
			return fmt.Errorf("failed to create OpenTelemetry instruments: %w", err)
		}
		recorders = append(recorders, otelMetrics)
	}

	// PostgreSQL
	db, err := store.Open(ctx, store.ConnectionConfig{
		URL:      cfg.PostgresURL,
		MaxConns: cfg.PostgresMaxConns,
		MinConns: cfg.PostgresMinConns,
		Timeout:  cfg.PostgresTimeout,
	})
	if err != nil {
		return err
	}
	logger.Info("Connected to PostgreSQL")

	if err := store.RunMigrations(ctx, db, logger); err != nil {
		db.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Redis is optional: without it the shared tier is off and the bus is in-process
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = cache.NewRedisClient(ctx, cache.RedisOptions{
			URL:      cfg.RedisURL,
			PoolSize: cfg.RedisPoolSize,
		})
		if err != nil {
			db.Close()
			return err
		}
		logger.Info("Connected to Redis")
	}

	var invalidations bus.Bus
	if redisClient != nil {
		invalidations = bus.NewRedisBus(redisClient, cfg.BusChannel, cfg.BusTimeout, logger)
	} else {
		logger.Warn("No Redis configured, invalidations stay within this process")
		invalidations = bus.NewMemoryBus(logger)
	}

	reader := store.New(db)
	admin := store.NewAdmin(db, authz.NewPublisher(invalidations, recorders), logger)

	if cfg.SeedFile != "" {
		if err := applySeed(ctx, cfg, admin, logger); err != nil {
			closeAll(db, redisClient)
			return err
		}
	}

	// Permission service
	tieredOpts := []cache.TieredOption{
		cache.WithBuildTimeout(cfg.BuildTimeout),
		cache.WithRecorder(recorders),
		cache.WithLogger(logger),
	}
	if redisClient != nil {
		tieredOpts = append(tieredOpts, cache.WithShared(cache.NewShared(redisClient, cfg.SharedCacheTTL, cfg.CacheTimeout)))
	}
	tiered := cache.NewTiered(cache.NewLocal(cfg.LocalCacheSize, cfg.LocalCacheTTL), tieredOpts...)

	builder := iam.NewBuilder(reader, reader, iam.WithLockUnentitled(cfg.LockUnentitled))
	service := authz.NewService(reader, reader, builder, tiered,
		authz.WithFailOpen(cfg.FailOpen),
		authz.WithRecorder(recorders),
		authz.WithLogger(logger),
	)

	// Until the subscription is live the TTL bounds staleness; keep serving.
	bus.SubscribeWithRetry(ctx, invalidations, service.HandleInvalidation, bus.DefaultSubscribeBackOff(), logger)

	reconciler := authz.NewReconciler(tiered.Local(), reader, recorders, logger)
	if err := reconciler.Start(ctx, cfg.ReconcileSchedule); err != nil {
		closeAll(db, redisClient)
		return fmt.Errorf("failed to schedule reconciler: %w", err)
	}

	if cfg.ConfigFile != "" {
		watcher, err := config.NewWatcher(cfg.ConfigFile, logger)
		if err != nil {
			logger.WithError(err).Warn("Config hot reload disabled")
		} else {
			watcher.Start(ctx, func(next *config.Config) {
				logger.SetLevel(next.Level())
			})
		}
	}

	// HTTP
	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(metrics))
	observability.RegisterMetricsEndpoint(router, registry)
	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(db, redisClient))

	api := router.PathPrefix("/").Subrouter()
	api.Use(httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware,
		httputil.IdentityHeadersMiddleware,
	))
	authz.NewHandlers(service).RegisterRoutes(api)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      otelhttp.NewHandler(router, "permengine"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.ShutdownTimeout)
	shutdown.Register("reconciler", reconciler.Stop)
	shutdown.Register("subscriptions", func(context.Context) error {
		cancel()
		return nil
	})
	shutdown.Register("database", func(context.Context) error {
		return db.Close()
	})
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}
	shutdown.Register("opentelemetry", providers.Shutdown)

	go pollDBStats(ctx, db, metrics)

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("Starting permission engine")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			cancel()
		}
	}()

	if err := shutdown.WaitForShutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown incomplete")
	}

	select {
	case err := <-serverErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	default:
		logger.Info("Permission engine stopped")
		return nil
	}
}

func applySeed(ctx context.Context, cfg *config.Config, admin *store.Admin, logger *observability.Logger) error {
	var (
		seed *iam.Seed
		err  error
	)
	switch {
	case cfg.SeedFile == builtinSeed:
		seed, err = iam.DefaultSeed()
	case strings.HasPrefix(cfg.SeedFile, "s3://"):
		client, cerr := store.NewS3Client(ctx, store.S3Config{
			Region:       cfg.SeedS3Region,
			Endpoint:     cfg.SeedS3Endpoint,
			AccessKey:    cfg.SeedS3AccessKey,
			SecretKey:    cfg.SeedS3SecretKey,
			UsePathStyle: cfg.SeedS3PathStyle,
		})
		if cerr != nil {
			return cerr
		}
		seed, err = store.NewSeedLoader(client).Load(ctx, cfg.SeedFile)
	default:
		seed, err = store.NewSeedLoader(nil).Load(ctx, cfg.SeedFile)
	}
	if err != nil {
		return fmt.Errorf("failed to load seed %s: %w", cfg.SeedFile, err)
	}

	if err := admin.ApplySeed(ctx, seed); err != nil {
		return fmt.Errorf("failed to apply seed: %w", err)
	}
	logger.WithField("seed", cfg.SeedFile).Info("Permission catalog seeded")
	return nil
}

func pollDBStats(ctx context.Context, db *sql.DB, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordDBStats(db.Stats())
		}
	}
}

func closeAll(db *sql.DB, redisClient *redis.Client) {
	db.Close()
	if redisClient != nil {
		redisClient.Close()
	}
}
