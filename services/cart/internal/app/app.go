package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/utafrali/gomarketplace/pkg/database"
	"github.com/utafrali/gomarketplace/pkg/health"
	pkgkafka "github.com/utafrali/gomarketplace/pkg/kafka"
	"github.com/utafrali/gomarketplace/pkg/tracing"
	"github.com/utafrali/gomarketplace/services/cart/internal/config"
	"github.com/utafrali/gomarketplace/services/cart/internal/event"
	handler "github.com/utafrali/gomarketplace/services/cart/internal/handler/http"
	"github.com/utafrali/gomarketplace/services/cart/internal/repository"
	"github.com/utafrali/gomarketplace/services/cart/internal/repository/memory"
	pgrepo "github.com/utafrali/gomarketplace/services/cart/internal/repository/postgres"
	redisrepo "github.com/utafrali/gomarketplace/services/cart/internal/repository/redis"
	"github.com/utafrali/gomarketplace/services/cart/internal/service"
	"github.com/utafrali/gomarketplace/services/cart/migrations"
)

const loadAttempts = 3

// backend is an opened key-value store together with its release function.
type backend struct {
	kv    repository.KeyValueStore
	ping  func(context.Context) error
	close func()
}

// App wires together all dependencies and runs the cart service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	backend        backend
	store          *service.CartStore
	producer       *pkgkafka.Producer
	unsubscribe    func()
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
// The persisted cart is loaded before NewApp returns; a snapshot that cannot
// be read is fatal.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "cart",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Configure slow storage operation logging.
	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowOpLogging(cfg.SlowQueryThreshold(), logger)
	}

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		_ = tracerShutdown(context.Background())
		return nil, err
	}

	// Build the dependency graph.
	breakerCfg := repository.DefaultBreakerConfig("cart-store")
	breakerCfg.Timeout = cfg.BreakerTimeout
	kv := repository.NewBreakerStore(be.kv, breakerCfg, logger)
	snapshots := repository.NewSnapshotRepository(kv)

	store := service.NewCartStore(snapshots, logger,
		service.WithRetry(uint(cfg.PersistMaxRetries), service.DefaultInitialInterval),
		service.WithWriteTimeout(cfg.PersistTimeout),
	)

	a := &App{
		cfg:            cfg,
		logger:         logger,
		backend:        be,
		store:          store,
		tracerShutdown: tracerShutdown,
	}

	if err := loadCart(ctx, store, logger); err != nil {
		_ = store.Close(context.Background())
		_ = a.release()
		return nil, err
	}

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical(cfg.StoreDriver, be.ping)
	healthHandler.RegisterNonCritical("snapshot_writer", func(context.Context) error {
		return store.LastWriteError()
	})

	// Optional Kafka change feed.
	if cfg.EventsEnabled {
		kafkaCfg := pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers)
		kafkaCfg.Async = true
		a.producer = pkgkafka.NewProducer(kafkaCfg, logger)
		a.unsubscribe = store.Subscribe(event.NewProducer(a.producer, logger).Observe)
		healthHandler.RegisterNonCritical("kafka", a.producer.Ping)
		logger.Info("cart change feed enabled",
			slog.Any("brokers", cfg.KafkaBrokers),
			slog.String("topic", event.TopicCartUpdated),
		)
	}

	// HTTP router.
	router := handler.NewRouter(store, healthHandler, logger)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// openBackend connects to the key-value store selected by STORE_DRIVER.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend, error) {
	switch cfg.StoreDriver {
	case config.DriverRedis:
		rdb, err := database.NewRedisClient(ctx, cfg.Redis())
		if err != nil {
			return backend{}, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("connected to Redis",
			slog.String("addr", cfg.RedisAddr),
			slog.Int("db", cfg.RedisDB),
		)
		store := redisrepo.NewStore(rdb, cfg.CartTTLDuration())
		return backend{
			kv:   store,
			ping: store.Ping,
			close: func() {
				if err := rdb.Close(); err != nil {
					logger.Error("redis close error", slog.String("error", err.Error()))
				}
			},
		}, nil

	case config.DriverPostgres:
		pgCfg := cfg.Postgres()
		pool, err := database.NewPostgresPoolWithLogger(ctx, &pgCfg, logger)
		if err != nil {
			return backend{}, fmt.Errorf("connect to postgres: %w", err)
		}
		logger.Info("connected to PostgreSQL",
			slog.String("host", cfg.PostgresHost),
			slog.Int("port", cfg.PostgresPort),
			slog.String("database", cfg.PostgresDB),
		)
		if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool, "cart"); err != nil {
			logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
		}

		if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
			pool.Close()
			return backend{}, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations completed")

		store := pgrepo.NewStore(pool)
		return backend{kv: store, ping: store.Ping, close: pool.Close}, nil

	case config.DriverMemory:
		logger.Warn("using in-memory cart store, cart will not survive restarts")
		store := memory.NewStore()
		return backend{kv: store, ping: store.Ping, close: func() {}}, nil

	default:
		return backend{}, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// loadCart adopts the persisted snapshot. Transient read failures are
// retried; malformed data is not.
func loadCart(ctx context.Context, store *service.CartStore, logger *slog.Logger) error {
	attempt := func() (struct{}, error) {
		err := store.Load(ctx)
		if err != nil && errors.Is(err, repository.ErrMalformedSnapshot) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(loadAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("cart load failed, retrying",
				slog.Duration("backoff", wait),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("load cart: %w", err)
	}
	return nil
}

// Store returns the cart store owned by the application.
func (a *App) Store() *service.CartStore {
	return a.store
}

// Handler returns the HTTP handler serving the cart API.
func (a *App) Handler() http.Handler {
	return a.httpServer.Handler
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Cart store (write the final snapshot)
// 3. Kafka producer
// 4. Tracer
// 5. Storage backend
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests (5s budget).
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Persist the last cart state before the backend goes away.
	storeCtx, storeCancel := context.WithTimeout(context.Background(), a.cfg.PersistTimeout+5*time.Second)
	defer storeCancel()
	if err := a.store.Close(storeCtx); err != nil {
		a.logger.Error("cart store close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if err := a.release(); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// release closes the change feed, tracer and backend.
func (a *App) release() error {
	var errs []error

	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.backend.close != nil {
		a.backend.close()
	}
	return errors.Join(errs...)
}
