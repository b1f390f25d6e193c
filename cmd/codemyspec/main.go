package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/johns10/codemyspec/internal/auth"
	"github.com/johns10/codemyspec/internal/broker"
	"github.com/johns10/codemyspec/internal/config"
	"github.com/johns10/codemyspec/internal/lock"
	"github.com/johns10/codemyspec/internal/mcp"
	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/ratelimit"
	"github.com/johns10/codemyspec/internal/server"
	"github.com/johns10/codemyspec/internal/service/events"
	"github.com/johns10/codemyspec/internal/service/execution"
	"github.com/johns10/codemyspec/internal/service/sessions"
	"github.com/johns10/codemyspec/internal/steps"
	"github.com/johns10/codemyspec/internal/storage"
	"github.com/johns10/codemyspec/internal/storage/sqlite"
	"github.com/johns10/codemyspec/internal/telemetry"
	"github.com/johns10/codemyspec/internal/workflow"
	"github.com/johns10/codemyspec/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("CODEMYSPEC_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("codemyspec starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, notifier, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Notification broker. With a dedicated notify connection, fan-out goes
	// through Postgres so every replica's subscribers see every event.
	var b *broker.Broker
	if notifier != nil {
		b = broker.New(notifier, logger)
		go b.Start(ctx)
	} else {
		b = broker.New(nil, logger)
	}
	slog.Info("notification broker ready", "mode", b.Mode())

	// Redis backs the cross-replica execution lock and the shared rate limiter.
	var (
		locker  lock.Locker
		limiter ratelimit.Limiter
	)
	if cfg.RateLimitRPS == 0 {
		limiter = ratelimit.NoopLimiter{}
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: ping: %w", err)
		}
		locker = lock.NewRedisLocker(rdb, "codemyspec:lock:")
		if limiter == nil {
			limiter = ratelimit.NewRedisLimiter(rdb, "codemyspec:", cfg.RateLimitBurst, rateWindow(cfg))
		}
		slog.Info("redis connected", "lock_ttl", cfg.LockTTL)
	}
	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	defer func() { _ = limiter.Close() }()

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	sessionSvc := sessions.New(store, workflow.DefaultRegistry(), steps.Env{
		Toolchain: steps.Toolchain{
			AgentCommand:  cfg.AgentCommand,
			CheckCommand:  cfg.CheckCommand,
			CommitCommand: cfg.CommitCommand,
		},
		SpawnConcurrency: cfg.SpawnConcurrency,
	}, logger,
		sessions.WithRetryPolicy(sessions.RetryPolicy{
			MaxAttempts:  cfg.MaxAttempts,
			BaseDelay:    cfg.RetryBaseDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			PollInterval: cfg.PollInterval,
		}),
		sessions.WithPublisher(b),
	)
	eventSvc := events.New(store, b, logger)

	guardOpts := []execution.Option{
		execution.WithExecutor(model.ExecutionModeAutonomous, execution.ProcessExecutor{
			Dir:    cfg.WorkDir,
			Logger: logger,
		}),
		execution.WithTimeout(cfg.ExecutionTimeout),
		execution.WithAutoAdvance(cfg.AutoAdvance),
		execution.WithWatchInterval(cfg.PollInterval),
	}
	if locker != nil {
		guardOpts = append(guardOpts, execution.WithLocker(locker, cfg.LockTTL))
	}
	guard := execution.New(sessionSvc, logger, guardOpts...)

	mcpSrv := mcp.New(sessionSvc, eventSvc, logger, version, mcp.WithExecutions(guard))

	srv := server.New(server.ServerConfig{
		Store:               store,
		JWTMgr:              jwtMgr,
		Sessions:            sessionSvc,
		Events:              eventSvc,
		Guard:               guard,
		Logger:              logger,
		Broker:              b,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// Graceful shutdown: stop accepting requests first, then end in-flight
	// executions before the store goes away. Those already holding a result
	// record it; the rest leave their interaction open for the next run.
	slog.Info("codemyspec shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	guard.Drain(drainCtx)
	drainCancel()

	slog.Info("codemyspec stopped")
	return nil
}

// openStore opens the configured backend. notifier is non-nil only for
// Postgres with a dedicated LISTEN/NOTIFY connection.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, broker.Notifier, func(), error) {
	switch cfg.Store {
	case config.StoreSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		return st, nil, func() { _ = st.Close() }, nil

	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("storage: %w", err)
		}
		closeDB := func() { db.Close(context.Background()) }

		// Register connection pool OTEL metrics (after telemetry.Init).
		db.RegisterPoolMetrics()

		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			closeDB()
			return nil, nil, nil, fmt.Errorf("migrations: %w", err)
		}

		var schemaOK bool
		if err := db.Pool().QueryRow(ctx,
			`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'sessions')`,
		).Scan(&schemaOK); err != nil {
			closeDB()
			return nil, nil, nil, fmt.Errorf("schema verification: %w", err)
		}
		if !schemaOK {
			closeDB()
			return nil, nil, nil, errors.New("table 'sessions' does not exist after migration")
		}

		if db.HasNotifyConn() {
			return db, db, closeDB, nil
		}
		return db, nil, closeDB, nil
	}
}

// rateWindow is the window in which RateLimitBurst requests refill at
// RateLimitRPS.
func rateWindow(cfg config.Config) time.Duration {
	return max(time.Second, time.Duration(float64(cfg.RateLimitBurst)/cfg.RateLimitRPS*float64(time.Second)))
}
