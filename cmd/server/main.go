package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bidforge-engine/internal/api"
	"bidforge-engine/internal/cache"
	"bidforge-engine/internal/config"
	"bidforge-engine/internal/database"
	"bidforge-engine/internal/manager"
	"bidforge-engine/internal/observability"
	"bidforge-engine/internal/orchestrator"
	"bidforge-engine/internal/processors"
	"bidforge-engine/internal/provider"
	"bidforge-engine/internal/queue"
	"bidforge-engine/internal/ratelimit"
	"bidforge-engine/internal/usage"
	"bidforge-engine/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLogger(cfg.LogLevel, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing("bidforge-engine", cfg.Tracing.Exporter, nil)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	db, err := database.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	logger.Info("database initialized", "path", cfg.Database.Path)

	var store cache.Store = cache.NewMemoryStore()
	if cfg.Redis.Enabled {
		redisStore := cache.NewRedisStore(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisStore.Close()
		store = redisStore
	}
	c := cache.New(store, logger)
	if !c.Healthy(ctx) {
		logger.Warn("cache unavailable at startup, continuing degraded", "redis", cfg.Redis.Enabled)
	}

	queues := make([]*queue.Queue, 0, len(config.QueueNames))
	for _, name := range config.QueueNames {
		queues = append(queues, queue.New(queue.ConfigFrom(name, cfg.Queues[name]), logger, db))
	}
	jobs, err := manager.New(queues, manager.DefaultRoutes, cfg.Health, cfg.Maintenance, logger)
	if err != nil {
		return fmt.Errorf("build job manager: %w", err)
	}
	jobs.UseIdempotencyStore(db)

	bus := orchestrator.NewBus(logger)
	client := provider.NewClient(cfg.Provider, cfg.Orchestrator.StageTimeout, logger)
	orch, err := orchestrator.New(
		orchestrator.ConfigFrom(cfg.Orchestrator),
		provider.Agents(client),
		orchestrator.RuleEvaluator{Threshold: cfg.Orchestrator.AcceptanceThreshold},
		bus,
		logger,
	)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	ledger := usage.NewLedger(db, logger)
	limits := usage.NewLimitChecker(db, ledger, logger)

	procs := processors.New(processors.Deps{
		Orchestrator: orch,
		Bus:          bus,
		Generator:    client,
		Embedder:     client,
		Ledger:       ledger,
		Limits:       limits,
		Cache:        c,
		Jobs:         jobs,
		Logger:       logger,
	})
	if err := procs.Register(jobs); err != nil {
		return fmt.Errorf("register processors: %w", err)
	}

	hub := websocket.New(func() any { return jobs.GetHealthStatus() }, logger)
	jobs.OnEvent(hub.Broadcast)

	server := api.NewServer(api.Deps{
		Manager:        jobs,
		Workflows:      orch,
		Progress:       bus,
		Ledger:         ledger,
		Limits:         limits,
		RateLimiter:    ratelimit.New(c, cfg.Server.SubmitRatePerMinute),
		Hub:            hub,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,

		MaxRunningPerUser: cfg.Server.MaxRunningPerUser,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := jobs.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		jobs.SchedulePeriodicMaintenance(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		hub.Close()
		return errors.Join(err, jobs.Stop(shutdownCtx))
	})
	return g.Wait()
}
