package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pgprofiler/internal/analyzer"
	"pgprofiler/internal/api"
	"pgprofiler/internal/bus"
	"pgprofiler/internal/cache"
	"pgprofiler/internal/collector"
	"pgprofiler/internal/config"
	"pgprofiler/internal/metrics"
	"pgprofiler/internal/ml"
	"pgprofiler/internal/pool"
	"pgprofiler/internal/scheduler"
	"pgprofiler/internal/storage"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx := context.Background()
	store, err := storage.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to db", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()
	repo := storage.NewRepository(store)

	var cacheStore cache.Store
	if redisStore, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisDB); err != nil {
		logger.Warn("redis unavailable, using in-memory cache", slog.String("error", err.Error()))
		cacheStore = cache.NewMemory()
	} else {
		cacheStore = redisStore
	}
	defer cacheStore.Close()
	cacheSvc := cache.NewService(cacheStore, logger)

	var publisher *bus.Publisher
	var jobBus scheduler.Publisher
	var apiBus api.Publisher
	var analyzerBus analyzer.Publisher
	var engineBus ml.Publisher
	if cfg.NATSURL != "" {
		publisher, err = bus.NewPublisher(cfg.NATSURL)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer publisher.Close()
		jobBus, apiBus, analyzerBus, engineBus = publisher, publisher, publisher, publisher
	}

	meter := metrics.New(prometheus.DefaultRegisterer)

	pools := pool.NewManager(meter, logger)
	defer pools.Close()

	if cfg.NATSURL != "" {
		subscriber, err := bus.NewSubscriber(cfg.NATSURL)
		if err != nil {
			logger.Error("failed to subscribe to nats", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer subscriber.Close()
		if _, err := subscriber.SubscribeTargetUpdates(func(evt bus.TargetEvent) {
			pools.Release(evt.TargetID)
			logger.Info("pool released after target update", slog.Int64("target_id", evt.TargetID))
		}); err != nil {
			logger.Error("failed to subscribe to target updates", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	col := collector.New(pools, logger)

	modelStore, err := ml.NewFileStore(cfg.ModelDir)
	if err != nil {
		logger.Error("failed to prepare model dir", slog.String("error", err.Error()))
		os.Exit(1)
	}
	engine := ml.NewEngine(repo, modelStore, engineBus, meter, logger)
	trainer := ml.NewTrainer(repo, modelStore, logger, engine.Invalidate)
	analyze := analyzer.New(repo, analyzerBus, meter, logger)

	tasks := scheduler.NewTasks(scheduler.TaskDeps{
		Repo:      repo,
		Pools:     pools,
		Collector: col,
		Analyzer:  analyze,
		Engine:    engine,
		Trainer:   trainer,
		Models:    modelStore,
		Cache:     cacheSvc,
		Meter:     meter,
		Logger:    logger,
	})
	registry := scheduler.NewRegistry(tasks, cfg.Cadence, cfg.Workers, jobBus, meter, logger)
	registry.Start()
	defer registry.Stop()

	handler := &api.Handler{
		Repo:      repo,
		Jobs:      registry,
		Inspector: col,
		Cache:     cacheSvc,
		Bus:       apiBus,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	handler.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	logger.Info("pgprofiler listening", slog.String("port", cfg.HTTPPort))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.String("error", err.Error()))
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
