package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/portfolio-workcore/internal/app"
	"github.com/cuongbtq/portfolio-workcore/internal/config"
	"github.com/cuongbtq/portfolio-workcore/internal/decision"
	"github.com/cuongbtq/portfolio-workcore/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := app.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("channel", cfg.Worker.Channel),
	)

	dbClient, err := app.NewPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	transport, err := app.NewTransport(cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	jobOpts, err := app.JobOptions(&cfg.Jobs)
	if err != nil {
		return err
	}
	jobStore := app.NewJobStorage(dbClient, appLogger.Logger, jobOpts)
	decisions := app.NewDecisionService(cfg, dbClient, jobStore, transport.Notifier, appLogger.Logger)

	handlers := worker.NewRegistry()
	handlers.Register(decision.AcquireJobType, worker.NewAcquireHandler(decisions, appLogger.Logger))

	workerInstance, err := worker.NewWorker(&worker.Config{
		Logger:             appLogger.Logger,
		Claimer:            jobStore,
		Handlers:           handlers,
		Channel:            cfg.Worker.Channel,
		FallbackChannels:   cfg.Worker.FallbackChannels,
		Concurrency:        cfg.Worker.Concurrency,
		LeaseDuration:      cfg.Worker.LeaseDuration,
		JobTimeout:         cfg.Worker.JobTimeout,
		PollInterval:       cfg.Worker.PollInterval,
		MaxClaimsPerSecond: cfg.Worker.MaxClaimsPerSecond,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	reconciler := worker.NewReconciler(worker.ReconcilerConfig{
		Logger:      appLogger.Logger,
		Store:       jobStore,
		Notifier:    transport.Notifier,
		Thresholds:  app.SLAThresholds(&cfg.Jobs.SLA),
		Interval:    cfg.Worker.ReconcileInterval,
		Grace:       cfg.Worker.ReconcileGrace,
		BatchSize:   cfg.Worker.ReconcileBatchSize,
		SLAInterval: cfg.Worker.SLAMonitorInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return workerInstance.Start(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	if !cfg.Worker.DisableWakeupListen {
		g.Go(func() error { return listenWakeups(gctx, cfg, transport, workerInstance) })
	}

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()),
		slog.Any("channels", workerInstance.Channels()),
		slog.Any("job_types", handlers.Types()),
	)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("Worker error", slog.Any("error", err))
			return err
		}
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Error("Worker stopped with error", slog.Any("error", err))
			}
		case <-time.After(cfg.Worker.ShutdownTimeout):
			appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
		}
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// listenWakeups feeds broker notifications into the pool. Polling still
// drives claims when no broker is configured or the broker is down.
func listenWakeups(ctx context.Context, cfg *config.Config, transport *app.Transport, w *worker.Worker) error {
	switch {
	case transport.Rabbit != nil:
		return w.KeepListening(ctx, config.NotifierRabbitMQ, func(ctx context.Context) error {
			return w.ConsumeRabbitMQ(ctx, transport.Rabbit, cfg.Worker.WakeupConsumerTag, cfg.RabbitMQ.Consumer.PrefetchCount)
		})
	case transport.Redis != nil:
		return w.KeepListening(ctx, config.NotifierRedis, func(ctx context.Context) error {
			return w.ListenRedis(ctx, transport.Redis, cfg.Redis.ChannelPrefix)
		})
	}
	<-ctx.Done()
	return nil
}
