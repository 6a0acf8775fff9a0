package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pdf-vector-ingest/internal/app"
	"pdf-vector-ingest/internal/config"
	"pdf-vector-ingest/internal/logger"
	"pdf-vector-ingest/internal/queue"

	"github.com/hibiken/asynq"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger.InitLogger(cfg)

	if err := run(cfg); err != nil {
		logger.Error("Worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker exited")
}

// run owns every resource it opens and releases them before returning, so
// main can exit on its error without leaking connections.
func run(cfg *config.Config) error {
	if cfg.RedisURL == "" {
		return errors.New("the worker needs REDIS_URL")
	}
	redisOpt, err := queue.RedisConnOpt(cfg)
	if err != nil {
		return fmt.Errorf("invalid Redis settings: %w", err)
	}

	a, err := app.New(context.Background(), cfg, app.Options{WithEmbedder: true})
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer a.Close()

	// One ingestion at a time: runs share the collection and index.
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 1,
			Queues:      map[string]int{queue.QueueIngest: 1},
			Logger:      newAsynqLogger(),
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error("Task failed", "type", task.Type(), "retried", retried, "max_retry", maxRetry, "error", err)
			}),
		},
	)

	processor := queue.NewTaskProcessor(a.Pipeline, a.Store)

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskIngestSource, processor.ProcessIngest)

	scheduler, stopSchedule, err := startSchedule(cfg, redisOpt)
	if err != nil {
		return err
	}
	defer stopSchedule()
	if next, ok := scheduler.NextRun(); ok {
		logger.Info("Next scheduled ingestion", "at", next)
	}

	logger.Info("Starting ingestion worker", "queue", queue.QueueIngest, "redis", redisOpt.Addr)
	if err := server.Start(mux); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down worker...")

	server.Shutdown()
	return nil
}

// startSchedule starts the periodic re-ingestion when INGEST_SCHEDULE is set.
// The returned stop function is always safe to call.
func startSchedule(cfg *config.Config, redisOpt asynq.RedisConnOpt) (*queue.Scheduler, func(), error) {
	scheduler := queue.NewScheduler()
	if cfg.IngestSchedule == "" {
		return scheduler, scheduler.Stop, nil
	}

	client := queue.NewClient(redisOpt)
	err := scheduler.ScheduleIngest(cfg.IngestSchedule, cfg.IngestSources, func(ctx context.Context, sources []string) error {
		_, err := client.EnqueueIngest(ctx, sources, queue.TriggerSchedule)
		return err
	})
	if err != nil {
		scheduler.Stop()
		client.Close()
		return nil, nil, fmt.Errorf("failed to schedule ingestion: %w", err)
	}
	scheduler.Start()
	return scheduler, func() {
		scheduler.Stop()
		client.Close()
	}, nil
}
