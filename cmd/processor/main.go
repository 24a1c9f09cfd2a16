package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/klamai/proposal-dispatch/internal/app"
	"github.com/klamai/proposal-dispatch/internal/config"
	"github.com/klamai/proposal-dispatch/internal/processor"
	"github.com/klamai/proposal-dispatch/internal/queue"
	"github.com/klamai/proposal-dispatch/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	defer logger.Sync()
	logger.Info("starting proposal-dispatch processor", "version", version, "commit", commit, "date", date)

	if err := config.Load(app.EnvPath(os.Args)); err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()

	db, err := app.OpenPostgres(cfg)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	rds, err := app.OpenRedis(cfg)
	if err != nil || rds == nil {
		logger.Error("the processor needs redis", "addr", cfg.RedisAddr, "error", err)
		return
	}

	if err := app.StartMetrics(cfg); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	q, err := queue.New(rds, app.QueueConfig(cfg))
	if err != nil {
		logger.Error("failed creating queue", "error", err)
		return
	}

	idempotency := processor.NewIdempotencyService(rds, processor.IdempotencyConfig{ProcessedTTL: cfg.QueueProcessedTTL})
	service := processor.NewProcessorService(q, app.NewDispatcher(cfg, db, rds), idempotency, processor.Config{
		Workers:    cfg.WorkerCount,
		BufferSize: cfg.WorkerBufferSize,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := service.Start(ctx); err != nil {
		logger.Error("failed to start processor", "error", err)
		return
	}

	<-ctx.Done()
	service.Stop()
}
