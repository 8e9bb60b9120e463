package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/config"
	"github.com/flowforge/syncflow/pkg/engine"
	"github.com/flowforge/syncflow/pkg/eventbus"
	"github.com/flowforge/syncflow/pkg/logger"
	"github.com/flowforge/syncflow/pkg/metrics"
	"github.com/flowforge/syncflow/pkg/progress"
	"github.com/flowforge/syncflow/pkg/provider/meta"
	"github.com/flowforge/syncflow/pkg/provider/pancake"
	"github.com/flowforge/syncflow/pkg/scheduler"
	"github.com/flowforge/syncflow/pkg/store/postgres"
	redisclient "github.com/flowforge/syncflow/pkg/store/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Logging, "scheduler")
	if err != nil {
		panic(err)
	}
	defer logger.Flush(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redis, err := redisclient.NewClient(ctx, &cfg.Redis)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	clock := adapter.NewClock()
	publisher := progress.NewRedisPublisher(eventbus.NewBus(redis.Client(), log))

	workflows := postgres.NewWorkflowRepository(db.DB())
	executions := postgres.NewExecutionRepository(db.DB())

	sched := scheduler.NewScheduler(scheduler.Config{
		PollInterval:  cfg.Scheduler.PollInterval,
		DispatchBatch: cfg.Scheduler.DispatchBatch,
		StaleAfter:    cfg.Scheduler.StaleAfter,
	}, workflows, executions, publisher, clock, log)

	httpClient := adapter.NewHTTPClient(cfg.Providers.Timeout, cfg.Providers.RetryMaxWait, log)

	eng := engine.New(engine.Config{
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		CallTimeout:   cfg.Providers.Timeout,
	}, engine.Dependencies{
		Executions:   executions,
		Workflows:    workflows,
		Integrations: postgres.NewTenantRepository(db.DB()),
		Data:         postgres.NewOrderRepository(db.DB()),
		Meta:         meta.NewClient(httpClient, cfg.Providers.MetaBaseURL, cfg.Providers.MetaVersion),
		Pancake:      pancake.NewClient(httpClient, cfg.Providers.PancakeURL, cfg.Providers.PageSize),
		Progress:     publisher,
		Rescheduler:  sched,
		Clock:        clock,
	}, log)

	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Port, log); err != nil {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("scheduler starting",
		zap.Duration("poll_interval", cfg.Scheduler.PollInterval),
		zap.Int("max_concurrent", cfg.Engine.MaxConcurrent))

	sched.Run(ctx, eng)

	log.Info("scheduler shutting down, waiting for running executions")
	eng.Stop()
}
