package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/apiserver"
	"github.com/flowforge/syncflow/pkg/auth"
	"github.com/flowforge/syncflow/pkg/config"
	"github.com/flowforge/syncflow/pkg/eventbus"
	"github.com/flowforge/syncflow/pkg/logger"
	"github.com/flowforge/syncflow/pkg/progress"
	"github.com/flowforge/syncflow/pkg/queue"
	"github.com/flowforge/syncflow/pkg/scheduler"
	"github.com/flowforge/syncflow/pkg/store/postgres"
	redisclient "github.com/flowforge/syncflow/pkg/store/redis"
	"github.com/flowforge/syncflow/pkg/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Logging, "api-server")
	if err != nil {
		panic(err)
	}
	defer logger.Flush(log)

	if cfg.Auth.JWTSecret == "" {
		log.Fatal("auth.jwt_secret is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}

	redis, err := redisclient.NewClient(ctx, &cfg.Redis)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	clock := adapter.NewClock()
	bus := eventbus.NewBus(redis.Client(), log)
	hub := progress.NewHub(time.Hour)

	go func() {
		if err := progress.NewBridge(bus, hub, log).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("progress bridge stopped", zap.Error(err))
		}
	}()

	workflows := postgres.NewWorkflowRepository(db.DB())
	executions := postgres.NewExecutionRepository(db.DB())
	webhooks := postgres.NewWebhookRepository(db.DB())
	tenants := postgres.NewTenantRepository(db.DB())

	sched := scheduler.NewScheduler(scheduler.Config{
		PollInterval:  cfg.Scheduler.PollInterval,
		DispatchBatch: cfg.Scheduler.DispatchBatch,
		StaleAfter:    cfg.Scheduler.StaleAfter,
	}, workflows, executions, progress.NewRedisPublisher(bus), clock, log)

	producer := queue.NewProducer(queue.Config{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
		Topic:    cfg.Kafka.WebhookTopic,
	})
	defer producer.Close()

	gate := webhook.NewGate(webhook.GateConfig{
		RateLimitRPS:   cfg.Webhook.RateLimitRPS,
		RateLimitBurst: cfg.Webhook.RateLimitBurst,
	}, tenants, webhooks, producer, clock, log)

	server := apiserver.NewServer(cfg, apiserver.Dependencies{
		Workflows:  workflows,
		Executions: executions,
		Controller: sched,
		Webhooks:   webhooks,
		Gate:       gate,
		Hub:        hub,
		Tokens:     auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, 0),
		Clock:      clock,
		Checks: map[string]apiserver.Pinger{
			"postgres": db,
			"redis":    redis,
		},
	}, log)

	// Progress streams stay open for the life of an execution, so only the
	// read side carries a deadline.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           server.Router(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("starting API server", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
}
