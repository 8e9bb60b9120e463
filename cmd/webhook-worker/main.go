package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/config"
	"github.com/flowforge/syncflow/pkg/logger"
	"github.com/flowforge/syncflow/pkg/metrics"
	"github.com/flowforge/syncflow/pkg/queue"
	"github.com/flowforge/syncflow/pkg/store/postgres"
	"github.com/flowforge/syncflow/pkg/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Logging, "webhook-worker")
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

	clock := adapter.NewClock()
	relayer := webhook.NewRelayer(
		adapter.NewHTTPClient(cfg.Webhook.RelayTimeout, 0, log),
		cfg.Webhook.RelayTimeout,
		log,
	)

	// The queue redelivers a job MaxRetries times after the first attempt.
	processor := webhook.NewProcessor(webhook.ProcessorConfig{
		MaxAttempts: cfg.Webhook.MaxRetries + 1,
	}, postgres.NewWebhookRepository(db.DB()), postgres.NewOrderRepository(db.DB()), relayer, clock, log)

	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Port, log); err != nil {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	workers := cfg.Webhook.Workers
	if workers <= 0 {
		workers = 1
	}

	pool := pond.NewPool(workers)
	group := pool.NewGroup()

	for i := 0; i < workers; i++ {
		worker := i
		group.SubmitErr(func() error {
			consumer := queue.NewConsumer(queue.Config{
				Brokers:      cfg.Kafka.Brokers,
				ClientID:     cfg.Kafka.ClientID,
				GroupID:      cfg.Kafka.WebhookGroup,
				Topic:        cfg.Kafka.WebhookTopic,
				RetryTopic:   cfg.Kafka.WebhookRetryTopic,
				DLQTopic:     cfg.Kafka.WebhookDLQTopic,
				MaxRetries:   cfg.Webhook.MaxRetries,
				RetryBackoff: cfg.Webhook.RetryBackoff,
			})
			defer consumer.Close()

			log.Info("webhook consumer starting", zap.Int("worker", worker))
			if err := consumer.Consume(ctx, processor.Handle); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("webhook consumer stopped", zap.Int("worker", worker), zap.Error(err))
				stop()
				return err
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		log.Error("webhook worker exiting after consumer failure", zap.Error(err))
	}
	pool.StopAndWait()

	log.Info("webhook worker shut down")
}
