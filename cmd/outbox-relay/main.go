package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/config"
	"github.com/flowforge/syncflow/pkg/eventbus"
	"github.com/flowforge/syncflow/pkg/logger"
	"github.com/flowforge/syncflow/pkg/metrics"
	"github.com/flowforge/syncflow/pkg/outbox"
	"github.com/flowforge/syncflow/pkg/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Logging, "outbox-relay")
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

	producer := eventbus.NewKafkaProducer(eventbus.KafkaProducerConfig{
		Brokers:    cfg.Kafka.Brokers,
		ClientID:   cfg.Kafka.ClientID,
		EventTopic: cfg.Kafka.EventTopic,
		DLQTopic:   cfg.Kafka.EventDLQTopic,
	})
	defer producer.Close()

	relay := outbox.NewRelay(outbox.Config{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		Retention:    cfg.Outbox.Retention,
	}, postgres.NewOutboxRepository(db.DB()), producer, log)

	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Port, log); err != nil {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("outbox relay stopped with error", zap.Error(err))
		return
	}

	log.Info("outbox relay shutting down")
}
