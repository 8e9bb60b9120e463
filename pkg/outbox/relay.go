package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/eventbus"
	"github.com/flowforge/syncflow/pkg/metrics"
	"github.com/flowforge/syncflow/pkg/model"
)

type Repository interface {
	ListPending(ctx context.Context, limit int) ([]model.WorkflowEvent, error)
	MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, eventID uuid.UUID) error
	PurgePublished(ctx context.Context, before time.Time) (int64, error)
}

// Publisher is satisfied by *eventbus.KafkaProducer.
type Publisher interface {
	PublishEvent(ctx context.Context, key, value []byte, headers ...kafka.Header) error
	PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// Retention is how long published rows are kept; zero keeps them forever.
	Retention time.Duration
}

type Relay struct {
	repo         Repository
	publisher    Publisher
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
	retention    time.Duration
	now          func() time.Time
}

type Message struct {
	EventID     string      `json:"event_id"`
	EventType   string      `json:"event_type"`
	ExecutionID string      `json:"execution_id"`
	TenantID    string      `json:"tenant_id"`
	Payload     model.JSONB `json:"payload"`
	CreatedAt   time.Time   `json:"created_at"`
}

type DLQMessage struct {
	Event    Message   `json:"event"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

func NewRelay(cfg Config, repo Repository, publisher Publisher, logger *zap.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{
		repo:         repo,
		publisher:    publisher,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		retention:    cfg.Retention,
		now:          time.Now,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay starting",
		zap.Duration("poll_interval", r.pollInterval),
		zap.Int("batch_size", r.batchSize),
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.processPending(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.processPending(ctx)
			r.purge(ctx)
		}
	}
}

func (r *Relay) processPending(ctx context.Context) {
	events, err := r.repo.ListPending(ctx, r.batchSize)
	if err != nil {
		r.logger.Warn("failed to list pending outbox events", zap.Error(err))
		return
	}

	for _, event := range events {
		if err := r.publishEvent(ctx, event); err != nil {
			r.logger.Warn("failed to publish outbox event", zap.Error(err), zap.String("event_id", event.EventID.String()))
		}
	}
}

func (r *Relay) publishEvent(ctx context.Context, event model.WorkflowEvent) error {
	message := Message{
		EventID:     event.EventID.String(),
		EventType:   event.EventType,
		ExecutionID: event.AggregateID.String(),
		TenantID:    event.TenantID.String(),
		Payload:     event.Payload,
		CreatedAt:   event.CreatedAt,
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	// Keyed by execution so one execution's events stay ordered.
	key := []byte(event.AggregateID.String())
	headers := []kafka.Header{
		{Key: eventbus.HeaderEventID, Value: []byte(message.EventID)},
		{Key: eventbus.HeaderEventType, Value: []byte(event.EventType)},
	}

	if err := r.publisher.PublishEvent(ctx, key, payload, headers...); err != nil {
		r.logger.Warn("failed to publish to kafka, sending to DLQ", zap.Error(err), zap.String("event_id", message.EventID))
		return r.publishDLQ(ctx, key, message, err, event.EventID)
	}

	if err := r.repo.MarkPublished(ctx, event.EventID, r.now()); err != nil {
		r.logger.Warn("failed to mark event published", zap.Error(err), zap.String("event_id", message.EventID))
		return err
	}
	metrics.OutboxEvents.WithLabelValues("published").Inc()
	return nil
}

func (r *Relay) publishDLQ(ctx context.Context, key []byte, message Message, publishErr error, eventID uuid.UUID) error {
	dlq := DLQMessage{
		Event:    message,
		Error:    publishErr.Error(),
		FailedAt: r.now(),
	}

	payload, err := json.Marshal(dlq)
	if err != nil {
		return err
	}

	if err := r.publisher.PublishDLQ(ctx, key, payload,
		kafka.Header{Key: eventbus.HeaderDLQError, Value: []byte(publishErr.Error())}); err != nil {
		// Left pending; the next poll retries the main topic.
		return err
	}

	if err := r.repo.MarkFailed(ctx, eventID); err != nil {
		r.logger.Warn("failed to mark event failed", zap.Error(err), zap.String("event_id", eventID.String()))
		return err
	}
	metrics.OutboxEvents.WithLabelValues("dead_lettered").Inc()
	return nil
}

func (r *Relay) purge(ctx context.Context) {
	if r.retention <= 0 {
		return
	}
	deleted, err := r.repo.PurgePublished(ctx, r.now().Add(-r.retention))
	if err != nil {
		r.logger.Warn("failed to purge published outbox events", zap.Error(err))
		return
	}
	if deleted > 0 {
		r.logger.Debug("purged published outbox events", zap.Int64("count", deleted))
	}
}
