package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/metrics"
	"github.com/flowforge/syncflow/pkg/model"
	"github.com/flowforge/syncflow/pkg/provider/pancake"
	"github.com/flowforge/syncflow/pkg/queue"
	"github.com/flowforge/syncflow/pkg/store"
)

const (
	ErrorCodeInvalidPayload    = "INVALID_PAYLOAD"
	ErrorCodeDuplicateDelivery = "DUPLICATE_DELIVERY"
	ErrorCodeStorageFailure    = "STORAGE_ERROR"

	ReasonDuplicateDelivery = "duplicate delivery"
)

type ProcessorStore interface {
	GetConfig(ctx context.Context, tenantID uuid.UUID) (*model.WebhookConfig, error)
	BeginProcessing(ctx context.Context, id uuid.UUID, at time.Time) (*model.WebhookLog, error)
	FindDuplicate(ctx context.Context, log *model.WebhookLog) (*model.WebhookLog, error)
	CompleteProcessing(ctx context.Context, log *model.WebhookLog, orders []model.WebhookLogOrder) error
}

type OrderStore interface {
	UpsertPosOrder(ctx context.Context, order *model.PosOrder) (model.UpsertStatus, string, error)
}

type Relay interface {
	Relay(ctx context.Context, cfg *model.WebhookConfig, payload []byte) (model.RelayStatus, error)
}

type ProcessorConfig struct {
	// MaxAttempts is how many deliveries of one job the queue makes. On the
	// last one, storage errors are recorded on the order instead of retried.
	MaxAttempts int
}

type Processor struct {
	store       ProcessorStore
	orders      OrderStore
	relay       Relay
	clock       adapter.Clock
	logger      *zap.Logger
	maxAttempts int
}

func NewProcessor(cfg ProcessorConfig, st ProcessorStore, orders OrderStore, relay Relay, clock adapter.Clock, logger *zap.Logger) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if clock == nil {
		clock = adapter.NewClock()
	}
	return &Processor{
		store:       st,
		orders:      orders,
		relay:       relay,
		clock:       clock,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Handle processes one queued delivery to a terminal status. A returned error
// asks the queue to redeliver the job.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	started := p.clock.Now().UTC()
	log, err := p.store.BeginProcessing(ctx, job.LogID, started)
	switch {
	case errors.Is(err, store.ErrStaleState):
		p.logger.Info("webhook already processed", zap.String("log_id", job.LogID.String()))
		return nil
	case err != nil:
		return fmt.Errorf("begin processing %s: %w", job.LogID, err)
	}

	logger := p.logger.With(
		zap.String("log_id", log.ID.String()),
		zap.String("tenant_id", job.TenantID.String()),
		zap.String("request_id", log.RequestID),
		zap.Int("attempt", log.Attempts))

	duplicate, err := p.store.FindDuplicate(ctx, log)
	if err != nil {
		return fmt.Errorf("check duplicate delivery: %w", err)
	}

	rows, status, err := p.processOrders(ctx, job, log, duplicate != nil)
	if err != nil {
		return err
	}
	log.ProcessStatus = &status
	if duplicate != nil {
		log.ErrorCode = ErrorCodeDuplicateDelivery
		log.ErrorMessage = fmt.Sprintf("already processed as %s", duplicate.ID)
	}

	relayStatus := p.relayPayload(ctx, job, duplicate != nil, logger)
	log.RelayStatus = &relayStatus

	processed := p.clock.Now().UTC()
	processing := nonNegative(processed.Sub(started).Milliseconds())
	total := nonNegative(processed.Sub(log.ReceivedAt).Milliseconds())
	if total < processing {
		total = processing
	}
	log.ProcessedAt = &processed
	log.ProcessingDurationMs = &processing
	log.TotalDurationMs = &total

	err = p.store.CompleteProcessing(ctx, log, rows)
	if err != nil && !errors.Is(err, store.ErrStaleState) && log.Attempts >= p.maxAttempts {
		// Last delivery: close the log without its order rows rather than
		// leave it PROCESSING.
		logger.Error("failed to store order results, closing log as failed", zap.Error(err))
		status = model.ProcessFailed
		log.ProcessStatus = &status
		log.ErrorCode = ErrorCodeStorageFailure
		log.ErrorMessage = err.Error()
		err = p.store.CompleteProcessing(ctx, log, nil)
	}
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			logger.Warn("webhook log finished by another worker")
			return nil
		}
		return fmt.Errorf("complete processing %s: %w", log.ID, err)
	}

	metrics.WebhooksProcessed.WithLabelValues(string(status)).Inc()
	metrics.WebhookProcessingDuration.Observe(float64(processing) / 1000)
	logger.Info("webhook processed",
		zap.String("process_status", string(status)),
		zap.String("relay_status", string(relayStatus)),
		zap.Int("orders", log.OrderCount),
		zap.Int("upserted", log.UpsertedCount),
		zap.Int("warnings", log.WarningCount))
	return nil
}

// processOrders decodes and stores every order of the payload, filling the
// log's counters and returning one row per order. An error means a storage
// failure worth retrying.
func (p *Processor) processOrders(ctx context.Context, job *queue.Job, log *model.WebhookLog, duplicate bool) ([]model.WebhookLogOrder, model.ProcessStatus, error) {
	log.OrderCount, log.UpsertedCount, log.WarningCount = 0, 0, 0
	log.ErrorCode, log.ErrorMessage = "", ""

	items, err := pancake.SplitPayload(job.Payload)
	if err != nil {
		log.ErrorCode = ErrorCodeInvalidPayload
		log.ErrorMessage = err.Error()
		return nil, model.ProcessFailed, nil
	}
	if len(items) == 0 {
		return nil, model.ProcessSkipped, nil
	}

	lastAttempt := log.Attempts >= p.maxAttempts
	rows := make([]model.WebhookLogOrder, 0, len(items))
	failed := 0
	for _, item := range items {
		order, err := pancake.DecodeOrder(item)
		row := model.WebhookLogOrder{
			ShopID:  order.ShopID,
			OrderID: order.ID,
			Status:  order.Status,
			Warning: order.Warning(),
		}

		switch {
		case err != nil:
			row.UpsertStatus = model.UpsertFailed
			row.Reason = err.Error()
		case duplicate:
			row.UpsertStatus = model.UpsertSkipped
			row.Reason = ReasonDuplicateDelivery
		default:
			status, reason, err := p.orders.UpsertPosOrder(ctx, order.PosOrder(job.TenantID, model.OrderSourceWebhook))
			if err != nil {
				if !lastAttempt {
					return nil, "", fmt.Errorf("upsert order %s/%s: %w", order.ShopID, order.ID, err)
				}
				status, reason = model.UpsertFailed, err.Error()
			}
			row.UpsertStatus = status
			row.Reason = reason
		}

		metrics.WebhookOrders.WithLabelValues(string(row.UpsertStatus)).Inc()
		switch row.UpsertStatus {
		case model.UpsertCreated, model.UpsertUpdated:
			log.UpsertedCount++
		case model.UpsertFailed:
			failed++
		}
		if row.Warning != "" {
			log.WarningCount++
		}
		rows = append(rows, row)
	}
	log.OrderCount = len(rows)

	switch {
	case failed == 0:
		return rows, model.ProcessProcessed, nil
	case failed == len(rows):
		return rows, model.ProcessFailed, nil
	default:
		return rows, model.ProcessPartial, nil
	}
}

// relayPayload forwards the original payload when the tenant has relay
// enabled. A duplicate delivery is never relayed: the first delivery already
// was, so the result is SKIPPED.
func (p *Processor) relayPayload(ctx context.Context, job *queue.Job, duplicate bool, logger *zap.Logger) model.RelayStatus {
	if duplicate || p.relay == nil {
		return model.RelaySkipped
	}
	cfg, err := p.store.GetConfig(ctx, job.TenantID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("failed to load relay settings", zap.Error(err))
			return model.RelayFailed
		}
		return model.RelaySkipped
	}
	status, err := p.relay.Relay(ctx, cfg, job.Payload)
	if err != nil {
		logger.Warn("relay delivery failed", zap.Error(err))
	}
	return status
}

func nonNegative(ms int64) int64 {
	if ms < 0 {
		return 0
	}
	return ms
}
