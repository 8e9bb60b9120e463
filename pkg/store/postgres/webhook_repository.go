package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/flowforge/syncflow/pkg/model"
	"github.com/flowforge/syncflow/pkg/store"
)

type WebhookRepository struct {
	db *gorm.DB
}

func NewWebhookRepository(db *gorm.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

func (r *WebhookRepository) GetConfig(ctx context.Context, tenantID uuid.UUID) (*model.WebhookConfig, error) {
	var cfg model.WebhookConfig
	if err := r.db.WithContext(ctx).First(&cfg, "tenant_id = ?", tenantID).Error; err != nil {
		return nil, notFound(err)
	}
	return &cfg, nil
}

// RotateKey replaces the stored key hash in a single upsert so readers see
// either the previous key or the new one.
func (r *WebhookRepository) RotateKey(ctx context.Context, tenantID uuid.UUID, keyHash, last4, rotatedBy string, at time.Time) (*model.WebhookConfig, error) {
	cfg := model.WebhookConfig{
		TenantID:    tenantID,
		APIKeyHash:  keyHash,
		APIKeyLast4: last4,
		RotatedAt:   &at,
		RotatedBy:   rotatedBy,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_key_hash", "api_key_last4", "rotated_at", "rotated_by", "updated_at"}),
	}).Create(&cfg).Error
	if err != nil {
		return nil, err
	}
	return r.GetConfig(ctx, tenantID)
}

// UpdateSettings sets the receive toggle and key header name.
func (r *WebhookRepository) UpdateSettings(ctx context.Context, tenantID uuid.UUID, enabled bool, headerKey string, at time.Time) (*model.WebhookConfig, error) {
	updates := map[string]interface{}{
		"enabled":    enabled,
		"updated_at": at,
	}
	if headerKey != "" {
		updates["header_key"] = headerKey
	}
	return r.updateConfig(ctx, tenantID, updates)
}

// RelaySettings is the outbound relay part of a webhook config. A nil APIKey
// keeps the stored key.
type RelaySettings struct {
	Enabled    bool
	WebhookURL string
	HeaderKey  string
	APIKey     *string
}

func (r *WebhookRepository) UpdateRelay(ctx context.Context, tenantID uuid.UUID, relay RelaySettings, updatedBy string, at time.Time) (*model.WebhookConfig, error) {
	updates := map[string]interface{}{
		"relay_enabled":     relay.Enabled,
		"relay_webhook_url": relay.WebhookURL,
		"relay_header_key":  relay.HeaderKey,
		"relay_updated_at":  at,
		"relay_updated_by":  updatedBy,
		"updated_at":        at,
	}
	if relay.APIKey != nil {
		updates["relay_api_key"] = *relay.APIKey
	}
	return r.updateConfig(ctx, tenantID, updates)
}

func (r *WebhookRepository) updateConfig(ctx context.Context, tenantID uuid.UUID, updates map[string]interface{}) (*model.WebhookConfig, error) {
	var cfg model.WebhookConfig
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := model.WebhookConfig{TenantID: tenantID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.WebhookConfig{}).Where("tenant_id = ?", tenantID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&cfg, "tenant_id = ?", tenantID).Error
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CreateLog stores a log row for a rejected or failed receive.
func (r *WebhookRepository) CreateLog(ctx context.Context, log *model.WebhookLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(log).Error
}

// CreateAcceptedLog inserts an ACCEPTED log and runs enqueue inside the same
// transaction. If enqueue fails the row is rolled back and the error returned.
func (r *WebhookRepository) CreateAcceptedLog(ctx context.Context, log *model.WebhookLog, enqueue func(ctx context.Context) error) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(log).Error; err != nil {
			return err
		}
		return enqueue(ctx)
	})
}

func (r *WebhookRepository) GetLog(ctx context.Context, tenantID, id uuid.UUID) (*model.WebhookLog, error) {
	var log model.WebhookLog
	err := r.db.WithContext(ctx).
		Preload("Orders", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		}).
		First(&log, "id = ? AND tenant_id = ?", id, tenantID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &log, nil
}

// BeginProcessing claims a QUEUED log, or a PROCESSING one left behind by a
// crashed worker, and bumps its attempt counter. A log that already reached a
// terminal status yields store.ErrStaleState.
func (r *WebhookRepository) BeginProcessing(ctx context.Context, id uuid.UUID, at time.Time) (*model.WebhookLog, error) {
	var log model.WebhookLog
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.WebhookLog{}).
			Where("id = ? AND process_status IN ?", id, []model.ProcessStatus{model.ProcessQueued, model.ProcessProcessing}).
			Updates(map[string]interface{}{
				"process_status":        model.ProcessProcessing,
				"processing_started_at": at,
				"attempts":              gorm.Expr("attempts + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		if err := tx.First(&log, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if result.RowsAffected == 0 {
			return store.ErrStaleState
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindDuplicate returns an earlier, successfully processed log of the same
// tenant with the same request id and payload hash, or nil.
func (r *WebhookRepository) FindDuplicate(ctx context.Context, log *model.WebhookLog) (*model.WebhookLog, error) {
	if log.TenantID == nil {
		return nil, nil
	}
	var dup model.WebhookLog
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND request_id = ? AND payload_hash = ? AND id <> ?",
			*log.TenantID, log.RequestID, log.PayloadHash, log.ID).
		Where("process_status IN ?", []model.ProcessStatus{model.ProcessProcessed, model.ProcessPartial}).
		Order("received_at ASC").
		Take(&dup).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dup, nil
}

// CompleteProcessing replaces the log's order rows and writes its terminal
// processing fields in one transaction.
func (r *WebhookRepository) CompleteProcessing(ctx context.Context, log *model.WebhookLog, orders []model.WebhookLogOrder) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("webhook_log_id = ?", log.ID).Delete(&model.WebhookLogOrder{}).Error; err != nil {
			return err
		}
		if len(orders) > 0 {
			for i := range orders {
				orders[i].WebhookLogID = log.ID
				if orders[i].ID == uuid.Nil {
					orders[i].ID = uuid.New()
				}
			}
			if err := tx.CreateInBatches(orders, 100).Error; err != nil {
				return err
			}
		}

		result := tx.Model(&model.WebhookLog{}).
			Where("id = ? AND process_status = ?", log.ID, model.ProcessProcessing).
			Updates(map[string]interface{}{
				"process_status":         log.ProcessStatus,
				"relay_status":           log.RelayStatus,
				"order_count":            log.OrderCount,
				"upserted_count":         log.UpsertedCount,
				"warning_count":          log.WarningCount,
				"error_code":             log.ErrorCode,
				"error_message":          log.ErrorMessage,
				"processed_at":           log.ProcessedAt,
				"processing_duration_ms": log.ProcessingDurationMs,
				"total_duration_ms":      log.TotalDurationMs,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.ErrStaleState
		}
		return nil
	})
}

// QueryLogs lists a tenant's webhook logs, newest first, with their order rows.
func (r *WebhookRepository) QueryLogs(ctx context.Context, filter store.WebhookLogFilter) ([]model.WebhookLog, int64, error) {
	var logs []model.WebhookLog
	var total int64

	query := r.db.WithContext(ctx).Model(&model.WebhookLog{}).Where("tenant_id = ?", filter.TenantID)

	if filter.ReceiveStatus != "" {
		query = query.Where("receive_status = ?", filter.ReceiveStatus)
	}
	if filter.ProcessStatus != "" {
		query = query.Where("process_status = ?", filter.ProcessStatus)
	}
	if filter.RelayStatus != "" {
		query = query.Where("relay_status = ?", filter.RelayStatus)
	}
	if filter.ShopID != "" {
		query = query.Where("EXISTS (SELECT 1 FROM webhook_log_orders o WHERE o.webhook_log_id = webhook_logs.id AND o.shop_id = ?)", filter.ShopID)
	}
	if filter.OrderID != "" {
		query = query.Where("EXISTS (SELECT 1 FROM webhook_log_orders o WHERE o.webhook_log_id = webhook_logs.id AND o.order_id = ?)", filter.OrderID)
	}
	if filter.Search != "" {
		pattern := "%" + escapeLike(filter.Search) + "%"
		query = query.Where(`request_id ILIKE ? ESCAPE '\' OR error_message ILIKE ? ESCAPE '\' OR EXISTS (SELECT 1 FROM webhook_log_orders o WHERE o.webhook_log_id = webhook_logs.id AND (o.order_id ILIKE ? ESCAPE '\' OR o.reason ILIKE ? ESCAPE '\'))`,
			pattern, pattern, pattern, pattern)
	}
	if filter.Start != nil {
		query = query.Where("received_at >= ?", *filter.Start)
	}
	if filter.End != nil {
		query = query.Where("received_at < ?", *filter.End)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Preload("Orders", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		}).
		Order("received_at DESC").
		Limit(filter.Limit).
		Offset(filter.Offset()).
		Find(&logs).Error
	return logs, total, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes a search term match literally inside a LIKE pattern.
func escapeLike(term string) string {
	return likeEscaper.Replace(term)
}
