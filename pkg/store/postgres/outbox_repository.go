package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/syncflow/pkg/model"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// ListPending returns unpublished execution events, oldest first.
func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]model.WorkflowEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []model.WorkflowEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error {
	return r.setStatus(ctx, eventID, map[string]interface{}{
		"status":       model.OutboxStatusPublished,
		"published_at": publishedAt,
	})
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, eventID uuid.UUID) error {
	return r.setStatus(ctx, eventID, map[string]interface{}{
		"status": model.OutboxStatusFailed,
	})
}

// PurgePublished deletes published events older than before.
func (r *OutboxRepository) PurgePublished(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND published_at < ?", model.OutboxStatusPublished, before).
		Delete(&model.WorkflowEvent{})
	return result.RowsAffected, result.Error
}

func (r *OutboxRepository) setStatus(ctx context.Context, eventID uuid.UUID, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&model.WorkflowEvent{}).
		Where("event_id = ?", eventID).
		Updates(updates).Error
}
