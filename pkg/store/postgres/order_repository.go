package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/flowforge/syncflow/pkg/model"
)

const (
	ReasonUnchanged     = "unchanged"
	ReasonStaleUpdate   = "stale update"
	ReasonForeignTenant = "order belongs to another tenant"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// UpsertPosOrder writes one order keyed by (shop_id, provider_order_id) and
// reports what happened to it. The returned reason is set for SKIPPED and
// FAILED outcomes.
func (r *OrderRepository) UpsertPosOrder(ctx context.Context, order *model.PosOrder) (model.UpsertStatus, string, error) {
	status := model.UpsertFailed
	reason := ""

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.PosOrder
		err := tx.Clauses(lockForUpdate).
			Where("shop_id = ? AND provider_order_id = ?", order.ShopID, order.ProviderOrderID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if order.ID == uuid.Nil {
				order.ID = uuid.New()
			}
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(order)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 1 {
				status = model.UpsertCreated
				return nil
			}
			// Lost an insert race; compare against the winner.
			err = tx.Clauses(lockForUpdate).
				Where("shop_id = ? AND provider_order_id = ?", order.ShopID, order.ProviderOrderID).
				Take(&existing).Error
		}
		if err != nil {
			return err
		}

		switch {
		case existing.TenantID != order.TenantID:
			status, reason = model.UpsertFailed, ReasonForeignTenant
			return nil
		case existing.ContentHash == order.ContentHash:
			status, reason = model.UpsertSkipped, ReasonUnchanged
			return nil
		case isStale(order.ProviderUpdatedAt, existing.ProviderUpdatedAt):
			status, reason = model.UpsertSkipped, ReasonStaleUpdate
			return nil
		}

		order.ID = existing.ID
		if err := tx.Model(&model.PosOrder{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
			"status":               order.Status,
			"status_name":          order.StatusName,
			"customer_name":        order.CustomerName,
			"customer_phone":       order.CustomerPhone,
			"total_price":          order.TotalPrice,
			"provider_inserted_at": order.ProviderInsertedAt,
			"provider_updated_at":  order.ProviderUpdatedAt,
			"content_hash":         order.ContentHash,
			"raw":                  order.Raw,
			"source":               order.Source,
			"updated_at":           time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		status = model.UpsertUpdated
		return nil
	})
	if err != nil {
		return model.UpsertFailed, err.Error(), err
	}
	return status, reason, nil
}

func isStale(incoming, stored *time.Time) bool {
	return incoming != nil && stored != nil && incoming.Before(*stored)
}

// UpsertInsights stores a day of campaign insights, replacing rows already
// fetched for the same account, campaign and date.
func (r *OrderRepository) UpsertInsights(ctx context.Context, insights []model.MetaInsight) error {
	if len(insights) == 0 {
		return nil
	}
	for i := range insights {
		if insights[i].ID == uuid.Nil {
			insights[i].ID = uuid.New()
		}
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "campaign_id"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"campaign_name", "impressions", "clicks", "reach", "spend", "currency", "raw", "updated_at",
		}),
	}).CreateInBatches(insights, 100).Error
}
