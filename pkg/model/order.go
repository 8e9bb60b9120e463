package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	OrderSourceWebhook = "webhook"
	OrderSourceSync    = "sync"
)

// PosOrder is the local copy of a point-of-sale order, unique per shop and
// provider order id.
type PosOrder struct {
	ID                 uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID           uuid.UUID `gorm:"type:uuid;not null;index"`
	ShopID             string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_pos_orders_shop_order"`
	ProviderOrderID    string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_pos_orders_shop_order"`
	Status             int
	StatusName         string `gorm:"type:varchar(64)"`
	CustomerName       string
	CustomerPhone      string `gorm:"type:varchar(32)"`
	TotalPrice         float64
	ProviderInsertedAt *time.Time
	ProviderUpdatedAt  *time.Time
	ContentHash        string         `gorm:"type:varchar(64);not null"`
	Raw                datatypes.JSON `gorm:"type:jsonb"`
	Source             string         `gorm:"type:varchar(16);not null"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (PosOrder) TableName() string {
	return "pos_orders"
}

// MetaInsight is one campaign's daily ads insight row.
type MetaInsight struct {
	ID           uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID     uuid.UUID `gorm:"type:uuid;not null;index"`
	AccountID    string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_meta_insights_account_campaign_date"`
	CampaignID   string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_meta_insights_account_campaign_date"`
	Date         string    `gorm:"type:varchar(10);not null;uniqueIndex:idx_meta_insights_account_campaign_date"`
	CampaignName string
	Impressions  int64
	Clicks       int64
	Reach        int64
	Spend        float64
	Currency     string         `gorm:"type:varchar(8)"`
	Raw          datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (MetaInsight) TableName() string {
	return "meta_insights"
}
