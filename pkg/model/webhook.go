package model

import (
	"time"

	"github.com/google/uuid"
)

type ReceiveStatus string

const (
	ReceiveAccepted      ReceiveStatus = "ACCEPTED"
	ReceiveAuthFailed    ReceiveStatus = "AUTH_FAILED"
	ReceiveDisabled      ReceiveStatus = "DISABLED"
	ReceiveInvalidTenant ReceiveStatus = "INVALID_TENANT"
	ReceiveFailed        ReceiveStatus = "FAILED"
)

func (s ReceiveStatus) Valid() bool {
	switch s {
	case ReceiveAccepted, ReceiveAuthFailed, ReceiveDisabled, ReceiveInvalidTenant, ReceiveFailed:
		return true
	default:
		return false
	}
}

type ProcessStatus string

const (
	ProcessQueued     ProcessStatus = "QUEUED"
	ProcessProcessing ProcessStatus = "PROCESSING"
	ProcessProcessed  ProcessStatus = "PROCESSED"
	ProcessPartial    ProcessStatus = "PARTIAL"
	ProcessFailed     ProcessStatus = "FAILED"
	ProcessSkipped    ProcessStatus = "SKIPPED"
)

func (s ProcessStatus) Valid() bool {
	switch s {
	case ProcessQueued, ProcessProcessing, ProcessProcessed, ProcessPartial, ProcessFailed, ProcessSkipped:
		return true
	default:
		return false
	}
}

func (s ProcessStatus) IsTerminal() bool {
	switch s {
	case ProcessProcessed, ProcessPartial, ProcessFailed, ProcessSkipped:
		return true
	default:
		return false
	}
}

type RelayStatus string

const (
	RelaySuccess RelayStatus = "SUCCESS"
	RelayFailed  RelayStatus = "FAILED"
	RelaySkipped RelayStatus = "SKIPPED"
)

func (s RelayStatus) Valid() bool {
	return s == RelaySuccess || s == RelayFailed || s == RelaySkipped
}

type UpsertStatus string

const (
	UpsertCreated UpsertStatus = "CREATED"
	UpsertUpdated UpsertStatus = "UPDATED"
	UpsertSkipped UpsertStatus = "SKIPPED"
	UpsertFailed  UpsertStatus = "FAILED"
)

// Succeeded reports whether the order was persisted or deliberately left alone.
func (s UpsertStatus) Succeeded() bool {
	return s != UpsertFailed
}

const WebhookSourcePancake = "pancake"

// WebhookConfig holds one tenant's inbound key and outbound relay settings.
// The inbound key is stored only as a SHA-256 hash.
type WebhookConfig struct {
	TenantID    uuid.UUID `gorm:"type:uuid;primary_key"`
	Enabled     bool      `gorm:"not null;default:false"`
	HeaderKey   string    `gorm:"type:varchar(100);not null;default:'X-API-Key'"`
	APIKeyHash  string    `gorm:"type:varchar(64)"`
	APIKeyLast4 string    `gorm:"type:varchar(4)"`
	RotatedAt   *time.Time
	RotatedBy   string

	RelayEnabled    bool   `gorm:"not null;default:false"`
	RelayWebhookURL string `gorm:"type:text"`
	RelayAPIKey     string `gorm:"type:text"`
	RelayHeaderKey  string `gorm:"type:varchar(100)"`
	RelayUpdatedAt  *time.Time
	RelayUpdatedBy  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (WebhookConfig) TableName() string {
	return "webhook_configs"
}

type WebhookLog struct {
	ID                uuid.UUID      `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID          *uuid.UUID     `gorm:"type:uuid;index:idx_webhook_logs_tenant_received;index:idx_webhook_logs_dedup"`
	RequestID         string         `gorm:"type:varchar(64);not null;index:idx_webhook_logs_dedup"`
	Source            string         `gorm:"type:varchar(32);not null"`
	ReceiveHTTPStatus int            `gorm:"column:receive_http_status;not null"`
	ReceiveStatus     ReceiveStatus  `gorm:"type:varchar(20);not null;index"`
	ProcessStatus     *ProcessStatus `gorm:"type:varchar(20);index"`
	RelayStatus       *RelayStatus   `gorm:"type:varchar(20);index"`
	PayloadHash       string         `gorm:"type:varchar(64);index:idx_webhook_logs_dedup"`
	PayloadBytes      int
	OrderCount        int
	UpsertedCount     int
	WarningCount      int
	Attempts          int
	QueueJobID        string `gorm:"type:varchar(64)"`
	ErrorCode         string `gorm:"type:varchar(64)"`
	ErrorMessage      string `gorm:"type:text"`

	ReceiveDurationMs    int64
	ProcessingDurationMs *int64
	TotalDurationMs      *int64
	ReceivedAt           time.Time `gorm:"not null;index:idx_webhook_logs_tenant_received"`
	ProcessingStartedAt  *time.Time
	ProcessedAt          *time.Time

	Orders []WebhookLogOrder `gorm:"foreignKey:WebhookLogID"`
}

func (WebhookLog) TableName() string {
	return "webhook_logs"
}

type WebhookLogOrder struct {
	ID           uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	WebhookLogID uuid.UUID `gorm:"type:uuid;not null;index"`
	ShopID       string    `gorm:"type:varchar(64);index"`
	OrderID      string    `gorm:"type:varchar(64);index"`
	Status       *int
	UpsertStatus UpsertStatus `gorm:"type:varchar(20);not null"`
	Reason       string       `gorm:"type:text"`
	Warning      string       `gorm:"type:text"`
	CreatedAt    time.Time
}

func (WebhookLogOrder) TableName() string {
	return "webhook_log_orders"
}
