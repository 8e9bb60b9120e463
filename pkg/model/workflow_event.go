package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

const (
	EventExecutionCreated         = "execution.created"
	EventExecutionStarted         = "execution.started"
	EventExecutionFinished        = "execution.finished"
	EventExecutionCancelRequested = "execution.cancel_requested"
)

// WorkflowEvent is an outbox row written in the same transaction as the
// execution change it describes.
type WorkflowEvent struct {
	EventID     uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	EventType   string    `gorm:"not null"`
	AggregateID uuid.UUID `gorm:"type:uuid;not null;index"`
	TenantID    uuid.UUID `gorm:"type:uuid;not null"`
	Payload     JSONB     `gorm:"type:jsonb;not null"`
	Status      string    `gorm:"not null;default:'pending';index"`
	CreatedAt   time.Time `gorm:"autoCreateTime;not null"`
	PublishedAt *time.Time
}

func (WorkflowEvent) TableName() string {
	return "workflow_events"
}

// NewExecutionEvent snapshots the fields consumers of execution events rely on.
func NewExecutionEvent(eventType string, exec *WorkflowExecution) *WorkflowEvent {
	payload := JSONB{
		"execution_id":   exec.ID.String(),
		"workflow_id":    exec.WorkflowID.String(),
		"tenant_id":      exec.TenantID.String(),
		"status":         string(exec.Status),
		"trigger_type":   string(exec.TriggerType),
		"total_days":     exec.TotalDays,
		"days_processed": exec.DaysProcessed,
		"meta_fetched":   exec.MetaFetched,
		"pos_fetched":    exec.PosFetched,
		"error_count":    len(exec.Errors),
	}
	return &WorkflowEvent{
		EventID:     uuid.New(),
		EventType:   eventType,
		AggregateID: exec.ID,
		TenantID:    exec.TenantID,
		Payload:     payload,
		Status:      OutboxStatusPending,
	}
}
