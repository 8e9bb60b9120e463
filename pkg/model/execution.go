package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionPartial   ExecutionStatus = "PARTIAL"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionPartial, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionPartial, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether an execution may move from s to next.
// Nothing leaves a terminal status and nothing returns to PENDING or RUNNING.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	switch s {
	case ExecutionPending:
		return next == ExecutionRunning || next == ExecutionCancelled || next == ExecutionFailed
	case ExecutionRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

type TriggerType string

const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerScheduled TriggerType = "SCHEDULED"
)

// ExecutionError records one failed provider attempt.
type ExecutionError struct {
	Date      string `json:"date"`
	Source    Source `json:"source"`
	AccountID string `json:"accountId,omitempty"`
	ShopID    string `json:"shopId,omitempty"`
	Error     string `json:"error"`
}

type WorkflowExecution struct {
	ID             uuid.UUID       `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	WorkflowID     uuid.UUID       `gorm:"type:uuid;not null;index;index:idx_workflow_active_execution,unique,where:completed_at IS NULL"`
	Workflow       *Workflow       `gorm:"foreignKey:WorkflowID"`
	TenantID       uuid.UUID       `gorm:"type:uuid;not null;index"`
	Status         ExecutionStatus `gorm:"type:varchar(20);not null;default:'PENDING';index"`
	TriggerType    TriggerType     `gorm:"type:varchar(20);not null"`
	TriggeredBy    string
	DateRangeSince *string `gorm:"type:varchar(10)"`
	DateRangeUntil *string `gorm:"type:varchar(10)"`

	TotalDays     int `gorm:"not null;default:0"`
	DaysProcessed int `gorm:"not null;default:0"`
	MetaFetched   int `gorm:"not null;default:0"`
	PosFetched    int `gorm:"not null;default:0"`
	MetaTotal     int `gorm:"not null;default:0"`
	PosTotal      int `gorm:"not null;default:0"`
	MetaProcessed int `gorm:"not null;default:0"`
	PosProcessed  int `gorm:"not null;default:0"`

	Errors       datatypes.JSONSlice[ExecutionError] `gorm:"type:jsonb;not null;default:'[]'"`
	ErrorMessage string

	CancelRequested   bool `gorm:"not null;default:false"`
	CancelRequestedAt *time.Time
	HeartbeatAt       *time.Time
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

func (WorkflowExecution) TableName() string {
	return "workflow_executions"
}
