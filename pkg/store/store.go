// Package store holds the types shared by the storage backends and their callers.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/syncflow/pkg/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleState is returned when a conditional update found the row in an
	// unexpected state, usually because another worker got there first.
	ErrStaleState = errors.New("record changed concurrently")
)

// ActiveExecutionError reports that a workflow already has a PENDING or RUNNING execution.
type ActiveExecutionError struct {
	WorkflowID  uuid.UUID
	ExecutionID uuid.UUID
}

func (e *ActiveExecutionError) Error() string {
	return fmt.Sprintf("workflow %s already has active execution %s", e.WorkflowID, e.ExecutionID)
}

// WorkflowFilter scopes a workflow listing to what the caller may see.
// With AllTeams unset, only tenant-wide workflows and those owned by or
// shared with TeamIDs are returned.
type WorkflowFilter struct {
	TenantID uuid.UUID
	TeamIDs  []string
	AllTeams bool
	Enabled  *bool
	Limit    int
	Offset   int
}

type WebhookLogFilter struct {
	TenantID      uuid.UUID
	ReceiveStatus model.ReceiveStatus
	ProcessStatus model.ProcessStatus
	RelayStatus   model.RelayStatus
	ShopID        string
	OrderID       string
	Search        string
	Start         *time.Time
	End           *time.Time
	Page          int
	Limit         int
}

func (f WebhookLogFilter) Offset() int {
	if f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}
