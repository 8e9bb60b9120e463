package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/syncflow/pkg/model"
	"github.com/flowforge/syncflow/pkg/store"
)

type ExecutionRepository struct {
	db *gorm.DB
}

func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// CreatePending inserts a PENDING execution unless the workflow already has an
// active one, in which case *store.ActiveExecutionError is returned.
func (r *ExecutionRepository) CreatePending(ctx context.Context, exec *model.WorkflowExecution) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var workflow model.Workflow
		if err := tx.Clauses(lockForUpdate).Select("id", "tenant_id").First(&workflow, "id = ?", exec.WorkflowID).Error; err != nil {
			return notFound(err)
		}
		exec.TenantID = workflow.TenantID
		return createPending(tx, exec)
	})
}

// CreateScheduled is the scheduler's variant of CreatePending. Inside one
// transaction it checks that the workflow is still due at expectedNextRunAt,
// moves next_run_at forward, and creates the execution when none is active.
// created is false when the firing was skipped because of an active execution.
func (r *ExecutionRepository) CreateScheduled(ctx context.Context, exec *model.WorkflowExecution, expectedNextRunAt time.Time, nextRunAt *time.Time) (created bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var workflow model.Workflow
		if err := tx.Clauses(lockForUpdate).First(&workflow, "id = ?", exec.WorkflowID).Error; err != nil {
			return notFound(err)
		}
		if !workflow.Enabled || workflow.NextRunAt == nil || !workflow.NextRunAt.Equal(expectedNextRunAt) {
			return store.ErrStaleState
		}
		if err := tx.Model(&model.Workflow{}).Where("id = ?", workflow.ID).Updates(map[string]interface{}{
			"next_run_at": nextRunAt,
			"updated_at":  time.Now().UTC(),
		}).Error; err != nil {
			return err
		}

		exec.TenantID = workflow.TenantID
		err := createPending(tx, exec)
		var active *store.ActiveExecutionError
		if errors.As(err, &active) {
			return nil
		}
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func createPending(tx *gorm.DB, exec *model.WorkflowExecution) error {
	var active model.WorkflowExecution
	err := tx.Select("id").Where("workflow_id = ? AND completed_at IS NULL", exec.WorkflowID).Take(&active).Error
	if err == nil {
		return &store.ActiveExecutionError{WorkflowID: exec.WorkflowID, ExecutionID: active.ID}
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	exec.Status = model.ExecutionPending
	if exec.Errors == nil {
		exec.Errors = []model.ExecutionError{}
	}
	if err := tx.Create(exec).Error; err != nil {
		return err
	}
	return tx.Create(model.NewExecutionEvent(model.EventExecutionCreated, exec)).Error
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error) {
	var exec model.WorkflowExecution
	if err := r.db.WithContext(ctx).First(&exec, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &exec, nil
}

// GetForWorkflow loads an execution only if it belongs to the given workflow.
func (r *ExecutionRepository) GetForWorkflow(ctx context.Context, workflowID, id uuid.UUID) (*model.WorkflowExecution, error) {
	var exec model.WorkflowExecution
	if err := r.db.WithContext(ctx).First(&exec, "id = ? AND workflow_id = ?", id, workflowID).Error; err != nil {
		return nil, notFound(err)
	}
	return &exec, nil
}

func (r *ExecutionRepository) List(ctx context.Context, workflowID uuid.UUID, status *model.ExecutionStatus, limit, offset int) ([]model.WorkflowExecution, int64, error) {
	var executions []model.WorkflowExecution
	var total int64

	query := r.db.WithContext(ctx).Model(&model.WorkflowExecution{}).Where("workflow_id = ?", workflowID)
	if status != nil {
		query = query.Where("status = ?", *status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&executions).Error
	return executions, total, err
}

func (r *ExecutionRepository) ListPending(ctx context.Context, limit int) ([]model.WorkflowExecution, error) {
	var executions []model.WorkflowExecution
	err := r.db.WithContext(ctx).
		Where("status = ?", model.ExecutionPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&executions).Error
	return executions, err
}

// MarkRunning moves a PENDING execution to RUNNING with its resolved window.
// store.ErrStaleState means the execution was claimed or cancelled elsewhere.
func (r *ExecutionRepository) MarkRunning(ctx context.Context, exec *model.WorkflowExecution) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.WorkflowExecution{}).
			Where("id = ? AND status = ? AND cancel_requested = ?", exec.ID, model.ExecutionPending, false).
			Updates(map[string]interface{}{
				"status":           model.ExecutionRunning,
				"started_at":       exec.StartedAt,
				"heartbeat_at":     exec.StartedAt,
				"date_range_since": exec.DateRangeSince,
				"date_range_until": exec.DateRangeUntil,
				"total_days":       exec.TotalDays,
				"meta_total":       exec.MetaTotal,
				"pos_total":        exec.PosTotal,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.ErrStaleState
		}
		return tx.Create(model.NewExecutionEvent(model.EventExecutionStarted, exec)).Error
	})
}

// SaveProgress persists counters and errors of a RUNNING execution and
// refreshes its heartbeat.
func (r *ExecutionRepository) SaveProgress(ctx context.Context, exec *model.WorkflowExecution) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&model.WorkflowExecution{}).
		Where("id = ? AND status = ?", exec.ID, model.ExecutionRunning).
		Updates(map[string]interface{}{
			"days_processed": exec.DaysProcessed,
			"meta_fetched":   exec.MetaFetched,
			"pos_fetched":    exec.PosFetched,
			"meta_processed": exec.MetaProcessed,
			"pos_processed":  exec.PosProcessed,
			"errors":         exec.Errors,
			"heartbeat_at":   now,
		}).Error
}

// Finish writes the terminal state. Executions that are already terminal are
// left untouched and store.ErrStaleState is returned.
func (r *ExecutionRepository) Finish(ctx context.Context, exec *model.WorkflowExecution) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.WorkflowExecution{}).
			Where("id = ? AND completed_at IS NULL", exec.ID).
			Updates(map[string]interface{}{
				"status":         exec.Status,
				"days_processed": exec.DaysProcessed,
				"meta_fetched":   exec.MetaFetched,
				"pos_fetched":    exec.PosFetched,
				"meta_processed": exec.MetaProcessed,
				"pos_processed":  exec.PosProcessed,
				"errors":         exec.Errors,
				"error_message":  exec.ErrorMessage,
				"completed_at":   exec.CompletedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.ErrStaleState
		}
		return tx.Create(model.NewExecutionEvent(model.EventExecutionFinished, exec)).Error
	})
}

func (r *ExecutionRepository) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var exec model.WorkflowExecution
	err := r.db.WithContext(ctx).Select("cancel_requested").First(&exec, "id = ?", id).Error
	if err != nil {
		return false, notFound(err)
	}
	return exec.CancelRequested, nil
}

// RequestCancel flags an execution for cancellation. A PENDING execution is
// cancelled on the spot; a RUNNING one is left for the engine to stop at its
// next checkpoint; a terminal one is returned unchanged.
func (r *ExecutionRepository) RequestCancel(ctx context.Context, workflowID, id uuid.UUID, at time.Time) (*model.WorkflowExecution, error) {
	var exec model.WorkflowExecution
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(lockForUpdate).First(&exec, "id = ? AND workflow_id = ?", id, workflowID).Error; err != nil {
			return notFound(err)
		}

		switch exec.Status {
		case model.ExecutionPending:
			exec.Status = model.ExecutionCancelled
			exec.CancelRequested = true
			exec.CancelRequestedAt = &at
			exec.CompletedAt = &at
			if err := tx.Model(&model.WorkflowExecution{}).Where("id = ?", exec.ID).Updates(map[string]interface{}{
				"status":              exec.Status,
				"cancel_requested":    true,
				"cancel_requested_at": at,
				"completed_at":        at,
			}).Error; err != nil {
				return err
			}
			return tx.Create(model.NewExecutionEvent(model.EventExecutionFinished, &exec)).Error

		case model.ExecutionRunning:
			if exec.CancelRequested {
				return nil
			}
			exec.CancelRequested = true
			exec.CancelRequestedAt = &at
			if err := tx.Model(&model.WorkflowExecution{}).Where("id = ?", exec.ID).Updates(map[string]interface{}{
				"cancel_requested":    true,
				"cancel_requested_at": at,
			}).Error; err != nil {
				return err
			}
			return tx.Create(model.NewExecutionEvent(model.EventExecutionCancelRequested, &exec)).Error

		default:
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListStale returns RUNNING executions whose heartbeat is older than before.
func (r *ExecutionRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]model.WorkflowExecution, error) {
	var executions []model.WorkflowExecution
	err := r.db.WithContext(ctx).
		Where("status = ? AND heartbeat_at < ?", model.ExecutionRunning, before).
		Limit(limit).
		Find(&executions).Error
	return executions, err
}
