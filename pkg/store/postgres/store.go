package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/flowforge/syncflow/pkg/config"
	"github.com/flowforge/syncflow/pkg/model"
	"github.com/flowforge/syncflow/pkg/store"
)

type Store struct {
	db *gorm.DB
}

func NewStore(cfg *config.DatabaseConfig) (*Store, error) {
	logLevel := logger.Warn
	if cfg.LogQueries {
		logLevel = logger.Info
	}
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an existing connection.
func NewStoreFromDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping is used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&model.Tenant{},
		&model.Integration{},
		&model.Workflow{},
		&model.WorkflowExecution{},
		&model.WorkflowEvent{},
		&model.WebhookConfig{},
		&model.WebhookLog{},
		&model.WebhookLogOrder{},
		&model.PosOrder{},
		&model.MetaInsight{},
	)
}

var lockForUpdate = clause.Locking{Strength: "UPDATE"}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

type WorkflowRepository struct {
	db *gorm.DB
}

func NewWorkflowRepository(db *gorm.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

func (r *WorkflowRepository) Create(ctx context.Context, workflow *model.Workflow) error {
	if workflow.ID == uuid.Nil {
		workflow.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(workflow).Error
}

func (r *WorkflowRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*model.Workflow, error) {
	var workflow model.Workflow
	err := r.db.WithContext(ctx).
		First(&workflow, "id = ? AND tenant_id = ?", id, tenantID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &workflow, nil
}

// Get loads a workflow without tenant scoping, for internal callers.
func (r *WorkflowRepository) Get(ctx context.Context, id uuid.UUID) (*model.Workflow, error) {
	var workflow model.Workflow
	if err := r.db.WithContext(ctx).First(&workflow, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &workflow, nil
}

// Update saves the editable fields of a workflow.
func (r *WorkflowRepository) Update(ctx context.Context, workflow *model.Workflow) error {
	result := r.db.WithContext(ctx).Model(&model.Workflow{}).
		Where("id = ? AND tenant_id = ?", workflow.ID, workflow.TenantID).
		Updates(map[string]interface{}{
			"name":            workflow.Name,
			"description":     workflow.Description,
			"enabled":         workflow.Enabled,
			"schedule":        workflow.Schedule,
			"timezone":        workflow.Timezone,
			"config":          workflow.Config,
			"team_id":         workflow.TeamID,
			"shared_team_ids": workflow.SharedTeamIDs,
			"next_run_at":     workflow.NextRunAt,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete removes a workflow and its execution history unless an execution is
// still PENDING or RUNNING.
func (r *WorkflowRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var workflow model.Workflow
		if err := tx.Clauses(lockForUpdate).First(&workflow, "id = ? AND tenant_id = ?", id, tenantID).Error; err != nil {
			return notFound(err)
		}
		var active model.WorkflowExecution
		err := tx.Where("workflow_id = ? AND completed_at IS NULL", id).Take(&active).Error
		if err == nil {
			return &store.ActiveExecutionError{WorkflowID: id, ExecutionID: active.ID}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.Where("workflow_id = ?", id).Delete(&model.WorkflowExecution{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Workflow{}, "id = ?", id).Error
	})
}

func (r *WorkflowRepository) List(ctx context.Context, filter store.WorkflowFilter) ([]model.Workflow, int64, error) {
	var workflows []model.Workflow
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Workflow{}).Where("tenant_id = ?", filter.TenantID)

	if !filter.AllTeams {
		if len(filter.TeamIDs) == 0 {
			query = query.Where("team_id IS NULL")
		} else {
			query = query.Where("team_id IS NULL OR team_id::text IN ? OR shared_team_ids && ?",
				filter.TeamIDs, pq.StringArray(filter.TeamIDs))
		}
	}

	if filter.Enabled != nil {
		query = query.Where("enabled = ?", *filter.Enabled)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&workflows).Error

	return workflows, total, err
}

// ListDue returns enabled, scheduled workflows whose next run is at or before now.
func (r *WorkflowRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Workflow, error) {
	var workflows []model.Workflow
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND schedule IS NOT NULL AND schedule <> '' AND next_run_at <= ?", true, now).
		Order("next_run_at ASC").
		Limit(limit).
		Find(&workflows).Error
	return workflows, err
}

// ListMissingNextRun returns enabled, scheduled workflows that have never been
// given a next run time.
func (r *WorkflowRepository) ListMissingNextRun(ctx context.Context, limit int) ([]model.Workflow, error) {
	var workflows []model.Workflow
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND schedule IS NOT NULL AND schedule <> '' AND next_run_at IS NULL", true).
		Limit(limit).
		Find(&workflows).Error
	return workflows, err
}

// SetRunTimes updates lastRunAt (when given) and nextRunAt under a row lock so
// concurrent writers serialize.
func (r *WorkflowRepository) SetRunTimes(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt *time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var workflow model.Workflow
		if err := tx.Clauses(lockForUpdate).Select("id").First(&workflow, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		updates := map[string]interface{}{
			"next_run_at": nextRunAt,
			"updated_at":  time.Now().UTC(),
		}
		if lastRunAt != nil {
			updates["last_run_at"] = lastRunAt
		}
		return tx.Model(&model.Workflow{}).Where("id = ?", id).Updates(updates).Error
	})
}
