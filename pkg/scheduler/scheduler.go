// Package scheduler turns workflow schedules and manual triggers into PENDING
// executions and hands pending executions to the execution engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/cronspec"
	"github.com/flowforge/syncflow/pkg/metrics"
	"github.com/flowforge/syncflow/pkg/model"
	"github.com/flowforge/syncflow/pkg/progress"
	"github.com/flowforge/syncflow/pkg/store"
)

const interruptedMessage = "execution interrupted"

// ExecutionInProgressError is returned by Trigger when the workflow already
// has a PENDING or RUNNING execution.
type ExecutionInProgressError struct {
	WorkflowID  uuid.UUID
	ExecutionID uuid.UUID
}

func (e *ExecutionInProgressError) Error() string {
	return fmt.Sprintf("workflow %s has execution %s in progress", e.WorkflowID, e.ExecutionID)
}

type WorkflowStore interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Workflow, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Workflow, error)
	ListMissingNextRun(ctx context.Context, limit int) ([]model.Workflow, error)
	SetRunTimes(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt *time.Time) error
}

type ExecutionStore interface {
	CreatePending(ctx context.Context, exec *model.WorkflowExecution) error
	CreateScheduled(ctx context.Context, exec *model.WorkflowExecution, expectedNextRunAt time.Time, nextRunAt *time.Time) (bool, error)
	ListPending(ctx context.Context, limit int) ([]model.WorkflowExecution, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]model.WorkflowExecution, error)
	RequestCancel(ctx context.Context, workflowID, id uuid.UUID, at time.Time) (*model.WorkflowExecution, error)
	Finish(ctx context.Context, exec *model.WorkflowExecution) error
}

// Runner executes claimed executions. *engine.Engine satisfies it.
type Runner interface {
	Start(ctx context.Context, exec *model.WorkflowExecution) error
	Running(id uuid.UUID) bool
}

type Config struct {
	PollInterval  time.Duration
	DispatchBatch int
	StaleAfter    time.Duration
}

type Scheduler struct {
	workflows  WorkflowStore
	executions ExecutionStore
	progress   progress.Publisher
	clock      adapter.Clock
	logger     *zap.Logger
	interval   time.Duration
	batch      int
	staleAfter time.Duration
}

func NewScheduler(
	cfg Config,
	workflows WorkflowStore,
	executions ExecutionStore,
	publisher progress.Publisher,
	clock adapter.Clock,
	logger *zap.Logger,
) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DispatchBatch <= 0 {
		cfg.DispatchBatch = 50
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if clock == nil {
		clock = adapter.NewClock()
	}
	return &Scheduler{
		workflows:  workflows,
		executions: executions,
		progress:   publisher,
		clock:      clock,
		logger:     logger,
		interval:   cfg.PollInterval,
		batch:      cfg.DispatchBatch,
		staleAfter: cfg.StaleAfter,
	}
}

// NextRun computes the workflow's next activation after from. Manual-only
// and disabled workflows have none.
func NextRun(workflow *model.Workflow, from time.Time) (*time.Time, error) {
	if workflow.ManualOnly() || !workflow.Enabled {
		return nil, nil
	}
	next, err := cronspec.Next(*workflow.Schedule, from, workflow.Location())
	if err != nil {
		return nil, err
	}
	return &next, nil
}

func (s *Scheduler) Run(ctx context.Context, runner Runner) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx, runner)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, runner)
		}
	}
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context, runner Runner) {
	s.initNextRuns(ctx)
	s.fireDue(ctx)
	s.failStale(ctx, runner)
	s.dispatch(ctx, runner)
}

func (s *Scheduler) initNextRuns(ctx context.Context) {
	workflows, err := s.workflows.ListMissingNextRun(ctx, s.batch)
	if err != nil {
		s.logger.Error("failed to list unscheduled workflows", zap.Error(err))
		return
	}
	now := s.clock.Now()
	for i := range workflows {
		workflow := &workflows[i]
		next, err := NextRun(workflow, now)
		if err != nil {
			s.logger.Warn("workflow has an invalid schedule",
				zap.String("workflow_id", workflow.ID.String()), zap.Error(err))
			continue
		}
		if err := s.workflows.SetRunTimes(ctx, workflow.ID, nil, next); err != nil {
			s.logger.Error("failed to set next run", zap.String("workflow_id", workflow.ID.String()), zap.Error(err))
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock.Now()
	workflows, err := s.workflows.ListDue(ctx, now, s.batch)
	if err != nil {
		s.logger.Error("failed to list due workflows", zap.Error(err))
		return
	}

	for i := range workflows {
		workflow := &workflows[i]
		next, err := NextRun(workflow, now)
		if err != nil {
			s.logger.Warn("workflow has an invalid schedule",
				zap.String("workflow_id", workflow.ID.String()), zap.Error(err))
			metrics.ScheduledFirings.WithLabelValues("invalid").Inc()
			continue
		}

		exec := &model.WorkflowExecution{
			WorkflowID:  workflow.ID,
			TriggerType: model.TriggerScheduled,
			TriggeredBy: "scheduler",
		}
		created, err := s.executions.CreateScheduled(ctx, exec, *workflow.NextRunAt, next)
		switch {
		case errors.Is(err, store.ErrStaleState), errors.Is(err, store.ErrNotFound):
			metrics.ScheduledFirings.WithLabelValues("stale").Inc()
		case err != nil:
			s.logger.Error("failed to fire scheduled workflow", zap.String("workflow_id", workflow.ID.String()), zap.Error(err))
			metrics.ScheduledFirings.WithLabelValues("error").Inc()
		case !created:
			s.logger.Info("scheduled firing skipped, execution in progress",
				zap.String("workflow_id", workflow.ID.String()))
			metrics.ScheduledFirings.WithLabelValues("skipped").Inc()
		default:
			s.logger.Info("scheduled execution created",
				zap.String("workflow_id", workflow.ID.String()),
				zap.String("execution_id", exec.ID.String()))
			metrics.ScheduledFirings.WithLabelValues("created").Inc()
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, runner Runner) {
	pending, err := s.executions.ListPending(ctx, s.batch)
	if err != nil {
		s.logger.Error("failed to load pending executions", zap.Error(err))
		return
	}
	for i := range pending {
		exec := pending[i]
		if runner.Running(exec.ID) {
			continue
		}
		if err := runner.Start(ctx, &exec); err != nil {
			s.logger.Warn("failed to start execution", zap.String("execution_id", exec.ID.String()), zap.Error(err))
		}
	}
}

// failStale closes RUNNING executions whose worker stopped heartbeating,
// typically because the process running them died.
func (s *Scheduler) failStale(ctx context.Context, runner Runner) {
	now := s.clock.Now().UTC()
	stale, err := s.executions.ListStale(ctx, now.Add(-s.staleAfter), s.batch)
	if err != nil {
		s.logger.Error("failed to list stale executions", zap.Error(err))
		return
	}
	for i := range stale {
		exec := &stale[i]
		if runner.Running(exec.ID) {
			continue
		}
		exec.Status = model.ExecutionFailed
		exec.ErrorMessage = interruptedMessage
		exec.CompletedAt = &now
		if err := s.executions.Finish(ctx, exec); err != nil {
			if !errors.Is(err, store.ErrStaleState) {
				s.logger.Error("failed to fail stale execution", zap.String("execution_id", exec.ID.String()), zap.Error(err))
			}
			continue
		}
		s.logger.Warn("stale execution marked failed", zap.String("execution_id", exec.ID.String()))
		metrics.ExecutionsTotal.WithLabelValues(exec.TenantID.String(), string(exec.TriggerType), string(exec.Status)).Inc()
		s.publish(ctx, exec)
		if err := s.Reschedule(ctx, exec.WorkflowID, startedOr(exec, now)); err != nil {
			s.logger.Warn("failed to reschedule workflow", zap.String("workflow_id", exec.WorkflowID.String()), zap.Error(err))
		}
	}
}

// Trigger creates a MANUAL execution. The scheduler process picks it up on
// its next dispatch pass.
func (s *Scheduler) Trigger(ctx context.Context, workflowID uuid.UUID, triggeredBy string) (*model.WorkflowExecution, error) {
	exec := &model.WorkflowExecution{
		WorkflowID:  workflowID,
		TriggerType: model.TriggerManual,
		TriggeredBy: triggeredBy,
	}
	if err := s.executions.CreatePending(ctx, exec); err != nil {
		var active *store.ActiveExecutionError
		if errors.As(err, &active) {
			return nil, &ExecutionInProgressError{WorkflowID: workflowID, ExecutionID: active.ExecutionID}
		}
		return nil, err
	}
	s.logger.Info("execution triggered",
		zap.String("workflow_id", workflowID.String()),
		zap.String("execution_id", exec.ID.String()),
		zap.String("triggered_by", triggeredBy))
	s.publish(ctx, exec)
	return exec, nil
}

// Cancel cancels a PENDING execution immediately and flags a RUNNING one for
// the engine to stop at its next provider call. Terminal executions are
// returned unchanged.
func (s *Scheduler) Cancel(ctx context.Context, workflowID, executionID uuid.UUID) (*model.WorkflowExecution, error) {
	exec, err := s.executions.RequestCancel(ctx, workflowID, executionID, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if exec.Status == model.ExecutionCancelled && exec.StartedAt == nil {
		s.logger.Info("pending execution cancelled", zap.String("execution_id", exec.ID.String()))
		s.publish(ctx, exec)
	} else if exec.CancelRequested && !exec.Status.IsTerminal() {
		s.logger.Info("cancel requested", zap.String("execution_id", exec.ID.String()))
	}
	return exec, nil
}

// Reschedule records lastRunAt and recomputes next_run_at from the workflow's
// current schedule.
func (s *Scheduler) Reschedule(ctx context.Context, workflowID uuid.UUID, lastRunAt time.Time) error {
	workflow, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	next, err := NextRun(workflow, s.clock.Now())
	if err != nil {
		return err
	}
	return s.workflows.SetRunTimes(ctx, workflowID, &lastRunAt, next)
}

func (s *Scheduler) publish(ctx context.Context, exec *model.WorkflowExecution) {
	if s.progress == nil {
		return
	}
	if err := s.progress.Publish(ctx, progress.FromExecution(exec, s.clock.Now())); err != nil {
		s.logger.Debug("failed to publish progress", zap.String("execution_id", exec.ID.String()), zap.Error(err))
	}
}

func startedOr(exec *model.WorkflowExecution, fallback time.Time) time.Time {
	if exec.StartedAt != nil {
		return *exec.StartedAt
	}
	return fallback
}
