// Package engine runs workflow executions: it walks the resolved days, calls
// the enabled providers one at a time with their configured delay, persists
// what they return and records per-call failures on the execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/daterange"
	"github.com/flowforge/syncflow/pkg/metrics"
	"github.com/flowforge/syncflow/pkg/model"
	"github.com/flowforge/syncflow/pkg/progress"
	"github.com/flowforge/syncflow/pkg/provider/meta"
	"github.com/flowforge/syncflow/pkg/provider/pancake"
	"github.com/flowforge/syncflow/pkg/store"
)

var ErrAlreadyRunning = errors.New("execution is already running in this engine")

const interruptedMessage = "execution interrupted"

type ExecutionStore interface {
	MarkRunning(ctx context.Context, exec *model.WorkflowExecution) error
	SaveProgress(ctx context.Context, exec *model.WorkflowExecution) error
	Finish(ctx context.Context, exec *model.WorkflowExecution) error
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
}

type WorkflowStore interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Workflow, error)
}

type IntegrationStore interface {
	GetIntegration(ctx context.Context, tenantID uuid.UUID, provider string) (*model.Integration, error)
}

type DataStore interface {
	UpsertPosOrder(ctx context.Context, order *model.PosOrder) (model.UpsertStatus, string, error)
	UpsertInsights(ctx context.Context, insights []model.MetaInsight) error
}

// Rescheduler recomputes a workflow's next run once an execution finished.
type Rescheduler interface {
	Reschedule(ctx context.Context, workflowID uuid.UUID, lastRunAt time.Time) error
}

type Config struct {
	MaxConcurrent int
	CallTimeout   time.Duration
}

type Dependencies struct {
	Executions   ExecutionStore
	Workflows    WorkflowStore
	Integrations IntegrationStore
	Data         DataStore
	Meta         meta.Client
	Pancake      pancake.Client
	Progress     progress.Publisher
	Rescheduler  Rescheduler
	Clock        adapter.Clock
}

type Engine struct {
	Dependencies
	logger      *zap.Logger
	callTimeout time.Duration
	pool        pond.Pool
	stopOnce    sync.Once

	mu sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

func New(cfg Config, deps Dependencies, logger *zap.Logger) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = adapter.NewClock()
	}
	return &Engine{
		Dependencies: deps,
		logger:       logger,
		callTimeout:  cfg.CallTimeout,
		pool:         pond.NewPool(cfg.MaxConcurrent),
		inFlight:     make(map[uuid.UUID]struct{}),
	}
}

// Start runs exec in the worker pool. ctx is the process lifetime: cancelling
// it interrupts running executions, it is not the user cancel path.
func (e *Engine) Start(ctx context.Context, exec *model.WorkflowExecution) error {
	e.mu.Lock()
	if _, ok := e.inFlight[exec.ID]; ok {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.inFlight[exec.ID] = struct{}{}
	e.mu.Unlock()

	e.pool.Submit(func() {
		defer e.release(exec.ID)
		if err := e.Execute(ctx, exec); err != nil {
			e.logger.Error("execution failed to run",
				zap.String("execution_id", exec.ID.String()),
				zap.String("workflow_id", exec.WorkflowID.String()),
				zap.Error(err))
		}
	})
	return nil
}

func (e *Engine) release(id uuid.UUID) {
	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()
}

// Running reports whether the engine is currently working on id.
func (e *Engine) Running(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[id]
	return ok
}

// Stop waits for running executions to return.
func (e *Engine) Stop() {
	e.stopOnce.Do(e.pool.StopAndWait)
}

// attempt is one provider call: a source for one account or shop on one day.
type attempt struct {
	source model.Source
	target string
	secret string
	// misconfigured is set when the source cannot be called at all; the
	// attempt then fails without a provider call.
	misconfigured string
}

type run struct {
	exec     *model.WorkflowExecution
	workflow *model.Workflow
	loc      *time.Location
	days     []daterange.Date
	plan     map[model.Source][]attempt
	sources  []model.Source
	attempts int
	failures int
}

// Execute runs exec to a terminal status in the calling goroutine.
func (e *Engine) Execute(ctx context.Context, exec *model.WorkflowExecution) error {
	workflow, err := e.Workflows.Get(ctx, exec.WorkflowID)
	if err != nil {
		return e.failBeforeStart(ctx, exec, fmt.Sprintf("load workflow: %v", err))
	}

	// The window is fixed at trigger time, not when a worker picks the run up.
	ref := exec.CreatedAt
	if ref.IsZero() {
		ref = e.Clock.Now()
	}
	loc := workflow.Location()
	days, err := daterange.Resolve(workflow.Config.DateRange, ref, loc)
	if err != nil {
		return e.failBeforeStart(ctx, exec, fmt.Sprintf("resolve date range: %v", err))
	}

	r := &run{
		exec:     exec,
		workflow: workflow,
		loc:      loc,
		days:     days,
		sources:  workflow.Config.EnabledSources(),
		plan:     make(map[model.Source][]attempt),
	}
	for _, source := range r.sources {
		r.plan[source] = e.planSource(ctx, exec.TenantID, source)
	}

	started := e.Clock.Now().UTC()
	exec.Status = model.ExecutionRunning
	exec.StartedAt = &started
	exec.TotalDays = len(days)
	exec.MetaTotal = len(days) * len(r.plan[model.SourceMeta])
	exec.PosTotal = len(days) * len(r.plan[model.SourcePOS])
	if len(days) > 0 {
		since, until := days[0].String(), days[len(days)-1].String()
		exec.DateRangeSince = &since
		exec.DateRangeUntil = &until
	}
	if exec.Errors == nil {
		exec.Errors = []model.ExecutionError{}
	}

	if err := e.Executions.MarkRunning(ctx, exec); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			e.logger.Info("execution no longer pending, skipping", zap.String("execution_id", exec.ID.String()))
			return nil
		}
		return fmt.Errorf("mark execution running: %w", err)
	}
	metrics.ExecutionsRunning.Inc()
	defer metrics.ExecutionsRunning.Dec()

	e.logger.Info("execution started",
		zap.String("execution_id", exec.ID.String()),
		zap.String("workflow_id", exec.WorkflowID.String()),
		zap.Int("days", len(days)),
		zap.Int("meta_calls", exec.MetaTotal),
		zap.Int("pos_calls", exec.PosTotal))
	e.publish(ctx, exec)

	status, loopErr := e.loop(ctx, r)
	if loopErr != nil {
		exec.ErrorMessage = interruptedMessage
		status = model.ExecutionFailed
	}
	return e.finish(ctx, r, status)
}

func (e *Engine) planSource(ctx context.Context, tenantID uuid.UUID, source model.Source) []attempt {
	provider, credential := model.ProviderMeta, "access_token"
	if source == model.SourcePOS {
		provider, credential = model.ProviderPancake, "api_key"
	}

	integration, err := e.Integrations.GetIntegration(ctx, tenantID, provider)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return []attempt{{source: source, misconfigured: provider + " integration is not configured"}}
	case err != nil:
		return []attempt{{source: source, misconfigured: fmt.Sprintf("load %s integration: %v", provider, err)}}
	case !integration.Enabled:
		return []attempt{{source: source, misconfigured: provider + " integration is disabled"}}
	}

	secret := integration.Credential(credential)
	if secret == "" {
		return []attempt{{source: source, misconfigured: provider + " integration has no " + credential}}
	}
	if len(integration.Accounts) == 0 {
		return []attempt{{source: source, misconfigured: provider + " integration has no accounts"}}
	}

	attempts := make([]attempt, 0, len(integration.Accounts))
	for _, account := range integration.Accounts {
		attempts = append(attempts, attempt{source: source, target: account, secret: secret})
	}
	return attempts
}

// loop returns CANCELLED when a cancel request was observed, otherwise the
// status implied by the attempt outcomes. An error means ctx ended.
func (e *Engine) loop(ctx context.Context, r *run) (model.ExecutionStatus, error) {
	exec := r.exec
	var delay time.Duration
	first := true

	for _, day := range r.days {
		for _, source := range r.sources {
			for _, a := range r.plan[source] {
				if !first {
					if err := e.Clock.Sleep(ctx, delay); err != nil {
						return "", err
					}
				}
				if e.cancelRequested(ctx, exec) {
					e.logger.Info("execution cancelled",
						zap.String("execution_id", exec.ID.String()),
						zap.Int("days_processed", exec.DaysProcessed))
					return model.ExecutionCancelled, nil
				}
				first = false
				delay = r.workflow.Config.Delay(source)

				e.runAttempt(ctx, r, day, a)
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
			}
			e.publish(ctx, exec)
		}

		exec.DaysProcessed++
		if err := e.Executions.SaveProgress(ctx, exec); err != nil {
			e.logger.Warn("failed to save execution progress", zap.String("execution_id", exec.ID.String()), zap.Error(err))
		}
		e.publish(ctx, exec)
	}

	return terminalStatus(r.attempts, r.failures), nil
}

func terminalStatus(attempts, failures int) model.ExecutionStatus {
	switch {
	case failures == 0:
		return model.ExecutionCompleted
	case failures == attempts:
		return model.ExecutionFailed
	default:
		return model.ExecutionPartial
	}
}

func (e *Engine) cancelRequested(ctx context.Context, exec *model.WorkflowExecution) bool {
	cancelled, err := e.Executions.IsCancelRequested(ctx, exec.ID)
	if err != nil {
		e.logger.Warn("failed to read cancel flag", zap.String("execution_id", exec.ID.String()), zap.Error(err))
		return false
	}
	return cancelled
}

func (e *Engine) runAttempt(ctx context.Context, r *run, day daterange.Date, a attempt) {
	exec := r.exec
	r.attempts++

	fetched, err := e.fetch(ctx, r, day, a)
	switch a.source {
	case model.SourceMeta:
		exec.MetaProcessed++
		exec.MetaFetched += fetched
	case model.SourcePOS:
		exec.PosProcessed++
		exec.PosFetched += fetched
	}

	if err == nil {
		return
	}
	r.failures++
	record := model.ExecutionError{Date: day.String(), Source: a.source, Error: err.Error()}
	if a.source == model.SourceMeta {
		record.AccountID = a.target
	} else {
		record.ShopID = a.target
	}
	exec.Errors = append(exec.Errors, record)

	e.logger.Warn("provider call failed",
		zap.String("execution_id", exec.ID.String()),
		zap.String("source", string(a.source)),
		zap.String("target", a.target),
		zap.String("date", day.String()),
		zap.Error(err))
}

// fetch performs one provider call and stores its result, returning the
// number of records fetched.
func (e *Engine) fetch(ctx context.Context, r *run, day daterange.Date, a attempt) (int, error) {
	if a.misconfigured != "" {
		metrics.ProviderCalls.WithLabelValues(string(a.source), "misconfigured").Inc()
		return 0, errors.New(a.misconfigured)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	started := e.Clock.Now()
	var count int
	var err error
	switch a.source {
	case model.SourceMeta:
		count, err = e.fetchMeta(callCtx, r.exec.TenantID, day, a)
	case model.SourcePOS:
		count, err = e.fetchPOS(callCtx, r.exec.TenantID, day, a, r.loc)
	default:
		err = fmt.Errorf("unknown source %q", a.source)
	}
	metrics.ProviderCallDuration.WithLabelValues(string(a.source)).Observe(e.Clock.Since(started).Seconds())

	outcome := "success"
	if err != nil {
		outcome = "failure"
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			outcome = "timeout"
			err = fmt.Errorf("timed out after %s: %w", e.callTimeout, err)
		}
	}
	metrics.ProviderCalls.WithLabelValues(string(a.source), outcome).Inc()
	return count, err
}

func (e *Engine) fetchMeta(ctx context.Context, tenantID uuid.UUID, day daterange.Date, a attempt) (int, error) {
	insights, err := e.Meta.FetchInsights(ctx, a.secret, a.target, day)
	if err != nil {
		return 0, err
	}
	for i := range insights {
		insights[i].TenantID = tenantID
		insights[i].AccountID = a.target
		insights[i].Date = day.String()
	}
	if err := e.Data.UpsertInsights(ctx, insights); err != nil {
		return 0, fmt.Errorf("store insights: %w", err)
	}
	return len(insights), nil
}

func (e *Engine) fetchPOS(ctx context.Context, tenantID uuid.UUID, day daterange.Date, a attempt, loc *time.Location) (int, error) {
	orders, err := e.Pancake.FetchOrders(ctx, a.secret, a.target, day, loc)
	if err != nil {
		return 0, err
	}
	for _, order := range orders {
		status, reason, err := e.Data.UpsertPosOrder(ctx, order.PosOrder(tenantID, model.OrderSourceSync))
		if err != nil {
			return 0, fmt.Errorf("store order %s: %w", order.ID, err)
		}
		if status == model.UpsertFailed {
			return 0, fmt.Errorf("store order %s: %s", order.ID, reason)
		}
	}
	return len(orders), nil
}

func (e *Engine) failBeforeStart(ctx context.Context, exec *model.WorkflowExecution, message string) error {
	now := e.Clock.Now().UTC()
	exec.Status = model.ExecutionFailed
	exec.ErrorMessage = message
	exec.CompletedAt = &now
	if exec.Errors == nil {
		exec.Errors = []model.ExecutionError{}
	}
	if err := e.Executions.Finish(ctx, exec); err != nil && !errors.Is(err, store.ErrStaleState) {
		return fmt.Errorf("fail execution: %w", err)
	}
	e.logger.Warn("execution failed before start",
		zap.String("execution_id", exec.ID.String()),
		zap.String("reason", message))
	metrics.ExecutionsTotal.WithLabelValues(exec.TenantID.String(), string(exec.TriggerType), string(exec.Status)).Inc()
	e.publish(ctx, exec)
	return nil
}

func (e *Engine) finish(ctx context.Context, r *run, status model.ExecutionStatus) error {
	exec := r.exec
	// The process may be shutting down; the terminal write must still land.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	completed := e.Clock.Now().UTC()
	exec.Status = status
	exec.CompletedAt = &completed

	if err := e.Executions.Finish(writeCtx, exec); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			e.logger.Warn("execution was finished elsewhere", zap.String("execution_id", exec.ID.String()))
			return nil
		}
		return fmt.Errorf("finish execution: %w", err)
	}

	e.publish(writeCtx, exec)
	metrics.ExecutionsTotal.WithLabelValues(exec.TenantID.String(), string(exec.TriggerType), string(status)).Inc()
	if exec.StartedAt != nil {
		metrics.ExecutionDuration.WithLabelValues(string(status)).Observe(completed.Sub(*exec.StartedAt).Seconds())
	}

	e.logger.Info("execution finished",
		zap.String("execution_id", exec.ID.String()),
		zap.String("status", string(status)),
		zap.Int("days_processed", exec.DaysProcessed),
		zap.Int("meta_fetched", exec.MetaFetched),
		zap.Int("pos_fetched", exec.PosFetched),
		zap.Int("errors", len(exec.Errors)))

	if e.Rescheduler != nil && exec.StartedAt != nil {
		if err := e.Rescheduler.Reschedule(writeCtx, exec.WorkflowID, *exec.StartedAt); err != nil {
			e.logger.Warn("failed to reschedule workflow", zap.String("workflow_id", exec.WorkflowID.String()), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, exec *model.WorkflowExecution) {
	if e.Progress == nil {
		return
	}
	if err := e.Progress.Publish(ctx, progress.FromExecution(exec, e.Clock.Now())); err != nil {
		e.logger.Debug("failed to publish progress", zap.String("execution_id", exec.ID.String()), zap.Error(err))
	}
}
