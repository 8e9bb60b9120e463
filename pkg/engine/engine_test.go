package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/daterange"
	"github.com/flowforge/syncflow/pkg/mocks"
	"github.com/flowforge/syncflow/pkg/model"
	"github.com/flowforge/syncflow/pkg/progress"
	"github.com/flowforge/syncflow/pkg/provider/pancake"
	"github.com/flowforge/syncflow/pkg/store"
)

var referenceTime = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	return ctx.Err()
}

type fakeExecutions struct {
	mu          sync.Mutex
	markErr     error
	cancelAfter int // IsCancelRequested turns true after this many checks; 0 never
	checks      int
	running     bool
	saves       int
	finished    *model.WorkflowExecution
}

func (s *fakeExecutions) MarkRunning(_ context.Context, exec *model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.running = true
	return nil
}

func (s *fakeExecutions) SaveProgress(context.Context, *model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return nil
}

func (s *fakeExecutions) Finish(_ context.Context, exec *model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished != nil {
		return store.ErrStaleState
	}
	snapshot := *exec
	snapshot.Errors = append([]model.ExecutionError(nil), exec.Errors...)
	s.finished = &snapshot
	return nil
}

func (s *fakeExecutions) IsCancelRequested(context.Context, uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	return s.cancelAfter > 0 && s.checks > s.cancelAfter, nil
}

func (s *fakeExecutions) result() *model.WorkflowExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

type fakeWorkflows struct {
	workflow *model.Workflow
}

func (s *fakeWorkflows) Get(_ context.Context, id uuid.UUID) (*model.Workflow, error) {
	if s.workflow == nil || s.workflow.ID != id {
		return nil, store.ErrNotFound
	}
	return s.workflow, nil
}

type fakeIntegrations map[string]*model.Integration

func (s fakeIntegrations) GetIntegration(_ context.Context, _ uuid.UUID, provider string) (*model.Integration, error) {
	integration, ok := s[provider]
	if !ok {
		return nil, store.ErrNotFound
	}
	return integration, nil
}

type fakeData struct {
	mu       sync.Mutex
	orders   []*model.PosOrder
	insights []model.MetaInsight
}

func (s *fakeData) UpsertPosOrder(_ context.Context, order *model.PosOrder) (model.UpsertStatus, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, order)
	return model.UpsertCreated, "", nil
}

func (s *fakeData) UpsertInsights(_ context.Context, insights []model.MetaInsight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights = append(s.insights, insights...)
	return nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	snapshots []progress.Snapshot
}

func (p *recordingPublisher) Publish(_ context.Context, snap progress.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, snap)
	return nil
}

func (p *recordingPublisher) last() progress.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshots[len(p.snapshots)-1]
}

type recordingRescheduler struct {
	mu    sync.Mutex
	calls []time.Time
}

func (r *recordingRescheduler) Reschedule(_ context.Context, _ uuid.UUID, lastRunAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, lastRunAt)
	return nil
}

type harness struct {
	engine      *Engine
	executions  *fakeExecutions
	data        *fakeData
	publisher   *recordingPublisher
	rescheduler *recordingRescheduler
	clock       *fakeClock
	meta        *mocks.MockMetaClient
	pancake     *mocks.MockPancakeClient
	workflow    *model.Workflow
	exec        *model.WorkflowExecution
}

func newHarness(t *testing.T, cfg model.WorkflowConfig, integrations fakeIntegrations) *harness {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	tenantID := uuid.New()
	workflow := &model.Workflow{ID: uuid.New(), TenantID: tenantID, Name: "sync", Enabled: true, Timezone: "UTC", Config: cfg}
	h := &harness{
		executions:  &fakeExecutions{},
		data:        &fakeData{},
		publisher:   &recordingPublisher{},
		rescheduler: &recordingRescheduler{},
		clock:       &fakeClock{now: referenceTime},
		meta:        mocks.NewMockMetaClient(ctrl),
		pancake:     mocks.NewMockPancakeClient(ctrl),
		workflow:    workflow,
		exec: &model.WorkflowExecution{
			ID:          uuid.New(),
			WorkflowID:  workflow.ID,
			TenantID:    tenantID,
			Status:      model.ExecutionPending,
			TriggerType: model.TriggerManual,
		},
	}
	h.engine = New(Config{MaxConcurrent: 2, CallTimeout: time.Second}, Dependencies{
		Executions:   h.executions,
		Workflows:    &fakeWorkflows{workflow: workflow},
		Integrations: integrations,
		Data:         h.data,
		Meta:         h.meta,
		Pancake:      h.pancake,
		Progress:     h.publisher,
		Rescheduler:  h.rescheduler,
		Clock:        h.clock,
	}, zap.NewNop())
	t.Cleanup(h.engine.Stop)
	return h
}

func bothSources(days int) model.WorkflowConfig {
	return model.WorkflowConfig{
		DateRange: daterange.Spec{Type: daterange.Relative, Days: days},
		Sources: model.SourcesConfig{
			Meta: model.SourceToggle{Enabled: true},
			POS:  model.SourceToggle{Enabled: true},
		},
		RateLimit: model.RateLimitConfig{MetaDelayMs: 1500, PosDelayMs: 200},
	}
}

func connected() fakeIntegrations {
	return fakeIntegrations{
		model.ProviderMeta: {
			Provider:    model.ProviderMeta,
			Enabled:     true,
			Credentials: model.JSONB{"access_token": "meta-token"},
			Accounts:    pq.StringArray{"act-1"},
		},
		model.ProviderPancake: {
			Provider:    model.ProviderPancake,
			Enabled:     true,
			Credentials: model.JSONB{"api_key": "pos-key"},
			Accounts:    pq.StringArray{"shop-1"},
		},
	}
}

func order(id string) pancake.Order {
	status := 1
	return pancake.Order{ID: id, ShopID: "shop-1", Status: &status, Raw: []byte(`{"id":"` + id + `"}`)}
}

func TestExecuteCompletesWhenEveryCallSucceeds(t *testing.T) {
	h := newHarness(t, bothSources(2), connected())

	h.meta.EXPECT().FetchInsights(gomock.Any(), "meta-token", "act-1", gomock.Any()).
		Return([]model.MetaInsight{{CampaignID: "c1"}, {CampaignID: "c2"}}, nil).Times(2)
	h.pancake.EXPECT().FetchOrders(gomock.Any(), "pos-key", "shop-1", gomock.Any(), time.UTC).
		Return([]pancake.Order{order("o1")}, nil).Times(2)

	require.NoError(t, h.engine.Execute(context.Background(), h.exec))

	result := h.executions.result()
	require.NotNil(t, result)
	assert.Equal(t, model.ExecutionCompleted, result.Status)
	assert.Equal(t, 2, result.TotalDays)
	assert.Equal(t, 2, result.DaysProcessed)
	assert.Equal(t, 4, result.MetaFetched)
	assert.Equal(t, 2, result.PosFetched)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "2024-03-08", *result.DateRangeSince)
	assert.Equal(t, "2024-03-09", *result.DateRangeUntil)
	require.NotNil(t, result.CompletedAt)

	assert.Len(t, h.data.insights, 4)
	assert.Equal(t, h.exec.TenantID, h.data.insights[0].TenantID)
	assert.Equal(t, "2024-03-08", h.data.insights[0].Date)
	require.Len(t, h.data.orders, 2)
	assert.Equal(t, model.OrderSourceSync, h.data.orders[0].Source)

	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 200 * time.Millisecond, 1500 * time.Millisecond}, h.clock.sleeps)

	last := h.publisher.last()
	assert.Equal(t, model.ExecutionCompleted, last.Status)
	assert.Equal(t, progress.Counter{Current: 2, Total: 2}, last.Progress)
	require.NotNil(t, last.MetaTotal)
	assert.Equal(t, 2, *last.MetaTotal)

	require.Len(t, h.rescheduler.calls, 1)
	assert.True(t, h.rescheduler.calls[0].Equal(referenceTime))
}

func TestExecutePartialWhenOneCallFails(t *testing.T) {
	h := newHarness(t, bothSources(2), connected())

	h.meta.EXPECT().FetchInsights(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).Times(2)
	gomock.InOrder(
		h.pancake.EXPECT().FetchOrders(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, errors.New("upstream 502")),
		h.pancake.EXPECT().FetchOrders(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return([]pancake.Order{order("o1")}, nil),
	)

	require.NoError(t, h.engine.Execute(context.Background(), h.exec))

	result := h.executions.result()
	assert.Equal(t, model.ExecutionPartial, result.Status)
	assert.Equal(t, 2, result.DaysProcessed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, model.ExecutionError{Date: "2024-03-08", Source: model.SourcePOS, ShopID: "shop-1", Error: "upstream 502"}, result.Errors[0])
	assert.Equal(t, 2, result.PosProcessed)
	assert.Equal(t, 1, result.PosFetched)
}

func TestExecuteFailedWhenEveryCallFails(t *testing.T) {
	h := newHarness(t, bothSources(1), connected())

	h.meta.EXPECT().FetchInsights(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("token expired"))
	h.pancake.EXPECT().FetchOrders(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, context.DeadlineExceeded)

	require.NoError(t, h.engine.Execute(context.Background(), h.exec))

	result := h.executions.result()
	assert.Equal(t, model.ExecutionFailed, result.Status)
	assert.Len(t, result.Errors, 2)
	assert.Equal(t, "act-1", result.Errors[0].AccountID)
	assert.Equal(t, 1, result.DaysProcessed)
}

func TestExecuteStopsAtCancelRequest(t *testing.T) {
	h := newHarness(t, bothSources(3), connected())
	h.executions.cancelAfter = 1

	h.meta.EXPECT().FetchInsights(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).Times(1)

	require.NoError(t, h.engine.Execute(context.Background(), h.exec))

	result := h.executions.result()
	assert.Equal(t, model.ExecutionCancelled, result.Status)
	assert.Equal(t, 0, result.DaysProcessed)
	assert.Equal(t, 1, result.MetaProcessed)
	assert.Equal(t, 0, result.PosProcessed)
	assert.Equal(t, model.ExecutionCancelled, h.publisher.last().Status)
}

func TestExecuteRecordsMissingIntegrationPerDay(t *testing.T) {
	cfg := bothSources(2)
	integrations := connected()
	delete(integrations, model.ProviderPancake)
	h := newHarness(t, cfg, integrations)

	h.meta.EXPECT().FetchInsights(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).Times(2)

	require.NoError(t, h.engine.Execute(context.Background(), h.exec))

	result := h.executions.result()
	assert.Equal(t, model.ExecutionPartial, result.Status)
	require.Len(t, result.Errors, 2)
	for _, record := range result.Errors {
		assert.Equal(t, model.SourcePOS, record.Source)
		assert.Contains(t, record.Error, "not configured")
	}
}

func TestExecuteDisabledIntegrationFails(t *testing.T) {
	cfg := bothSources(1)
	cfg.Sources.POS.Enabled = false
	integrations := connected()
	integrations[model.ProviderMeta].Enabled = false
	h := newHarness(t, cfg, integrations)

	require.NoError(t, h.engine.Execute(context.Background(), h.exec))

	result := h.executions.result()
	assert.Equal(t, model.ExecutionFailed, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Error, "disabled")
}

func TestExecuteWithoutSourcesCompletes(t *testing.T) {
	cfg := bothSources(2)
	cfg.Sources = model.SourcesConfig{}
	h := newHarness(t, cfg, connected())

	require.NoError(t, h.engine.Execute(context.Background(), h.exec))

	result := h.executions.result()
	assert.Equal(t, model.ExecutionCompleted, result.Status)
	assert.Equal(t, 2, result.DaysProcessed)
	assert.Empty(t, h.clock.sleeps)
}

func TestExecuteInvalidRangeFailsBeforeStart(t *testing.T) {
	cfg := bothSources(1)
	cfg.DateRange = daterange.Spec{Type: daterange.Absolute, Since: "2024-01-05", Until: "2024-01-03"}
	h := newHarness(t, cfg, connected())

	require.NoError(t, h.engine.Execute(context.Background(), h.exec))

	result := h.executions.result()
	assert.Equal(t, model.ExecutionFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "resolve date range")
	assert.False(t, h.executions.running)
	assert.Empty(t, h.rescheduler.calls)
}

func TestExecuteSkipsExecutionClaimedElsewhere(t *testing.T) {
	h := newHarness(t, bothSources(1), connected())
	h.executions.markErr = store.ErrStaleState

	require.NoError(t, h.engine.Execute(context.Background(), h.exec))
	assert.Nil(t, h.executions.result())
}

func TestExecuteHonoursConfiguredDelays(t *testing.T) {
	ctrl := gomock.NewController(t)
	clock := mocks.NewMockClock(ctrl)
	h := newHarness(t, bothSources(1), connected())
	h.engine.Clock = clock

	clock.EXPECT().Now().Return(referenceTime).AnyTimes()
	clock.EXPECT().Since(gomock.Any()).Return(time.Millisecond).AnyTimes()
	clock.EXPECT().Sleep(gomock.Any(), 1500*time.Millisecond).Return(nil).Times(1)

	h.meta.EXPECT().FetchInsights(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
	h.pancake.EXPECT().FetchOrders(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)

	require.NoError(t, h.engine.Execute(context.Background(), h.exec))
	assert.Equal(t, model.ExecutionCompleted, h.executions.result().Status)
}

func TestExecuteInterruptedByShutdown(t *testing.T) {
	h := newHarness(t, bothSources(2), connected())
	ctx, cancel := context.WithCancel(context.Background())

	h.meta.EXPECT().FetchInsights(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, string, daterange.Date) ([]model.MetaInsight, error) {
			cancel()
			return nil, nil
		})

	require.NoError(t, h.engine.Execute(ctx, h.exec))

	result := h.executions.result()
	assert.Equal(t, model.ExecutionFailed, result.Status)
	assert.Equal(t, interruptedMessage, result.ErrorMessage)
}

func TestStartRejectsDuplicateDispatch(t *testing.T) {
	cfg := bothSources(1)
	cfg.Sources.POS.Enabled = false
	h := newHarness(t, cfg, connected())

	release := make(chan struct{})
	entered := make(chan struct{})
	h.meta.EXPECT().FetchInsights(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, string, daterange.Date) ([]model.MetaInsight, error) {
			close(entered)
			<-release
			return nil, nil
		})

	require.NoError(t, h.engine.Start(context.Background(), h.exec))
	<-entered
	assert.True(t, h.engine.Running(h.exec.ID))
	assert.ErrorIs(t, h.engine.Start(context.Background(), h.exec), ErrAlreadyRunning)

	close(release)
	h.engine.Stop()
	assert.False(t, h.engine.Running(h.exec.ID))
	assert.Equal(t, model.ExecutionCompleted, h.executions.result().Status)
}

func TestTerminalStatus(t *testing.T) {
	assert.Equal(t, model.ExecutionCompleted, terminalStatus(0, 0))
	assert.Equal(t, model.ExecutionCompleted, terminalStatus(4, 0))
	assert.Equal(t, model.ExecutionPartial, terminalStatus(4, 1))
	assert.Equal(t, model.ExecutionFailed, terminalStatus(4, 4))
}

func TestExecuteResolvesRangeFromTriggerTime(t *testing.T) {
	h := newHarness(t, bothSources(1), connected())
	h.exec.CreatedAt = time.Date(2024, 3, 8, 23, 0, 0, 0, time.UTC)

	h.meta.EXPECT().FetchInsights(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
	h.pancake.EXPECT().FetchOrders(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)

	require.NoError(t, h.engine.Execute(context.Background(), h.exec))

	result := h.executions.result()
	require.NotNil(t, result)
	assert.Equal(t, "2024-03-07", *result.DateRangeSince)
	assert.Equal(t, "2024-03-07", *result.DateRangeUntil)
	assert.True(t, referenceTime.Equal(*result.StartedAt))
}
