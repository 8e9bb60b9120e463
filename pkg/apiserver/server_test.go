package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/auth"
	"github.com/flowforge/syncflow/pkg/config"
	"github.com/flowforge/syncflow/pkg/model"
	"github.com/flowforge/syncflow/pkg/progress"
	"github.com/flowforge/syncflow/pkg/queue"
	"github.com/flowforge/syncflow/pkg/scheduler"
	"github.com/flowforge/syncflow/pkg/store"
	"github.com/flowforge/syncflow/pkg/store/postgres"
	"github.com/flowforge/syncflow/pkg/webhook"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return now }

func (fixedClock) Since(t time.Time) time.Duration { return now.Sub(t) }

func (fixedClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	ExecutionID string `json:"execution_id"`
}

type workflowStore struct {
	workflows map[uuid.UUID]*model.Workflow
	filter    store.WorkflowFilter
	deleteErr error
}

func newWorkflowStore() *workflowStore {
	return &workflowStore{workflows: make(map[uuid.UUID]*model.Workflow)}
}

func (s *workflowStore) Create(_ context.Context, workflow *model.Workflow) error {
	workflow.CreatedAt = now
	workflow.UpdatedAt = now
	s.workflows[workflow.ID] = workflow
	return nil
}

func (s *workflowStore) GetByID(_ context.Context, tenantID, id uuid.UUID) (*model.Workflow, error) {
	workflow, ok := s.workflows[id]
	if !ok || workflow.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	copied := *workflow
	return &copied, nil
}

func (s *workflowStore) Update(_ context.Context, workflow *model.Workflow) error {
	if _, ok := s.workflows[workflow.ID]; !ok {
		return store.ErrNotFound
	}
	s.workflows[workflow.ID] = workflow
	return nil
}

func (s *workflowStore) Delete(_ context.Context, _, id uuid.UUID) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.workflows, id)
	return nil
}

func (s *workflowStore) List(_ context.Context, filter store.WorkflowFilter) ([]model.Workflow, int64, error) {
	s.filter = filter
	var out []model.Workflow
	for _, workflow := range s.workflows {
		out = append(out, *workflow)
	}
	return out, int64(len(out)), nil
}

type executionStore struct {
	executions map[uuid.UUID]*model.WorkflowExecution
}

func (s *executionStore) List(_ context.Context, workflowID uuid.UUID, _ *model.ExecutionStatus, _, _ int) ([]model.WorkflowExecution, int64, error) {
	var out []model.WorkflowExecution
	for _, exec := range s.executions {
		if exec.WorkflowID == workflowID {
			out = append(out, *exec)
		}
	}
	return out, int64(len(out)), nil
}

func (s *executionStore) GetForWorkflow(_ context.Context, workflowID, id uuid.UUID) (*model.WorkflowExecution, error) {
	exec, ok := s.executions[id]
	if !ok || exec.WorkflowID != workflowID {
		return nil, store.ErrNotFound
	}
	return exec, nil
}

type controller struct {
	triggerErr error
	triggered  []uuid.UUID
	executions *executionStore
}

func (c *controller) Trigger(_ context.Context, workflowID uuid.UUID, triggeredBy string) (*model.WorkflowExecution, error) {
	if c.triggerErr != nil {
		return nil, c.triggerErr
	}
	c.triggered = append(c.triggered, workflowID)
	return &model.WorkflowExecution{
		ID:          uuid.New(),
		WorkflowID:  workflowID,
		Status:      model.ExecutionPending,
		TriggerType: model.TriggerManual,
		TriggeredBy: triggeredBy,
		CreatedAt:   now,
	}, nil
}

func (c *controller) Cancel(ctx context.Context, workflowID, executionID uuid.UUID) (*model.WorkflowExecution, error) {
	return c.executions.GetForWorkflow(ctx, workflowID, executionID)
}

type webhookStore struct {
	cfg      *model.WebhookConfig
	rotated  string
	relay    postgres.RelaySettings
	filter   store.WebhookLogFilter
	logs     []*model.WebhookLog
	accepted []*model.WebhookLog
}

func (s *webhookStore) GetConfig(_ context.Context, tenantID uuid.UUID) (*model.WebhookConfig, error) {
	if s.cfg == nil || s.cfg.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return s.cfg, nil
}

func (s *webhookStore) RotateKey(_ context.Context, tenantID uuid.UUID, keyHash, last4, rotatedBy string, at time.Time) (*model.WebhookConfig, error) {
	s.rotated = keyHash
	if s.cfg == nil {
		s.cfg = &model.WebhookConfig{TenantID: tenantID, HeaderKey: "X-API-Key"}
	}
	s.cfg.APIKeyHash = keyHash
	s.cfg.APIKeyLast4 = last4
	s.cfg.RotatedAt = &at
	s.cfg.RotatedBy = rotatedBy
	return s.cfg, nil
}

func (s *webhookStore) UpdateSettings(_ context.Context, tenantID uuid.UUID, enabled bool, headerKey string, _ time.Time) (*model.WebhookConfig, error) {
	if s.cfg == nil {
		s.cfg = &model.WebhookConfig{TenantID: tenantID, HeaderKey: "X-API-Key"}
	}
	s.cfg.Enabled = enabled
	if headerKey != "" {
		s.cfg.HeaderKey = headerKey
	}
	return s.cfg, nil
}

func (s *webhookStore) UpdateRelay(_ context.Context, tenantID uuid.UUID, relay postgres.RelaySettings, updatedBy string, at time.Time) (*model.WebhookConfig, error) {
	s.relay = relay
	if s.cfg == nil {
		s.cfg = &model.WebhookConfig{TenantID: tenantID}
	}
	s.cfg.RelayEnabled = relay.Enabled
	s.cfg.RelayWebhookURL = relay.WebhookURL
	s.cfg.RelayUpdatedBy = updatedBy
	s.cfg.RelayUpdatedAt = &at
	return s.cfg, nil
}

func (s *webhookStore) GetLog(_ context.Context, tenantID, id uuid.UUID) (*model.WebhookLog, error) {
	for _, log := range s.logs {
		if log.ID == id && log.TenantID != nil && *log.TenantID == tenantID {
			return log, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *webhookStore) QueryLogs(_ context.Context, filter store.WebhookLogFilter) ([]model.WebhookLog, int64, error) {
	s.filter = filter
	out := make([]model.WebhookLog, 0, len(s.logs))
	for _, log := range s.logs {
		out = append(out, *log)
	}
	return out, int64(len(out)), nil
}

func (s *webhookStore) CreateLog(_ context.Context, log *model.WebhookLog) error {
	log.ID = uuid.New()
	s.logs = append(s.logs, log)
	return nil
}

func (s *webhookStore) CreateAcceptedLog(ctx context.Context, log *model.WebhookLog, enqueue func(ctx context.Context) error) error {
	if err := enqueue(ctx); err != nil {
		return err
	}
	s.accepted = append(s.accepted, log)
	return nil
}

type tenants map[uuid.UUID]bool

func (t tenants) GetActive(_ context.Context, id uuid.UUID) (*model.Tenant, error) {
	if !t[id] {
		return nil, store.ErrNotFound
	}
	return &model.Tenant{ID: id, Active: true}, nil
}

type jobQueue struct {
	jobs []*queue.Job
}

func (q *jobQueue) Enqueue(_ context.Context, job *queue.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type fixture struct {
	server     *Server
	tokens     *auth.TokenManager
	tenantID   uuid.UUID
	workflows  *workflowStore
	executions *executionStore
	controller *controller
	webhooks   *webhookStore
	queue      *jobQueue
	hub        *progress.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.Issuer = "syncflow"
	cfg.Webhook.PublicBaseURL = "https://hooks.example.com/"
	cfg.Webhook.MaxBodyBytes = 1024

	f := &fixture{
		tokens:     auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, time.Hour),
		tenantID:   uuid.New(),
		workflows:  newWorkflowStore(),
		executions: &executionStore{executions: make(map[uuid.UUID]*model.WorkflowExecution)},
		webhooks:   &webhookStore{},
		queue:      &jobQueue{},
		hub:        progress.NewHub(time.Hour),
	}
	f.controller = &controller{executions: f.executions}

	gate := webhook.NewGate(webhook.GateConfig{}, tenants{f.tenantID: true}, f.webhooks, f.queue, fixedClock{}, zap.NewNop())
	f.server = NewServer(cfg, Dependencies{
		Workflows:  f.workflows,
		Executions: f.executions,
		Controller: f.controller,
		Webhooks:   f.webhooks,
		Gate:       gate,
		Hub:        f.hub,
		Tokens:     f.tokens,
		Clock:      fixedClock{},
	}, zap.NewNop())
	return f
}

func (f *fixture) token(t *testing.T, teams []string, perms ...string) string {
	t.Helper()
	token, err := f.tokens.Issue("user-1", f.tenantID.String(), teams, perms)
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		encoded, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.server.Router().ServeHTTP(recorder, req)
	return recorder
}

func (f *fixture) addWorkflow(teamID *uuid.UUID) *model.Workflow {
	schedule := "0 6 * * *"
	workflow := &model.Workflow{
		ID:       uuid.New(),
		TenantID: f.tenantID,
		Name:     "daily sync",
		Enabled:  true,
		Schedule: &schedule,
		Timezone: "UTC",
		TeamID:   teamID,
		Config: model.WorkflowConfig{
			Sources: model.SourcesConfig{Meta: model.SourceToggle{Enabled: true}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	workflow.Config.DateRange.Type = "rolling"
	f.workflows.workflows[workflow.ID] = workflow
	return workflow
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), out), recorder.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer(&config.Config{}, Dependencies{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, req)

	require.Equal(t, http.StatusOK, recorder.Code)
	var response healthResponse
	decode(t, recorder, &response)
	assert.Equal(t, "ok", response.Status)
	assert.NotEmpty(t, recorder.Header().Get("X-Request-ID"))
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthEndpointReportsFailedChecks(t *testing.T) {
	server := NewServer(&config.Config{}, Dependencies{Checks: map[string]Pinger{"redis": failingPinger{}}}, zap.NewNop())

	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "connection refused")
}

func TestAPIAuthRequired(t *testing.T) {
	f := newFixture(t)

	recorder := f.do(t, http.MethodGet, "/api/v1/workflows", "", nil)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	var response errorResponse
	decode(t, recorder, &response)
	assert.Equal(t, "missing authorization", response.Error)

	recorder = f.do(t, http.MethodGet, "/api/v1/workflows", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestPermissionsGateMutations(t *testing.T) {
	f := newFixture(t)
	readOnly := f.token(t, nil, auth.PermWorkflowsRead)

	recorder := f.do(t, http.MethodPost, "/api/v1/workflows", readOnly, map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusForbidden, recorder.Code)

	workflow := f.addWorkflow(nil)
	recorder = f.do(t, http.MethodPost, "/api/v1/workflows/"+workflow.ID.String()+"/trigger", readOnly, nil)
	assert.Equal(t, http.StatusForbidden, recorder.Code)
	assert.Empty(t, f.controller.triggered)
}

func TestCreateWorkflowComputesNextRun(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, nil, auth.PermWorkflowsWrite)

	recorder := f.do(t, http.MethodPost, "/api/v1/workflows", token, map[string]interface{}{
		"name":             "hourly ads",
		"scheduleFriendly": map[string]interface{}{"unit": "hours", "every": 2, "atMinute": 30},
		"timezone":         "Asia/Ho_Chi_Minh",
		"config": map[string]interface{}{
			"dateRange": map[string]interface{}{"type": "relative", "days": 3},
			"sources":   map[string]interface{}{"meta": map[string]bool{"enabled": true}},
			"rateLimit": map[string]int{"metaDelayMs": 500},
		},
	})
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())

	var response struct {
		ID        string  `json:"id"`
		Schedule  *string `json:"schedule"`
		NextRunAt *string `json:"nextRunAt"`
		Enabled   bool    `json:"enabled"`
		CreatedBy string  `json:"createdBy"`
	}
	decode(t, recorder, &response)
	require.NotNil(t, response.Schedule)
	assert.Equal(t, "30 */2 * * *", *response.Schedule)
	assert.True(t, response.Enabled)
	assert.Equal(t, "user-1", response.CreatedBy)
	// 19:00 local is 12:00 UTC; the next even hour at :30 is 20:30 local.
	require.NotNil(t, response.NextRunAt)
	assert.Equal(t, "2024-03-10T13:30:00Z", *response.NextRunAt)
}

func TestCreateManualWorkflowHasNoNextRun(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, nil, auth.PermWorkflowsWrite)

	recorder := f.do(t, http.MethodPost, "/api/v1/workflows", token, map[string]interface{}{
		"name":   "manual",
		"config": map[string]interface{}{"dateRange": map[string]interface{}{"type": "rolling"}},
	})
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())
	assert.Contains(t, recorder.Body.String(), `"nextRunAt":null`)
	assert.Contains(t, recorder.Body.String(), `"schedule":null`)
}

func TestCreateWorkflowRejectsInvalidConfiguration(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, nil, auth.PermWorkflowsWrite)
	rolling := map[string]interface{}{"dateRange": map[string]interface{}{"type": "rolling"}}

	cases := []struct {
		name string
		body  map[string]interface{}
		error string
	}{
		{"missing name", map[string]interface{}{"config": rolling}, "name is required"},
		{"bad cron", map[string]interface{}{"name": "x", "schedule": "61 * * * *", "config": rolling}, "invalid schedule"},
		{"bad timezone", map[string]interface{}{"name": "x", "timezone": "Mars/Base", "config": rolling}, "invalid timezone"},
		{"inverted range", map[string]interface{}{"name": "x", "config": map[string]interface{}{
			"dateRange": map[string]interface{}{"type": "absolute", "since": "2024-03-10", "until": "2024-03-01"},
		}}, "invalid date range"},
		{"unknown range type", map[string]interface{}{"name": "x", "config": map[string]interface{}{
			"dateRange": map[string]interface{}{"type": "weekly"},
		}}, "invalid date range"},
		{"negative delay", map[string]interface{}{"name": "x", "config": map[string]interface{}{
			"dateRange": map[string]interface{}{"type": "rolling"},
			"rateLimit": map[string]int{"posDelayMs": -1},
		}}, "invalid rate limit"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := f.do(t, http.MethodPost, "/api/v1/workflows", token, tc.body)
			require.Equal(t, http.StatusBadRequest, recorder.Code, recorder.Body.String())
			var response errorResponse
			decode(t, recorder, &response)
			assert.Equal(t, tc.error, response.Error)
		})
	}
	assert.Empty(t, f.workflows.workflows)
}

func TestCreateWorkflowForForeignTeamIsForbidden(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, []string{uuid.NewString()}, auth.PermWorkflowsWrite)

	recorder := f.do(t, http.MethodPost, "/api/v1/workflows", token, map[string]interface{}{
		"name":   "x",
		"teamId": uuid.NewString(),
		"config": map[string]interface{}{"dateRange": map[string]interface{}{"type": "rolling"}},
	})
	assert.Equal(t, http.StatusForbidden, recorder.Code)
}

func TestTeamScoping(t *testing.T) {
	f := newFixture(t)
	myTeam := uuid.New()
	otherTeam := uuid.New()
	mine := f.addWorkflow(&myTeam)
	hidden := f.addWorkflow(&otherTeam)
	shared := f.addWorkflow(&otherTeam)
	shared.SharedTeamIDs = []string{myTeam.String()}

	token := f.token(t, []string{myTeam.String()}, auth.PermWorkflowsRead)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/workflows/"+mine.ID.String(), token, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/workflows/"+shared.ID.String(), token, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/workflows/"+hidden.ID.String(), token, nil).Code)

	f.do(t, http.MethodGet, "/api/v1/workflows?limit=500", token, nil)
	assert.False(t, f.workflows.filter.AllTeams)
	assert.Equal(t, []string{myTeam.String()}, f.workflows.filter.TeamIDs)
	assert.Equal(t, 100, f.workflows.filter.Limit)

	admin := f.token(t, nil, auth.PermAdmin)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/workflows/"+hidden.ID.String(), admin, nil).Code)
	f.do(t, http.MethodGet, "/api/v1/workflows", admin, nil)
	assert.True(t, f.workflows.filter.AllTeams)
}

func TestUpdateWorkflowRecomputesNextRun(t *testing.T) {
	f := newFixture(t)
	workflow := f.addWorkflow(nil)
	token := f.token(t, nil, auth.PermWorkflowsWrite, auth.PermWorkflowsRead)

	recorder := f.do(t, http.MethodPut, "/api/v1/workflows/"+workflow.ID.String(), token, map[string]interface{}{
		"name":     "renamed",
		"schedule": "0 18 * * *",
		"enabled":  true,
		"config":   map[string]interface{}{"dateRange": map[string]interface{}{"type": "rolling", "offsetDays": 1}},
	})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	stored := f.workflows.workflows[workflow.ID]
	assert.Equal(t, "renamed", stored.Name)
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, time.Date(2024, 3, 10, 18, 0, 0, 0, time.UTC), *stored.NextRunAt)

	recorder = f.do(t, http.MethodPut, "/api/v1/workflows/"+workflow.ID.String(), token, map[string]interface{}{
		"name":     "renamed",
		"schedule": "0 18 * * *",
		"enabled":  false,
		"config":   map[string]interface{}{"dateRange": map[string]interface{}{"type": "rolling"}},
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Nil(t, f.workflows.workflows[workflow.ID].NextRunAt)
}

func TestDeleteWorkflowWithActiveExecution(t *testing.T) {
	f := newFixture(t)
	workflow := f.addWorkflow(nil)
	active := uuid.New()
	f.workflows.deleteErr = &store.ActiveExecutionError{WorkflowID: workflow.ID, ExecutionID: active}
	token := f.token(t, nil, auth.PermWorkflowsWrite)

	recorder := f.do(t, http.MethodDelete, "/api/v1/workflows/"+workflow.ID.String(), token, nil)
	require.Equal(t, http.StatusConflict, recorder.Code)
	var response errorResponse
	decode(t, recorder, &response)
	assert.Equal(t, active.String(), response.ExecutionID)

	f.workflows.deleteErr = nil
	recorder = f.do(t, http.MethodDelete, "/api/v1/workflows/"+workflow.ID.String(), token, nil)
	assert.Equal(t, http.StatusNoContent, recorder.Code)
}

func TestSchedulePreview(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, nil, auth.PermWorkflowsRead)

	recorder := f.do(t, http.MethodPost, "/api/v1/workflows/schedule/preview", token, map[string]interface{}{
		"friendly": map[string]interface{}{"unit": "days", "every": 1, "atHour": 6, "atMinute": 0},
		"count":    3,
	})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var response struct {
		Schedule string   `json:"schedule"`
		NextRuns []string `json:"nextRuns"`
		Friendly struct {
			Unit string `json:"unit"`
		} `json:"friendly"`
	}
	decode(t, recorder, &response)
	assert.Equal(t, "0 6 */1 * *", response.Schedule)
	assert.Equal(t, "days", response.Friendly.Unit)
	assert.Equal(t, []string{
		"2024-03-11T06:00:00Z",
		"2024-03-12T06:00:00Z",
		"2024-03-13T06:00:00Z",
	}, response.NextRuns)

	recorder = f.do(t, http.MethodPost, "/api/v1/workflows/schedule/preview", token, map[string]interface{}{"schedule": "bogus"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestTriggerConflictReportsActiveExecution(t *testing.T) {
	f := newFixture(t)
	workflow := f.addWorkflow(nil)
	token := f.token(t, nil, auth.PermWorkflowsExecute)

	recorder := f.do(t, http.MethodPost, "/api/v1/workflows/"+workflow.ID.String()+"/trigger", token, nil)
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())
	assert.Contains(t, recorder.Body.String(), `"status":"PENDING"`)
	assert.Contains(t, recorder.Body.String(), `"triggerType":"MANUAL"`)

	running := uuid.New()
	f.controller.triggerErr = &scheduler.ExecutionInProgressError{WorkflowID: workflow.ID, ExecutionID: running}
	recorder = f.do(t, http.MethodPost, "/api/v1/workflows/"+workflow.ID.String()+"/trigger", token, nil)
	require.Equal(t, http.StatusConflict, recorder.Code)
	var response errorResponse
	decode(t, recorder, &response)
	assert.Equal(t, running.String(), response.ExecutionID)
}

func TestTriggerUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, nil, auth.PermWorkflowsExecute)

	recorder := f.do(t, http.MethodPost, "/api/v1/workflows/"+uuid.NewString()+"/trigger", token, nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = f.do(t, http.MethodPost, "/api/v1/workflows/not-a-uuid/trigger", token, nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestCancelTerminalExecutionIsNoop(t *testing.T) {
	f := newFixture(t)
	workflow := f.addWorkflow(nil)
	completedAt := now.Add(-time.Minute)
	exec := &model.WorkflowExecution{
		ID:          uuid.New(),
		WorkflowID:  workflow.ID,
		Status:      model.ExecutionCompleted,
		TriggerType: model.TriggerScheduled,
		CreatedAt:   now.Add(-time.Hour),
		CompletedAt: &completedAt,
	}
	f.executions.executions[exec.ID] = exec
	token := f.token(t, nil, auth.PermWorkflowsExecute)

	path := "/api/v1/workflows/" + workflow.ID.String() + "/executions/" + exec.ID.String() + "/cancel"
	recorder := f.do(t, http.MethodPost, path, token, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"status":"COMPLETED"`)

	path = "/api/v1/workflows/" + workflow.ID.String() + "/executions/" + uuid.NewString() + "/cancel"
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, path, token, nil).Code)
}

func TestExecutionListAndDetail(t *testing.T) {
	f := newFixture(t)
	workflow := f.addWorkflow(nil)
	exec := &model.WorkflowExecution{
		ID:          uuid.New(),
		WorkflowID:  workflow.ID,
		Status:      model.ExecutionPartial,
		TriggerType: model.TriggerScheduled,
		TotalDays:   2,
		Errors:      []model.ExecutionError{{Date: "2024-03-09", Source: model.SourcePOS, ShopID: "77", Error: "timeout"}},
		CreatedAt:   now,
	}
	f.executions.executions[exec.ID] = exec
	token := f.token(t, nil, auth.PermWorkflowsRead)

	recorder := f.do(t, http.MethodGet, "/api/v1/workflows/"+workflow.ID.String()+"/executions?status=partial", token, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"total":1`)

	recorder = f.do(t, http.MethodGet, "/api/v1/workflows/"+workflow.ID.String()+"/executions?status=DONE", token, nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = f.do(t, http.MethodGet, "/api/v1/workflows/"+workflow.ID.String()+"/executions/"+exec.ID.String(), token, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"shopId":"77"`)
}

func TestProgressStreamEndsAtTerminalSnapshot(t *testing.T) {
	f := newFixture(t)
	workflow := f.addWorkflow(nil)
	exec := &model.WorkflowExecution{
		ID:            uuid.New(),
		WorkflowID:    workflow.ID,
		Status:        model.ExecutionCompleted,
		TotalDays:     3,
		DaysProcessed: 3,
		MetaTotal:     3,
		MetaProcessed: 3,
		CreatedAt:     now,
	}
	f.executions.executions[exec.ID] = exec
	token := f.token(t, nil, auth.PermWorkflowsRead)

	path := "/api/v1/workflows/" + workflow.ID.String() + "/executions/" + exec.ID.String() + "/progress?access_token=" + token
	recorder := f.do(t, http.MethodGet, path, "", nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))
	body := recorder.Body.String()
	assert.Contains(t, body, "event:progress")
	assert.Contains(t, body, `"progress":{"current":3,"total":3}`)
	assert.Contains(t, body, `"metaTotal":3`)
	assert.NotContains(t, body, "posTotal")
	assert.True(t, strings.Index(body, "event:progress") < strings.Index(body, "event:end"))
}

func TestWebhookSettingsAndRotation(t *testing.T) {
	f := newFixture(t)
	manage := f.token(t, nil, auth.PermIntegrationsManage, auth.PermIntegrationsRead)

	recorder := f.do(t, http.MethodGet, "/api/v1/integrations/pancake/webhook", manage, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var cfg struct {
		Enabled     bool   `json:"enabled"`
		HeaderKey   string `json:"headerKey"`
		WebhookURL  string `json:"webhookUrl"`
		HasKey      bool   `json:"hasKey"`
		APIKeyLast4 string `json:"apiKeyLast4"`
	}
	decode(t, recorder, &cfg)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "X-API-Key", cfg.HeaderKey)
	assert.Equal(t, "https://hooks.example.com/webhooks/pancake/"+f.tenantID.String(), cfg.WebhookURL)
	assert.False(t, cfg.HasKey)

	recorder = f.do(t, http.MethodPatch, "/api/v1/integrations/pancake/webhook", manage, map[string]interface{}{
		"enabled": true, "headerKey": "X-Pancake-Key",
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "X-Pancake-Key", f.webhooks.cfg.HeaderKey)

	recorder = f.do(t, http.MethodPatch, "/api/v1/integrations/pancake/webhook", manage, map[string]interface{}{
		"headerKey": "bad header",
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = f.do(t, http.MethodPost, "/api/v1/integrations/pancake/webhook/rotate-key", manage, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var rotated struct {
		APIKey string `json:"apiKey"`
	}
	decode(t, recorder, &rotated)
	assert.True(t, strings.HasPrefix(rotated.APIKey, "whk_"))
	assert.Equal(t, webhook.HashKey(rotated.APIKey), f.webhooks.rotated)
	assert.NotContains(t, recorder.Body.String(), f.webhooks.rotated)

	recorder = f.do(t, http.MethodGet, "/api/v1/integrations/pancake/webhook", manage, nil)
	decode(t, recorder, &cfg)
	assert.True(t, cfg.HasKey)
	assert.Equal(t, rotated.APIKey[len(rotated.APIKey)-4:], cfg.APIKeyLast4)
	assert.NotContains(t, recorder.Body.String(), rotated.APIKey)
}

func TestRelaySettingsValidation(t *testing.T) {
	f := newFixture(t)
	manage := f.token(t, nil, auth.PermIntegrationsManage)

	cases := []struct {
		name string
		body map[string]interface{}
		code int
	}{
		{"enabled without url", map[string]interface{}{"enabled": true}, http.StatusBadRequest},
		{"bad scheme", map[string]interface{}{"enabled": true, "webhookUrl": "ftp://x"}, http.StatusBadRequest},
		{"key without header", map[string]interface{}{"enabled": true, "webhookUrl": "https://x.example.com", "apiKey": "k"}, http.StatusBadRequest},
		{"valid", map[string]interface{}{"enabled": true, "webhookUrl": "https://x.example.com/in", "headerKey": "X-Relay-Key", "apiKey": "k"}, http.StatusOK},
		{"disabled without url", map[string]interface{}{"enabled": false}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := f.do(t, http.MethodPatch, "/api/v1/integrations/pancake/webhook/relay", manage, tc.body)
			assert.Equal(t, tc.code, recorder.Code, recorder.Body.String())
		})
	}
	assert.False(t, f.webhooks.relay.Enabled)
	assert.Nil(t, f.webhooks.relay.APIKey)
}

func TestWebhookLogQueryFilters(t *testing.T) {
	f := newFixture(t)
	read := f.token(t, nil, auth.PermIntegrationsRead)

	path := "/api/v1/integrations/pancake/webhook/logs?process_status=partial&shop_id=77&start_date=2024-03-01&end_date=2024-03-09&page=2&limit=10"
	recorder := f.do(t, http.MethodGet, path, read, nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	filter := f.webhooks.filter
	assert.Equal(t, f.tenantID, filter.TenantID)
	assert.Equal(t, model.ProcessPartial, filter.ProcessStatus)
	assert.Equal(t, "77", filter.ShopID)
	assert.Equal(t, 2, filter.Page)
	assert.Equal(t, 10, filter.Limit)
	require.NotNil(t, filter.Start)
	require.NotNil(t, filter.End)
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), *filter.End)

	recorder = f.do(t, http.MethodGet, "/api/v1/integrations/pancake/webhook/logs?relay_status=MAYBE", read, nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = f.do(t, http.MethodGet, "/api/v1/integrations/pancake/webhook/logs?start_date=2024-03-09&end_date=2024-03-01", read, nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestWebhookReceiveThroughGate(t *testing.T) {
	f := newFixture(t)
	key, err := webhook.GenerateKey()
	require.NoError(t, err)
	f.webhooks.cfg = &model.WebhookConfig{
		TenantID:   f.tenantID,
		Enabled:    true,
		HeaderKey:  "X-API-Key",
		APIKeyHash: key.Hash,
	}
	payload := `{"id":"1001","shop_id":"77","status":1}`

	send := func(apiKey, requestID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/pancake/"+f.tenantID.String(), strings.NewReader(payload))
		req.Header.Set("X-API-Key", apiKey)
		if requestID != "" {
			req.Header.Set("X-Request-ID", requestID)
		}
		recorder := httptest.NewRecorder()
		f.server.Router().ServeHTTP(recorder, req)
		return recorder
	}

	recorder := send(key.Plaintext, "req-1")
	require.Equal(t, http.StatusAccepted, recorder.Code, recorder.Body.String())
	assert.Equal(t, "req-1", recorder.Header().Get("X-Request-ID"))
	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, "req-1", f.queue.jobs[0].RequestID)
	assert.Equal(t, []byte(payload), f.queue.jobs[0].Payload)

	recorder = send("whk_wrong", "req-2")
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	var response errorResponse
	decode(t, recorder, &response)
	assert.Equal(t, webhook.ErrorCodeAuthFailed, response.Code)
	assert.Len(t, f.queue.jobs, 1)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/pancake/not-a-tenant", strings.NewReader(payload))
	recorder = httptest.NewRecorder()
	f.server.Router().ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestWebhookReceiveRejectsOversizedBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/pancake/"+f.tenantID.String(), strings.NewReader(strings.Repeat("x", 2048)))
	recorder := httptest.NewRecorder()
	f.server.Router().ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, recorder.Code)
	assert.Empty(t, f.queue.jobs)
	assert.Empty(t, f.webhooks.logs)
}
