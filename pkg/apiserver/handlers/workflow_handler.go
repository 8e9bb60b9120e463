package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/auth"
	"github.com/flowforge/syncflow/pkg/cronspec"
	"github.com/flowforge/syncflow/pkg/daterange"
	"github.com/flowforge/syncflow/pkg/model"
	"github.com/flowforge/syncflow/pkg/scheduler"
	"github.com/flowforge/syncflow/pkg/store"
)

type WorkflowStore interface {
	Create(ctx context.Context, workflow *model.Workflow) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*model.Workflow, error)
	Update(ctx context.Context, workflow *model.Workflow) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
	List(ctx context.Context, filter store.WorkflowFilter) ([]model.Workflow, int64, error)
}

type WorkflowHandler struct {
	workflows       WorkflowStore
	clock           adapter.Clock
	defaultTimezone string
	logger          *zap.Logger
}

func NewWorkflowHandler(workflows WorkflowStore, clock adapter.Clock, defaultTimezone string, logger *zap.Logger) *WorkflowHandler {
	if defaultTimezone == "" {
		defaultTimezone = "UTC"
	}
	return &WorkflowHandler{workflows: workflows, clock: clock, defaultTimezone: defaultTimezone, logger: logger}
}

type workflowRequest struct {
	Name             string               `json:"name"`
	Description      string               `json:"description"`
	Enabled          *bool                `json:"enabled"`
	Schedule         *string              `json:"schedule"`
	ScheduleFriendly *cronspec.Friendly   `json:"scheduleFriendly"`
	Timezone         string               `json:"timezone"`
	Config           model.WorkflowConfig `json:"config"`
	TeamID           *string              `json:"teamId"`
	SharedTeamIDs    []string             `json:"sharedTeamIds"`
}

type workflowResponse struct {
	ID               string               `json:"id"`
	TenantID         string               `json:"tenantId"`
	Name             string               `json:"name"`
	Description      string               `json:"description"`
	Enabled          bool                 `json:"enabled"`
	Schedule         *string              `json:"schedule"`
	ScheduleFriendly *cronspec.Friendly   `json:"scheduleFriendly,omitempty"`
	Timezone         string               `json:"timezone"`
	Config           model.WorkflowConfig `json:"config"`
	TeamID           *string              `json:"teamId"`
	SharedTeamIDs    []string             `json:"sharedTeamIds"`
	LastRunAt        *string              `json:"lastRunAt"`
	NextRunAt        *string              `json:"nextRunAt"`
	CreatedBy        string               `json:"createdBy,omitempty"`
	CreatedAt        string               `json:"createdAt"`
	UpdatedAt        string               `json:"updatedAt"`
}

// requestError is a client mistake reported as 400 or 403.
type requestError struct {
	status  int
	message string
	details string
}

func (e *requestError) Error() string {
	return e.message
}

func badRequest(message string, err error) *requestError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return &requestError{status: http.StatusBadRequest, message: message, details: details}
}

func (h *WorkflowHandler) Create(c *gin.Context) {
	claims, tenantID, ok := caller(c)
	if !ok {
		return
	}

	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	workflow := &model.Workflow{
		ID:        uuid.New(),
		TenantID:  tenantID,
		CreatedBy: claims.Subject,
	}
	if reqErr := h.apply(claims, &req, workflow); reqErr != nil {
		writeRequestError(c, reqErr)
		return
	}

	if err := h.workflows.Create(c.Request.Context(), workflow); err != nil {
		h.logger.Error("failed to create workflow", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create workflow"})
		return
	}

	h.logger.Info("workflow created",
		zap.String("workflow_id", workflow.ID.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.Bool("manual_only", workflow.ManualOnly()))
	c.JSON(http.StatusCreated, mapWorkflow(workflow))
}

func (h *WorkflowHandler) List(c *gin.Context) {
	claims, tenantID, ok := caller(c)
	if !ok {
		return
	}

	filter := store.WorkflowFilter{
		TenantID: tenantID,
		TeamIDs:  claims.TeamIDs,
		AllTeams: claims.IsAdmin(),
		Limit:    parseLimit(c.Query("limit"), 20, 100),
		Offset:   parseOffset(c.Query("offset")),
	}
	switch strings.TrimSpace(c.Query("enabled")) {
	case "":
	case "true":
		enabled := true
		filter.Enabled = &enabled
	case "false":
		enabled := false
		filter.Enabled = &enabled
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid enabled filter"})
		return
	}

	workflows, total, err := h.workflows.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list workflows", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list workflows"})
		return
	}

	response := make([]workflowResponse, 0, len(workflows))
	for i := range workflows {
		response = append(response, mapWorkflow(&workflows[i]))
	}

	c.JSON(http.StatusOK, gin.H{
		"workflows": response,
		"total":     total,
	})
}

func (h *WorkflowHandler) Get(c *gin.Context) {
	workflow, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, mapWorkflow(workflow))
}

// Update replaces the editable fields and recomputes the next run.
func (h *WorkflowHandler) Update(c *gin.Context) {
	workflow, ok := h.load(c)
	if !ok {
		return
	}
	claims, _, _ := caller(c)

	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if reqErr := h.apply(claims, &req, workflow); reqErr != nil {
		writeRequestError(c, reqErr)
		return
	}

	if err := h.workflows.Update(c.Request.Context(), workflow); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		h.logger.Error("failed to update workflow", zap.String("workflow_id", workflow.ID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update workflow"})
		return
	}
	workflow.UpdatedAt = h.clock.Now().UTC()

	c.JSON(http.StatusOK, mapWorkflow(workflow))
}

func (h *WorkflowHandler) Delete(c *gin.Context) {
	workflow, ok := h.load(c)
	if !ok {
		return
	}

	err := h.workflows.Delete(c.Request.Context(), workflow.TenantID, workflow.ID)
	var active *store.ActiveExecutionError
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.As(err, &active):
		c.JSON(http.StatusConflict, gin.H{
			"error":        "workflow has an execution in progress",
			"execution_id": active.ExecutionID.String(),
		})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
	default:
		h.logger.Error("failed to delete workflow", zap.String("workflow_id", workflow.ID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete workflow"})
	}
}

type schedulePreviewRequest struct {
	Schedule string             `json:"schedule"`
	Friendly *cronspec.Friendly `json:"friendly"`
	Timezone string             `json:"timezone"`
	Count    int                `json:"count"`
}

// PreviewSchedule converts between the friendly and cron forms and lists the
// next activations.
func (h *WorkflowHandler) PreviewSchedule(c *gin.Context) {
	var req schedulePreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	expr := strings.TrimSpace(req.Schedule)
	if expr == "" && req.Friendly != nil {
		built, err := cronspec.ToCron(*req.Friendly)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule", "details": err.Error()})
			return
		}
		expr = built
	}
	if expr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "schedule or friendly is required"})
		return
	}

	loc, err := h.location(req.Timezone)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timezone", "details": err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > 20 {
		count = 5
	}

	runs := make([]string, 0, count)
	from := h.clock.Now()
	for i := 0; i < count; i++ {
		next, err := cronspec.Next(expr, from, loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule", "details": err.Error()})
			return
		}
		runs = append(runs, formatTimeValue(next))
		from = next
	}

	response := gin.H{
		"schedule": expr,
		"timezone": loc.String(),
		"nextRuns": runs,
	}
	if friendly, ok := cronspec.Parse(expr); ok {
		response["friendly"] = friendly
	}
	c.JSON(http.StatusOK, response)
}

func (h *WorkflowHandler) load(c *gin.Context) (*model.Workflow, bool) {
	claims, tenantID, ok := caller(c)
	if !ok {
		return nil, false
	}
	workflowID, ok := uuidParam(c, "id", "workflow id")
	if !ok {
		return nil, false
	}
	return loadWorkflow(c, h.workflows, h.logger, claims, tenantID, workflowID)
}

type workflowGetter interface {
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*model.Workflow, error)
}

// loadWorkflow answers 404 both for missing workflows and for ones hidden by
// team scoping.
func loadWorkflow(c *gin.Context, workflows workflowGetter, logger *zap.Logger, claims *auth.Claims, tenantID, workflowID uuid.UUID) (*model.Workflow, bool) {
	workflow, err := workflows.GetByID(c.Request.Context(), tenantID, workflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return nil, false
		}
		logger.Error("failed to get workflow", zap.String("workflow_id", workflowID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get workflow"})
		return nil, false
	}
	if !canSee(claims, workflow) {
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		return nil, false
	}
	return workflow, true
}

// apply validates req and copies it onto workflow, recomputing NextRunAt.
func (h *WorkflowHandler) apply(claims *auth.Claims, req *workflowRequest, workflow *model.Workflow) *requestError {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return badRequest("name is required", nil)
	}

	loc, err := h.location(req.Timezone)
	if err != nil {
		return badRequest("invalid timezone", err)
	}

	var schedule *string
	expr := ""
	if req.Schedule != nil {
		expr = strings.TrimSpace(*req.Schedule)
	}
	if expr == "" && req.ScheduleFriendly != nil {
		built, err := cronspec.ToCron(*req.ScheduleFriendly)
		if err != nil {
			return badRequest("invalid schedule", err)
		}
		expr = built
	}
	if expr != "" {
		if err := cronspec.Validate(expr); err != nil {
			return badRequest("invalid schedule", err)
		}
		schedule = &expr
	}

	if err := daterange.Validate(req.Config.DateRange); err != nil {
		return badRequest("invalid date range", err)
	}
	if req.Config.RateLimit.MetaDelayMs < 0 || req.Config.RateLimit.PosDelayMs < 0 {
		return badRequest("invalid rate limit", errors.New("delays must not be negative"))
	}

	var teamID *uuid.UUID
	if req.TeamID != nil && strings.TrimSpace(*req.TeamID) != "" {
		parsed, err := uuid.Parse(strings.TrimSpace(*req.TeamID))
		if err != nil {
			return badRequest("invalid teamId", err)
		}
		if !memberOf(claims, parsed) {
			return &requestError{status: http.StatusForbidden, message: "forbidden", details: "not a member of team " + parsed.String()}
		}
		teamID = &parsed
	}
	shared := make([]string, 0, len(req.SharedTeamIDs))
	for _, value := range req.SharedTeamIDs {
		parsed, err := uuid.Parse(strings.TrimSpace(value))
		if err != nil {
			return badRequest("invalid sharedTeamIds", fmt.Errorf("%q: %w", value, err))
		}
		shared = append(shared, parsed.String())
	}

	workflow.Name = name
	workflow.Description = req.Description
	workflow.Enabled = req.Enabled == nil || *req.Enabled
	workflow.Schedule = schedule
	workflow.Timezone = loc.String()
	workflow.Config = req.Config
	workflow.TeamID = teamID
	workflow.SharedTeamIDs = shared

	next, err := scheduler.NextRun(workflow, h.clock.Now())
	if err != nil {
		return badRequest("invalid schedule", err)
	}
	workflow.NextRunAt = next
	return nil
}

func (h *WorkflowHandler) location(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = h.defaultTimezone
	}
	return time.LoadLocation(name)
}

func writeRequestError(c *gin.Context, err *requestError) {
	body := gin.H{"error": err.message}
	if err.details != "" {
		body["details"] = err.details
	}
	c.JSON(err.status, body)
}

func mapWorkflow(workflow *model.Workflow) workflowResponse {
	response := workflowResponse{
		ID:            workflow.ID.String(),
		TenantID:      workflow.TenantID.String(),
		Name:          workflow.Name,
		Description:   workflow.Description,
		Enabled:       workflow.Enabled,
		Schedule:      workflow.Schedule,
		Timezone:      workflow.Timezone,
		Config:        workflow.Config,
		SharedTeamIDs: []string(workflow.SharedTeamIDs),
		LastRunAt:     formatTime(workflow.LastRunAt),
		NextRunAt:     formatTime(workflow.NextRunAt),
		CreatedBy:     workflow.CreatedBy,
		CreatedAt:     formatTimeValue(workflow.CreatedAt),
		UpdatedAt:     formatTimeValue(workflow.UpdatedAt),
	}
	if response.SharedTeamIDs == nil {
		response.SharedTeamIDs = []string{}
	}
	if workflow.TeamID != nil {
		team := workflow.TeamID.String()
		response.TeamID = &team
	}
	if !workflow.ManualOnly() {
		if friendly, ok := cronspec.Parse(*workflow.Schedule); ok {
			response.ScheduleFriendly = &friendly
		}
	}
	return response
}
