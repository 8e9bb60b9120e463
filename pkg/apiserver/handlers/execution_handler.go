package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/model"
	"github.com/flowforge/syncflow/pkg/progress"
	"github.com/flowforge/syncflow/pkg/scheduler"
	"github.com/flowforge/syncflow/pkg/store"
)

// ExecutionController is satisfied by *scheduler.Scheduler.
type ExecutionController interface {
	Trigger(ctx context.Context, workflowID uuid.UUID, triggeredBy string) (*model.WorkflowExecution, error)
	Cancel(ctx context.Context, workflowID, executionID uuid.UUID) (*model.WorkflowExecution, error)
}

type ExecutionReader interface {
	List(ctx context.Context, workflowID uuid.UUID, status *model.ExecutionStatus, limit, offset int) ([]model.WorkflowExecution, int64, error)
	GetForWorkflow(ctx context.Context, workflowID, id uuid.UUID) (*model.WorkflowExecution, error)
}

type ExecutionHandler struct {
	workflows  workflowGetter
	executions ExecutionReader
	controller ExecutionController
	hub        *progress.Hub
	clock      adapter.Clock
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	keepAlive  time.Duration
}

func NewExecutionHandler(
	workflows workflowGetter,
	executions ExecutionReader,
	controller ExecutionController,
	hub *progress.Hub,
	clock adapter.Clock,
	logger *zap.Logger,
) *ExecutionHandler {
	return &ExecutionHandler{
		workflows:  workflows,
		executions: executions,
		controller: controller,
		hub:        hub,
		clock:      clock,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Callers authenticate with a bearer token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		keepAlive: 15 * time.Second,
	}
}

type executionResponse struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflowId"`
	Status          model.ExecutionStatus  `json:"status"`
	TriggerType     model.TriggerType      `json:"triggerType"`
	TriggeredBy     string                 `json:"triggeredBy,omitempty"`
	DateRangeSince  *string                `json:"dateRangeSince"`
	DateRangeUntil  *string                `json:"dateRangeUntil"`
	TotalDays       int                    `json:"totalDays"`
	DaysProcessed   int                    `json:"daysProcessed"`
	MetaFetched     int                    `json:"metaFetched"`
	PosFetched      int                    `json:"posFetched"`
	Errors          []model.ExecutionError `json:"errors"`
	ErrorMessage    string                 `json:"errorMessage,omitempty"`
	CancelRequested bool                   `json:"cancelRequested"`
	CreatedAt       string                 `json:"createdAt"`
	StartedAt       *string                `json:"startedAt"`
	CompletedAt     *string                `json:"completedAt"`
}

func (h *ExecutionHandler) Trigger(c *gin.Context) {
	claims, tenantID, ok := caller(c)
	if !ok {
		return
	}
	workflow, ok := h.workflow(c)
	if !ok {
		return
	}

	exec, err := h.controller.Trigger(c.Request.Context(), workflow.ID, claims.Subject)
	if err != nil {
		var inProgress *scheduler.ExecutionInProgressError
		if errors.As(err, &inProgress) {
			c.JSON(http.StatusConflict, gin.H{
				"error":        "execution already in progress",
				"execution_id": inProgress.ExecutionID.String(),
			})
			return
		}
		h.logger.Error("failed to trigger workflow",
			zap.String("workflow_id", workflow.ID.String()),
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to trigger workflow"})
		return
	}

	c.JSON(http.StatusCreated, mapExecution(exec))
}

// Cancel is idempotent: a terminal execution is returned unchanged with 200.
func (h *ExecutionHandler) Cancel(c *gin.Context) {
	workflow, ok := h.workflow(c)
	if !ok {
		return
	}
	executionID, ok := uuidParam(c, "executionId", "execution id")
	if !ok {
		return
	}

	exec, err := h.controller.Cancel(c.Request.Context(), workflow.ID, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		h.logger.Error("failed to cancel execution", zap.String("execution_id", executionID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel execution"})
		return
	}

	c.JSON(http.StatusOK, mapExecution(exec))
}

func (h *ExecutionHandler) List(c *gin.Context) {
	workflow, ok := h.workflow(c)
	if !ok {
		return
	}

	var status *model.ExecutionStatus
	if value := strings.TrimSpace(c.Query("status")); value != "" {
		parsed := model.ExecutionStatus(strings.ToUpper(value))
		if !parsed.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		status = &parsed
	}

	limit := parseLimit(c.Query("limit"), 20, 100)
	offset := parseOffset(c.Query("offset"))

	executions, total, err := h.executions.List(c.Request.Context(), workflow.ID, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list executions", zap.String("workflow_id", workflow.ID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list executions"})
		return
	}

	response := make([]executionResponse, 0, len(executions))
	for i := range executions {
		response = append(response, mapExecution(&executions[i]))
	}

	c.JSON(http.StatusOK, gin.H{
		"executions": response,
		"total":      total,
	})
}

func (h *ExecutionHandler) Get(c *gin.Context) {
	exec, ok := h.execution(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, mapExecution(exec))
}

// Progress streams snapshots as Server-Sent Events until the execution is
// terminal or the client goes away.
func (h *ExecutionHandler) Progress(c *gin.Context) {
	updates, unsubscribe, ok := h.subscribe(c)
	if !ok {
		return
	}
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case snap, open := <-updates:
			if !open {
				c.SSEvent("end", gin.H{"executionId": c.Param("executionId")})
				c.Writer.Flush()
				return
			}
			c.SSEvent("progress", snap)
			c.Writer.Flush()
		case <-ticker.C:
			_, _ = c.Writer.WriteString(": keep-alive\n\n")
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

// ProgressWebSocket sends the same snapshots as JSON text frames and closes
// normally after the terminal one.
func (h *ExecutionHandler) ProgressWebSocket(c *gin.Context) {
	updates, unsubscribe, ok := h.subscribe(c)
	if !ok {
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Drain client frames so close and ping control messages are handled.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case snap, open := <-updates:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution finished"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// subscribe seeds the hub from the stored execution so a late subscriber
// still gets the current state, then attaches to it.
func (h *ExecutionHandler) subscribe(c *gin.Context) (<-chan progress.Snapshot, func(), bool) {
	exec, ok := h.execution(c)
	if !ok {
		return nil, nil, false
	}
	h.hub.Seed(progress.FromExecution(exec, h.clock.Now()))
	updates, unsubscribe := h.hub.Subscribe(exec.ID)
	return updates, unsubscribe, true
}

func (h *ExecutionHandler) workflow(c *gin.Context) (*model.Workflow, bool) {
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

func (h *ExecutionHandler) execution(c *gin.Context) (*model.WorkflowExecution, bool) {
	workflow, ok := h.workflow(c)
	if !ok {
		return nil, false
	}
	executionID, ok := uuidParam(c, "executionId", "execution id")
	if !ok {
		return nil, false
	}

	exec, err := h.executions.GetForWorkflow(c.Request.Context(), workflow.ID, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return nil, false
		}
		h.logger.Error("failed to get execution", zap.String("execution_id", executionID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get execution"})
		return nil, false
	}
	return exec, true
}

func mapExecution(exec *model.WorkflowExecution) executionResponse {
	errs := []model.ExecutionError(exec.Errors)
	if errs == nil {
		errs = []model.ExecutionError{}
	}
	return executionResponse{
		ID:              exec.ID.String(),
		WorkflowID:      exec.WorkflowID.String(),
		Status:          exec.Status,
		TriggerType:     exec.TriggerType,
		TriggeredBy:     exec.TriggeredBy,
		DateRangeSince:  exec.DateRangeSince,
		DateRangeUntil:  exec.DateRangeUntil,
		TotalDays:       exec.TotalDays,
		DaysProcessed:   exec.DaysProcessed,
		MetaFetched:     exec.MetaFetched,
		PosFetched:      exec.PosFetched,
		Errors:          errs,
		ErrorMessage:    exec.ErrorMessage,
		CancelRequested: exec.CancelRequested,
		CreatedAt:       formatTimeValue(exec.CreatedAt),
		StartedAt:       formatTime(exec.StartedAt),
		CompletedAt:     formatTime(exec.CompletedAt),
	}
}
