package apiserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/apiserver/handlers"
	"github.com/flowforge/syncflow/pkg/apiserver/middleware"
	"github.com/flowforge/syncflow/pkg/auth"
	"github.com/flowforge/syncflow/pkg/config"
	"github.com/flowforge/syncflow/pkg/progress"
	"github.com/flowforge/syncflow/pkg/webhook"
)

// Pinger is checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators behind the HTTP surface. Nil members
// leave their routes unregistered, which keeps tests small.
type Dependencies struct {
	Workflows  handlers.WorkflowStore
	Executions handlers.ExecutionReader
	Controller handlers.ExecutionController
	Webhooks   handlers.WebhookStore
	Gate       *webhook.Gate
	Hub        *progress.Hub
	Tokens     *auth.TokenManager
	Clock      adapter.Clock
	Checks     map[string]Pinger
}

type Server struct {
	router *gin.Engine
	cfg    *config.Config
	deps   Dependencies
	logger *zap.Logger
}

func NewServer(cfg *config.Config, deps Dependencies, logger *zap.Logger) *Server {
	if deps.Clock == nil {
		deps.Clock = adapter.NewClock()
	}
	if deps.Tokens == nil {
		deps.Tokens = auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, 0)
	}
	if deps.Hub == nil {
		deps.Hub = progress.NewHub(time.Hour)
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.CORS(s.cfg.Server.AllowOrigins))

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.deps.Gate != nil {
		receiveHandler := handlers.NewReceiveHandler(s.deps.Gate, s.cfg.Webhook.MaxBodyBytes, s.deps.Clock, s.logger)
		r.POST("/webhooks/pancake/:tenantId", receiveHandler.Receive)
	}

	api := r.Group("/api/v1")
	api.Use(middleware.Auth(s.deps.Tokens, s.logger))

	read := middleware.RequirePermission(auth.PermWorkflowsRead)
	write := middleware.RequirePermission(auth.PermWorkflowsWrite)
	execute := middleware.RequirePermission(auth.PermWorkflowsExecute)

	if s.deps.Workflows != nil {
		workflowHandler := handlers.NewWorkflowHandler(s.deps.Workflows, s.deps.Clock, s.cfg.Scheduler.DefaultTimezone, s.logger)
		api.POST("/workflows", write, workflowHandler.Create)
		api.GET("/workflows", read, workflowHandler.List)
		api.POST("/workflows/schedule/preview", read, workflowHandler.PreviewSchedule)
		api.GET("/workflows/:id", read, workflowHandler.Get)
		api.PUT("/workflows/:id", write, workflowHandler.Update)
		api.DELETE("/workflows/:id", write, workflowHandler.Delete)

		if s.deps.Executions != nil && s.deps.Controller != nil {
			executionHandler := handlers.NewExecutionHandler(s.deps.Workflows, s.deps.Executions, s.deps.Controller, s.deps.Hub, s.deps.Clock, s.logger)
			api.POST("/workflows/:id/trigger", execute, executionHandler.Trigger)
			api.GET("/workflows/:id/executions", read, executionHandler.List)
			api.GET("/workflows/:id/executions/:executionId", read, executionHandler.Get)
			api.POST("/workflows/:id/executions/:executionId/cancel", execute, executionHandler.Cancel)
			api.GET("/workflows/:id/executions/:executionId/progress", read, executionHandler.Progress)
			api.GET("/workflows/:id/executions/:executionId/progress/ws", read, executionHandler.ProgressWebSocket)
		}
	}

	if s.deps.Webhooks != nil {
		integrationsRead := middleware.RequirePermission(auth.PermIntegrationsRead)
		integrationsManage := middleware.RequirePermission(auth.PermIntegrationsManage)

		webhookHandler := handlers.NewWebhookHandler(s.deps.Webhooks, s.cfg.Webhook.PublicBaseURL, s.deps.Clock, s.logger)
		pancake := api.Group("/integrations/pancake/webhook")
		pancake.GET("", integrationsRead, webhookHandler.GetConfig)
		pancake.PATCH("", integrationsManage, webhookHandler.UpdateSettings)
		pancake.POST("/rotate-key", integrationsManage, webhookHandler.RotateKey)
		pancake.PATCH("/relay", integrationsManage, webhookHandler.UpdateRelay)
		pancake.GET("/logs", integrationsRead, webhookHandler.ListLogs)
		pancake.GET("/logs/:logId", integrationsRead, webhookHandler.GetLog)
	}

	s.router = r
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failures := gin.H{}
	for name, check := range s.deps.Checks {
		if err := check.Ping(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": failures})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// Hub is the in-process progress hub fed by the Redis bridge.
func (s *Server) Hub() *progress.Hub {
	return s.deps.Hub
}
