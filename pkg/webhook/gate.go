package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/metrics"
	"github.com/flowforge/syncflow/pkg/model"
	"github.com/flowforge/syncflow/pkg/queue"
	"github.com/flowforge/syncflow/pkg/store"
)

const (
	ErrorCodeInvalidTenant    = "INVALID_TENANT"
	ErrorCodeDisabled         = "WEBHOOK_DISABLED"
	ErrorCodeAuthFailed       = "AUTH_FAILED"
	ErrorCodeQueueUnavailable = "QUEUE_UNAVAILABLE"
	ErrorCodeInternal         = "INTERNAL_ERROR"
	ErrorCodeRateLimited      = "RATE_LIMITED"

	maxRequestIDLength = 64

	limiterSweepInterval = 5 * time.Minute
)

type TenantResolver interface {
	GetActive(ctx context.Context, id uuid.UUID) (*model.Tenant, error)
}

type GateStore interface {
	GetConfig(ctx context.Context, tenantID uuid.UUID) (*model.WebhookConfig, error)
	CreateLog(ctx context.Context, log *model.WebhookLog) error
	CreateAcceptedLog(ctx context.Context, log *model.WebhookLog, enqueue func(ctx context.Context) error) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

type GateConfig struct {
	RateLimitRPS   float64
	RateLimitBurst int
}

// Request is one inbound delivery as seen by the HTTP layer.
type Request struct {
	TenantID   string
	RequestID  string
	Header     http.Header
	Body       []byte
	ReceivedAt time.Time
}

// Result tells the HTTP layer what to answer. LogID is nil when no log row
// was written.
type Result struct {
	HTTPStatus    int
	ReceiveStatus model.ReceiveStatus
	ErrorCode     string
	Message       string
	RequestID     string
	LogID         *uuid.UUID
	TenantID      *uuid.UUID
}

// Gate authenticates inbound deliveries and queues the accepted ones. It never
// parses the payload.
type Gate struct {
	tenants TenantResolver
	store   GateStore
	queue   Enqueuer
	clock   adapter.Clock
	logger  *zap.Logger

	limit     rate.Limit
	burst     int
	mu        sync.Mutex
	limiters  map[uuid.UUID]*rate.Limiter
	lastSweep time.Time
}

func NewGate(cfg GateConfig, tenants TenantResolver, st GateStore, q Enqueuer, clock adapter.Clock, logger *zap.Logger) *Gate {
	if clock == nil {
		clock = adapter.NewClock()
	}
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	return &Gate{
		tenants:  tenants,
		store:    st,
		queue:    q,
		clock:    clock,
		logger:   logger,
		limit:    limit,
		burst:    burst,
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
}

// Receive runs the synchronous part of a delivery: tenant resolution, the
// enabled check, key verification, the log row and the enqueue.
func (g *Gate) Receive(ctx context.Context, req Request) Result {
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = g.clock.Now().UTC()
	}
	requestID := normalizeRequestID(req.RequestID)
	log := &model.WebhookLog{
		RequestID:    requestID,
		Source:       model.WebhookSourcePancake,
		PayloadHash:  HashPayload(req.Body),
		PayloadBytes: len(req.Body),
		ReceivedAt:   req.ReceivedAt,
	}

	tenantID, err := uuid.Parse(strings.TrimSpace(req.TenantID))
	if err != nil {
		return g.reject(ctx, log, http.StatusBadRequest, model.ReceiveInvalidTenant, ErrorCodeInvalidTenant, "malformed tenant id")
	}

	if _, err := g.tenants.GetActive(ctx, tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return g.reject(ctx, log, http.StatusNotFound, model.ReceiveInvalidTenant, ErrorCodeInvalidTenant, "unknown tenant")
		}
		g.logger.Error("failed to resolve webhook tenant", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		return g.reject(ctx, log, http.StatusServiceUnavailable, model.ReceiveFailed, ErrorCodeInternal, "tenant lookup failed")
	}
	log.TenantID = &tenantID

	cfg, err := g.store.GetConfig(ctx, tenantID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return g.reject(ctx, log, http.StatusForbidden, model.ReceiveDisabled, ErrorCodeDisabled, "webhook is not configured")
	case err != nil:
		g.logger.Error("failed to load webhook config", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		return g.reject(ctx, log, http.StatusServiceUnavailable, model.ReceiveFailed, ErrorCodeInternal, "config lookup failed")
	case !cfg.Enabled:
		return g.reject(ctx, log, http.StatusForbidden, model.ReceiveDisabled, ErrorCodeDisabled, "webhook is disabled")
	}

	if !g.allow(tenantID) {
		metrics.WebhooksRateLimited.WithLabelValues(tenantID.String()).Inc()
		return Result{
			HTTPStatus: http.StatusTooManyRequests,
			ErrorCode:  ErrorCodeRateLimited,
			Message:    "too many requests",
			RequestID:  requestID,
			TenantID:   &tenantID,
		}
	}

	if !VerifyKey(req.Header.Get(cfg.HeaderKey), cfg.APIKeyHash) {
		return g.reject(ctx, log, http.StatusUnauthorized, model.ReceiveAuthFailed, ErrorCodeAuthFailed, "invalid api key")
	}

	return g.accept(ctx, log, req.Body)
}

func (g *Gate) accept(ctx context.Context, log *model.WebhookLog, body []byte) Result {
	queued := model.ProcessQueued
	job := &queue.Job{
		ID:          queue.NewJobID(),
		TenantID:    *log.TenantID,
		RequestID:   log.RequestID,
		PayloadHash: log.PayloadHash,
		Payload:     body,
		ReceivedAt:  log.ReceivedAt,
	}
	log.ID = uuid.New()
	log.ReceiveStatus = model.ReceiveAccepted
	log.ReceiveHTTPStatus = http.StatusAccepted
	log.ProcessStatus = &queued
	log.QueueJobID = job.ID
	log.ReceiveDurationMs = g.sinceMs(log.ReceivedAt)
	job.LogID = log.ID

	err := g.store.CreateAcceptedLog(ctx, log, func(ctx context.Context) error {
		return g.queue.Enqueue(ctx, job)
	})
	if err != nil {
		g.logger.Error("failed to queue webhook",
			zap.String("tenant_id", log.TenantID.String()),
			zap.String("request_id", log.RequestID),
			zap.Error(err))
		failed := &model.WebhookLog{
			TenantID:     log.TenantID,
			RequestID:    log.RequestID,
			Source:       log.Source,
			PayloadHash:  log.PayloadHash,
			PayloadBytes: log.PayloadBytes,
			ReceivedAt:   log.ReceivedAt,
		}
		return g.reject(ctx, failed, http.StatusServiceUnavailable, model.ReceiveFailed, ErrorCodeQueueUnavailable, "webhook queue unavailable")
	}

	metrics.WebhooksReceived.WithLabelValues(log.Source, string(model.ReceiveAccepted)).Inc()
	g.logger.Debug("webhook accepted",
		zap.String("tenant_id", log.TenantID.String()),
		zap.String("request_id", log.RequestID),
		zap.String("job_id", job.ID))
	logID := log.ID
	return Result{
		HTTPStatus:    http.StatusAccepted,
		ReceiveStatus: model.ReceiveAccepted,
		RequestID:     log.RequestID,
		LogID:         &logID,
		TenantID:      log.TenantID,
	}
}

// reject writes a log row for a delivery that will not be processed.
func (g *Gate) reject(ctx context.Context, log *model.WebhookLog, httpStatus int, status model.ReceiveStatus, code, message string) Result {
	log.ReceiveStatus = status
	log.ReceiveHTTPStatus = httpStatus
	log.ErrorCode = code
	log.ErrorMessage = message
	log.ReceiveDurationMs = g.sinceMs(log.ReceivedAt)

	result := Result{
		HTTPStatus:    httpStatus,
		ReceiveStatus: status,
		ErrorCode:     code,
		Message:       message,
		RequestID:     log.RequestID,
		TenantID:      log.TenantID,
	}
	metrics.WebhooksReceived.WithLabelValues(log.Source, string(status)).Inc()

	if err := g.store.CreateLog(ctx, log); err != nil {
		g.logger.Error("failed to write webhook log",
			zap.String("request_id", log.RequestID),
			zap.String("receive_status", string(status)),
			zap.Error(err))
		return result
	}
	logID := log.ID
	result.LogID = &logID
	g.logger.Info("webhook rejected",
		zap.String("request_id", log.RequestID),
		zap.String("receive_status", string(status)),
		zap.Int("http_status", httpStatus))
	return result
}

func (g *Gate) allow(tenantID uuid.UUID) bool {
	if g.limit == rate.Inf {
		return true
	}
	now := g.clock.Now()
	g.mu.Lock()
	if now.Sub(g.lastSweep) >= limiterSweepInterval {
		g.sweepLimiters(now)
		g.lastSweep = now
	}
	limiter, ok := g.limiters[tenantID]
	if !ok {
		limiter = rate.NewLimiter(g.limit, g.burst)
		g.limiters[tenantID] = limiter
	}
	g.mu.Unlock()
	return limiter.AllowN(now, 1)
}

// sweepLimiters drops limiters whose bucket has refilled. A fresh limiter
// behaves the same, so only idle tenants are forgotten. Callers hold g.mu.
func (g *Gate) sweepLimiters(now time.Time) {
	for id, limiter := range g.limiters {
		if limiter.TokensAt(now) >= float64(g.burst) {
			delete(g.limiters, id)
		}
	}
}

func (g *Gate) sinceMs(t time.Time) int64 {
	ms := g.clock.Now().Sub(t).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// normalizeRequestID keeps a caller supplied id that fits the column and
// otherwise generates a ULID.
func normalizeRequestID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxRequestIDLength {
		return ulid.Make().String()
	}
	return id
}
