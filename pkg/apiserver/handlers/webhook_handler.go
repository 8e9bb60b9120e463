package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/apiserver/middleware"
	"github.com/flowforge/syncflow/pkg/model"
	"github.com/flowforge/syncflow/pkg/store"
	"github.com/flowforge/syncflow/pkg/store/postgres"
	"github.com/flowforge/syncflow/pkg/webhook"
)

const defaultHeaderKey = "X-API-Key"

var headerKeyPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,100}$`)

type WebhookStore interface {
	GetConfig(ctx context.Context, tenantID uuid.UUID) (*model.WebhookConfig, error)
	RotateKey(ctx context.Context, tenantID uuid.UUID, keyHash, last4, rotatedBy string, at time.Time) (*model.WebhookConfig, error)
	UpdateSettings(ctx context.Context, tenantID uuid.UUID, enabled bool, headerKey string, at time.Time) (*model.WebhookConfig, error)
	UpdateRelay(ctx context.Context, tenantID uuid.UUID, relay postgres.RelaySettings, updatedBy string, at time.Time) (*model.WebhookConfig, error)
	GetLog(ctx context.Context, tenantID, id uuid.UUID) (*model.WebhookLog, error)
	QueryLogs(ctx context.Context, filter store.WebhookLogFilter) ([]model.WebhookLog, int64, error)
}

// WebhookHandler serves the tenant facing webhook settings and logs.
type WebhookHandler struct {
	webhooks      WebhookStore
	publicBaseURL string
	clock         adapter.Clock
	logger        *zap.Logger
}

func NewWebhookHandler(webhooks WebhookStore, publicBaseURL string, clock adapter.Clock, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhooks:      webhooks,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		clock:         clock,
		logger:        logger,
	}
}

type webhookConfigResponse struct {
	Enabled         bool    `json:"enabled"`
	HeaderKey       string  `json:"headerKey"`
	WebhookURL      string  `json:"webhookUrl"`
	HasKey          bool    `json:"hasKey"`
	APIKeyLast4     string  `json:"apiKeyLast4,omitempty"`
	RotatedAt       *string `json:"rotatedAt"`
	RotatedBy       string  `json:"rotatedBy,omitempty"`
	RelayEnabled    bool    `json:"relayEnabled"`
	RelayWebhookURL string  `json:"relayWebhookUrl"`
	RelayHeaderKey  string  `json:"relayHeaderKey"`
	RelayAPIKeySet  bool    `json:"relayApiKeySet"`
	RelayUpdatedAt  *string `json:"relayUpdatedAt"`
	RelayUpdatedBy  string  `json:"relayUpdatedBy,omitempty"`
}

type webhookSettingsRequest struct {
	Enabled   *bool   `json:"enabled"`
	HeaderKey *string `json:"headerKey"`
}

type relayRequest struct {
	Enabled    bool    `json:"enabled"`
	WebhookURL string  `json:"webhookUrl"`
	HeaderKey  string  `json:"headerKey"`
	APIKey     *string `json:"apiKey"`
}

type webhookLogResponse struct {
	ID                   string                    `json:"id"`
	RequestID            string                    `json:"requestId"`
	Source               string                    `json:"source"`
	ReceiveHTTPStatus    int                       `json:"receiveHttpStatus"`
	ReceiveStatus        model.ReceiveStatus       `json:"receiveStatus"`
	ProcessStatus        *model.ProcessStatus      `json:"processStatus"`
	RelayStatus          *model.RelayStatus        `json:"relayStatus"`
	PayloadHash          string                    `json:"payloadHash"`
	PayloadBytes         int                       `json:"payloadBytes"`
	OrderCount           int                       `json:"orderCount"`
	UpsertedCount        int                       `json:"upsertedCount"`
	WarningCount         int                       `json:"warningCount"`
	Attempts             int                       `json:"attempts"`
	ErrorCode            string                    `json:"errorCode,omitempty"`
	ErrorMessage         string                    `json:"errorMessage,omitempty"`
	ReceiveDurationMs    int64                     `json:"receiveDurationMs"`
	ProcessingDurationMs *int64                    `json:"processingDurationMs"`
	TotalDurationMs      *int64                    `json:"totalDurationMs"`
	ReceivedAt           string                    `json:"receivedAt"`
	ProcessingStartedAt  *string                   `json:"processingStartedAt"`
	ProcessedAt          *string                   `json:"processedAt"`
	Orders               []webhookLogOrderResponse `json:"orders"`
}

type webhookLogOrderResponse struct {
	ShopID       string             `json:"shopId"`
	OrderID      string             `json:"orderId"`
	Status       *int               `json:"status"`
	UpsertStatus model.UpsertStatus `json:"upsertStatus"`
	Reason       string             `json:"reason,omitempty"`
	Warning      string             `json:"warning,omitempty"`
}

func (h *WebhookHandler) GetConfig(c *gin.Context) {
	_, tenantID, ok := caller(c)
	if !ok {
		return
	}

	cfg, err := h.webhooks.GetConfig(c.Request.Context(), tenantID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		cfg = &model.WebhookConfig{TenantID: tenantID, HeaderKey: defaultHeaderKey}
	case err != nil:
		h.logger.Error("failed to get webhook config", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get webhook config"})
		return
	}

	c.JSON(http.StatusOK, h.mapConfig(cfg))
}

func (h *WebhookHandler) UpdateSettings(c *gin.Context) {
	_, tenantID, ok := caller(c)
	if !ok {
		return
	}

	var req webhookSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	headerKey := ""
	if req.HeaderKey != nil {
		headerKey = strings.TrimSpace(*req.HeaderKey)
		if !headerKeyPattern.MatchString(headerKey) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid headerKey"})
			return
		}
	}

	ctx := c.Request.Context()
	enabled := false
	if req.Enabled != nil {
		enabled = *req.Enabled
	} else {
		current, err := h.webhooks.GetConfig(ctx, tenantID)
		switch {
		case err == nil:
			enabled = current.Enabled
		case !errors.Is(err, store.ErrNotFound):
			h.logger.Error("failed to get webhook config", zap.String("tenant_id", tenantID.String()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update webhook config"})
			return
		}
	}

	cfg, err := h.webhooks.UpdateSettings(ctx, tenantID, enabled, headerKey, h.clock.Now().UTC())
	if err != nil {
		h.logger.Error("failed to update webhook config", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update webhook config"})
		return
	}

	h.logger.Info("webhook settings updated", zap.String("tenant_id", tenantID.String()), zap.Bool("enabled", cfg.Enabled))
	c.JSON(http.StatusOK, h.mapConfig(cfg))
}

// RotateKey issues a new inbound key. The plaintext is only ever returned here.
func (h *WebhookHandler) RotateKey(c *gin.Context) {
	claims, tenantID, ok := caller(c)
	if !ok {
		return
	}

	key, err := webhook.GenerateKey()
	if err != nil {
		h.logger.Error("failed to generate webhook key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate key"})
		return
	}

	cfg, err := h.webhooks.RotateKey(c.Request.Context(), tenantID, key.Hash, key.Last4, claims.Subject, h.clock.Now().UTC())
	if err != nil {
		h.logger.Error("failed to rotate webhook key", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate key"})
		return
	}

	h.logger.Info("webhook key rotated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("rotated_by", claims.Subject),
		zap.String("last4", key.Last4))

	c.JSON(http.StatusOK, gin.H{
		"apiKey": key.Plaintext,
		"config": h.mapConfig(cfg),
	})
}

func (h *WebhookHandler) UpdateRelay(c *gin.Context) {
	claims, tenantID, ok := caller(c)
	if !ok {
		return
	}

	var req relayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	settings := postgres.RelaySettings{
		Enabled:    req.Enabled,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		HeaderKey:  strings.TrimSpace(req.HeaderKey),
		APIKey:     req.APIKey,
	}
	if settings.WebhookURL != "" {
		if err := validateRelayURL(settings.WebhookURL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhookUrl", "details": err.Error()})
			return
		}
	} else if settings.Enabled {
		c.JSON(http.StatusBadRequest, gin.H{"error": "webhookUrl is required when relay is enabled"})
		return
	}
	if settings.HeaderKey != "" && !headerKeyPattern.MatchString(settings.HeaderKey) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid headerKey"})
		return
	}
	if settings.APIKey != nil && *settings.APIKey != "" && settings.HeaderKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "headerKey is required with apiKey"})
		return
	}

	cfg, err := h.webhooks.UpdateRelay(c.Request.Context(), tenantID, settings, claims.Subject, h.clock.Now().UTC())
	if err != nil {
		h.logger.Error("failed to update relay config", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update relay config"})
		return
	}

	h.logger.Info("webhook relay updated",
		zap.String("tenant_id", tenantID.String()),
		zap.Bool("enabled", cfg.RelayEnabled),
		zap.String("updated_by", claims.Subject))
	c.JSON(http.StatusOK, h.mapConfig(cfg))
}

func (h *WebhookHandler) ListLogs(c *gin.Context) {
	_, tenantID, ok := caller(c)
	if !ok {
		return
	}

	filter, err := parseLogFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query", "details": err.Error()})
		return
	}
	filter.TenantID = tenantID

	logs, total, err := h.webhooks.QueryLogs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("failed to query webhook logs", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query webhook logs"})
		return
	}

	response := make([]webhookLogResponse, 0, len(logs))
	for i := range logs {
		response = append(response, mapWebhookLog(&logs[i]))
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":  response,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

func (h *WebhookHandler) GetLog(c *gin.Context) {
	_, tenantID, ok := caller(c)
	if !ok {
		return
	}
	logID, ok := uuidParam(c, "logId", "log id")
	if !ok {
		return
	}

	log, err := h.webhooks.GetLog(c.Request.Context(), tenantID, logID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "webhook log not found"})
			return
		}
		h.logger.Error("failed to get webhook log", zap.String("log_id", logID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get webhook log"})
		return
	}

	c.JSON(http.StatusOK, mapWebhookLog(log))
}

func (h *WebhookHandler) mapConfig(cfg *model.WebhookConfig) webhookConfigResponse {
	headerKey := cfg.HeaderKey
	if headerKey == "" {
		headerKey = defaultHeaderKey
	}
	return webhookConfigResponse{
		Enabled:         cfg.Enabled,
		HeaderKey:       headerKey,
		WebhookURL:      h.publicBaseURL + "/webhooks/pancake/" + cfg.TenantID.String(),
		HasKey:          cfg.APIKeyHash != "",
		APIKeyLast4:     cfg.APIKeyLast4,
		RotatedAt:       formatTime(cfg.RotatedAt),
		RotatedBy:       cfg.RotatedBy,
		RelayEnabled:    cfg.RelayEnabled,
		RelayWebhookURL: cfg.RelayWebhookURL,
		RelayHeaderKey:  cfg.RelayHeaderKey,
		RelayAPIKeySet:  cfg.RelayAPIKey != "",
		RelayUpdatedAt:  formatTime(cfg.RelayUpdatedAt),
		RelayUpdatedBy:  cfg.RelayUpdatedBy,
	}
}

func validateRelayURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if parsed.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

func parseLogFilter(c *gin.Context) (store.WebhookLogFilter, error) {
	filter := store.WebhookLogFilter{
		ReceiveStatus: model.ReceiveStatus(strings.ToUpper(strings.TrimSpace(c.Query("receive_status")))),
		ProcessStatus: model.ProcessStatus(strings.ToUpper(strings.TrimSpace(c.Query("process_status")))),
		RelayStatus:   model.RelayStatus(strings.ToUpper(strings.TrimSpace(c.Query("relay_status")))),
		ShopID:        strings.TrimSpace(c.Query("shop_id")),
		OrderID:       strings.TrimSpace(c.Query("order_id")),
		Search:        strings.TrimSpace(c.Query("search")),
		Page:          1,
		Limit:         parseLimit(c.Query("limit"), 50, 200),
	}
	if filter.ReceiveStatus != "" && !filter.ReceiveStatus.Valid() {
		return filter, errors.New("unknown receive_status")
	}
	if filter.ProcessStatus != "" && !filter.ProcessStatus.Valid() {
		return filter, errors.New("unknown process_status")
	}
	if filter.RelayStatus != "" && !filter.RelayStatus.Valid() {
		return filter, errors.New("unknown relay_status")
	}
	if page := c.Query("page"); page != "" {
		parsed, err := strconv.Atoi(page)
		if err != nil || parsed < 1 {
			return filter, errors.New("page must be a positive integer")
		}
		filter.Page = parsed
	}

	start, err := parseBound(c.Query("start_date"), false)
	if err != nil {
		return filter, errors.New("invalid start_date")
	}
	end, err := parseBound(c.Query("end_date"), true)
	if err != nil {
		return filter, errors.New("invalid end_date")
	}
	if start != nil && end != nil && !start.Before(*end) {
		return filter, errors.New("start_date must be before end_date")
	}
	filter.Start = start
	filter.End = end
	return filter, nil
}

// parseBound accepts RFC 3339 instants or plain dates. A plain end date
// covers that whole day.
func parseBound(value string, end bool) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, err
	}
	if end {
		t = t.AddDate(0, 0, 1)
	}
	return &t, nil
}

func mapWebhookLog(log *model.WebhookLog) webhookLogResponse {
	orders := make([]webhookLogOrderResponse, 0, len(log.Orders))
	for _, order := range log.Orders {
		orders = append(orders, webhookLogOrderResponse{
			ShopID:       order.ShopID,
			OrderID:      order.OrderID,
			Status:       order.Status,
			UpsertStatus: order.UpsertStatus,
			Reason:       order.Reason,
			Warning:      order.Warning,
		})
	}
	return webhookLogResponse{
		ID:                   log.ID.String(),
		RequestID:            log.RequestID,
		Source:               log.Source,
		ReceiveHTTPStatus:    log.ReceiveHTTPStatus,
		ReceiveStatus:        log.ReceiveStatus,
		ProcessStatus:        log.ProcessStatus,
		RelayStatus:          log.RelayStatus,
		PayloadHash:          log.PayloadHash,
		PayloadBytes:         log.PayloadBytes,
		OrderCount:           log.OrderCount,
		UpsertedCount:        log.UpsertedCount,
		WarningCount:         log.WarningCount,
		Attempts:             log.Attempts,
		ErrorCode:            log.ErrorCode,
		ErrorMessage:         log.ErrorMessage,
		ReceiveDurationMs:    log.ReceiveDurationMs,
		ProcessingDurationMs: log.ProcessingDurationMs,
		TotalDurationMs:      log.TotalDurationMs,
		ReceivedAt:           formatTimeValue(log.ReceivedAt),
		ProcessingStartedAt:  formatTime(log.ProcessingStartedAt),
		ProcessedAt:          formatTime(log.ProcessedAt),
		Orders:               orders,
	}
}

// ReceiveHandler is the public endpoint providers deliver webhooks to.
type ReceiveHandler struct {
	gate         *webhook.Gate
	maxBodyBytes int64
	clock        adapter.Clock
	logger       *zap.Logger
}

func NewReceiveHandler(gate *webhook.Gate, maxBodyBytes int64, clock adapter.Clock, logger *zap.Logger) *ReceiveHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &ReceiveHandler{gate: gate, maxBodyBytes: maxBodyBytes, clock: clock, logger: logger}
}

func (h *ReceiveHandler) Receive(c *gin.Context) {
	receivedAt := h.clock.Now().UTC()
	requestID := c.GetString(middleware.RequestIDKey)
	if requestID == "" {
		requestID = c.GetHeader(middleware.RequestIDHeader)
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large", "requestId": requestID})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body", "requestId": requestID})
		return
	}

	result := h.gate.Receive(c.Request.Context(), webhook.Request{
		TenantID:   c.Param("tenantId"),
		RequestID:  requestID,
		Header:     c.Request.Header,
		Body:       body,
		ReceivedAt: receivedAt,
	})

	if result.HTTPStatus == http.StatusAccepted {
		response := gin.H{"status": "accepted", "requestId": result.RequestID}
		if result.LogID != nil {
			response["logId"] = result.LogID.String()
		}
		c.JSON(http.StatusAccepted, response)
		return
	}

	if result.HTTPStatus == http.StatusTooManyRequests {
		c.Header("Retry-After", "1")
	}
	c.JSON(result.HTTPStatus, gin.H{
		"error":     result.Message,
		"code":      result.ErrorCode,
		"requestId": result.RequestID,
	})
}
