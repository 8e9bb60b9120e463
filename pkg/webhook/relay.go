package webhook

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/metrics"
	"github.com/flowforge/syncflow/pkg/model"
)

// Relayer forwards an accepted payload to the tenant's downstream endpoint.
type Relayer struct {
	client  adapter.HTTPClient
	timeout time.Duration
	logger  *zap.Logger
}

func NewRelayer(client adapter.HTTPClient, timeout time.Duration, logger *zap.Logger) *Relayer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Relayer{client: client, timeout: timeout, logger: logger}
}

// Relay makes a single attempt. The returned error is informational; callers
// record the status and move on.
func (r *Relayer) Relay(ctx context.Context, cfg *model.WebhookConfig, payload []byte) (model.RelayStatus, error) {
	if cfg == nil || !cfg.RelayEnabled || cfg.RelayWebhookURL == "" {
		metrics.WebhookRelays.WithLabelValues(string(model.RelaySkipped)).Inc()
		return model.RelaySkipped, nil
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if cfg.RelayHeaderKey != "" && cfg.RelayAPIKey != "" {
		headers[cfg.RelayHeaderKey] = cfg.RelayAPIKey
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	status, err := r.client.Post(callCtx, cfg.RelayWebhookURL, headers, payload)
	if err != nil {
		r.logger.Warn("webhook relay failed",
			zap.String("tenant_id", cfg.TenantID.String()),
			zap.Int("status_code", status),
			zap.Error(err))
		metrics.WebhookRelays.WithLabelValues(string(model.RelayFailed)).Inc()
		return model.RelayFailed, err
	}
	metrics.WebhookRelays.WithLabelValues(string(model.RelaySuccess)).Inc()
	return model.RelaySuccess, nil
}
