package logger

import (
	"fmt"
	"strings"
	"time"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flowforge/syncflow/pkg/config"
)

// New builds the process logger. When a Sentry DSN is configured, error level
// entries are forwarded to Sentry and lower levels become breadcrumbs.
func New(cfg config.LoggingConfig, component string) (*zap.Logger, error) {
	var zapConfig zap.Config
	if strings.EqualFold(cfg.Format, "console") {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	base, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	base = base.With(zap.String("component", component))

	if cfg.SentryDSN == "" {
		return base, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:        cfg.SentryDSN,
		ServerName: component,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	sentry.CurrentHub().BindClient(client)

	core, err := zapsentry.NewCore(zapsentry.Configuration{
		Level:             zapcore.ErrorLevel,
		EnableBreadcrumbs: true,
		BreadcrumbLevel:   zapcore.InfoLevel,
		Tags:              map[string]string{"component": component},
	}, zapsentry.NewSentryClientFromClient(client))
	if err != nil {
		return nil, fmt.Errorf("init sentry core: %w", err)
	}

	return zapsentry.AttachCoreToLogger(core, base), nil
}

// Flush syncs the logger and drains buffered Sentry events.
func Flush(log *zap.Logger) {
	_ = log.Sync()
	sentry.Flush(2 * time.Second)
}
