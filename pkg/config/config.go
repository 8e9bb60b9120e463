package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	Kafka     KafkaConfig
	Outbox    OutboxRelayConfig
	Scheduler SchedulerConfig
	Engine    EngineConfig
	Providers ProvidersConfig
	Webhook   WebhookConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	HTTPPort     int           `mapstructure:"http_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	AllowOrigins []string      `mapstructure:"allow_origins"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogQueries   bool   `mapstructure:"log_queries"`
}

type RedisConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"` // json or console
	SentryDSN string `mapstructure:"sentry_dsn"`
}

type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	ClientID          string   `mapstructure:"client_id"`
	EventTopic        string   `mapstructure:"event_topic"`
	EventDLQTopic     string   `mapstructure:"event_dlq_topic"`
	WebhookTopic      string   `mapstructure:"webhook_topic"`
	WebhookRetryTopic string   `mapstructure:"webhook_retry_topic"`
	WebhookDLQTopic   string   `mapstructure:"webhook_dlq_topic"`
	WebhookGroup      string   `mapstructure:"webhook_group"`
}

type OutboxRelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Retention    time.Duration `mapstructure:"retention"`
}

type SchedulerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	DispatchBatch   int           `mapstructure:"dispatch_batch"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	DefaultTimezone string        `mapstructure:"default_timezone"`
}

type EngineConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

type ProvidersConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MetaBaseURL  string        `mapstructure:"meta_base_url"`
	MetaVersion  string        `mapstructure:"meta_version"`
	PancakeURL   string        `mapstructure:"pancake_base_url"`
	PageSize     int           `mapstructure:"page_size"`
	RetryMaxWait time.Duration `mapstructure:"retry_max_wait"`
}

type WebhookConfig struct {
	PublicBaseURL  string        `mapstructure:"public_base_url"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	RelayTimeout   time.Duration `mapstructure:"relay_timeout"`
	Workers        int           `mapstructure:"workers"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
}

type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// Load reads an optional .env file, then config.yaml and SYNCFLOW_* environment variables.
func Load() (*Config, error) {
	envFile := os.Getenv("SYNCFLOW_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/syncflow/")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SYNCFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "syncflow")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.log_queries", false)
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.cluster_mode", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "syncflow")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.sentry_dsn", "")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "syncflow")
	v.SetDefault("kafka.event_topic", "syncflow.execution.events")
	v.SetDefault("kafka.event_dlq_topic", "syncflow.execution.events.dlq")
	v.SetDefault("kafka.webhook_topic", "syncflow.webhooks.pancake")
	v.SetDefault("kafka.webhook_retry_topic", "syncflow.webhooks.pancake.retry")
	v.SetDefault("kafka.webhook_dlq_topic", "syncflow.webhooks.pancake.dlq")
	v.SetDefault("kafka.webhook_group", "syncflow-webhook-workers")
	v.SetDefault("outbox.poll_interval", "5s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.retention", "168h")
	v.SetDefault("scheduler.poll_interval", "15s")
	v.SetDefault("scheduler.dispatch_batch", 20)
	v.SetDefault("scheduler.stale_after", "30m")
	v.SetDefault("scheduler.default_timezone", "UTC")
	v.SetDefault("engine.max_concurrent", 8)
	v.SetDefault("providers.timeout", "30s")
	v.SetDefault("providers.meta_base_url", "https://graph.facebook.com")
	v.SetDefault("providers.meta_version", "v19.0")
	v.SetDefault("providers.pancake_base_url", "https://pos.pages.fm/api/v1")
	v.SetDefault("providers.page_size", 100)
	v.SetDefault("providers.retry_max_wait", "20s")
	v.SetDefault("webhook.public_base_url", "http://localhost:8080")
	v.SetDefault("webhook.max_body_bytes", 1<<20)
	v.SetDefault("webhook.rate_limit_rps", 50)
	v.SetDefault("webhook.rate_limit_burst", 100)
	v.SetDefault("webhook.relay_timeout", "10s")
	v.SetDefault("webhook.workers", 4)
	v.SetDefault("webhook.max_retries", 5)
	v.SetDefault("webhook.retry_backoff", "10s")
	v.SetDefault("metrics.port", 9091)
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
