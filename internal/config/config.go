package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN   string `env:"DATABASE_DSN,required=true"`
	RedisURL      string `env:"REDIS_URL,required=true"`
	WebhookSecret string `env:"WEBHOOK_SECRET,required=true"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	ProviderKind     string `env:"PROVIDER_KIND,default=esp"`
	ProviderEndpoint string `env:"PROVIDER_ENDPOINT"`
	ProviderAPIKey   string `env:"PROVIDER_API_KEY"`
	SMTPHost         string `env:"SMTP_HOST"`
	SMTPPort         int    `env:"SMTP_PORT,default=587"`
	SMTPUsername     string `env:"SMTP_USERNAME"`
	SMTPPassword     string `env:"SMTP_PASSWORD"`
	FromAddress      string `env:"FROM_ADDRESS,default=noreply@chesshelper.dev"`

	UserServiceURL   string `env:"USER_SERVICE_URL"`
	UserServiceToken string `env:"USER_SERVICE_TOKEN"`

	DispatchIntervalMs int     `env:"DISPATCH_INTERVAL_MS,default=1000"`
	BatchSize          int     `env:"BATCH_SIZE,default=50"`
	SendConcurrency    int     `env:"SEND_CONCURRENCY,default=5"`
	SendTimeoutMs      int     `env:"SEND_TIMEOUT_MS,default=10000"`
	SendRatePerSec     float64 `env:"SEND_RATE_PER_SEC,default=20"`
	LeaseTimeoutMs     int     `env:"LEASE_TIMEOUT_MS,default=300000"`

	CleanupIntervalMs int `env:"CLEANUP_INTERVAL_MS,default=3600000"`
	RetentionDays     int `env:"RETENTION_DAYS,default=30"`

	SuppressionCacheTTLMs int `env:"SUPPRESSION_CACHE_TTL_MS,default=60000"`

	WebhookMaxBodyBytes int `env:"WEBHOOK_MAX_BODY_BYTES,default=262144"`
	WebhookRatePerSec   int `env:"WEBHOOK_RATE_PER_SEC,default=50"`

	HealthMaxPendingAgeMs int   `env:"HEALTH_MAX_PENDING_AGE_MS,default=600000"`
	HealthMaxQueueDepth   int64 `env:"HEALTH_MAX_QUEUE_DEPTH,default=10000"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalMs) * time.Millisecond
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}

func (c *Config) LeaseTimeout() time.Duration {
	return time.Duration(c.LeaseTimeoutMs) * time.Millisecond
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

func (c *Config) SuppressionCacheTTL() time.Duration {
	return time.Duration(c.SuppressionCacheTTLMs) * time.Millisecond
}

func (c *Config) HealthMaxPendingAge() time.Duration {
	return time.Duration(c.HealthMaxPendingAgeMs) * time.Millisecond
}
