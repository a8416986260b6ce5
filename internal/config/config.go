package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/shopspring/decimal"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Event sink backends.
const (
	EventsNone     = "none"
	EventsRabbitMQ = "rabbitmq"
	EventsKafka    = "kafka"
)

// The tag parser splits on commas, so the list default is applied in Load.
const defaultRetryDelaysMs = "1000,5000,15000"

type Config struct {
	MaxRetries             int    `env:"MAX_RETRIES,default=3"`
	RetryDelaysMs          string `env:"RETRY_DELAYS_MS"`
	DeliveryTimeoutMs      int    `env:"DELIVERY_TIMEOUT_MS,default=300000"`
	BatchSize              int    `env:"BATCH_SIZE,default=10"`
	RateLimitDelayMs       int    `env:"RATE_LIMIT_DELAY_MS,default=100"`
	TemplateCacheTimeoutMs int    `env:"TEMPLATE_CACHE_TIMEOUT_MS,default=300000"`
	MaxSMSLength           int    `env:"MAX_SMS_LENGTH,default=160"`
	MaxConcatenatedLength  int    `env:"MAX_CONCATENATED_LENGTH,default=1600"`
	CostAlertThreshold     string `env:"COST_ALERT_THRESHOLD"`

	TemplatesFile string `env:"TEMPLATES_FILE"`
	ProvidersFile string `env:"PROVIDERS_FILE"`

	StoreBackend  string `env:"STORE_BACKEND,default=memory"`
	DatabaseDSN   string `env:"DATABASE_DSN"`
	RedisURL      string `env:"REDIS_URL"`
	RabbitMQURL   string `env:"RABBITMQ_URL"`
	KafkaBrokers  string `env:"KAFKA_BROKERS"`
	KafkaTopic    string `env:"KAFKA_TOPIC,default=delivery-events"`
	EventsBackend string `env:"EVENTS_BACKEND,default=none"`
	ConsumeDLR    bool   `env:"CONSUME_DLR,default=false"`

	RateLimitPerSec     int `env:"RATE_LIMIT_PER_SEC,default=100"`
	CleanupIntervalMs   int `env:"CLEANUP_INTERVAL_MS,default=3600000"`
	CleanupMaxAgeMs     int `env:"CLEANUP_MAX_AGE_MS,default=86400000"`
	RetryScanIntervalMs int `env:"RETRY_SCAN_INTERVAL_MS,default=5000"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if strings.TrimSpace(cfg.RetryDelaysMs) == "" {
		cfg.RetryDelaysMs = defaultRetryDelaysMs
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.EventsBackend = strings.ToLower(strings.TrimSpace(cfg.EventsBackend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and the settings each selected backend needs.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid config: MAX_RETRIES must be >= 0")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid config: BATCH_SIZE must be > 0")
	}
	if c.MaxSMSLength <= 0 || c.MaxConcatenatedLength < c.MaxSMSLength {
		return fmt.Errorf("invalid config: MAX_CONCATENATED_LENGTH must be >= MAX_SMS_LENGTH > 0")
	}
	if _, err := c.RetryDelays(); err != nil {
		return err
	}
	if _, err := c.CostThreshold(); err != nil {
		return err
	}

	switch c.StoreBackend {
	case StoreMemory:
	case StoreRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("invalid config: REDIS_URL is required for the redis store")
		}
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("invalid config: DATABASE_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("invalid config: unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.EventsBackend {
	case EventsNone:
	case EventsRabbitMQ:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			return fmt.Errorf("invalid config: RABBITMQ_URL is required for rabbitmq events")
		}
	case EventsKafka:
		if len(c.KafkaBrokerList()) == 0 {
			return fmt.Errorf("invalid config: KAFKA_BROKERS is required for kafka events")
		}
	default:
		return fmt.Errorf("invalid config: unknown EVENTS_BACKEND %q", c.EventsBackend)
	}

	if c.ConsumeDLR && strings.TrimSpace(c.RabbitMQURL) == "" {
		return fmt.Errorf("invalid config: RABBITMQ_URL is required to consume delivery receipts")
	}

	return nil
}

// RetryDelays parses RETRY_DELAYS_MS into an ordered delay list.
func (c *Config) RetryDelays() ([]time.Duration, error) {
	parts := strings.Split(c.RetryDelaysMs, ",")
	delays := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ms, err := strconv.Atoi(part)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("invalid config: RETRY_DELAYS_MS entry %q is not a non-negative integer", part)
		}
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}

	if len(delays) == 0 {
		return nil, fmt.Errorf("invalid config: RETRY_DELAYS_MS must list at least one delay")
	}
	return delays, nil
}

// CostThreshold returns the alert threshold; zero disables cost alerts.
func (c *Config) CostThreshold() (decimal.Decimal, error) {
	raw := strings.TrimSpace(c.CostAlertThreshold)
	if raw == "" {
		return decimal.Zero, nil
	}
	threshold, err := decimal.NewFromString(raw)
	if err != nil || threshold.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid config: COST_ALERT_THRESHOLD %q is not a non-negative decimal", raw)
	}
	return threshold, nil
}

func (c *Config) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (c *Config) DeliveryTimeout() time.Duration      { return ms(c.DeliveryTimeoutMs) }
func (c *Config) RateLimitDelay() time.Duration       { return ms(c.RateLimitDelayMs) }
func (c *Config) TemplateCacheTimeout() time.Duration { return ms(c.TemplateCacheTimeoutMs) }
func (c *Config) CleanupInterval() time.Duration      { return ms(c.CleanupIntervalMs) }
func (c *Config) CleanupMaxAge() time.Duration        { return ms(c.CleanupMaxAgeMs) }
func (c *Config) RetryScanInterval() time.Duration    { return ms(c.RetryScanIntervalMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
