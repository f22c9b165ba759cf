package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	YooKassa struct {
		ShopID    string `env:"YOOKASSA_SHOP_ID"`
		SecretKey string `env:"YOOKASSA_SECRET_KEY"`
		APIURL    string `env:"YOOKASSA_API_URL"`
		ReturnURL string `env:"YOOKASSA_RETURN_URL"`
	}

	Payments struct {
		Currencies  []string `env:"PAYMENTS_CURRENCIES"`
		AutoCapture bool     `env:"PAYMENTS_AUTO_CAPTURE"`
		PollOnRead  bool     `env:"PAYMENTS_POLL_ON_READ"`
	}

	Provider struct {
		MaxAttempts    int           `env:"PROVIDER_MAX_ATTEMPTS"`
		RetryBaseDelay time.Duration `env:"PROVIDER_RETRY_BASE_DELAY"`
		RetryMaxDelay  time.Duration `env:"PROVIDER_RETRY_MAX_DELAY"`
		Timeout        time.Duration `env:"PROVIDER_TIMEOUT"`
		RateLimitRPS   float64       `env:"PROVIDER_RATE_LIMIT_RPS"`
	}

	StorageBackend    string `env:"STORAGE_BACKEND"`
	StorageFilePath   string `env:"STORAGE_FILE_PATH"`
	SQLitePath        string `env:"SQLITE_PATH"`
	MigrationsEnabled bool   `env:"MIGRATIONS_ENABLED"`

	DBConfig struct {
		Host     string `env:"PAYMENTS_DB_HOST"`
		Port     int    `env:"PAYMENTS_DB_PORT"`
		User     string `env:"PAYMENTS_DB_USER"`
		Password string `env:"PAYMENTS_DB_PASSWORD"`
		Name     string `env:"PAYMENTS_DB_NAME"`
		SSLMode  string `env:"PAYMENTS_DB_SSLMODE"`
	}

	Webhook struct {
		Auth            string        `env:"WEBHOOK_AUTH"`
		Secret          string        `env:"WEBHOOK_SECRET"`
		SignatureHeader string        `env:"WEBHOOK_SIGNATURE_HEADER"`
		AllowedCIDRs    []string      `env:"WEBHOOK_ALLOWED_CIDRS"`
		TrustForwarded  bool          `env:"WEBHOOK_TRUST_FORWARDED"`
		DedupBackend    string        `env:"WEBHOOK_DEDUP_BACKEND"`
		DedupTTL        time.Duration `env:"WEBHOOK_DEDUP_TTL"`
		DedupSize       int           `env:"WEBHOOK_DEDUP_SIZE"`
	}

	Redis struct {
		Addr     string `env:"REDIS_ADDR"`
		Password string `env:"REDIS_PASSWORD"`
		DB       int    `env:"REDIS_DB"`
	}

	KafkaBrokerURL          string `env:"KAFKA_BROKER_URL"`
	KafkaPaymentStatusTopic string `env:"KAFKA_PAYMENT_STATUS_TOPIC"`
	KafkaWebhookTopic       string `env:"KAFKA_WEBHOOK_TOPIC"`
	KafkaConsumerGroup      string `env:"KAFKA_CONSUMER_GROUP"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL"`
	OutboxBufferSize   int           `env:"OUTBOX_BUFFER_SIZE"`

	ReconcileSchedule string        `env:"RECONCILE_SCHEDULE"`
	ReconcileTimeout  time.Duration `env:"RECONCILE_TIMEOUT"`
	HTTPAddr          string        `env:"HTTP_ADDR"`
	CORSOrigins       []string      `env:"CORS_ALLOWED_ORIGINS"`
	LogLevel          string        `env:"LOG_LEVEL"`
}

// LoadConfig reads the environment, after loading .env from the working
// directory when one exists.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	cfg.YooKassa.ShopID = getEnvOrDefault("YOOKASSA_SHOP_ID", "")
	cfg.YooKassa.SecretKey = getEnvOrDefault("YOOKASSA_SECRET_KEY", "")
	cfg.YooKassa.APIURL = getEnvOrDefault("YOOKASSA_API_URL", "https://api.yookassa.ru/v3")
	cfg.YooKassa.ReturnURL = getEnvOrDefault("YOOKASSA_RETURN_URL", "")

	cfg.Payments.Currencies = getEnvAsList("PAYMENTS_CURRENCIES", []string{"RUB"})
	cfg.Payments.AutoCapture = getEnvAsBool("PAYMENTS_AUTO_CAPTURE", true)
	cfg.Payments.PollOnRead = getEnvAsBool("PAYMENTS_POLL_ON_READ", true)

	cfg.Provider.MaxAttempts = getEnvAsInt("PROVIDER_MAX_ATTEMPTS", 5)
	cfg.Provider.RetryBaseDelay = getEnvAsDuration("PROVIDER_RETRY_BASE_DELAY", 500*time.Millisecond)
	cfg.Provider.RetryMaxDelay = getEnvAsDuration("PROVIDER_RETRY_MAX_DELAY", 8*time.Second)
	cfg.Provider.Timeout = getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second)
	cfg.Provider.RateLimitRPS = getEnvAsFloat("PROVIDER_RATE_LIMIT_RPS", 0)

	cfg.StorageBackend = strings.ToLower(getEnvOrDefault("STORAGE_BACKEND", "memory"))
	cfg.StorageFilePath = getEnvOrDefault("STORAGE_FILE_PATH", "payments.json")
	cfg.SQLitePath = getEnvOrDefault("SQLITE_PATH", "payments.db")
	cfg.MigrationsEnabled = getEnvAsBool("MIGRATIONS_ENABLED", true)

	cfg.DBConfig.Host = getEnvOrDefault("PAYMENTS_DB_HOST", "localhost")
	cfg.DBConfig.Port = getEnvAsInt("PAYMENTS_DB_PORT", 5432)
	cfg.DBConfig.User = getEnvOrDefault("PAYMENTS_DB_USER", "user")
	cfg.DBConfig.Password = getEnvOrDefault("PAYMENTS_DB_PASSWORD", "password")
	cfg.DBConfig.Name = getEnvOrDefault("PAYMENTS_DB_NAME", "payments_db")
	cfg.DBConfig.SSLMode = getEnvOrDefault("PAYMENTS_DB_SSLMODE", "disable")

	cfg.Webhook.Auth = strings.ToLower(getEnvOrDefault("WEBHOOK_AUTH", "ip"))
	cfg.Webhook.Secret = getEnvOrDefault("WEBHOOK_SECRET", "")
	cfg.Webhook.SignatureHeader = getEnvOrDefault("WEBHOOK_SIGNATURE_HEADER", "X-Signature")
	cfg.Webhook.AllowedCIDRs = getEnvAsList("WEBHOOK_ALLOWED_CIDRS", nil)
	cfg.Webhook.TrustForwarded = getEnvAsBool("WEBHOOK_TRUST_FORWARDED", false)
	cfg.Webhook.DedupBackend = strings.ToLower(getEnvOrDefault("WEBHOOK_DEDUP_BACKEND", "memory"))
	cfg.Webhook.DedupTTL = getEnvAsDuration("WEBHOOK_DEDUP_TTL", 24*time.Hour)
	cfg.Webhook.DedupSize = getEnvAsInt("WEBHOOK_DEDUP_SIZE", 10000)

	cfg.Redis.Addr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", 0)

	cfg.KafkaBrokerURL = getEnvOrDefault("KAFKA_BROKER_URL", "")
	cfg.KafkaPaymentStatusTopic = getEnvOrDefault("KAFKA_PAYMENT_STATUS_TOPIC", "payment_status_updates")
	cfg.KafkaWebhookTopic = getEnvOrDefault("KAFKA_WEBHOOK_TOPIC", "")
	cfg.KafkaConsumerGroup = getEnvOrDefault("KAFKA_CONSUMER_GROUP", "payments-service-group")

	cfg.TelegramBotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", "")

	cfg.OutboxPollInterval = getEnvAsDuration("OUTBOX_POLL_INTERVAL", 5*time.Second)
	cfg.OutboxBufferSize = getEnvAsInt("OUTBOX_BUFFER_SIZE", 1024)

	cfg.ReconcileSchedule = getEnvOrDefault("RECONCILE_SCHEDULE", "@every 5m")
	cfg.ReconcileTimeout = getEnvAsDuration("RECONCILE_TIMEOUT", 0)
	cfg.HTTPAddr = getEnvOrDefault("HTTP_ADDR", ":8082")
	cfg.CORSOrigins = getEnvAsList("CORS_ALLOWED_ORIGINS", nil)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	return cfg, nil
}

// Validate checks credentials and the settings the selected backends need.
func (c *Config) Validate() error {
	var errs []error
	if c.YooKassa.ShopID == "" || c.YooKassa.SecretKey == "" {
		errs = append(errs, errors.New("YOOKASSA_SHOP_ID and YOOKASSA_SECRET_KEY are required"))
	}
	if len(c.Payments.Currencies) == 0 {
		errs = append(errs, errors.New("PAYMENTS_CURRENCIES must list at least one currency"))
	}
	if c.Provider.MaxAttempts < 1 {
		errs = append(errs, errors.New("PROVIDER_MAX_ATTEMPTS must be at least 1"))
	}

	switch c.StorageBackend {
	case "memory":
	case "file":
		if c.StorageFilePath == "" {
			errs = append(errs, errors.New("STORAGE_FILE_PATH is required for the file backend"))
		}
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite backend"))
		}
	case "postgres":
		if c.DBConfig.Host == "" || c.DBConfig.Name == "" {
			errs = append(errs, errors.New("PAYMENTS_DB_HOST and PAYMENTS_DB_NAME are required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}

	switch c.Webhook.Auth {
	case "ip", "none":
	case "hmac":
		if c.Webhook.Secret == "" {
			errs = append(errs, errors.New("WEBHOOK_SECRET is required for hmac webhook auth"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown WEBHOOK_AUTH %q", c.Webhook.Auth))
	}

	switch c.Webhook.DedupBackend {
	case "memory", "redis":
	case "database":
		if !c.UsesSQL() {
			errs = append(errs, errors.New("WEBHOOK_DEDUP_BACKEND=database needs STORAGE_BACKEND postgres or sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown WEBHOOK_DEDUP_BACKEND %q", c.Webhook.DedupBackend))
	}

	if c.KafkaWebhookTopic != "" && c.KafkaBrokerURL == "" {
		errs = append(errs, errors.New("KAFKA_WEBHOOK_TOPIC needs KAFKA_BROKER_URL"))
	}
	return errors.Join(errs...)
}

// UsesSQL reports whether the storage backend is a SQL database.
func (c *Config) UsesSQL() bool {
	return c.StorageBackend == "postgres" || c.StorageBackend == "sqlite"
}

// GetReconcileTimeout is the budget for syncing one payment. Unless
// RECONCILE_TIMEOUT is set it covers every provider attempt and the backoff
// between them.
func (c *Config) GetReconcileTimeout() time.Duration {
	if c.ReconcileTimeout > 0 {
		return c.ReconcileTimeout
	}
	attempts := max(c.Provider.MaxAttempts, 1)
	budget := time.Duration(attempts) * c.Provider.Timeout
	for attempt := 1; attempt < attempts; attempt++ {
		delay := c.Provider.RetryMaxDelay
		if attempt <= 30 {
			delay = min(c.Provider.RetryBaseDelay*time.Duration(1<<(attempt-1)), c.Provider.RetryMaxDelay)
		}
		budget += delay
	}
	return budget
}

func (c *Config) GetKafkaBrokers() []string {
	if c.KafkaBrokerURL == "" {
		return nil
	}
	return strings.Split(c.KafkaBrokerURL, ",")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnvOrDefault(key, strconv.Itoa(defaultValue))
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnvOrDefault(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnvOrDefault(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnvOrDefault(key, defaultValue.String())
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
