/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file, providing a centralized way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: the minimum transfer amount is a decimal.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the transfer-service.
// These values are loaded from environment variables. DatabaseSeed loads the demo
// accounts on startup.
type Config struct {
	Environment    string `mapstructure:"ENVIRONMENT"`
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DatabaseSeed   bool   `mapstructure:"DATABASE_SEED"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`
	Timezone       string `mapstructure:"TIMEZONE"`

	TransferMinimumAmount string `mapstructure:"TRANSFER_MINIMUM_AMOUNT"`

	DailyLimitCachePrefix string `mapstructure:"DAILY_LIMIT_CACHE_PREFIX"`
	IdempotencyKeyPrefix  string `mapstructure:"IDEMPOTENCY_KEY_PREFIX"`
	IdempotencyTTLHours   int    `mapstructure:"IDEMPOTENCY_TTL_HOURS"`
	CustomerServiceURL    string `mapstructure:"CUSTOMER_SERVICE_URL"`
	CustomerServiceAPIKey string `mapstructure:"CUSTOMER_SERVICE_API_KEY"`
	CustomerCachePrefix   string `mapstructure:"CUSTOMER_CACHE_PREFIX"`
	CustomerCacheTTLHours int    `mapstructure:"CUSTOMER_CACHE_TTL_HOURS"`

	NotificationMaxRetryAttempts        int    `mapstructure:"NOTIFICATION_MAX_RETRY_ATTEMPTS"`
	NotificationMaxFailedAttempts       int    `mapstructure:"NOTIFICATION_MAX_FAILED_ATTEMPTS"`
	NotificationFailedRetryDelayMinutes int    `mapstructure:"NOTIFICATION_FAILED_RETRY_DELAY_MINUTES"`
	PendingNotificationMinAgeMinutes    int    `mapstructure:"PENDING_NOTIFICATION_MIN_AGE_MINUTES"`
	PendingSweepSchedule                string `mapstructure:"PENDING_SWEEP_SCHEDULE"`
	FailedSweepSchedule                 string `mapstructure:"FAILED_SWEEP_SCHEDULE"`
	SweepBatchSize                      int    `mapstructure:"SWEEP_BATCH_SIZE"`
	SweepTimeoutMinutes                 int    `mapstructure:"SWEEP_TIMEOUT_MINUTES"`

	NotificationExchange        string `mapstructure:"NOTIFICATION_EXCHANGE"`
	NotificationRoutingKey      string `mapstructure:"NOTIFICATION_ROUTING_KEY"`
	NotificationQueue           string `mapstructure:"NOTIFICATION_QUEUE"`
	NotificationConsumerWorkers int    `mapstructure:"NOTIFICATION_CONSUMER_WORKERS"`

	RegulatorAPIBaseURL        string  `mapstructure:"REGULATOR_API_BASE_URL"`
	RegulatorAPIKey            string  `mapstructure:"REGULATOR_API_KEY"`
	RegulatorMockFailureRate   float64 `mapstructure:"REGULATOR_MOCK_FAILURE_RATE"`
	RegulatorMockTimeoutRate   float64 `mapstructure:"REGULATOR_MOCK_TIMEOUT_RATE"`
	RegulatorMockRateLimitRate float64 `mapstructure:"REGULATOR_MOCK_RATE_LIMIT_RATE"`
	RegulatorMockLatencyMS     int     `mapstructure:"REGULATOR_MOCK_LATENCY_MS"`
	RegulatorRetryMaxAttempts  int     `mapstructure:"REGULATOR_RETRY_MAX_ATTEMPTS"`
	RegulatorRetryBackoffMS    int     `mapstructure:"REGULATOR_RETRY_BACKOFF_MS"`
	RegulatorCallTimeoutMS     int     `mapstructure:"REGULATOR_CALL_TIMEOUT_MS"`
	RegulatorCBFailureRate     float64 `mapstructure:"REGULATOR_CB_FAILURE_RATE"`
	RegulatorCBWindowSize      int     `mapstructure:"REGULATOR_CB_WINDOW_SIZE"`
	RegulatorCBMinimumCalls    int     `mapstructure:"REGULATOR_CB_MINIMUM_CALLS"`
	RegulatorCBOpenSeconds     int     `mapstructure:"REGULATOR_CB_OPEN_SECONDS"`
	RegulatorCBHalfOpenTrials  int     `mapstructure:"REGULATOR_CB_HALF_OPEN_TRIALS"`
}

var defaults = map[string]interface{}{
	"ENVIRONMENT":             "development",
	"SERVER_PORT":             "8080",
	"DATABASE_SEED":           false,
	"TIMEZONE":                "Local",
	"TRANSFER_MINIMUM_AMOUNT": "1.00",

	"DAILY_LIMIT_CACHE_PREFIX": "daily-limit:",
	"IDEMPOTENCY_KEY_PREFIX":   "idempotency:",
	"IDEMPOTENCY_TTL_HOURS":    24,
	"CUSTOMER_CACHE_PREFIX":    "customer:",
	"CUSTOMER_CACHE_TTL_HOURS": 24,

	"NOTIFICATION_MAX_RETRY_ATTEMPTS":         3,
	"NOTIFICATION_MAX_FAILED_ATTEMPTS":        10,
	"NOTIFICATION_FAILED_RETRY_DELAY_MINUTES": 30,
	"PENDING_NOTIFICATION_MIN_AGE_MINUTES":    5,
	"PENDING_SWEEP_SCHEDULE":                  "@every 1m",
	"FAILED_SWEEP_SCHEDULE":                   "@every 30m",
	"SWEEP_BATCH_SIZE":                        100,
	"SWEEP_TIMEOUT_MINUTES":                   10,

	"NOTIFICATION_EXCHANGE":         "regulator.notifications",
	"NOTIFICATION_ROUTING_KEY":      "notification.fallback",
	"NOTIFICATION_QUEUE":            "transfer_service.regulator_notifications",
	"NOTIFICATION_CONSUMER_WORKERS": 4,

	"REGULATOR_MOCK_FAILURE_RATE":    0.05,
	"REGULATOR_MOCK_TIMEOUT_RATE":    0.02,
	"REGULATOR_MOCK_RATE_LIMIT_RATE": 0.05,
	"REGULATOR_MOCK_LATENCY_MS":      50,
	"REGULATOR_RETRY_MAX_ATTEMPTS":   3,
	"REGULATOR_RETRY_BACKOFF_MS":     500,
	"REGULATOR_CALL_TIMEOUT_MS":      2000,
	"REGULATOR_CB_FAILURE_RATE":      50.0,
	"REGULATOR_CB_WINDOW_SIZE":       10,
	"REGULATOR_CB_MINIMUM_CALLS":     5,
	"REGULATOR_CB_OPEN_SECONDS":      30,
	"REGULATOR_CB_HALF_OPEN_TRIALS":  3,
}

// LoadConfig reads configuration from environment variables and an optional .env file
// in path.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for key := range defaults {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRANSFER_REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TRANSFER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CUSTOMER_SERVICE_URL")
	_ = viper.BindEnv("CUSTOMER_SERVICE_API_KEY")
	_ = viper.BindEnv("REGULATOR_API_BASE_URL")
	_ = viper.BindEnv("REGULATOR_API_KEY")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.Environment = strings.ToLower(strings.TrimSpace(config.Environment))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.CustomerServiceURL = strings.TrimSpace(config.CustomerServiceURL)
	config.CustomerServiceAPIKey = strings.TrimSpace(config.CustomerServiceAPIKey)
	if config.CustomerServiceAPIKey == "" {
		config.CustomerServiceAPIKey = config.InternalAPIKey
	}
	config.RegulatorAPIBaseURL = strings.TrimSpace(config.RegulatorAPIBaseURL)

	config.normalize()
	return
}

func (c *Config) normalize() {
	if _, err := decimal.NewFromString(strings.TrimSpace(c.TransferMinimumAmount)); err != nil {
		log.Printf("level=warn component=config msg=\"invalid TRANSFER_MINIMUM_AMOUNT; using default\" value=%q err=%v", c.TransferMinimumAmount, err)
		c.TransferMinimumAmount = "1.00"
	}

	c.RegulatorMockFailureRate = clampRate("REGULATOR_MOCK_FAILURE_RATE", c.RegulatorMockFailureRate)
	c.RegulatorMockTimeoutRate = clampRate("REGULATOR_MOCK_TIMEOUT_RATE", c.RegulatorMockTimeoutRate)
	c.RegulatorMockRateLimitRate = clampRate("REGULATOR_MOCK_RATE_LIMIT_RATE", c.RegulatorMockRateLimitRate)

	if c.RegulatorCBFailureRate <= 0 || c.RegulatorCBFailureRate > 100 {
		log.Printf("level=warn component=config msg=\"REGULATOR_CB_FAILURE_RATE out of range; using 50\" value=%f", c.RegulatorCBFailureRate)
		c.RegulatorCBFailureRate = 50
	}

	positive := []struct {
		name     string
		value    *int
		fallback int
	}{
		{"IDEMPOTENCY_TTL_HOURS", &c.IdempotencyTTLHours, 24},
		{"CUSTOMER_CACHE_TTL_HOURS", &c.CustomerCacheTTLHours, 24},
		{"NOTIFICATION_MAX_RETRY_ATTEMPTS", &c.NotificationMaxRetryAttempts, 3},
		{"NOTIFICATION_MAX_FAILED_ATTEMPTS", &c.NotificationMaxFailedAttempts, 10},
		{"NOTIFICATION_FAILED_RETRY_DELAY_MINUTES", &c.NotificationFailedRetryDelayMinutes, 30},
		{"PENDING_NOTIFICATION_MIN_AGE_MINUTES", &c.PendingNotificationMinAgeMinutes, 5},
		{"SWEEP_BATCH_SIZE", &c.SweepBatchSize, 100},
		{"SWEEP_TIMEOUT_MINUTES", &c.SweepTimeoutMinutes, 10},
		{"NOTIFICATION_CONSUMER_WORKERS", &c.NotificationConsumerWorkers, 4},
		{"REGULATOR_RETRY_MAX_ATTEMPTS", &c.RegulatorRetryMaxAttempts, 3},
		{"REGULATOR_RETRY_BACKOFF_MS", &c.RegulatorRetryBackoffMS, 500},
		{"REGULATOR_CALL_TIMEOUT_MS", &c.RegulatorCallTimeoutMS, 2000},
		{"REGULATOR_CB_WINDOW_SIZE", &c.RegulatorCBWindowSize, 10},
		{"REGULATOR_CB_MINIMUM_CALLS", &c.RegulatorCBMinimumCalls, 5},
		{"REGULATOR_CB_OPEN_SECONDS", &c.RegulatorCBOpenSeconds, 30},
		{"REGULATOR_CB_HALF_OPEN_TRIALS", &c.RegulatorCBHalfOpenTrials, 3},
	}
	for _, p := range positive {
		if *p.value <= 0 {
			log.Printf("level=warn component=config msg=\"non-positive value configured; using default\" key=%s value=%d default=%d", p.name, *p.value, p.fallback)
			*p.value = p.fallback
		}
	}
	if c.RegulatorMockLatencyMS < 0 {
		c.RegulatorMockLatencyMS = 0
	}

	if strings.TrimSpace(c.PendingSweepSchedule) == "" {
		c.PendingSweepSchedule = "@every 1m"
	}
	if strings.TrimSpace(c.FailedSweepSchedule) == "" {
		c.FailedSweepSchedule = "@every 30m"
	}
}

func clampRate(name string, rate float64) float64 {
	switch {
	case rate < 0:
		log.Printf("level=warn component=config msg=\"negative rate configured; coercing to zero\" key=%s value=%f", name, rate)
		return 0
	case rate > 1:
		log.Printf("level=warn component=config msg=\"rate above one; capping at one\" key=%s value=%f", name, rate)
		return 1
	default:
		return rate
	}
}

// IsDevelopment reports whether the service runs in a local/dev environment.
func (c Config) IsDevelopment() bool {
	return c.Environment == "" || c.Environment == "development" || c.Environment == "local"
}

// MinimumAmount is the smallest accepted transfer amount.
func (c Config) MinimumAmount() decimal.Decimal {
	return decimal.RequireFromString(strings.TrimSpace(c.TransferMinimumAmount))
}

// Location returns the zone that delimits a calendar day for the daily limit.
func (c Config) Location() *time.Location {
	name := strings.TrimSpace(c.Timezone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("level=warn component=config msg=\"unknown TIMEZONE; using local\" value=%q err=%v", name, err)
		return time.Local
	}
	return loc
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

func (c Config) CustomerCacheTTL() time.Duration {
	return time.Duration(c.CustomerCacheTTLHours) * time.Hour
}

func (c Config) PendingMinAge() time.Duration {
	return time.Duration(c.PendingNotificationMinAgeMinutes) * time.Minute
}

func (c Config) FailedRetryDelay() time.Duration {
	return time.Duration(c.NotificationFailedRetryDelayMinutes) * time.Minute
}

func (c Config) SweepTimeout() time.Duration {
	return time.Duration(c.SweepTimeoutMinutes) * time.Minute
}
