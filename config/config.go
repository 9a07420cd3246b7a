package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

type Config struct {
	// HealthSense REST API
	APIURL               string
	RequestTimeout       time.Duration
	NetworkRetryAttempts int
	NetworkRetryDelay    time.Duration
	Locale               string

	// Identity
	FirebaseAPIKey             string
	FirebaseServiceAccountJSON string
	FirebaseIdentityURL        string
	FirebaseSecureTokenURL     string
	FirebaseDatabaseURL        string
	Email                      string
	Password                   string
	UID                        string

	// Synchronizer
	PollInterval    time.Duration
	RecordsLimit    int
	RecordsCacheTTL time.Duration

	// Caches
	CacheBackend         string
	CacheCleanupInterval time.Duration
	RedisAddr            string
	RedisPassword        string
	RedisDB              int

	// HTTP surface
	HTTPAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Thresholds for vitals anomaly detection
	HeartRateMin          float64
	HeartRateMax          float64
	HeartRateCriticalLow  float64
	HeartRateCriticalHigh float64
	SpO2Min               float64
	SpO2CriticalLow       float64
	DeviceTimeout         time.Duration
	AlertCooldown         time.Duration

	// Alert sinks, each optional
	TelegramBotToken string
	TelegramChatID   string
	TelegramStartup  bool
	MQTTBroker       string
	MQTTClientID     string
	MQTTUsername     string
	MQTTPassword     string
	MQTTTopicPrefix  string
	RabbitMQURL      string
	RabbitMQExchange string
	AlertWebhookURL  string

	// Realtime Database mirror, enabled by FIREBASE_DATABASE_URL
	MirrorBatchSize    int
	MirrorBatchTimeout time.Duration
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := &Config{
		APIURL:               getEnv("HEALTHSENSE_API_URL", "http://localhost:8001"),
		RequestTimeout:       getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		NetworkRetryAttempts: getEnvInt("NETWORK_RETRY_ATTEMPTS", 2),
		NetworkRetryDelay:    getEnvDuration("NETWORK_RETRY_DELAY", time.Second),
		Locale:               getEnv("LOCALE", "en"),

		FirebaseAPIKey:             getEnv("FIREBASE_API_KEY", ""),
		FirebaseServiceAccountJSON: getEnv("FIREBASE_SERVICE_ACCOUNT_JSON", ""),
		FirebaseIdentityURL:        getEnv("FIREBASE_IDENTITY_URL", "https://identitytoolkit.googleapis.com/v1"),
		FirebaseSecureTokenURL:     getEnv("FIREBASE_SECURETOKEN_URL", "https://securetoken.googleapis.com/v1"),
		FirebaseDatabaseURL:        getEnv("FIREBASE_DATABASE_URL", ""),
		Email:                      getEnv("HEALTHSENSE_EMAIL", ""),
		Password:                   getEnv("HEALTHSENSE_PASSWORD", ""),
		UID:                        getEnv("HEALTHSENSE_UID", ""),

		PollInterval:    getEnvDuration("POLL_INTERVAL", 15*time.Second),
		RecordsLimit:    getEnvInt("RECORDS_LIMIT", 1000),
		RecordsCacheTTL: getEnvDuration("RECORDS_CACHE_TTL", 2*time.Minute),

		CacheBackend:         strings.ToLower(getEnv("CACHE_BACKEND", CacheBackendMemory)),
		CacheCleanupInterval: getEnvDuration("CACHE_CLEANUP_INTERVAL", 10*time.Minute),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getEnvInt("REDIS_DB", 0),

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Default thresholds - can be overridden by env vars
		HeartRateMin:          getEnvFloat("HEART_RATE_MIN", 60),
		HeartRateMax:          getEnvFloat("HEART_RATE_MAX", 100),
		HeartRateCriticalLow:  getEnvFloat("HEART_RATE_CRITICAL_LOW", 50),
		HeartRateCriticalHigh: getEnvFloat("HEART_RATE_CRITICAL_HIGH", 120),
		SpO2Min:               getEnvFloat("SPO2_MIN", 95),
		SpO2CriticalLow:       getEnvFloat("SPO2_CRITICAL_LOW", 90),
		DeviceTimeout:         getEnvDuration("DEVICE_TIMEOUT", 10*time.Minute),
		AlertCooldown:         getEnvDuration("ALERT_COOLDOWN", 5*time.Minute),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		TelegramStartup:  getEnvBool("TELEGRAM_STARTUP_MESSAGE", true),
		MQTTBroker:       getEnv("MQTT_BROKER", ""),
		MQTTClientID:     getEnv("MQTT_CLIENT_ID", "healthsense-agent"),
		MQTTUsername:     getEnv("MQTT_USERNAME", ""),
		MQTTPassword:     getEnv("MQTT_PASSWORD", ""),
		MQTTTopicPrefix:  getEnv("MQTT_TOPIC_PREFIX", "healthsense"),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "healthsense.records"),
		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),

		MirrorBatchSize:    getEnvInt("MIRROR_BATCH_SIZE", 50),
		MirrorBatchTimeout: getEnvDuration("MIRROR_BATCH_TIMEOUT", 5*time.Second),
	}

	return config, nil
}

// Validate reports every missing or inconsistent required setting.
func (c *Config) Validate() error {
	var errs []error
	if c.APIURL == "" {
		errs = append(errs, errors.New("HEALTHSENSE_API_URL is required"))
	}
	if c.FirebaseAPIKey == "" {
		errs = append(errs, errors.New("FIREBASE_API_KEY is required"))
	}
	if !c.UsesPasswordSignIn() && !c.UsesCustomTokenSignIn() {
		errs = append(errs, errors.New("either HEALTHSENSE_EMAIL/HEALTHSENSE_PASSWORD or HEALTHSENSE_UID with FIREBASE_SERVICE_ACCOUNT_JSON is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.NetworkRetryAttempts < 0 {
		errs = append(errs, errors.New("NETWORK_RETRY_ATTEMPTS must not be negative"))
	}
	if c.RecordsLimit <= 0 {
		errs = append(errs, errors.New("RECORDS_LIMIT must be positive"))
	}
	if c.CacheBackend != CacheBackendMemory && c.CacheBackend != CacheBackendRedis {
		errs = append(errs, errors.New("CACHE_BACKEND must be memory or redis"))
	}
	return errors.Join(errs...)
}

func (c *Config) UsesPasswordSignIn() bool {
	return c.Email != "" && c.Password != ""
}

func (c *Config) UsesCustomTokenSignIn() bool {
	return c.UID != "" && c.FirebaseServiceAccountJSON != ""
}

// MirrorEnabled reports whether records are mirrored to the Realtime
// Database. The mirror authenticates with the service account.
func (c *Config) MirrorEnabled() bool {
	return c.FirebaseDatabaseURL != "" && c.FirebaseServiceAccountJSON != ""
}

func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("15s") or bare seconds ("15").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
