package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Issuance configuration
	MaxQRAttempts     int
	MaxBackupAttempts int

	// Reservation configuration
	ReservationTTL time.Duration

	// Group buy configuration
	GroupBuySweepInterval time.Duration
	DefaultWindowHours    int

	// Webhook configuration
	WebhookSecret string

	// Scanner configuration
	ScanRateLimit  int
	ScanRateWindow time.Duration

	// Monitoring
	EnableMetrics   bool
	MetricsInterval time.Duration
}

func LoadConfig() *Config {
	// Local runs keep secrets in .env; absence is fine in deployed envs.
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}

	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Issuance
		MaxQRAttempts:     getEnvAsInt("MAX_QR_ATTEMPTS", 5),
		MaxBackupAttempts: getEnvAsInt("MAX_BACKUP_ATTEMPTS", 10),

		// Reservations
		ReservationTTL: getEnvAsDuration("RESERVATION_TTL", "15m"),

		// Group buy
		GroupBuySweepInterval: getEnvAsDuration("GROUP_BUY_SWEEP_INTERVAL", "1m"),
		DefaultWindowHours:    getEnvAsInt("GROUP_BUY_WINDOW_HOURS", 24),

		// Webhook
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),

		// Scanner
		ScanRateLimit:  getEnvAsInt("SCAN_RATE_LIMIT", 30),
		ScanRateWindow: getEnvAsDuration("SCAN_RATE_WINDOW", "1m"),

		// Monitoring
		EnableMetrics:   getEnvAsBool("ENABLE_METRICS", true),
		MetricsInterval: getEnvAsDuration("METRICS_INTERVAL", "15s"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
