package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Storage configuration
	DatabasePath string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Offer configuration
	OfferTTL      time.Duration
	SweepInterval time.Duration

	// Rate limiting
	JoinRateLimit  int
	JoinRateWindow time.Duration

	// Shutdown
	ShutdownTimeout time.Duration

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Storage
		DatabasePath: getEnv("DATABASE_PATH", "data/waitlist.db"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Offers
		OfferTTL:      getEnvAsDuration("OFFER_TTL", "30m"),
		SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", "2m"),

		// Rate limiting
		JoinRateLimit:  getEnvAsInt("JOIN_RATE_LIMIT", 5),
		JoinRateWindow: getEnvAsDuration("JOIN_RATE_WINDOW", "1m"),

		// Shutdown
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", "30s"),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
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
