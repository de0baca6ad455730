package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort     string
	DatabaseURL    string
	RedisURL       string
	JWTSecret      string
	JWTExpiry      time.Duration
	LogLevel       string
	LogPretty      bool
	PublishRetries int
	SendQueueSize  int
	ShutdownGrace  time.Duration
}

func LoadConfig() (*Config, error) {
	expiryStr := getEnv("JWT_EXPIRY", "24h")
	expiry, err := time.ParseDuration(expiryStr)
	if err != nil {
		return nil, errors.New("invalid JWT_EXPIRY format")
	}

	graceStr := getEnv("SHUTDOWN_GRACE", "10s")
	grace, err := time.ParseDuration(graceStr)
	if err != nil {
		return nil, errors.New("invalid SHUTDOWN_GRACE format")
	}

	retries, err := getEnvInt("BROKER_PUBLISH_RETRIES", 3)
	if err != nil {
		return nil, errors.New("invalid BROKER_PUBLISH_RETRIES format")
	}

	queueSize, err := getEnvInt("WS_SEND_QUEUE_SIZE", 64)
	if err != nil {
		return nil, errors.New("invalid WS_SEND_QUEUE_SIZE format")
	}

	cfg := &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTExpiry:      expiry,
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogPretty:      getEnv("LOG_PRETTY", "false") == "true",
		PublishRetries: retries,
		SendQueueSize:  queueSize,
		ShutdownGrace:  grace,
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.SendQueueSize < 1 {
		return nil, errors.New("WS_SEND_QUEUE_SIZE must be positive")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}
