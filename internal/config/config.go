package config

import (
	"errors"
	"os"
	"time"
)

type Config struct {
	ServerPort         string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	JWTExpiry          time.Duration
	StalenessThreshold time.Duration
	SessionTTL         time.Duration
}

func LoadConfig() (*Config, error) {
	expiryStr := getEnv("JWT_EXPIRY", "24h")
	expiry, err := time.ParseDuration(expiryStr)
	if err != nil {
		return nil, errors.New("invalid JWT_EXPIRY format")
	}

	stalenessStr := getEnv("SYNC_STALENESS_THRESHOLD", "24h")
	staleness, err := time.ParseDuration(stalenessStr)
	if err != nil {
		return nil, errors.New("invalid SYNC_STALENESS_THRESHOLD format")
	}

	sessionTTLStr := getEnv("SESSION_TTL", "5m")
	sessionTTL, err := time.ParseDuration(sessionTTLStr)
	if err != nil {
		return nil, errors.New("invalid SESSION_TTL format")
	}

	cfg := &Config{
		ServerPort:         getEnv("SERVER_PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		JWTExpiry:          expiry,
		StalenessThreshold: staleness,
		SessionTTL:         sessionTTL,
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

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
