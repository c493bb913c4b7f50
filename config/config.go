package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string

	StoreBackend string
	Redis        RedisConfig
	RoomTTL      time.Duration

	// DatabaseURL enables the postgres document repository when set.
	DatabaseURL string
	// JaegerEndpoint enables trace export when set.
	JaegerEndpoint string

	Relay RelayConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// RelayConfig bounds per-connection resources on the relay.
type RelayConfig struct {
	RateLimit       float64 // inbound messages per second
	RateBurst       int
	SendBuffer      int
	MaxMessageBytes int64
}

// Load reads configuration from the environment, after loading a .env file
// if one exists in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	var origins []string
	for _, o := range strings.Split(originsStr, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		StoreBackend:   getEnv("STORE_BACKEND", StoreRedis),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
	}

	var err error
	if cfg.Redis.DB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RoomTTL, err = getEnvDuration("ROOM_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Relay.RateLimit, err = getEnvFloat("RELAY_RATE_LIMIT", 50); err != nil {
		return nil, err
	}
	if cfg.Relay.RateBurst, err = getEnvInt("RELAY_RATE_BURST", 100); err != nil {
		return nil, err
	}
	if cfg.Relay.SendBuffer, err = getEnvInt("RELAY_SEND_BUFFER", 256); err != nil {
		return nil, err
	}
	maxBytes, err := getEnvInt("RELAY_MAX_MESSAGE_BYTES", 1<<20)
	if err != nil {
		return nil, err
	}
	cfg.Relay.MaxMessageBytes = int64(maxBytes)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreRedis, StoreMemory, c.StoreBackend)
	}
	if c.Environment == "production" && c.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if c.Relay.SendBuffer <= 0 {
		return fmt.Errorf("RELAY_SEND_BUFFER must be positive")
	}
	if c.Relay.RateLimit <= 0 || c.Relay.RateBurst <= 0 {
		return fmt.Errorf("RELAY_RATE_LIMIT and RELAY_RATE_BURST must be positive")
	}
	return nil
}

// RedisAddr returns host:port of the redis server.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

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
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
