package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"credits-ledger/internal/credits"
)

// Storage backends
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Env      string
	LogLevel zerolog.Level

	Store       string
	DataDir     string
	DataDirWait time.Duration // how long a memory-store process waits for the data directory
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Optional event sinks, disabled when the URL is empty
	RabbitMQURL      string
	RabbitMQExchange string
	MongoURI         string
	MongoDatabase    string

	Engine credits.Config
}

// Load reads an optional .env file (or the given files) and then the
// process environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded, using process environment")
	}

	cfg := &Config{
		Env:              getEnv("APP_ENV", "development"),
		Store:            getEnv("CREDITS_STORE", StoreMemory),
		DataDir:          getEnv("CREDITS_DATA_DIR", "./data"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "credits_events"),
		MongoURI:         getEnv("MONGO_URI", ""),
		MongoDatabase:    getEnv("MONGO_DATABASE", "credits"),
		Engine:           *credits.DefaultConfig(),
	}

	var err error
	if cfg.LogLevel, err = zerolog.ParseLevel(getEnv("LOG_LEVEL", "info")); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.Engine.LockShards, err = getInt("CREDITS_LOCK_SHARDS", cfg.Engine.LockShards); err != nil {
		return nil, err
	}
	if cfg.Engine.MaxAttempts, err = getInt("CREDITS_MAX_ATTEMPTS", cfg.Engine.MaxAttempts); err != nil {
		return nil, err
	}
	if cfg.Engine.LockTimeout, err = getDuration("CREDITS_LOCK_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if cfg.DataDirWait, err = getDuration("CREDITS_DATA_DIR_WAIT", 10*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that depend on each other
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown CREDITS_STORE %q", c.Store)
	}

	if c.Engine.LockShards <= 0 {
		return fmt.Errorf("CREDITS_LOCK_SHARDS must be positive, got %d", c.Engine.LockShards)
	}
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("CREDITS_MAX_ATTEMPTS must be positive, got %d", c.Engine.MaxAttempts)
	}
	if c.DataDirWait < 0 {
		return fmt.Errorf("CREDITS_DATA_DIR_WAIT must not be negative, got %s", c.DataDirWait)
	}
	if c.Engine.LockTimeout < 0 {
		return fmt.Errorf("CREDITS_LOCK_TIMEOUT must not be negative, got %s", c.Engine.LockTimeout)
	}
	return nil
}

// IsDevelopment reports whether human-readable logs should be used
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// getEnv returns the value of key, or fallback when unset or empty
func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
