package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr       string `env:"COEDIT_ADDR" envDefault:":3010"`
	NATSUrl    string `env:"COEDIT_NATS_URL"`    // empty means in-process bus (single instance)
	InstanceID string `env:"COEDIT_INSTANCE_ID"` // defaults to a fresh UUID per boot

	// Authentication
	JWTSecret   string `env:"COEDIT_JWT_SECRET"`
	JWTIssuer   string `env:"COEDIT_JWT_ISSUER" envDefault:"coedit"`
	JWTAudience string `env:"COEDIT_JWT_AUDIENCE" envDefault:"coedit-clients"`

	// Capacity
	MaxConnections int `env:"COEDIT_MAX_CONNECTIONS" envDefault:"2000"`
	SendQueueSize  int `env:"COEDIT_SEND_QUEUE" envDefault:"256"`

	// Broadcast debouncing
	DebounceDelay    time.Duration `env:"COEDIT_DEBOUNCE_DELAY" envDefault:"300ms"`
	DebounceMaxDelay time.Duration `env:"COEDIT_DEBOUNCE_MAX_DELAY" envDefault:"1s"`

	// Document cache
	IdleEvictTTL      time.Duration `env:"COEDIT_IDLE_EVICT_TTL" envDefault:"5m"`
	DocumentCacheSize int           `env:"COEDIT_DOC_CACHE_SIZE" envDefault:"100"`
	HistoryLimit      int           `env:"COEDIT_HISTORY_LIMIT" envDefault:"64"`

	// Memory manager
	MemoryLimit    int64         `env:"COEDIT_MEMORY_LIMIT" envDefault:"536870912"` // 512MB
	GCThreshold    float64       `env:"COEDIT_GC_THRESHOLD" envDefault:"0.8"`
	MemoryInterval time.Duration `env:"COEDIT_MEMORY_INTERVAL" envDefault:"30s"`

	// Connection timeouts
	HandshakeTimeout  time.Duration `env:"COEDIT_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	ReadIdleTimeout   time.Duration `env:"COEDIT_READ_IDLE_TIMEOUT" envDefault:"60s"`
	WriteTimeout      time.Duration `env:"COEDIT_WRITE_TIMEOUT" envDefault:"5s"`
	CloseDrainTimeout time.Duration `env:"COEDIT_CLOSE_DRAIN_TIMEOUT" envDefault:"250ms"`

	// Connection rate limiting (DoS protection on the upgrade path)
	ConnRateLimitEnabled     bool    `env:"COEDIT_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPBurst     int     `env:"COEDIT_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"COEDIT_CONN_RATE_IP_RATE" envDefault:"2"`
	ConnRateLimitGlobalBurst int     `env:"COEDIT_CONN_RATE_GLOBAL_BURST" envDefault:"200"`
	ConnRateLimitGlobalRate  float64 `env:"COEDIT_CONN_RATE_GLOBAL_RATE" envDefault:"100"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production containers set env directly.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("COEDIT_ADDR is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("COEDIT_JWT_SECRET is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("COEDIT_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("COEDIT_SEND_QUEUE must be > 0, got %d", c.SendQueueSize)
	}
	if c.DebounceDelay < 0 {
		return fmt.Errorf("COEDIT_DEBOUNCE_DELAY must be >= 0, got %s", c.DebounceDelay)
	}
	if c.DebounceDelay > 0 && c.DebounceMaxDelay < c.DebounceDelay {
		return fmt.Errorf("COEDIT_DEBOUNCE_MAX_DELAY (%s) must be >= COEDIT_DEBOUNCE_DELAY (%s)",
			c.DebounceMaxDelay, c.DebounceDelay)
	}
	if c.GCThreshold <= 0 || c.GCThreshold > 1 {
		return fmt.Errorf("COEDIT_GC_THRESHOLD must be in (0, 1], got %.2f", c.GCThreshold)
	}
	if c.DocumentCacheSize < 1 {
		return fmt.Errorf("COEDIT_DOC_CACHE_SIZE must be > 0, got %d", c.DocumentCacheSize)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging.
// The JWT secret is deliberately omitted.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("nats_url", c.NATSUrl).
		Str("instance_id", c.InstanceID).
		Int("max_connections", c.MaxConnections).
		Int("send_queue", c.SendQueueSize).
		Dur("debounce_delay", c.DebounceDelay).
		Dur("debounce_max_delay", c.DebounceMaxDelay).
		Dur("idle_evict_ttl", c.IdleEvictTTL).
		Int("doc_cache_size", c.DocumentCacheSize).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Float64("gc_threshold", c.GCThreshold).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
