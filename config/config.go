// Package config loads chatgraph settings from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Checkpoint backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// LLM providers.
const (
	ProviderLangchain = "langchain"
	ProviderOpenAI    = "openai"
)

// MissingError reports a required variable that is not set.
type MissingError struct {
	Var string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("config: %s is required", e.Var)
}

// IsMissing reports whether err is a MissingError.
func IsMissing(err error) bool {
	var m *MissingError
	return errors.As(err, &m)
}

type Config struct {
	Port     int
	LogLevel string

	Backend        string // postgres, sqlite, redis or memory
	DatabaseURL    string
	SQLitePath     string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	DBMaxConns     int
	DBMinConns     int
	AcquireTimeout time.Duration

	LLM LLM

	MaxConcurrency int // producer goroutines shared by all streams
	QueueSize      int
	KeepAlive      time.Duration
	RecursionLimit int

	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
}

// LLM holds the chat model settings. They are validated when a model is
// built, not by Load.
type LLM struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

// Validate checks that every required LLM variable is present.
func (l LLM) Validate() error {
	switch {
	case l.APIKey == "":
		return &MissingError{Var: "LLM_API_KEY"}
	case l.BaseURL == "":
		return &MissingError{Var: "LLM_BASE_URL"}
	case l.Model == "":
		return &MissingError{Var: "LLM_MODEL"}
	}
	if l.Provider != ProviderLangchain && l.Provider != ProviderOpenAI {
		return fmt.Errorf("config: unknown LLM_PROVIDER %q", l.Provider)
	}
	return nil
}

func Load() (Config, error) {
	cfg := Config{
		Port:           envInt("CHATGRAPH_PORT", 8000),
		LogLevel:       envStr("CHATGRAPH_LOG_LEVEL", "info"),
		Backend:        envStr("CHECKPOINT_BACKEND", BackendPostgres),
		DatabaseURL:    envStr("DATABASE_URL", envStr("POSTGRES_CONN_STRING", "")),
		SQLitePath:     envStr("SQLITE_PATH", "chatgraph.db"),
		RedisAddr:      envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  envStr("REDIS_PASSWORD", ""),
		RedisDB:        envInt("REDIS_DB", 0),
		DBMaxConns:     envInt("DB_MAX_CONNS", 30),
		DBMinConns:     envInt("DB_MIN_CONNS", 1),
		AcquireTimeout: envDuration("DB_ACQUIRE_TIMEOUT", 30*time.Second),
		// The GEMINI_2_5_FLASH_* names are read for older .env files.
		LLM: LLM{
			Provider:    envStr("LLM_PROVIDER", ProviderLangchain),
			APIKey:      envStr("LLM_API_KEY", envStr("GEMINI_2_5_FLASH_API_KEY", "")),
			BaseURL:     envStr("LLM_BASE_URL", envStr("GEMINI_2_5_FLASH_BASE_URL", "")),
			Model:       envStr("LLM_MODEL", envStr("GEMINI_2_5_FLASH_MODEL", "")),
			Temperature: envFloat("LLM_TEMPERATURE", 0),
		},
		MaxConcurrency: envInt("WORKFLOW_MAX_CONCURRENCY", 256),
		QueueSize:      envInt("STREAM_QUEUE_SIZE", 1024),
		KeepAlive:      envDuration("STREAM_KEEPALIVE", 15*time.Second),
		RecursionLimit: envInt("GRAPH_RECURSION_LIMIT", 25),
		OTELEndpoint:   envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:   envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:    envStr("OTEL_SERVICE_NAME", "chatgraph"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("config: CHATGRAPH_PORT must be positive")
	}
	switch c.Backend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return &MissingError{Var: "DATABASE_URL"}
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return &MissingError{Var: "SQLITE_PATH"}
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return &MissingError{Var: "REDIS_ADDR"}
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown CHECKPOINT_BACKEND %q", c.Backend)
	}
	if c.DBMinConns < 1 || c.DBMaxConns < c.DBMinConns {
		return fmt.Errorf("config: DB_MAX_CONNS must be at least DB_MIN_CONNS (>= 1)")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("config: WORKFLOW_MAX_CONCURRENCY must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("config: STREAM_QUEUE_SIZE must be positive")
	}
	if c.KeepAlive <= 0 {
		return fmt.Errorf("config: STREAM_KEEPALIVE must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
