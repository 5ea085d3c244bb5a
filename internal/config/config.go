package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Musegen server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Generator GeneratorConfig
	Worker    WorkerConfig
	Stream    StreamConfig
	Reconcile ReconcileConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type GeneratorConfig struct {
	Provider          string
	GenerationTimeout time.Duration
	DefaultMaxTokens  int
	Ollama            OllamaConfig
	OpenAI            OpenAIConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

type WorkerConfig struct {
	Concurrency   int
	DequeueWait   time.Duration
	ErrorBackoff  time.Duration
	FlushTokens   int
	FlushInterval time.Duration
}

type StreamConfig struct {
	ProgressInterval time.Duration
	ContentInterval  time.Duration
	MaxDuration      time.Duration
}

type ReconcileConfig struct {
	Interval          time.Duration
	QueuedGrace       time.Duration
	LivenessThreshold time.Duration
	RetentionMaxAge   time.Duration
}

var validProviders = map[string]bool{
	"ollama": true,
	"openai": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("MUSEGEN_PORT", 8080),
			Env:  envString("MUSEGEN_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Generator: GeneratorConfig{
			Provider:          os.Getenv("GENERATOR_PROVIDER"),
			GenerationTimeout: envDuration("GENERATION_TIMEOUT", 10*time.Minute),
			DefaultMaxTokens:  envInt("GENERATION_DEFAULT_MAX_TOKENS", 2048),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
			OpenAI: OpenAIConfig{
				APIKey: os.Getenv("OPENAI_API_KEY"),
				Model:  envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
		},
		Worker: WorkerConfig{
			Concurrency:   envInt("WORKER_CONCURRENCY", 4),
			DequeueWait:   envDuration("WORKER_DEQUEUE_WAIT", 5*time.Second),
			ErrorBackoff:  envDuration("WORKER_ERROR_BACKOFF", 2*time.Second),
			FlushTokens:   envInt("WORKER_FLUSH_TOKENS", 8),
			FlushInterval: envDuration("WORKER_FLUSH_INTERVAL", 500*time.Millisecond),
		},
		Stream: StreamConfig{
			ProgressInterval: envDuration("STREAM_PROGRESS_INTERVAL", 200*time.Millisecond),
			ContentInterval:  envDuration("STREAM_CONTENT_INTERVAL", 500*time.Millisecond),
			MaxDuration:      envDuration("STREAM_MAX_DURATION", 600*time.Second),
		},
		Reconcile: ReconcileConfig{
			Interval:          envDuration("RECONCILE_INTERVAL", 15*time.Second),
			QueuedGrace:       envDuration("RECONCILE_QUEUED_GRACE", 30*time.Second),
			LivenessThreshold: envDuration("RECONCILE_LIVENESS_THRESHOLD", 2*time.Minute),
			RetentionMaxAge:   envDuration("JOB_RETENTION_MAX_AGE", 30*24*time.Hour),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Generator.Provider == "" {
		return fmt.Errorf("GENERATOR_PROVIDER is required")
	}
	if !validProviders[c.Generator.Provider] {
		return fmt.Errorf("GENERATOR_PROVIDER must be one of ollama, openai, mock; got %q", c.Generator.Provider)
	}
	if c.Generator.Provider == "openai" && c.Generator.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when GENERATOR_PROVIDER is openai")
	}
	if c.Generator.Provider == "ollama" {
		u := c.Generator.Ollama.BaseURL
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("OLLAMA_BASE_URL must start with http:// or https://, got %q", u)
		}
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}

	if c.Stream.ProgressInterval <= 0 || c.Stream.ContentInterval <= 0 {
		return fmt.Errorf("stream poll intervals must be positive")
	}
	if c.Stream.MaxDuration <= 0 {
		return fmt.Errorf("STREAM_MAX_DURATION must be positive")
	}

	if c.Reconcile.QueuedGrace <= 0 || c.Reconcile.LivenessThreshold <= 0 {
		return fmt.Errorf("reconcile grace and liveness threshold must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
