package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"noesis/pkg/errors"
)

type Config struct {
	App             AppConfig
	Server          ServerConfig
	Redis           RedisConfig
	Postgres        PostgresConfig
	AI              AIConfig
	Engine          EngineConfig
	Checkpoint      CheckpointConfig
	ContextProvider ContextProviderConfig
	ErrorTracking   ErrorTrackingConfig
	Workers         WorkerConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"noesis"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Version  string `envconfig:"APP_VERSION" default:"dev"`
}

type ServerConfig struct {
	Port         int           `envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
}

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" required:"true"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PostgresConfig configures the optional reasoning audit log store.
// The engine runs without it when REASONING_LOG_ENABLED=false.
type PostgresConfig struct {
	Enabled  bool   `envconfig:"REASONING_LOG_ENABLED" default:"false"`
	Host     string `envconfig:"POSTGRES_HOST"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER"`
	Password string `envconfig:"POSTGRES_PASSWORD"`
	Database string `envconfig:"POSTGRES_DB"`
	SSLMode  string `envconfig:"POSTGRES_SSL_MODE" default:"disable"`
	MaxConns int    `envconfig:"POSTGRES_MAX_CONNS" default:"10"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type AIConfig struct {
	APIKey         string        `envconfig:"OPENAI_API_KEY" required:"true"`
	BaseURL        string        `envconfig:"OPENAI_BASE_URL"` // Override for local/self-hosted backends
	Model          string        `envconfig:"AI_MODEL" default:"gpt-4o-mini"`
	FallbackModel  string        `envconfig:"AI_FALLBACK_MODEL"`
	Temperature    float64       `envconfig:"AI_TEMPERATURE" default:"0.7"`
	MaxTokens      int           `envconfig:"AI_MAX_TOKENS" default:"2048"`
	RequestTimeout time.Duration `envconfig:"AI_REQUEST_TIMEOUT" default:"60s"`
	MaxAttempts    int           `envconfig:"AI_MAX_ATTEMPTS" default:"3"`
	InitialBackoff time.Duration `envconfig:"AI_INITIAL_BACKOFF" default:"1s"`
	RequestsPerMin float64       `envconfig:"AI_REQUESTS_PER_MINUTE" default:"300"`
	Burst          int           `envconfig:"AI_BURST" default:"10"`
}

// EngineConfig bounds the reasoning state machine.
type EngineConfig struct {
	DefaultMaxSteps int           `envconfig:"ENGINE_DEFAULT_MAX_STEPS" default:"10"`
	MaxStepsLimit   int           `envconfig:"ENGINE_MAX_STEPS_LIMIT" default:"50"`
	MaxRetries      int           `envconfig:"ENGINE_MAX_RETRIES" default:"5"`
	SessionTimeout  time.Duration `envconfig:"ENGINE_SESSION_TIMEOUT" default:"300s"`
	MaxSessions     int           `envconfig:"ENGINE_MAX_CONCURRENT_SESSIONS" default:"16"`
	ContextSnippets int           `envconfig:"ENGINE_CONTEXT_SNIPPETS" default:"3"`
}

type CheckpointConfig struct {
	KeyPrefix     string        `envconfig:"CHECKPOINT_KEY_PREFIX" default:"noesis:checkpoint:"`
	TTL           time.Duration `envconfig:"CHECKPOINT_TTL" default:"24h"`
	SaveFrequency int           `envconfig:"CHECKPOINT_SAVE_FREQUENCY" default:"1"` // Save every Nth transition
	RollbackEvery int           `envconfig:"CHECKPOINT_ROLLBACK_EVERY" default:"5"` // Mark rollback points every Nth step
}

type ContextProviderConfig struct {
	Enabled  bool          `envconfig:"CONTEXT_PROVIDER_ENABLED" default:"false"`
	BaseURL  string        `envconfig:"CONTEXT_PROVIDER_URL"`
	Timeout  time.Duration `envconfig:"CONTEXT_PROVIDER_TIMEOUT" default:"10s"`
	Limit    int           `envconfig:"CONTEXT_PROVIDER_LIMIT" default:"3"`
	MinScore float64       `envconfig:"CONTEXT_PROVIDER_MIN_SCORE" default:"0.5"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"false"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// WorkerConfig contains intervals for background workers
type WorkerConfig struct {
	CheckpointSweepInterval time.Duration `envconfig:"WORKER_CHECKPOINT_SWEEP_INTERVAL" default:"1h"`
	CheckpointSweepEnabled  bool          `envconfig:"WORKER_CHECKPOINT_SWEEP_ENABLED" default:"true"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not exists)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	if cfg.Engine.DefaultMaxSteps < 1 || cfg.Engine.DefaultMaxSteps > cfg.Engine.MaxStepsLimit {
		return nil, errors.Wrapf(errors.ErrInvalidInput,
			"ENGINE_DEFAULT_MAX_STEPS must be in 1..%d", cfg.Engine.MaxStepsLimit)
	}

	return &cfg, nil
}
