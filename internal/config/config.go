package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config holds the environment driven configuration for the service.
type Config struct {
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"8080" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s" validate:"gt=0"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory" validate:"oneof=memory sqlite dynamodb"`
	SQLitePath   string `env:"SQLITE_PATH"`
	StateTable   string `env:"STATE_TABLE"`

	LLMProvider   string `env:"LLM_PROVIDER" envDefault:"openai" validate:"oneof=openai gemini"`
	ParamPrefix   string `env:"PARAM_PREFIX"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL" validate:"omitempty,url"`
	OpenAIModel   string `env:"OPENAI_MODEL" envDefault:"gpt-4o"`
	GeminiAPIKey  string `env:"GEMINI_API_KEY"`
	GeminiModel   string `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`

	AnalysisTemperature float64       `env:"ANALYSIS_TEMPERATURE" envDefault:"0.2" validate:"gte=0,lte=2"`
	AnalysisTopP        float64       `env:"ANALYSIS_TOP_P" envDefault:"0.95" validate:"gt=0,lte=1"`
	AnalysisMaxTokens   int           `env:"ANALYSIS_MAX_TOKENS" envDefault:"1024" validate:"min=64"`
	AnalysisTimeout     time.Duration `env:"ANALYSIS_TIMEOUT" envDefault:"30s" validate:"gt=0"`

	LeaderboardSize            int  `env:"LEADERBOARD_SIZE" envDefault:"10" validate:"min=1,max=100"`
	RequireRegisteredRecipient bool `env:"REQUIRE_REGISTERED_RECIPIENT" envDefault:"false"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load parses environment variables into Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and the settings each backend and provider
// depends on.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	switch c.StoreBackend {
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required when STORE_BACKEND is sqlite"))
		}
	case BackendDynamoDB:
		if strings.TrimSpace(c.StateTable) == "" {
			errs = append(errs, errors.New("STATE_TABLE is required when STORE_BACKEND is dynamodb"))
		}
	}
	switch c.LLMProvider {
	case ProviderOpenAI:
		if strings.TrimSpace(c.OpenAIAPIKey) == "" && strings.TrimSpace(c.ParamPrefix) == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY or PARAM_PREFIX is required when LLM_PROVIDER is openai"))
		}
	case ProviderGemini:
		if strings.TrimSpace(c.GeminiAPIKey) == "" && strings.TrimSpace(c.ParamPrefix) == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY or PARAM_PREFIX is required when LLM_PROVIDER is gemini"))
		}
	}
	return errors.Join(errs...)
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// NeedsAWS reports whether any configured component talks to AWS.
func (c *Config) NeedsAWS() bool {
	if c.StoreBackend == BackendDynamoDB {
		return true
	}
	switch c.LLMProvider {
	case ProviderOpenAI:
		return strings.TrimSpace(c.OpenAIAPIKey) == ""
	case ProviderGemini:
		return strings.TrimSpace(c.GeminiAPIKey) == ""
	}
	return false
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
