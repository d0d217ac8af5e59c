// Package config loads the service configuration from BANKBOT_* environment
// variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "BANKBOT"

const (
	RuntimeLambda = "lambda"
	RuntimeHTTP   = "http"

	ProviderBedrock = "bedrock"
	ProviderOpenAI  = "openai"
	ProviderMock    = "mock"

	MemoryNone     = "none"
	MemoryFile     = "file"
	MemoryDynamoDB = "dynamodb"
)

// Config holds every tunable of the assistant.
type Config struct {
	Runtime  string `envconfig:"RUNTIME" default:"lambda"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Completion
	CompletionProvider string        `envconfig:"COMPLETION_PROVIDER" default:"bedrock"`
	BedrockModelID     string        `envconfig:"BEDROCK_MODEL_ID" default:"ai21.jamba-1-5-large-v1:0"`
	OpenAIModel        string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIBaseURL      string        `envconfig:"OPENAI_BASE_URL" default:""`
	MaxTokens          int           `envconfig:"MAX_TOKENS" default:"512"`
	Temperature        float64       `envconfig:"TEMPERATURE" default:"0.7"`
	TopP               float64       `envconfig:"TOP_P" default:"0.9"`
	MaxIterations      int           `envconfig:"MAX_ITERATIONS" default:"5"`
	CompletionTimeout  time.Duration `envconfig:"COMPLETION_TIMEOUT" default:"30s"`

	// Sentiment and inactivity analysis
	SentimentTimeout    time.Duration `envconfig:"SENTIMENT_TIMEOUT" default:"5s"`
	AnalysisLanguage    string        `envconfig:"ANALYSIS_LANGUAGE" default:"es"`
	SentimentHistoryCap int           `envconfig:"SENTIMENT_HISTORY_CAP" default:"1000"`
	InactivityWindow    time.Duration `envconfig:"INACTIVITY_WINDOW" default:"1m"`
	AnalyzeOnShutdown   bool          `envconfig:"ANALYZE_ON_SHUTDOWN" default:"false"`
	ShutdownTimeout     time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// Memory
	MaxSessions        int    `envconfig:"MAX_SESSIONS" default:"100"`
	MaxTurnsPerSession int    `envconfig:"MAX_TURNS_PER_SESSION" default:"20"`
	SummaryLimit       int    `envconfig:"SUMMARY_LIMIT" default:"10"`
	MemoryBackend      string `envconfig:"MEMORY_BACKEND" default:"none"`
	MemoryFile         string `envconfig:"MEMORY_FILE" default:"conversation_memory.json"`
	StateTable         string `envconfig:"STATE_TABLE" default:""`
	MemoryNamespace    string `envconfig:"MEMORY_NAMESPACE" default:"default"`

	// Collaborators
	ParamPrefix string        `envconfig:"PARAM_PREFIX" default:""`
	CRMURL      string        `envconfig:"CRM_URL" default:""`
	CRMTimeout  time.Duration `envconfig:"CRM_TIMEOUT" default:"10s"`
}

// New parses the environment and validates the result.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes enum values and checks cross-field requirements.
func (c *Config) Validate() error {
	c.Runtime = strings.ToLower(strings.TrimSpace(c.Runtime))
	c.CompletionProvider = strings.ToLower(strings.TrimSpace(c.CompletionProvider))
	c.MemoryBackend = strings.ToLower(strings.TrimSpace(c.MemoryBackend))

	switch c.Runtime {
	case RuntimeLambda, RuntimeHTTP:
	default:
		return fmt.Errorf("config: unsupported RUNTIME: %q", c.Runtime)
	}

	switch c.CompletionProvider {
	case ProviderBedrock:
		if strings.TrimSpace(c.BedrockModelID) == "" {
			return fmt.Errorf("config: BEDROCK_MODEL_ID is required for provider %q", c.CompletionProvider)
		}
	case ProviderOpenAI:
		if strings.TrimSpace(c.ParamPrefix) == "" {
			return fmt.Errorf("config: PARAM_PREFIX is required for provider %q", c.CompletionProvider)
		}
	case ProviderMock:
	default:
		return fmt.Errorf("config: unsupported COMPLETION_PROVIDER: %q", c.CompletionProvider)
	}

	switch c.MemoryBackend {
	case MemoryNone:
	case MemoryFile:
		if strings.TrimSpace(c.MemoryFile) == "" {
			return fmt.Errorf("config: MEMORY_FILE is required for backend %q", c.MemoryBackend)
		}
	case MemoryDynamoDB:
		if strings.TrimSpace(c.StateTable) == "" {
			return fmt.Errorf("config: STATE_TABLE is required for backend %q", c.MemoryBackend)
		}
	default:
		return fmt.Errorf("config: unsupported MEMORY_BACKEND: %q", c.MemoryBackend)
	}

	positive := []struct {
		key string
		val int
	}{
		{"MAX_TOKENS", c.MaxTokens},
		{"MAX_ITERATIONS", c.MaxIterations},
		{"SENTIMENT_HISTORY_CAP", c.SentimentHistoryCap},
		{"MAX_SESSIONS", c.MaxSessions},
		{"MAX_TURNS_PER_SESSION", c.MaxTurnsPerSession},
		{"SUMMARY_LIMIT", c.SummaryLimit},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("config: %s must be positive, got %d", p.key, p.val)
		}
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return fmt.Errorf("config: TEMPERATURE must be within [0,1], got %v", c.Temperature)
	}
	if c.TopP <= 0 || c.TopP > 1 {
		return fmt.Errorf("config: TOP_P must be within (0,1], got %v", c.TopP)
	}
	if c.InactivityWindow <= 0 {
		return fmt.Errorf("config: INACTIVITY_WINDOW must be positive, got %s", c.InactivityWindow)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LOG_LEVEL.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("config: invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Persistent reports whether state outlives the process through DynamoDB.
func (c *Config) Persistent() bool {
	return c.MemoryBackend == MemoryDynamoDB
}
