// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration read from the environment.
type Config struct {
	// StateTable is the DynamoDB table for session state. Empty keeps
	// sessions in memory only.
	StateTable  string
	ParamPrefix string

	LLMBaseURL     string
	LLMTimeout     time.Duration
	LLMTemperature float64
	LLMMaxTokens   int

	MaxContextItems  int
	MaxMessageLength int

	LogLevel slog.Level
	// LogJSON selects the JSON log handler; the CLI turns it off.
	LogJSON bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		StateTable:       strings.TrimSpace(getEnv("STATE_TABLE", "")),
		ParamPrefix:      strings.TrimSpace(getEnv("PARAM_PREFIX", "")),
		LLMBaseURL:       strings.TrimSpace(getEnv("LLM_BASE_URL", "https://api.cerebras.ai/v1")),
		LLMTimeout:       getEnvDuration("LLM_TIMEOUT", 30*time.Second),
		LLMTemperature:   getEnvFloat("LLM_TEMPERATURE", 0.7),
		LLMMaxTokens:     getEnvInt("LLM_MAX_TOKENS", 512),
		MaxContextItems:  getEnvInt("MAX_CONTEXT_ITEMS", 20),
		MaxMessageLength: getEnvInt("MAX_MESSAGE_LENGTH", 1000),
		LogLevel:         getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		LogJSON:          getEnvBool("LOG_JSON", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.ParamPrefix == "" {
		return fmt.Errorf("PARAM_PREFIX cannot be empty")
	}
	if !strings.HasPrefix(c.ParamPrefix, "/") {
		return fmt.Errorf("PARAM_PREFIX must start with /")
	}
	if c.LLMBaseURL == "" {
		return fmt.Errorf("LLM_BASE_URL cannot be empty")
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be > 0")
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		return fmt.Errorf("LLM_TEMPERATURE must be between 0 and 2")
	}
	if c.LLMMaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be > 0")
	}
	if c.MaxContextItems <= 0 {
		return fmt.Errorf("MAX_CONTEXT_ITEMS must be > 0")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be > 0")
	}
	return nil
}

// Persistent reports whether sessions are stored in DynamoDB.
func (c *Config) Persistent() bool {
	return c.StateTable != ""
}

// NewLogger builds the process logger.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return lvl
}
