package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PARAM_PREFIX", "/sales")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/sales", cfg.ParamPrefix)
	require.Empty(t, cfg.StateTable)
	require.False(t, cfg.Persistent())
	require.Equal(t, "https://api.cerebras.ai/v1", cfg.LLMBaseURL)
	require.Equal(t, 30*time.Second, cfg.LLMTimeout)
	require.Equal(t, 20, cfg.MaxContextItems)
	require.Equal(t, 1000, cfg.MaxMessageLength)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.True(t, cfg.LogJSON)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PARAM_PREFIX", "/sales/prod")
	t.Setenv("STATE_TABLE", " sales-state ")
	t.Setenv("LLM_BASE_URL", "http://localhost:8000/v1")
	t.Setenv("LLM_TIMEOUT", "45s")
	t.Setenv("LLM_TEMPERATURE", "0.2")
	t.Setenv("MAX_CONTEXT_ITEMS", "12")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_JSON", "off")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "sales-state", cfg.StateTable)
	require.True(t, cfg.Persistent())
	require.Equal(t, "http://localhost:8000/v1", cfg.LLMBaseURL)
	require.Equal(t, 45*time.Second, cfg.LLMTimeout)
	require.InDelta(t, 0.2, cfg.LLMTemperature, 1e-9)
	require.Equal(t, 12, cfg.MaxContextItems)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.False(t, cfg.LogJSON)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("PARAM_PREFIX", "/sales")
	t.Setenv("LLM_TIMEOUT", "soon")
	t.Setenv("MAX_MESSAGE_LENGTH", "lots")
	t.Setenv("LOG_LEVEL", "loud")
	t.Setenv("LOG_JSON", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.LLMTimeout)
	require.Equal(t, 1000, cfg.MaxMessageLength)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.True(t, cfg.LogJSON)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing prefix", map[string]string{"PARAM_PREFIX": ""}, "PARAM_PREFIX cannot be empty"},
		{"relative prefix", map[string]string{"PARAM_PREFIX": "sales"}, "must start with /"},
		{"zero context", map[string]string{"PARAM_PREFIX": "/s", "MAX_CONTEXT_ITEMS": "0"}, "MAX_CONTEXT_ITEMS"},
		{"negative timeout", map[string]string{"PARAM_PREFIX": "/s", "LLM_TIMEOUT": "-1s"}, "LLM_TIMEOUT"},
		{"hot temperature", map[string]string{"PARAM_PREFIX": "/s", "LLM_TEMPERATURE": "3"}, "LLM_TEMPERATURE"},
		{"empty base url", map[string]string{"PARAM_PREFIX": "/s", "LLM_BASE_URL": " "}, "LLM_BASE_URL"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.ErrorContains(t, err, tc.want)
		})
	}
}
