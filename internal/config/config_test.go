package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	settings, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:11434", settings.Ollama.BaseURL)
	assert.Equal(t, 500*time.Second, settings.Ollama.Timeout())
	assert.Equal(t, 4, settings.Workers.MaxWorkers)
	assert.Equal(t, 100, settings.Workers.QueueSize)
	assert.Equal(t, 600*time.Second, settings.Workers.Timeout())
	assert.Equal(t, 3, settings.Workers.RetryAttempts)
	assert.Equal(t, "sqlite", settings.Database.Driver)
	assert.Equal(t, ":8080", settings.Server.Addr)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ollama:
  base_url: http://llm-host:11434
  timeout: 120
workers:
  max_workers: 8
  timeout: 45.5
models:
  quantized_models:
    llama3: llama3:8b-q4
model_capabilities:
  capabilities:
    - model: llama3
      tasks: [meta_optimization, keyword_analysis]
      max_tokens: 2048
    - model: mistral
      tasks: [content_rewriting]
      max_tokens: 4096
  fallback_order: [llama3, mistral, phi3]
database:
  dsn: /tmp/test.sqlite
`), 0o644))

	settings, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://llm-host:11434", settings.Ollama.BaseURL)
	assert.Equal(t, 120*time.Second, settings.Ollama.Timeout())
	assert.Equal(t, 8, settings.Workers.MaxWorkers)
	assert.Equal(t, 45500*time.Millisecond, settings.Workers.Timeout())
	assert.Equal(t, "llama3:8b-q4", settings.Models.QuantizedModels["llama3"])
	assert.Equal(t, "/tmp/test.sqlite", settings.Database.DSN)

	// Capabilities keep declaration order.
	require.Len(t, settings.ModelCapabilities.Capabilities, 2)
	assert.Equal(t, "llama3", settings.ModelCapabilities.Capabilities[0].Model)
	assert.Equal(t, 2048, settings.ModelCapabilities.Capabilities[0].MaxTokens)
	assert.Equal(t, "mistral", settings.ModelCapabilities.Capabilities[1].Model)
	assert.Equal(t, []string{"llama3", "mistral", "phi3"}, settings.ModelCapabilities.FallbackOrder)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("OPTIMUS_OLLAMA_BASE_URL", "http://override:11434")
	t.Setenv("OPTIMUS_WORKERS_MAX_WORKERS", "16")

	settings, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://override:11434", settings.Ollama.BaseURL)
	assert.Equal(t, 16, settings.Workers.MaxWorkers)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ollama: [not: valid"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
