// Package config loads pipeline settings from a YAML file with environment
// overrides, via viper. Every knob has a default so the engine can start from
// an empty file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// OllamaConfig points at the local LLM runtime.
type OllamaConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout"`
}

// Timeout returns the hard per-generation timeout.
func (c OllamaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ModelsConfig holds model-name substitutions.
type ModelsConfig struct {
	// QuantizedModels maps a model name to its quantized variant, used when a
	// task carries quantize=true.
	QuantizedModels map[string]string `mapstructure:"quantized_models"`
}

// PathsConfig locates on-disk assets.
type PathsConfig struct {
	PromptDir   string `mapstructure:"prompt_dir"`
	TaxonomyDir string `mapstructure:"taxonomy_dir"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	MaxWorkers     int     `mapstructure:"max_workers"`
	QueueSize      int     `mapstructure:"queue_size"`
	TimeoutSeconds float64 `mapstructure:"timeout"`
	RetryAttempts  int     `mapstructure:"retry_attempts"`
}

// Timeout returns the per-result await timeout used by the coordinator.
func (c WorkersConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// ModelCapability declares what one model can do.
//
// Capabilities are an ordered list, not a map: the selector tries models in
// declaration order.
type ModelCapability struct {
	Model     string   `mapstructure:"model"`
	Tasks     []string `mapstructure:"tasks"`
	MaxTokens int      `mapstructure:"max_tokens"`
}

// ModelCapabilitiesConfig declares the selector inputs.
type ModelCapabilitiesConfig struct {
	Capabilities  []ModelCapability `mapstructure:"capabilities"`
	FallbackOrder []string          `mapstructure:"fallback_order"`
}

// DatabaseConfig selects the catalog store backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // currently only "sqlite"
	DSN    string `mapstructure:"dsn"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Settings is the root configuration object.
type Settings struct {
	Ollama            OllamaConfig            `mapstructure:"ollama"`
	Models            ModelsConfig            `mapstructure:"models"`
	Paths             PathsConfig             `mapstructure:"paths"`
	Workers           WorkersConfig           `mapstructure:"workers"`
	ModelCapabilities ModelCapabilitiesConfig `mapstructure:"model_capabilities"`
	Database          DatabaseConfig          `mapstructure:"database"`
	Server            ServerConfig            `mapstructure:"server"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("ollama.timeout", 500)
	v.SetDefault("workers.max_workers", 4)
	v.SetDefault("workers.queue_size", 100)
	v.SetDefault("workers.timeout", 600.0)
	v.SetDefault("workers.retry_attempts", 3)
	v.SetDefault("paths.prompt_dir", "prompts")
	v.SetDefault("paths.taxonomy_dir", "taxonomy")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "optimus.sqlite")
	v.SetDefault("server.addr", ":8080")
}

// Load reads settings from the given YAML file path. An empty path falls back
// to ./config.yaml; a missing file yields pure defaults. Environment variables
// prefixed OPTIMUS_ override file values (OPTIMUS_OLLAMA_BASE_URL etc).
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("OPTIMUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(underlying(err)) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &settings, nil
}

func underlying(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
