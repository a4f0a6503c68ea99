// Package config loads and validates configuration for the Synapse
// orchestration service. Configuration lives in ~/.synapse/config.yaml
// and can be overridden by SYNAPSE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Memory   MemoryConfig   `mapstructure:"memory" yaml:"memory"`
	Workflow WorkflowConfig `mapstructure:"workflow" yaml:"workflow"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// LLMConfig contains configuration for the model backends.
type LLMConfig struct {
	// DefaultProvider selects the backend used when the caller does not
	// pick one explicitly ("openai" or "ollama").
	DefaultProvider string `mapstructure:"default_provider" yaml:"default_provider"`
	// Providers maps provider names to their specific configuration.
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// ProviderConfig contains configuration for a single model backend.
type ProviderConfig struct {
	// Endpoint is the API base URL (primarily used for Ollama).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// APIKey is the bearer credential for the provider.
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// Model is the chat model to use with this provider.
	Model string `mapstructure:"model" yaml:"model,omitempty"`
	// EmbeddingModel is the model used for the embeddings endpoint.
	EmbeddingModel string `mapstructure:"embedding_model" yaml:"embedding_model,omitempty"`
	// MaxTokens limits response length. Invalid values fall back to the
	// provider default rather than failing the call.
	MaxTokens int `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	// Temperature controls sampling randomness (0.0-2.0).
	Temperature float64 `mapstructure:"temperature" yaml:"temperature,omitempty"`
	// TimeoutSec is the per-call HTTP timeout in seconds.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec,omitempty"`
}

// MemoryConfig contains configuration for the semantic memory store.
type MemoryConfig struct {
	// URL is the Qdrant HTTP API base URL.
	URL string `mapstructure:"url" yaml:"url"`
	// APIKey is the optional Qdrant API key.
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// Collection is the vector collection holding all memory records.
	Collection string `mapstructure:"collection" yaml:"collection"`
	// VectorSize is the embedding dimensionality. It must match what the
	// configured embedding model produces; the store verifies this at
	// initialization time.
	VectorSize int `mapstructure:"vector_size" yaml:"vector_size"`
	// EmbeddingProvider selects which model backend generates embeddings.
	EmbeddingProvider string `mapstructure:"embedding_provider" yaml:"embedding_provider"`
	// SearchLimit is the default number of context entries retrieved per
	// orchestration cycle.
	SearchLimit int `mapstructure:"search_limit" yaml:"search_limit"`
}

// WorkflowConfig contains configuration for the workflow engine client.
type WorkflowConfig struct {
	// URL is the n8n API base URL.
	URL string `mapstructure:"url" yaml:"url"`
	// APIKey is sent as the X-N8N-API-KEY header when set.
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// BasicAuthUser and BasicAuthPassword enable basic auth when set.
	BasicAuthUser     string `mapstructure:"basic_auth_user" yaml:"basic_auth_user,omitempty"`
	BasicAuthPassword string `mapstructure:"basic_auth_password" yaml:"basic_auth_password,omitempty"`
	// PollInterval is the delay between execution status polls.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// MaxPollAttempts bounds the poll loop. Interval times attempts is
	// the effective execution deadline.
	MaxPollAttempts int `mapstructure:"max_poll_attempts" yaml:"max_poll_attempts"`
}

// DatabaseConfig contains configuration for the local SQLite sink.
type DatabaseConfig struct {
	// Path is the directory holding synapse.db.
	Path string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `mapstructure:"level" yaml:"level"`
	// File is the optional path to a log file.
	File string `mapstructure:"file" yaml:"file,omitempty"`
	// Pretty enables human-readable console output instead of JSON.
	Pretty bool `mapstructure:"pretty" yaml:"pretty"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".synapse")

	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Providers: map[string]ProviderConfig{
				"openai": {
					Endpoint:       "https://api.openai.com/v1",
					APIKey:         "",
					Model:          "gpt-4o-mini",
					EmbeddingModel: "text-embedding-3-small",
					MaxTokens:      1024,
					Temperature:    0.7,
					TimeoutSec:     120,
				},
				"ollama": {
					Endpoint:       "http://127.0.0.1:11434",
					Model:          "llama3.2",
					EmbeddingModel: "nomic-embed-text",
					MaxTokens:      1024,
					Temperature:    0.7,
					TimeoutSec:     120,
				},
			},
		},
		Memory: MemoryConfig{
			URL:               "http://127.0.0.1:6333",
			Collection:        "synapse_memory",
			VectorSize:        1536,
			EmbeddingProvider: "openai",
			SearchLimit:       5,
		},
		Workflow: WorkflowConfig{
			URL:             "http://127.0.0.1:5678",
			PollInterval:    time.Second,
			MaxPollAttempts: 60,
		},
		Database: DatabaseConfig{
			Path: dataDir,
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   filepath.Join(dataDir, "logs", "synapse.log"),
			Pretty: true,
		},
	}
}

// Load reads configuration from the default location (~/.synapse/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".synapse", "config.yaml")
	return LoadFromPath(configPath)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with
// default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := writeConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Enable environment variable overrides.
	// Example: SYNAPSE_LLM_PROVIDERS_OPENAI_API_KEY
	v.SetEnvPrefix("SYNAPSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills in missing values that have non-zero defaults, so a
// hand-trimmed config file keeps working.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Memory.Collection == "" {
		c.Memory.Collection = defaults.Memory.Collection
	}
	if c.Memory.VectorSize == 0 {
		c.Memory.VectorSize = defaults.Memory.VectorSize
	}
	if c.Memory.EmbeddingProvider == "" {
		c.Memory.EmbeddingProvider = defaults.Memory.EmbeddingProvider
	}
	if c.Memory.SearchLimit == 0 {
		c.Memory.SearchLimit = defaults.Memory.SearchLimit
	}
	if c.Workflow.PollInterval == 0 {
		c.Workflow.PollInterval = defaults.Workflow.PollInterval
	}
	if c.Workflow.MaxPollAttempts == 0 {
		c.Workflow.MaxPollAttempts = defaults.Workflow.MaxPollAttempts
	}
	if c.Database.Path == "" {
		c.Database.Path = defaults.Database.Path
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
}

// Save writes the current configuration to the default config file location.
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".synapse", "config.yaml")
	return c.SaveToPath(configPath)
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.LLM.DefaultProvider == "" {
		return fmt.Errorf("llm.default_provider cannot be empty")
	}

	if _, exists := c.LLM.Providers[c.LLM.DefaultProvider]; !exists {
		return fmt.Errorf("default provider '%s' not found in providers map", c.LLM.DefaultProvider)
	}

	if c.Memory.URL == "" {
		return fmt.Errorf("memory.url cannot be empty")
	}

	if c.Memory.VectorSize <= 0 {
		return fmt.Errorf("memory.vector_size must be positive, got %d", c.Memory.VectorSize)
	}

	if _, exists := c.LLM.Providers[c.Memory.EmbeddingProvider]; !exists {
		return fmt.Errorf("embedding provider '%s' not found in providers map", c.Memory.EmbeddingProvider)
	}

	if c.Workflow.URL == "" {
		return fmt.Errorf("workflow.url cannot be empty")
	}

	if c.Workflow.PollInterval <= 0 {
		return fmt.Errorf("workflow.poll_interval must be positive")
	}

	if c.Workflow.MaxPollAttempts <= 0 {
		return fmt.Errorf("workflow.max_poll_attempts must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
