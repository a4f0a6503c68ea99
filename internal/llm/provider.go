// Package llm provides the model backend adapters for Synapse.
// Two interchangeable providers are supported: an OpenAI-compatible API
// and a local Ollama server. Both expose chat completion and embedding
// generation behind the same Provider interface.
package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// MaxErrorBodySize limits how much error response body we read (1MB).
// This prevents memory exhaustion from malformed error responses.
const MaxErrorBodySize = 1 * 1024 * 1024

// Generation parameter fallbacks, used when neither the request nor the
// provider configuration carries a valid value.
const (
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7
)

// ErrMissingAPIKey is returned at construction time when a provider that
// requires a credential is configured without one. This is fatal: the
// provider must not be used at all.
var ErrMissingAPIKey = errors.New("llm: missing API key")

// DegradedReply is the placeholder content returned when a provider
// rejects the credential at call time. The pipeline continues in a
// reduced-functionality mode instead of failing the whole request.
const DegradedReply = "I'm temporarily unable to reach my language model (authentication failed). " +
	"Please verify the provider credentials and try again."

// readLimitedBody reads up to maxBytes from r, returning the bytes read.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Provider defines the interface for model backends.
type Provider interface {
	// Chat sends an ordered conversation and returns the reply.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Embed returns a fixed-length embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name returns the provider identifier.
	Name() string

	// Available returns true if the provider is configured for use.
	Available() bool
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	// SystemPrompt is the single logical system instruction for this call.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages in the conversation, most recent last.
	Messages []Message `json:"messages"`

	// MaxTokens limits response length. Non-positive values fall back to
	// the provider configuration.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-2.0). Out-of-range values fall
	// back to the provider configuration.
	Temperature float64 `json:"temperature,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// ChatResponse contains the model's reply.
type ChatResponse struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	TokensUsed       int           `json:"tokens_used,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Duration         time.Duration `json:"duration"`

	// Degraded marks a placeholder reply produced after a call-time
	// authentication failure. Callers and tests can distinguish it from a
	// real model reply.
	Degraded bool `json:"degraded,omitempty"`
}

// ProviderConfig contains configuration for a model backend.
type ProviderConfig struct {
	// Name identifies the provider ("openai" or "ollama").
	Name string

	// Endpoint is the API base URL.
	Endpoint string

	// APIKey for authentication.
	APIKey string

	// Model is the chat model to use.
	Model string

	// EmbeddingModel is the model used for the embeddings endpoint.
	EmbeddingModel string

	// MaxTokens default for responses.
	MaxTokens int

	// Temperature default.
	Temperature float64

	// Timeout for API calls.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for a provider.
func DefaultConfig(name string) *ProviderConfig {
	switch name {
	case "openai":
		return &ProviderConfig{
			Name:           "openai",
			Endpoint:       "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			MaxTokens:      DefaultMaxTokens,
			Temperature:    DefaultTemperature,
			Timeout:        2 * time.Minute,
		}
	case "ollama":
		return &ProviderConfig{
			Name:           "ollama",
			Endpoint:       "http://127.0.0.1:11434",
			Model:          "llama3.2",
			EmbeddingModel: "nomic-embed-text",
			MaxTokens:      DefaultMaxTokens,
			Temperature:    DefaultTemperature,
			Timeout:        2 * time.Minute,
		}
	default:
		return &ProviderConfig{
			Name:        name,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
			Timeout:     2 * time.Minute,
		}
	}
}

// baseProvider provides common functionality for HTTP-based model backends.
type baseProvider struct {
	config *ProviderConfig
	client *http.Client
}

// newBaseProvider creates a new base provider with defaults applied.
func newBaseProvider(cfg *ProviderConfig, providerName string) baseProvider {
	if cfg == nil {
		cfg = DefaultConfig(providerName)
	}

	defaults := DefaultConfig(providerName)
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaults.EmbeddingModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	cfg.Name = providerName

	return baseProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier.
func (b *baseProvider) Name() string {
	return b.config.Name
}

// maxTokens resolves the effective max token budget for a request.
// Invalid overrides fall back to the configured default, and an invalid
// configured default falls back to the package constant.
func (b *baseProvider) maxTokens(req *ChatRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if b.config.MaxTokens > 0 {
		return b.config.MaxTokens
	}
	return DefaultMaxTokens
}

// temperature resolves the effective sampling temperature for a request.
func (b *baseProvider) temperature(req *ChatRequest) float64 {
	if req.Temperature > 0 && req.Temperature <= 2.0 {
		return req.Temperature
	}
	if b.config.Temperature > 0 && b.config.Temperature <= 2.0 {
		return b.config.Temperature
	}
	return DefaultTemperature
}
