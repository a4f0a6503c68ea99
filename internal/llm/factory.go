package llm

import (
	"fmt"
	"os"
	"time"

	"github.com/normanking/synapse/internal/config"
)

// Kind identifies a model backend variant. The two-way provider choice is
// modeled as an enum rather than string comparisons scattered through the
// orchestrator.
type Kind string

const (
	KindOpenAI Kind = "openai"
	KindOllama Kind = "ollama"
)

// ParseKind maps a provider name to a Kind, falling back to def for an
// empty choice. Unknown names are an error.
func ParseKind(name string, def Kind) (Kind, error) {
	switch name {
	case "":
		return def, nil
	case string(KindOpenAI):
		return KindOpenAI, nil
	case string(KindOllama):
		return KindOllama, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", name)
	}
}

// New creates a provider of the given kind from its configuration.
func New(kind Kind, cfg *ProviderConfig) (Provider, error) {
	switch kind {
	case KindOpenAI:
		return NewOpenAIProvider(cfg)
	case KindOllama:
		return NewOllamaProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", kind)
	}
}

// FromConfig builds a provider of the given kind from the application
// configuration. API keys missing from the file are read from the
// standard environment variables.
func FromConfig(kind Kind, cfg *config.Config) (Provider, error) {
	providerCfg, exists := cfg.LLM.Providers[string(kind)]
	if !exists {
		return nil, fmt.Errorf("provider '%s' not found in configuration", kind)
	}

	apiKey := providerCfg.APIKey
	if apiKey == "" {
		apiKey = apiKeyFromEnv(kind)
	}

	var timeout time.Duration
	if providerCfg.TimeoutSec > 0 {
		timeout = time.Duration(providerCfg.TimeoutSec) * time.Second
	}

	return New(kind, &ProviderConfig{
		Name:           string(kind),
		Endpoint:       providerCfg.Endpoint,
		APIKey:         apiKey,
		Model:          providerCfg.Model,
		EmbeddingModel: providerCfg.EmbeddingModel,
		MaxTokens:      providerCfg.MaxTokens,
		Temperature:    providerCfg.Temperature,
		Timeout:        timeout,
	})
}

// apiKeyFromEnv retrieves the API key from standard environment variables.
func apiKeyFromEnv(kind Kind) string {
	switch kind {
	case KindOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	default:
		return ""
	}
}

// AvailableProviders returns the names of configured and usable providers.
func AvailableProviders(cfg *config.Config) []string {
	var available []string
	for _, kind := range []Kind{KindOpenAI, KindOllama} {
		provider, err := FromConfig(kind, cfg)
		if err != nil {
			continue
		}
		if provider.Available() {
			available = append(available, string(kind))
		}
	}
	return available
}
