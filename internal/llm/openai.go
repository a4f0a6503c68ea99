package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// OpenAIProvider implements the Provider interface for an
// OpenAI-compatible chat completion and embeddings API.
type OpenAIProvider struct {
	baseProvider
}

// NewOpenAIProvider creates a new OpenAI provider. A missing API key is a
// fatal configuration error: the constructor fails instead of returning a
// provider that silently degrades every call.
func NewOpenAIProvider(cfg *ProviderConfig) (*OpenAIProvider, error) {
	base := newBaseProvider(cfg, "openai")
	if base.config.APIKey == "" {
		return nil, fmt.Errorf("openai provider: %w", ErrMissingAPIKey)
	}
	return &OpenAIProvider{baseProvider: base}, nil
}

// Available reports whether the provider holds a credential.
func (p *OpenAIProvider) Available() bool {
	return p.config.APIKey != ""
}

// Chat sends a chat request to the OpenAI API. An authentication failure
// at call time is recoverable: it yields a degraded placeholder reply so
// the rest of the pipeline can continue.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	openaiReq := openAIChatRequest{
		Model:       p.config.Model,
		MaxTokens:   p.maxTokens(req),
		Temperature: p.temperature(req),
	}

	if req.SystemPrompt != "" {
		openaiReq.Messages = append(openaiReq.Messages, openAIMessage{
			Role:    "system",
			Content: req.SystemPrompt,
		})
	}

	for _, msg := range req.Messages {
		openaiReq.Messages = append(openaiReq.Messages, openAIMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	body, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		log.Warn().Str("provider", "openai").Int("status", resp.StatusCode).
			Msg("authentication rejected, returning degraded reply")
		return &ChatResponse{
			Content:  DegradedReply,
			Model:    p.config.Model,
			Duration: time.Since(start),
			Degraded: true,
		}, nil
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("generation failed (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var openaiResp openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(openaiResp.Choices) == 0 {
		return nil, fmt.Errorf("generation failed: no choices in response")
	}

	choice := openaiResp.Choices[0]
	return &ChatResponse{
		Content:          choice.Message.Content,
		Model:            openaiResp.Model,
		PromptTokens:     openaiResp.Usage.PromptTokens,
		CompletionTokens: openaiResp.Usage.CompletionTokens,
		TokensUsed:       openaiResp.Usage.TotalTokens,
		Duration:         time.Since(start),
	}, nil
}

// Embed generates an embedding vector via the embeddings endpoint.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := openAIEmbedRequest{
		Model: p.config.EmbeddingModel,
		Input: text,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.Endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("embedding failed (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var embedResp openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(embedResp.Data) == 0 {
		return nil, fmt.Errorf("embedding failed: no data in response")
	}

	return embedResp.Data[0].Embedding, nil
}

// OpenAI API types
type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}
