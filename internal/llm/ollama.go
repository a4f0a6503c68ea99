package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider implements the Provider interface for a local Ollama
// server. It uses the prompt-based /api/generate endpoint, which has no
// native system-role concept, so the system instruction is folded into
// the rendered prompt.
type OllamaProvider struct {
	baseProvider
}

// NewOllamaProvider creates a new Ollama provider. Ollama requires no
// credential, only a reachable endpoint.
func NewOllamaProvider(cfg *ProviderConfig) *OllamaProvider {
	return &OllamaProvider{
		baseProvider: newBaseProvider(cfg, "ollama"),
	}
}

// Available reports whether the provider has an endpoint configured.
func (p *OllamaProvider) Available() bool {
	return p.config.Endpoint != ""
}

// Chat renders the conversation into a single prompt and sends it to the
// generate endpoint.
func (p *OllamaProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	ollamaReq := ollamaGenerateRequest{
		Model:  p.config.Model,
		Prompt: renderPrompt(req),
		Stream: false,
		Options: ollamaOptions{
			NumPredict:  p.maxTokens(req),
			Temperature: p.temperature(req),
		},
	}

	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("generation failed (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var ollamaResp ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &ChatResponse{
		Content:          strings.TrimSpace(ollamaResp.Response),
		Model:            ollamaResp.Model,
		PromptTokens:     ollamaResp.PromptEvalCount,
		CompletionTokens: ollamaResp.EvalCount,
		TokensUsed:       ollamaResp.PromptEvalCount + ollamaResp.EvalCount,
		Duration:         time.Since(start),
	}, nil
}

// Embed generates an embedding vector via the embeddings endpoint.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := ollamaEmbedRequest{
		Model:  p.config.EmbeddingModel,
		Prompt: text,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.Endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("embedding failed (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var embedResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(embedResp.Embedding) == 0 {
		return nil, fmt.Errorf("embedding failed: empty vector in response")
	}

	return embedResp.Embedding, nil
}

// renderPrompt flattens an ordered conversation into the plain prompt the
// generate endpoint expects. The system instruction (and any stray
// system-role turns in the history) are folded into the content of the
// next user turn, in order, and each instruction is folded exactly once.
func renderPrompt(req *ChatRequest) string {
	var sb strings.Builder
	pendingSystem := req.SystemPrompt

	flush := func(userContent string) string {
		if pendingSystem == "" {
			return userContent
		}
		folded := pendingSystem + "\n\n" + userContent
		pendingSystem = ""
		return folded
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if pendingSystem == "" {
				pendingSystem = msg.Content
			} else {
				pendingSystem += "\n\n" + msg.Content
			}
		case "assistant":
			sb.WriteString("Assistant: ")
			sb.WriteString(msg.Content)
			sb.WriteString("\n")
		default:
			sb.WriteString("User: ")
			sb.WriteString(flush(msg.Content))
			sb.WriteString("\n")
		}
	}

	// A trailing instruction with no user turn to attach to still has to
	// reach the model.
	if pendingSystem != "" {
		sb.WriteString("User: ")
		sb.WriteString(flush(""))
		sb.WriteString("\n")
	}

	sb.WriteString("Assistant:")
	return sb.String()
}

// Ollama API types
type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}
