package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPromptFoldsSystemIntoNextUserTurn(t *testing.T) {
	req := &ChatRequest{
		SystemPrompt: "You are a helpful assistant.",
		Messages: []Message{
			{Role: "user", Content: "turn on the lights"},
			{Role: "assistant", Content: "done"},
			{Role: "user", Content: "thanks"},
		},
	}

	prompt := renderPrompt(req)

	// The system instruction is folded into the first user turn only.
	assert.Equal(t, 1, strings.Count(prompt, "You are a helpful assistant."),
		"system instruction must appear exactly once")
	first := strings.Index(prompt, "You are a helpful assistant.")
	lights := strings.Index(prompt, "turn on the lights")
	require.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, lights, "instruction precedes the user content it is folded into")
	assert.True(t, strings.HasSuffix(prompt, "Assistant:"))
}

func TestRenderPromptFoldsStraySystemTurns(t *testing.T) {
	req := &ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "first rule"},
			{Role: "system", Content: "second rule"},
			{Role: "user", Content: "hello"},
		},
	}

	prompt := renderPrompt(req)

	assert.Equal(t, 1, strings.Count(prompt, "first rule"))
	assert.Equal(t, 1, strings.Count(prompt, "second rule"))
	// Order preserved: first rule, second rule, then the user content.
	assert.Less(t, strings.Index(prompt, "first rule"), strings.Index(prompt, "second rule"))
	assert.Less(t, strings.Index(prompt, "second rule"), strings.Index(prompt, "hello"))
}

func TestRenderPromptSystemOnly(t *testing.T) {
	req := &ChatRequest{SystemPrompt: "just the rules"}

	prompt := renderPrompt(req)

	// An instruction with no user turn still reaches the model.
	assert.Contains(t, prompt, "just the rules")
	assert.True(t, strings.HasSuffix(prompt, "Assistant:"))
}

func TestOllamaChat(t *testing.T) {
	var captured ollamaGenerateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		json.NewEncoder(w).Encode(ollamaGenerateResponse{
			Model:           "llama3.2",
			Response:        " the lights are on ",
			Done:            true,
			PromptEvalCount: 20,
			EvalCount:       6,
		})
	}))
	defer server.Close()

	p := NewOllamaProvider(&ProviderConfig{Endpoint: server.URL, Model: "llama3.2"})
	require.True(t, p.Available())

	resp, err := p.Chat(context.Background(), &ChatRequest{
		SystemPrompt: "be terse",
		Messages:     []Message{{Role: "user", Content: "lights on"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "the lights are on", resp.Content)
	assert.Equal(t, 26, resp.TokensUsed)
	assert.False(t, captured.Stream)
	assert.Contains(t, captured.Prompt, "be terse")
}

func TestOllamaChatServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("model not loaded"))
	}))
	defer server.Close()

	p := NewOllamaProvider(&ProviderConfig{Endpoint: server.URL})

	_, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generation failed")
}

func TestOllamaEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.4, 0.5}})
	}))
	defer server.Close()

	p := NewOllamaProvider(&ProviderConfig{Endpoint: server.URL})

	vec, err := p.Embed(context.Background(), "note to self")
	require.NoError(t, err)
	assert.Len(t, vec, 2)
}

func TestOllamaEmbedEmptyVector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaEmbedResponse{})
	}))
	defer server.Close()

	p := NewOllamaProvider(&ProviderConfig{Endpoint: server.URL})

	_, err := p.Embed(context.Background(), "note")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty vector")
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("", KindOpenAI)
	require.NoError(t, err)
	assert.Equal(t, KindOpenAI, kind)

	kind, err = ParseKind("ollama", KindOpenAI)
	require.NoError(t, err)
	assert.Equal(t, KindOllama, kind)

	_, err = ParseKind("gemini", KindOpenAI)
	require.Error(t, err)
}
