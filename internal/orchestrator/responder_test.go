package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/synapse/internal/llm"
	"github.com/normanking/synapse/internal/memory"
	"github.com/normanking/synapse/pkg/types"
)

// stubProvider returns a canned reply and records the request it saw.
type stubProvider struct {
	reply    string
	degraded bool
	err      error
	lastReq  *llm.ChatRequest
}

func (s *stubProvider) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Content: s.reply, Degraded: s.degraded}, nil
}

func (s *stubProvider) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1}, nil
}

func (s *stubProvider) Name() string    { return "stub" }
func (s *stubProvider) Available() bool { return true }

// stubMemory serves canned hits and records stored interactions.
type stubMemory struct {
	hits      []memory.Hit
	searchErr error
	storeErr  error
	stored    []string
}

func (s *stubMemory) Search(_ context.Context, _, _ string, _ int, _ ...memory.Type) ([]memory.Hit, error) {
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.hits, nil
}

func (s *stubMemory) StoreInteraction(_ context.Context, _, userText, reply string) (string, error) {
	if s.storeErr != nil {
		return "", s.storeErr
	}
	s.stored = append(s.stored, userText+" / "+reply)
	return "mem-1", nil
}

// stubRunner records executions and fails the workflows named in failures.
type stubRunner struct {
	failures map[string]error
	calls    []string
}

func (s *stubRunner) Execute(_ context.Context, name string, input map[string]any, userID string) (*types.ExecutionRecord, error) {
	s.calls = append(s.calls, name)
	if err, ok := s.failures[name]; ok {
		return &types.ExecutionRecord{WorkflowName: name, UserID: userID, Status: types.StatusFailed}, err
	}
	return &types.ExecutionRecord{
		WorkflowName: name,
		UserID:       userID,
		Status:       types.StatusSuccess,
		OutputData:   fmt.Sprintf(`{"workflow":%q}`, name),
	}, nil
}

func newTestResponder(p llm.Provider, mem MemoryStore, wf WorkflowRunner) *Responder {
	return NewResponder(&ResponderConfig{
		Providers: map[llm.Kind]llm.Provider{llm.KindOpenAI: p},
		Memory:    mem,
		Workflows: wf,
	})
}

func TestRespondWithSuccessfulAction(t *testing.T) {
	provider := &stubProvider{reply: `Turning them on. [ACTION: home_automation, {"device":"lights"}]`}
	mem := &stubMemory{}
	runner := &stubRunner{}
	r := newTestResponder(provider, mem, runner)

	res, err := r.Respond(context.Background(), "turn on the lights", nil, "alice", llm.KindOpenAI)
	require.NoError(t, err)

	assert.Equal(t, "Turning them on.", res.Text)
	assert.NotContains(t, res.Text, "[ACTION:")
	assert.NotContains(t, res.Text, advisoryFailureNote)
	assert.Equal(t, "home_automation", res.Intent)

	require.Len(t, res.ActionResults, 1)
	assert.True(t, res.ActionResults[0].Success)
	assert.Equal(t, "home_automation", res.ActionResults[0].WorkflowName)
	assert.Equal(t, []string{"home_automation"}, runner.calls)
}

func TestRespondWithFailedActionAppendsOneAdvisory(t *testing.T) {
	provider := &stubProvider{
		reply: `On it. [ACTION: home_automation, {"device":"lights"}] [ACTION: scheduling, {"when":"9am"}]`,
	}
	runner := &stubRunner{failures: map[string]error{
		"home_automation": errors.New("engine down"),
		"scheduling":      errors.New("engine down"),
	}}
	r := newTestResponder(provider, &stubMemory{}, runner)

	res, err := r.Respond(context.Background(), "turn on the lights", nil, "alice", llm.KindOpenAI)
	require.NoError(t, err)

	// Exactly one advisory sentence regardless of how many actions failed.
	assert.True(t, strings.HasSuffix(res.Text, advisoryFailureNote))
	assert.Equal(t, 1, strings.Count(res.Text, advisoryFailureNote))

	require.Len(t, res.ActionResults, 2)
	assert.False(t, res.ActionResults[0].Success)
	assert.False(t, res.ActionResults[1].Success)
}

func TestRespondOneFailureDoesNotAbortLaterActions(t *testing.T) {
	provider := &stubProvider{
		reply: `[ACTION: first, {}] [ACTION: second, {}] done`,
	}
	runner := &stubRunner{failures: map[string]error{"first": errors.New("boom")}}
	r := newTestResponder(provider, &stubMemory{}, runner)

	res, err := r.Respond(context.Background(), "do both", nil, "alice", llm.KindOpenAI)
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, runner.calls)
	require.Len(t, res.ActionResults, 2)
	assert.False(t, res.ActionResults[0].Success)
	assert.True(t, res.ActionResults[1].Success)
	assert.True(t, strings.HasSuffix(res.Text, advisoryFailureNote))
}

func TestRespondContextRendering(t *testing.T) {
	provider := &stubProvider{reply: "You like tea."}
	mem := &stubMemory{hits: []memory.Hit{
		{Content: "user prefers tea over coffee"},
		{Content: "user lives in Oslo"},
	}}
	r := newTestResponder(provider, mem, &stubRunner{})

	res, err := r.Respond(context.Background(), "what do I drink?", nil, "alice", llm.KindOpenAI)
	require.NoError(t, err)

	assert.True(t, res.ContextUsed)
	require.NotNil(t, provider.lastReq)
	assert.Contains(t, provider.lastReq.SystemPrompt, "user prefers tea over coffee")
	assert.Contains(t, provider.lastReq.SystemPrompt, "user lives in Oslo")
}

func TestRespondEmptyContextOmitsContextSection(t *testing.T) {
	provider := &stubProvider{reply: "Hello!"}
	r := newTestResponder(provider, &stubMemory{}, &stubRunner{})

	res, err := r.Respond(context.Background(), "hi", nil, "alice", llm.KindOpenAI)
	require.NoError(t, err)

	assert.False(t, res.ContextUsed)
	assert.Equal(t, capabilityPreamble, provider.lastReq.SystemPrompt)
}

func TestRespondMemorySearchFailureIsBestEffort(t *testing.T) {
	provider := &stubProvider{reply: "Hello!"}
	mem := &stubMemory{searchErr: errors.New("vector index unreachable")}
	r := newTestResponder(provider, mem, &stubRunner{})

	res, err := r.Respond(context.Background(), "hi", nil, "alice", llm.KindOpenAI)
	require.NoError(t, err)
	assert.False(t, res.ContextUsed)
	assert.Equal(t, "Hello!", res.Text)
}

func TestRespondMemoryWriteFailureIsBestEffort(t *testing.T) {
	provider := &stubProvider{reply: "Hello!"}
	mem := &stubMemory{storeErr: errors.New("vector index unreachable")}
	r := newTestResponder(provider, mem, &stubRunner{})

	_, err := r.Respond(context.Background(), "hi", nil, "alice", llm.KindOpenAI)
	require.NoError(t, err)
}

func TestRespondPersistsInteraction(t *testing.T) {
	provider := &stubProvider{reply: "Noted."}
	mem := &stubMemory{}
	r := newTestResponder(provider, mem, &stubRunner{})

	_, err := r.Respond(context.Background(), "remember this", nil, "alice", llm.KindOpenAI)
	require.NoError(t, err)
	require.Len(t, mem.stored, 1)
	assert.Equal(t, "remember this / Noted.", mem.stored[0])
}

func TestRespondHistoryAndCurrentTurnOrdering(t *testing.T) {
	provider := &stubProvider{reply: "ok"}
	r := newTestResponder(provider, &stubMemory{}, &stubRunner{})

	history := []types.ConversationTurn{
		{Role: types.RoleUser, Content: "earlier question"},
		{Role: types.RoleAssistant, Content: "earlier answer"},
	}
	_, err := r.Respond(context.Background(), "new question", history, "alice", llm.KindOpenAI)
	require.NoError(t, err)

	msgs := provider.lastReq.Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "earlier question", msgs[0].Content)
	assert.Equal(t, "earlier answer", msgs[1].Content)
	assert.Equal(t, llm.Message{Role: "user", Content: "new question"}, msgs[2])
}

func TestRespondGenerationFailureAborts(t *testing.T) {
	provider := &stubProvider{err: errors.New("model exploded")}
	r := newTestResponder(provider, &stubMemory{}, &stubRunner{})

	res, err := r.Respond(context.Background(), "hi", nil, "alice", llm.KindOpenAI)
	require.Error(t, err)
	assert.Nil(t, res)
}

func TestRespondUnknownProviderKind(t *testing.T) {
	r := newTestResponder(&stubProvider{reply: "x"}, &stubMemory{}, &stubRunner{})

	_, err := r.Respond(context.Background(), "hi", nil, "alice", llm.KindOllama)
	require.Error(t, err)
}

func TestRespondDegradedReplyPropagates(t *testing.T) {
	provider := &stubProvider{reply: llm.DegradedReply, degraded: true}
	r := newTestResponder(provider, &stubMemory{}, &stubRunner{})

	res, err := r.Respond(context.Background(), "hi", nil, "alice", llm.KindOpenAI)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
}

func TestRespondWithoutCollaborators(t *testing.T) {
	provider := &stubProvider{reply: `Done. [ACTION: anything, {}]`}
	r := NewResponder(&ResponderConfig{
		Providers: map[llm.Kind]llm.Provider{llm.KindOpenAI: provider},
	})

	res, err := r.Respond(context.Background(), "hi", nil, "alice", llm.KindOpenAI)
	require.NoError(t, err)
	require.Len(t, res.ActionResults, 1)
	assert.False(t, res.ActionResults[0].Success)
	assert.Contains(t, res.ActionResults[0].Error, "unavailable")
}
