// Package orchestrator coordinates one full response cycle: memory
// context retrieval, model generation, action extraction, workflow
// dispatch, and the final reply composition. Each cycle is a single
// linear traversal with no persisted intermediate state.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/llm"
	"github.com/normanking/synapse/internal/logging"
	"github.com/normanking/synapse/internal/memory"
	"github.com/normanking/synapse/pkg/types"
)

// DefaultContextLimit is how many memory entries are retrieved per cycle
// when the configuration does not say otherwise.
const DefaultContextLimit = 5

// advisoryFailureNote is appended to the visible reply when at least one
// requested automation failed. It is appended once per reply, never once
// per failure.
const advisoryFailureNote = "Note: one or more requested automations could not be completed."

// capabilityPreamble opens every system instruction sent to the model.
const capabilityPreamble = `You are Synapse, a personal assistant. You can trigger automations by
embedding markers of the form [ACTION: workflow_name, {"param": "value"}]
in your reply. Only emit a marker when the user asks for something an
automation should handle. Keep replies concise.`

// MemoryStore is the slice of the semantic memory surface the responder
// needs. Reads and writes are both best-effort.
type MemoryStore interface {
	Search(ctx context.Context, userID, query string, limit int, types ...memory.Type) ([]memory.Hit, error)
	StoreInteraction(ctx context.Context, userID, userText, reply string) (string, error)
}

// WorkflowRunner executes one named automation to a terminal state.
type WorkflowRunner interface {
	Execute(ctx context.Context, workflowName string, input map[string]any, userID string) (*types.ExecutionRecord, error)
}

// ActionResult is the outcome of one extracted action. Results are
// recorded independently; one failure never suppresses the others.
type ActionResult struct {
	WorkflowName string `json:"workflow_name"`
	Success      bool   `json:"success"`
	Output       string `json:"output,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Result is one completed orchestration cycle.
type Result struct {
	// Text is the final visible reply, action markers stripped.
	Text string `json:"text"`

	// Intent is the advisory classification of the user input. It never
	// gates behavior.
	Intent string `json:"intent"`

	// ContextUsed reports whether retrieved memory entries informed the
	// system instruction.
	ContextUsed bool `json:"context_used"`

	// Degraded mirrors the model backend's placeholder flag.
	Degraded bool `json:"degraded,omitempty"`

	ActionResults []ActionResult `json:"action_results,omitempty"`
}

// ResponderConfig configures a Responder.
type ResponderConfig struct {
	// Providers holds the usable model backends keyed by kind.
	Providers map[llm.Kind]llm.Provider

	// Memory is optional; without it the cycle runs with no context
	// enrichment and no interaction persistence.
	Memory MemoryStore

	// Workflows is optional; without it extracted actions all fail with
	// an "engine unavailable" outcome.
	Workflows WorkflowRunner

	// ContextLimit caps memory retrieval per cycle.
	ContextLimit int
}

// Responder drives the response pipeline.
type Responder struct {
	providers    map[llm.Kind]llm.Provider
	memory       MemoryStore
	workflows    WorkflowRunner
	contextLimit int
	log          zerolog.Logger
}

// NewResponder creates a responder from its collaborators.
func NewResponder(cfg *ResponderConfig) *Responder {
	if cfg == nil {
		cfg = &ResponderConfig{}
	}
	limit := cfg.ContextLimit
	if limit <= 0 {
		limit = DefaultContextLimit
	}
	return &Responder{
		providers:    cfg.Providers,
		memory:       cfg.Memory,
		workflows:    cfg.Workflows,
		contextLimit: limit,
		log:          logging.For("orchestrator"),
	}
}

// Respond turns one inbound user message into the final reply. History is
// the caller-supplied ordered conversation, most recent last. The steps
// run strictly in sequence; only a total generation failure or an unknown
// provider kind aborts the cycle.
func (r *Responder) Respond(ctx context.Context, userText string, history []types.ConversationTurn, userID string, kind llm.Kind) (*Result, error) {
	provider, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("no provider configured for kind %q", kind)
	}

	hits := r.retrieveContext(ctx, userID, userText)
	intent := classifyIntent(userText)

	reply, err := provider.Chat(ctx, &llm.ChatRequest{
		SystemPrompt: systemInstruction(hits),
		Messages:     append(historyMessages(history), llm.Message{Role: string(types.RoleUser), Content: userText}),
	})
	if err != nil {
		return nil, fmt.Errorf("generate reply: %w", err)
	}

	actions := extractActions(reply.Content)
	results := r.runActions(ctx, actions, userID)

	text := stripActionMarkers(reply.Content)
	if anyFailed(results) {
		text = strings.TrimSpace(text + " " + advisoryFailureNote)
	}

	r.persistInteraction(ctx, userID, userText, text)

	r.log.Info().Str("user_id", userID).Str("intent", intent).
		Int("context_hits", len(hits)).Int("actions", len(results)).
		Bool("degraded", reply.Degraded).Msg("orchestration cycle complete")

	return &Result{
		Text:          text,
		Intent:        intent,
		ContextUsed:   len(hits) > 0,
		Degraded:      reply.Degraded,
		ActionResults: results,
	}, nil
}

// retrieveContext fetches semantically similar memory entries. Retrieval
// failures degrade to an empty context set.
func (r *Responder) retrieveContext(ctx context.Context, userID, query string) []memory.Hit {
	if r.memory == nil {
		return nil
	}
	hits, err := r.memory.Search(ctx, userID, query, r.contextLimit)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("memory retrieval failed, continuing without context")
		return nil
	}
	return hits
}

// runActions dispatches extracted actions sequentially, in reply order.
// Sequential dispatch keeps remote load bounded and executions strictly
// ordered.
func (r *Responder) runActions(ctx context.Context, actions []ExtractedAction, userID string) []ActionResult {
	if len(actions) == 0 {
		return nil
	}

	results := make([]ActionResult, 0, len(actions))
	for _, action := range actions {
		result := ActionResult{WorkflowName: action.WorkflowName}

		if r.workflows == nil {
			result.Error = "workflow engine unavailable"
			results = append(results, result)
			continue
		}

		rec, err := r.workflows.Execute(ctx, action.WorkflowName, action.Parameters, userID)
		if err != nil {
			result.Error = err.Error()
			r.log.Warn().Err(err).Str("workflow", action.WorkflowName).
				Str("user_id", userID).Msg("action failed")
		} else {
			result.Success = true
			result.Output = rec.OutputData
		}
		results = append(results, result)
	}
	return results
}

// persistInteraction writes the new interaction memory record. Failures
// are logged and absorbed.
func (r *Responder) persistInteraction(ctx context.Context, userID, userText, reply string) {
	if r.memory == nil {
		return
	}
	if _, err := r.memory.StoreInteraction(ctx, userID, userText, reply); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("failed to persist interaction memory")
	}
}

// systemInstruction composes the system prompt: the capability preamble
// plus a rendered dump of retrieved context, omitted entirely when the
// context set is empty.
func systemInstruction(hits []memory.Hit) string {
	if len(hits) == 0 {
		return capabilityPreamble
	}

	var b strings.Builder
	b.WriteString(capabilityPreamble)
	b.WriteString("\n\nRelevant context from previous conversations:\n")
	for _, hit := range hits {
		b.WriteString("- ")
		b.WriteString(hit.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// historyMessages converts caller-supplied turns into model messages.
func historyMessages(history []types.ConversationTurn) []llm.Message {
	if len(history) == 0 {
		return nil
	}
	messages := make([]llm.Message, 0, len(history)+1)
	for _, turn := range history {
		messages = append(messages, llm.Message{Role: string(turn.Role), Content: turn.Content})
	}
	return messages
}

func anyFailed(results []ActionResult) bool {
	for _, r := range results {
		if !r.Success {
			return true
		}
	}
	return false
}
