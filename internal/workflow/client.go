// Package workflow provides the client for the remote workflow-automation
// engine. It resolves workflow names against the remote catalog, triggers
// asynchronous executions, polls them to completion under a deadline, and
// persists the execution lifecycle to the local execution log.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/config"
	"github.com/normanking/synapse/internal/data"
	"github.com/normanking/synapse/internal/logging"
	"github.com/normanking/synapse/pkg/types"
)

// ErrWorkflowNotFound is returned when a workflow name does not resolve
// against the remote catalog. It fails only the one action that named it.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrPollTimeout is returned when the poll loop exhausts its attempt
// ceiling without the remote job finishing. It is distinct from a
// remote-reported failure.
var ErrPollTimeout = errors.New("workflow execution timed out")

// maxErrorBodySize limits how much error response body we read.
const maxErrorBodySize = 1 * 1024 * 1024

// Client talks to the remote workflow engine and owns the execution log.
type Client struct {
	baseURL      string
	apiKey       string
	basicUser    string
	basicPass    string
	client       *http.Client
	store        *data.Store
	pollInterval time.Duration
	maxAttempts  int
	log          zerolog.Logger
}

// NewClient creates a workflow engine client backed by the given
// execution-log store.
func NewClient(cfg config.WorkflowConfig, store *data.Store) *Client {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	maxAttempts := cfg.MaxPollAttempts
	if maxAttempts <= 0 {
		maxAttempts = 60
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		apiKey:       cfg.APIKey,
		basicUser:    cfg.BasicAuthUser,
		basicPass:    cfg.BasicAuthPassword,
		client:       &http.Client{Timeout: 30 * time.Second},
		store:        store,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		log:          logging.For("workflow"),
	}
}

// Info describes one workflow in the remote catalog.
type Info struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Execute runs the named workflow to a terminal state: resolve the name,
// persist a pending record, trigger the remote execution, then poll until
// the remote job finishes or the attempt ceiling is reached. The returned
// record is always terminal; failures also return a non-nil error so the
// caller can report the action outcome.
func (c *Client) Execute(ctx context.Context, workflowName string, input map[string]any, userID string) (*types.ExecutionRecord, error) {
	start := time.Now()

	workflowID, err := c.resolve(ctx, workflowName)
	if err != nil {
		return nil, err
	}

	inputJSON := ""
	if len(input) > 0 {
		raw, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("marshal input: %w", err)
		}
		inputJSON = string(raw)
	}

	rec := &types.ExecutionRecord{
		ID:           uuid.NewString(),
		WorkflowName: workflowName,
		UserID:       userID,
		Status:       types.StatusPending,
		InputData:    inputJSON,
		StartedAt:    start.UTC(),
	}
	if err := c.store.CreateExecution(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist execution record: %w", err)
	}

	executionID, err := c.trigger(ctx, workflowID, input)
	if err != nil {
		return c.finish(ctx, rec, types.StatusFailed, "", fmt.Sprintf("trigger failed: %v", err), start),
			fmt.Errorf("trigger workflow %s: %w", workflowName, err)
	}

	if err := c.store.MarkExecutionRunning(ctx, rec.ID, executionID); err != nil {
		c.log.Error().Err(err).Str("execution", rec.ID).Msg("failed to mark execution running")
	}
	rec.Status = types.StatusRunning
	rec.ExecutionID = executionID

	c.log.Info().Str("workflow", workflowName).Str("execution_id", executionID).
		Str("user_id", userID).Msg("workflow triggered, polling for completion")

	return c.poll(ctx, rec, start)
}

// poll waits for the remote execution to finish. Each attempt sleeps one
// interval and then checks; transient poll errors are logged and retried,
// counting against the attempt ceiling so the loop always terminates.
func (c *Client) poll(ctx context.Context, rec *types.ExecutionRecord, start time.Time) (*types.ExecutionRecord, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return c.finish(ctx, rec, types.StatusFailed, "", fmt.Sprintf("canceled: %v", ctx.Err()), start),
				fmt.Errorf("workflow %s: %w", rec.WorkflowName, ctx.Err())
		case <-time.After(c.pollInterval):
		}

		exec, err := c.execution(ctx, rec.ExecutionID)
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Str("execution_id", rec.ExecutionID).
				Msg("poll failed, retrying")
			continue
		}

		if !exec.done() {
			continue
		}

		output := ""
		if len(exec.Data) > 0 {
			output = string(exec.Data)
		}

		if exec.failed() {
			msg := fmt.Sprintf("remote execution reported status %q", exec.Status)
			return c.finish(ctx, rec, types.StatusFailed, output, msg, start),
				fmt.Errorf("workflow %s: %s", rec.WorkflowName, msg)
		}

		return c.finish(ctx, rec, types.StatusSuccess, output, "", start), nil
	}

	msg := fmt.Sprintf("no result after %d attempts (%s)",
		c.maxAttempts, time.Duration(c.maxAttempts)*c.pollInterval)
	return c.finish(ctx, rec, types.StatusFailed, "", "timeout: "+msg, start),
		fmt.Errorf("workflow %s after %s: %w", rec.WorkflowName, time.Since(start).Round(time.Millisecond), ErrPollTimeout)
}

// finish writes the single terminal update for this execution and mirrors
// it into the in-memory record. A record is never left pending or running.
func (c *Client) finish(ctx context.Context, rec *types.ExecutionRecord, status types.ExecutionStatus, output, errMsg string, start time.Time) *types.ExecutionRecord {
	durationMs := time.Since(start).Milliseconds()

	// The context may already be canceled; the terminal write still has
	// to land so the log never holds a permanently pending row.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := c.store.FinishLatestExecution(writeCtx, rec.UserID, rec.WorkflowName, status, output, errMsg, durationMs); err != nil {
		c.log.Error().Err(err).Str("execution", rec.ID).Msg("failed to persist terminal execution state")
	}

	now := time.Now().UTC()
	rec.Status = status
	rec.OutputData = output
	rec.ErrorMessage = errMsg
	rec.CompletedAt = &now
	rec.DurationMs = durationMs
	return rec
}

// resolve maps a workflow name to its remote identifier using a
// case-insensitive exact match against the full catalog.
func (c *Client) resolve(ctx context.Context, name string) (string, error) {
	workflows, err := c.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list workflows: %w", err)
	}

	for _, wf := range workflows {
		if strings.EqualFold(wf.Name, name) {
			return wf.ID, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
}

// List fetches the full remote workflow catalog.
func (c *Client) List(ctx context.Context) ([]Info, error) {
	var resp struct {
		Data []Info `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/workflows", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// trigger starts an asynchronous execution and returns the remote
// execution identifier.
func (c *Client) trigger(ctx context.Context, workflowID string, input map[string]any) (string, error) {
	body := map[string]any{}
	if len(input) > 0 {
		body["data"] = input
	}

	var resp struct {
		Data struct {
			ExecutionID string `json:"executionId"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/workflows/"+workflowID+"/run", body, &resp); err != nil {
		return "", err
	}
	if resp.Data.ExecutionID == "" {
		return "", fmt.Errorf("trigger response missing execution id")
	}
	return resp.Data.ExecutionID, nil
}

// remoteExecution is the engine's view of one execution.
type remoteExecution struct {
	ID        string          `json:"id"`
	Finished  bool            `json:"finished"`
	Status    string          `json:"status"`
	StoppedAt string          `json:"stoppedAt"`
	Data      json.RawMessage `json:"data"`
}

// done reports whether the remote job has finished running.
func (e *remoteExecution) done() bool {
	return e.Finished || e.StoppedAt != ""
}

// failed reports whether the remote record carries an explicit stop/error
// marker. A finished execution without one counts as success.
func (e *remoteExecution) failed() bool {
	switch e.Status {
	case "error", "crashed", "canceled":
		return true
	}
	return false
}

// execution polls the remote status of one execution.
func (c *Client) execution(ctx context.Context, executionID string) (*remoteExecution, error) {
	var resp struct {
		Data remoteExecution `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+executionID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// do executes one JSON request against the engine API.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-N8N-API-KEY", c.apiKey)
	}
	if c.basicUser != "" {
		req.SetBasicAuth(c.basicUser, c.basicPass)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("engine error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
