package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/synapse/internal/config"
	"github.com/normanking/synapse/internal/data"
	"github.com/normanking/synapse/pkg/types"
)

// fakeEngine simulates the remote workflow engine API.
type fakeEngine struct {
	workflows []Info

	// pollsUntilDone is how many status polls return a running execution
	// before the terminal one. Negative means never finish.
	pollsUntilDone int
	finalStatus    string
	resultData     string

	triggerStatus int

	polls    atomic.Int64
	triggers atomic.Int64
}

func (f *fakeEngine) server(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": f.workflows})
	})
	mux.HandleFunc("POST /api/v1/workflows/{id}/run", func(w http.ResponseWriter, r *http.Request) {
		f.triggers.Add(1)
		if f.triggerStatus != 0 {
			http.Error(w, "workflow could not be started", f.triggerStatus)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"executionId": "exec-" + r.PathValue("id")},
		})
	})
	mux.HandleFunc("GET /api/v1/executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		n := f.polls.Add(1)
		exec := map[string]any{"id": r.PathValue("id"), "finished": false, "status": "running"}
		if f.pollsUntilDone >= 0 && n > int64(f.pollsUntilDone) {
			exec["finished"] = true
			exec["status"] = f.finalStatus
			exec["stoppedAt"] = time.Now().UTC().Format(time.RFC3339)
			if f.resultData != "" {
				exec["data"] = json.RawMessage(f.resultData)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": exec})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, url string, maxAttempts int) *Client {
	t.Helper()

	store, err := data.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewClient(config.WorkflowConfig{
		URL:             url,
		PollInterval:    5 * time.Millisecond,
		MaxPollAttempts: maxAttempts,
	}, store)
}

func TestExecuteSuccess(t *testing.T) {
	engine := &fakeEngine{
		workflows:      []Info{{ID: "wf-1", Name: "home_automation", Active: true}},
		pollsUntilDone: 2,
		finalStatus:    "success",
		resultData:     `{"device":"lights","state":"on"}`,
	}
	srv := engine.server(t)
	client := newTestClient(t, srv.URL, 20)

	rec, err := client.Execute(context.Background(), "home_automation",
		map[string]any{"device": "lights"}, "alice")
	require.NoError(t, err)

	assert.Equal(t, types.StatusSuccess, rec.Status)
	assert.Equal(t, "exec-wf-1", rec.ExecutionID)
	assert.JSONEq(t, `{"device":"lights","state":"on"}`, rec.OutputData)
	assert.Empty(t, rec.ErrorMessage)
	require.NotNil(t, rec.CompletedAt)

	// The terminal state must also be in the execution log.
	stored, err := client.store.GetExecution(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, stored.Status)
	assert.JSONEq(t, `{"device":"lights"}`, stored.InputData)
}

func TestExecuteResolvesNameCaseInsensitively(t *testing.T) {
	engine := &fakeEngine{
		workflows:      []Info{{ID: "wf-7", Name: "Morning Routine", Active: true}},
		pollsUntilDone: 0,
		finalStatus:    "success",
	}
	srv := engine.server(t)
	client := newTestClient(t, srv.URL, 10)

	rec, err := client.Execute(context.Background(), "morning routine", nil, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, rec.Status)
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	engine := &fakeEngine{
		workflows: []Info{{ID: "wf-1", Name: "home_automation", Active: true}},
	}
	srv := engine.server(t)
	client := newTestClient(t, srv.URL, 10)

	rec, err := client.Execute(context.Background(), "does_not_exist", nil, "alice")
	require.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.Nil(t, rec)
	assert.Zero(t, engine.triggers.Load())
}

func TestExecuteRemoteFailure(t *testing.T) {
	engine := &fakeEngine{
		workflows:      []Info{{ID: "wf-1", Name: "home_automation", Active: true}},
		pollsUntilDone: 1,
		finalStatus:    "error",
	}
	srv := engine.server(t)
	client := newTestClient(t, srv.URL, 10)

	rec, err := client.Execute(context.Background(), "home_automation", nil, "alice")
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "error")
}

func TestExecuteTriggerFailure(t *testing.T) {
	engine := &fakeEngine{
		workflows:     []Info{{ID: "wf-1", Name: "home_automation", Active: true}},
		triggerStatus: http.StatusInternalServerError,
	}
	srv := engine.server(t)
	client := newTestClient(t, srv.URL, 10)

	rec, err := client.Execute(context.Background(), "home_automation", nil, "alice")
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "trigger failed")
	assert.Zero(t, engine.polls.Load())
}

func TestExecutePollTimeout(t *testing.T) {
	engine := &fakeEngine{
		workflows:      []Info{{ID: "wf-1", Name: "slow_job", Active: true}},
		pollsUntilDone: -1, // never finishes
	}
	srv := engine.server(t)

	const attempts = 4
	client := newTestClient(t, srv.URL, attempts)

	start := time.Now()
	rec, err := client.Execute(context.Background(), "slow_job", nil, "alice")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrPollTimeout)
	require.NotNil(t, rec)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "timeout")
	assert.EqualValues(t, attempts, engine.polls.Load())

	// One interval elapses before every poll, so the total wall time is
	// at least attempts times the interval.
	assert.GreaterOrEqual(t, elapsed, time.Duration(attempts)*client.pollInterval)

	stored, err := client.store.GetExecution(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Status.Terminal())
}

func TestExecuteContextCancellation(t *testing.T) {
	engine := &fakeEngine{
		workflows:      []Info{{ID: "wf-1", Name: "slow_job", Active: true}},
		pollsUntilDone: -1,
	}
	srv := engine.server(t)
	client := newTestClient(t, srv.URL, 1000)
	client.pollInterval = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rec, err := client.Execute(ctx, "slow_job", nil, "alice")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, rec)
	assert.Equal(t, types.StatusFailed, rec.Status)

	// The terminal write must land even though the caller context is gone.
	stored, err := client.store.GetExecution(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, stored.Status)
}

func TestListWorkflows(t *testing.T) {
	engine := &fakeEngine{
		workflows: []Info{
			{ID: "wf-1", Name: "home_automation", Active: true},
			{ID: "wf-2", Name: "calendar_sync", Active: false},
		},
	}
	srv := engine.server(t)
	client := newTestClient(t, srv.URL, 10)

	got, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "home_automation", got[0].Name)
	assert.False(t, got[1].Active)
}

func TestAuthHeadersSent(t *testing.T) {
	var gotAPIKey string
	var gotBasicUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("X-N8N-API-KEY")
		gotBasicUser, _, _ = r.BasicAuth()
		fmt.Fprint(w, `{"data":[]}`)
	}))
	t.Cleanup(srv.Close)

	store, err := data.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := NewClient(config.WorkflowConfig{
		URL:           srv.URL,
		APIKey:        "secret-key",
		BasicAuthUser: "admin",
	}, store)

	_, err = client.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret-key", gotAPIKey)
	assert.Equal(t, "admin", gotBasicUser)
}
