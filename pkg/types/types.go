// Package types defines shared types used across Synapse modules.
package types

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationTurn is one message in an ordered conversation. The history
// passed into the orchestrator is most-recent-last and bounded by the
// caller (the message endpoint passes at most the last 50 turns).
type ConversationTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "pending"
	StatusRunning ExecutionStatus = "running"
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
)

// Terminal reports whether no further transition can occur.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ExecutionRecord is the persisted lifecycle of one workflow execution.
// It is created as pending before the remote trigger, moves to running
// once a remote execution identifier is obtained, and always ends in a
// terminal state.
type ExecutionRecord struct {
	ID           string          `json:"id"`
	WorkflowName string          `json:"workflow_name"`
	UserID       string          `json:"user_id"`
	Status       ExecutionStatus `json:"status"`
	InputData    string          `json:"input_data,omitempty"`
	OutputData   string          `json:"output_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	// ExecutionID is the remote engine's identifier for this run.
	ExecutionID string     `json:"execution_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}
