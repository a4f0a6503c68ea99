package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/synapse/pkg/types"
)

// ══════════════════════════════════════════════════════════════════════════════
// WORKFLOW EXECUTION LOG
// ══════════════════════════════════════════════════════════════════════════════

// CreateExecution inserts a new pending execution record.
func (s *Store) CreateExecution(ctx context.Context, rec *types.ExecutionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("execution record ID cannot be empty")
	}
	if rec.Status == "" {
		rec.Status = types.StatusPending
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (
			id, workflow_name, user_id, status, input_data, started_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.WorkflowName, rec.UserID, rec.Status, nullString(rec.InputData), rec.StartedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	return nil
}

// MarkExecutionRunning transitions an execution to running and records the
// remote execution identifier.
func (s *Store) MarkExecutionRunning(ctx context.Context, id, remoteExecutionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = ?, execution_id = ?
		WHERE id = ? AND status = ?
	`, types.StatusRunning, remoteExecutionID, id, types.StatusPending)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s not found in pending state", id)
	}

	return nil
}

// FinishLatestExecution writes the single terminal update for the most
// recent pending/running row matching (userID, workflowName). Correlating
// by recency rather than by row ID mirrors the engine's own bookkeeping;
// concurrent identical calls can race on which row is updated, which is an
// accepted limitation of the execution log.
func (s *Store) FinishLatestExecution(ctx context.Context, userID, workflowName string, status types.ExecutionStatus, outputData, errorMessage string, durationMs int64) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = ?, output_data = ?, error_message = ?, completed_at = ?, duration_ms = ?
		WHERE id = (
			SELECT id FROM workflow_executions
			WHERE user_id = ? AND workflow_name = ? AND status IN (?, ?)
			ORDER BY started_at DESC
			LIMIT 1
		)
	`, status, nullString(outputData), nullString(errorMessage), time.Now().UTC(), durationMs,
		userID, workflowName, types.StatusPending, types.StatusRunning)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no pending or running execution for user %s workflow %s", userID, workflowName)
	}

	return nil
}

// GetExecution fetches a single execution record by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*types.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_name, user_id, status, input_data, output_data,
		       error_message, execution_id, started_at, completed_at, duration_ms
		FROM workflow_executions
		WHERE id = ?
	`, id)

	rec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	return rec, nil
}

// ListExecutions returns the user's execution records, most recent first.
func (s *Store) ListExecutions(ctx context.Context, userID string, limit int) ([]*types.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_name, user_id, status, input_data, output_data,
		       error_message, execution_id, started_at, completed_at, duration_ms
		FROM workflow_executions
		WHERE user_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var records []*types.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*types.ExecutionRecord, error) {
	var rec types.ExecutionRecord
	var input, output, errMsg, executionID sql.NullString
	var completedAt sql.NullTime
	var durationMs sql.NullInt64

	err := row.Scan(
		&rec.ID, &rec.WorkflowName, &rec.UserID, &rec.Status,
		&input, &output, &errMsg, &executionID,
		&rec.StartedAt, &completedAt, &durationMs,
	)
	if err != nil {
		return nil, err
	}

	rec.InputData = input.String
	rec.OutputData = output.String
	rec.ErrorMessage = errMsg.String
	rec.ExecutionID = executionID.String
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	rec.DurationMs = durationMs.Int64

	return &rec, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CONVERSATION PERSISTENCE
// ══════════════════════════════════════════════════════════════════════════════

// EnsureConversation creates a conversation row if it does not exist and
// returns its ID.
func (s *Store) EnsureConversation(ctx context.Context, id, userID, title string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = CURRENT_TIMESTAMP
	`, id, userID, title)
	if err != nil {
		return "", fmt.Errorf("ensure conversation: %w", err)
	}

	return id, nil
}

// AppendTurns stores conversation turns in order, atomically.
func (s *Store) AppendTurns(ctx context.Context, conversationID string, turns ...types.ConversationTurn) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, turn := range turns {
			createdAt := turn.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO messages (id, conversation_id, role, content, created_at)
				VALUES (?, ?, ?, ?, ?)
			`, uuid.NewString(), conversationID, turn.Role, turn.Content, createdAt)
			if err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}
		return nil
	})
}

// RecentTurns returns the last limit turns of a conversation in
// chronological order (most recent last).
func (s *Store) RecentTurns(ctx context.Context, conversationID string, limit int) ([]types.ConversationTurn, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM (
			SELECT role, content, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
		ORDER BY created_at ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var turns []types.ConversationTurn
	for rows.Next() {
		var turn types.ConversationTurn
		if err := rows.Scan(&turn.Role, &turn.Content, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		turns = append(turns, turn)
	}

	return turns, rows.Err()
}

// nullString converts an empty string to NULL for storage.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
