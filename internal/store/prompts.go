package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertPrompt records the exact prompt text dispatched to an agent.
func (s *Store) InsertPrompt(ctx context.Context, agentID, taskSlug, author, promptText string, sessionID *string) (string, error) {
	id := uuid.New().String()
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO prompts (id, agent_id, task_slug, author, prompt_text, summary, session_id, timestamp)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)
	`), id, agentID, taskSlug, author, promptText, nullString(sessionID), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert prompt: %w", err)
	}
	return id, nil
}

// UpdatePromptSummary attaches a generated summary to a prompt row.
func (s *Store) UpdatePromptSummary(ctx context.Context, promptID, summary string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE prompts SET summary = ? WHERE id = ?
	`), summary, promptID)
	if err != nil {
		return fmt.Errorf("failed to update prompt summary: %w", err)
	}
	return nil
}
