package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertChatMessage appends a message to the orchestrator conversation and
// returns its id. agentID is required exactly when one side of the exchange
// is an agent.
func (s *Store) InsertChatMessage(ctx context.Context, ownerID, senderType, receiverType, message string, agentID *string, metadata map[string]any) (string, error) {
	if !validParticipant(senderType) {
		return "", fmt.Errorf("invalid sender_type: %s", senderType)
	}
	if !validParticipant(receiverType) {
		return "", fmt.Errorf("invalid receiver_type: %s", receiverType)
	}
	agentInvolved := senderType == SenderAgent || receiverType == SenderAgent
	if agentInvolved && agentID == nil {
		return "", fmt.Errorf("agent_id is required when sender or receiver is an agent")
	}
	if !agentInvolved && agentID != nil {
		return "", fmt.Errorf("agent_id must be empty when neither sender nor receiver is an agent")
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO orchestrator_chat (id, orchestrator_agent_id, sender_type, receiver_type,
			message, agent_id, summary, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)
	`), id, ownerID, senderType, receiverType, message, nullString(agentID), marshalJSON(metadata), now, now)
	if err != nil {
		return "", fmt.Errorf("failed to insert chat message: %w", err)
	}
	return id, nil
}

func validParticipant(p string) bool {
	return p == SenderUser || p == SenderOrchestrator || p == SenderAgent
}

// ChatHistory returns chat messages in chronological order. With a limit the
// query selects the most recent rows (DESC) and reverses them, so the newest
// messages survive truncation.
func (s *Store) ChatHistory(ctx context.Context, ownerID string, limit, offset int, agentID *string) ([]*ChatMessage, error) {
	query := `
		SELECT id, orchestrator_agent_id, sender_type, receiver_type, message,
			agent_id, summary, metadata, created_at, updated_at
		FROM orchestrator_chat
		WHERE orchestrator_agent_id = ?`
	args := []any{ownerID}

	if agentID != nil {
		query += ` AND agent_id = ?`
		args = append(args, *agentID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*ChatMessage
	for rows.Next() {
		var (
			m              ChatMessage
			agent, summary sql.NullString
			metadata       string
		)
		err := rows.Scan(&m.ID, &m.OrchestratorAgentID, &m.SenderType, &m.ReceiverType,
			&m.Message, &agent, &summary, &metadata, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		m.AgentID = stringPtr(agent)
		m.Summary = stringPtr(summary)
		m.Metadata = unmarshalJSON(metadata)
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order, oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// TurnCount returns the total number of chat messages for an orchestrator.
func (s *Store) TurnCount(ctx context.Context, ownerID string) (int, error) {
	var count int
	reader := s.pool.Reader()
	err := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT COUNT(*) FROM orchestrator_chat WHERE orchestrator_agent_id = ?
	`), ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chat messages: %w", err)
	}
	return count, nil
}

// UpdateChatSummary attaches a generated summary to an existing message.
func (s *Store) UpdateChatSummary(ctx context.Context, chatID, summary string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE orchestrator_chat SET summary = ? WHERE id = ?
	`), summary, chatID)
	if err != nil {
		return fmt.Errorf("failed to update chat summary: %w", err)
	}
	return nil
}
