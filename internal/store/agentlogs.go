package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conductor/conductor/internal/db/dialect"
)

// DefaultAgentLogLimit bounds unpaginated agent log reads.
const DefaultAgentLogLimit = 50

// InsertHookEvent appends a hook event row to agent_logs.
func (s *Store) InsertHookEvent(ctx context.Context, agentID, taskSlug string, entryIndex int, eventType string, payload map[string]any, content *string, sessionID *string) (string, error) {
	return s.insertAgentLog(ctx, agentID, taskSlug, entryIndex, CategoryHook, eventType, content, payload, sessionID)
}

// InsertMessageBlock appends a response block row (text, thinking, tool_use,
// tool_result) to agent_logs.
func (s *Store) InsertMessageBlock(ctx context.Context, agentID, taskSlug string, entryIndex int, blockType string, content *string, payload map[string]any, sessionID *string) (string, error) {
	return s.insertAgentLog(ctx, agentID, taskSlug, entryIndex, CategoryResponse, blockType, content, payload, sessionID)
}

func (s *Store) insertAgentLog(ctx context.Context, agentID, taskSlug string, entryIndex int, category, eventType string, content *string, payload map[string]any, sessionID *string) (string, error) {
	id := uuid.New().String()
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO agent_logs (id, agent_id, session_id, task_slug, entry_index,
			event_category, event_type, content, payload, summary, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
	`), id, agentID, nullString(sessionID), taskSlug, entryIndex, category, eventType,
		nullString(content), marshalJSON(payload), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert agent log: %w", err)
	}
	return id, nil
}

// UpdateAgentLogSummary attaches a generated summary to a log entry.
func (s *Store) UpdateAgentLogSummary(ctx context.Context, logID, summary string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE agent_logs SET summary = ? WHERE id = ?
	`), summary, logID)
	if err != nil {
		return fmt.Errorf("failed to update agent log summary: %w", err)
	}
	return nil
}

// UpdateAgentLogPayload merges the given keys into an existing log payload.
func (s *Store) UpdateAgentLogPayload(ctx context.Context, logID string, payload map[string]any) error {
	writer := s.pool.Writer()
	query := fmt.Sprintf(`UPDATE agent_logs SET payload = %s WHERE id = ?`,
		dialect.JSONMerge(s.driver, "payload"))
	_, err := writer.ExecContext(ctx, writer.Rebind(query), marshalJSON(payload), logID)
	if err != nil {
		return fmt.Errorf("failed to update agent log payload: %w", err)
	}
	return nil
}

func scanAgentLog(row interface{ Scan(...any) error }) (*AgentLog, error) {
	var (
		l                           AgentLog
		sessionID, content, summary sql.NullString
		payload                     string
	)
	err := row.Scan(&l.ID, &l.AgentID, &sessionID, &l.TaskSlug, &l.EntryIndex,
		&l.EventCategory, &l.EventType, &content, &payload, &summary, &l.Timestamp)
	if err != nil {
		return nil, err
	}
	l.SessionID = stringPtr(sessionID)
	l.Content = stringPtr(content)
	l.Summary = stringPtr(summary)
	l.Payload = unmarshalJSON(payload)
	return &l, nil
}

// GetAgentLogs returns an agent's logs. With a task slug the rows come back
// by entry_index ascending; without one the most recent rows come back first.
func (s *Store) GetAgentLogs(ctx context.Context, agentID string, taskSlug *string, limit, offset int) ([]*AgentLog, error) {
	if limit <= 0 {
		limit = DefaultAgentLogLimit
	}

	query := `
		SELECT id, agent_id, session_id, task_slug, entry_index,
			event_category, event_type, content, payload, summary, timestamp
		FROM agent_logs WHERE agent_id = ?`
	args := []any{agentID}
	if taskSlug != nil {
		query += ` AND task_slug = ? ORDER BY entry_index ASC LIMIT ? OFFSET ?`
		args = append(args, *taskSlug, limit, offset)
	} else {
		query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []*AgentLog
	for rows.Next() {
		l, err := scanAgentLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// GetTailSummaries returns the last count summarized events for a task, in
// chronological order.
func (s *Store) GetTailSummaries(ctx context.Context, agentID, taskSlug string, count, offset int) ([]*AgentLogSummary, error) {
	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(`
		SELECT entry_index, event_category, event_type, summary, timestamp
		FROM agent_logs
		WHERE agent_id = ? AND task_slug = ? AND summary IS NOT NULL
		ORDER BY entry_index DESC
		LIMIT ? OFFSET ?
	`), agentID, taskSlug, count, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get tail summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []*AgentLogSummary
	for rows.Next() {
		var sum AgentLogSummary
		if err := rows.Scan(&sum.EntryIndex, &sum.EventCategory, &sum.EventType, &sum.Summary, &sum.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan tail summary: %w", err)
		}
		summaries = append(summaries, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(summaries)-1; i < j; i, j = i+1, j-1 {
		summaries[i], summaries[j] = summaries[j], summaries[i]
	}
	return summaries, nil
}

// GetTailRaw returns the last count events for a task with full details, in
// chronological order.
func (s *Store) GetTailRaw(ctx context.Context, agentID, taskSlug string, count, offset int) ([]*AgentLog, error) {
	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(`
		SELECT id, agent_id, session_id, task_slug, entry_index,
			event_category, event_type, content, payload, summary, timestamp
		FROM agent_logs
		WHERE agent_id = ? AND task_slug = ?
		ORDER BY entry_index DESC
		LIMIT ? OFFSET ?
	`), agentID, taskSlug, count, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get tail logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []*AgentLog
	for rows.Next() {
		l, err := scanAgentLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tail log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

// GetLatestTaskSlug returns the agent's most recently active task slug, or
// empty when the agent has no logs.
func (s *Store) GetLatestTaskSlug(ctx context.Context, agentID string) (string, error) {
	var slug string
	reader := s.pool.Reader()
	err := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT task_slug FROM agent_logs
		WHERE agent_id = ?
		GROUP BY task_slug
		ORDER BY MAX(timestamp) DESC
		LIMIT 1
	`), agentID).Scan(&slug)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get latest task slug: %w", err)
	}
	return slug, nil
}

// CountAgentLogs returns the number of log rows for an agent.
func (s *Store) CountAgentLogs(ctx context.Context, agentID string) (int, error) {
	var count int
	reader := s.pool.Reader()
	err := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT COUNT(*) FROM agent_logs WHERE agent_id = ?
	`), agentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count agent logs: %w", err)
	}
	return count, nil
}

// ListAgentLogs returns the logs of every agent owned by an orchestrator,
// newest first, with the owning agent's name attached.
func (s *Store) ListAgentLogs(ctx context.Context, ownerID string, limit, offset int) ([]*AgentLog, []string, error) {
	if limit <= 0 {
		limit = DefaultAgentLogLimit
	}
	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(`
		SELECT al.id, al.agent_id, al.session_id, al.task_slug, al.entry_index,
			al.event_category, al.event_type, al.content, al.payload, al.summary, al.timestamp,
			a.name
		FROM agent_logs al
		LEFT JOIN agents a ON al.agent_id = a.id
		WHERE a.orchestrator_agent_id = ?
		ORDER BY al.timestamp DESC
		LIMIT ? OFFSET ?
	`), ownerID, limit, offset)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list agent logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		logs  []*AgentLog
		names []string
	)
	for rows.Next() {
		var (
			l                           AgentLog
			sessionID, content, summary sql.NullString
			payload                     string
			name                        sql.NullString
		)
		err := rows.Scan(&l.ID, &l.AgentID, &sessionID, &l.TaskSlug, &l.EntryIndex,
			&l.EventCategory, &l.EventType, &content, &payload, &summary, &l.Timestamp, &name)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan agent log: %w", err)
		}
		l.SessionID = stringPtr(sessionID)
		l.Content = stringPtr(content)
		l.Summary = stringPtr(summary)
		l.Payload = unmarshalJSON(payload)
		logs = append(logs, &l)
		names = append(names, name.String)
	}
	return logs, names, rows.Err()
}
