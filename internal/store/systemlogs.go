package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conductor/conductor/internal/db/dialect"
)

// DefaultSystemLogLimit bounds unpaginated system log reads.
const DefaultSystemLogLimit = 100

// System log levels.
const (
	LevelDebug   = "DEBUG"
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// InsertSystemLog records an orchestrator-level log row.
func (s *Store) InsertSystemLog(ctx context.Context, level, message string, filePath *string, metadata map[string]any) (string, error) {
	id := uuid.New().String()
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO system_logs (id, file_path, level, message, summary, metadata, timestamp)
		VALUES (?, ?, ?, ?, NULL, ?, ?)
	`), id, nullString(filePath), level, message, marshalJSON(metadata), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert system log: %w", err)
	}
	return id, nil
}

// UpdateSystemLogSummary attaches a generated summary to a system log row.
func (s *Store) UpdateSystemLogSummary(ctx context.Context, logID, summary string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE system_logs SET summary = ? WHERE id = ?
	`), summary, logID)
	if err != nil {
		return fmt.Errorf("failed to update system log summary: %w", err)
	}
	return nil
}

// ListSystemLogs returns system logs newest first, optionally filtered by a
// case-insensitive message substring and an exact level.
func (s *Store) ListSystemLogs(ctx context.Context, limit, offset int, messageContains, level string) ([]*SystemLog, error) {
	if limit <= 0 {
		limit = DefaultSystemLogLimit
	}

	query := `
		SELECT id, file_path, level, message, summary, metadata, timestamp
		FROM system_logs WHERE 1=1`
	var args []any

	if strings.TrimSpace(messageContains) != "" {
		query += " AND " + dialect.CaseInsensitiveLike(s.driver, "message")
		args = append(args, "%"+messageContains+"%")
	}
	if strings.TrimSpace(level) != "" {
		query += " AND level = ?"
		args = append(args, strings.ToUpper(level))
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	return s.querySystemLogs(ctx, query, args)
}

// ListBlockSystemLogs returns the orchestrator's thinking/tool_use block
// logs, newest first. Block logs carry log_type and orchestrator_agent_id
// in their metadata.
func (s *Store) ListBlockSystemLogs(ctx context.Context, orchestratorID string, limit int) ([]*SystemLog, error) {
	if limit <= 0 {
		limit = DefaultSystemLogLimit
	}
	logType := dialect.JSONExtractText(s.driver, "metadata", "log_type")
	ownerID := dialect.JSONExtractText(s.driver, "metadata", "orchestrator_agent_id")
	query := fmt.Sprintf(`
		SELECT id, file_path, level, message, summary, metadata, timestamp
		FROM system_logs
		WHERE %s IN ('thinking_block', 'tool_use_block') AND %s = ?
		ORDER BY timestamp DESC LIMIT ?`, logType, ownerID)

	return s.querySystemLogs(ctx, query, []any{orchestratorID, limit})
}

func (s *Store) querySystemLogs(ctx context.Context, query string, args []any) ([]*SystemLog, error) {
	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list system logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []*SystemLog
	for rows.Next() {
		var (
			l                 SystemLog
			filePath, summary sql.NullString
			metadata          string
		)
		err := rows.Scan(&l.ID, &filePath, &l.Level, &l.Message, &summary, &metadata, &l.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan system log: %w", err)
		}
		l.FilePath = stringPtr(filePath)
		l.Summary = stringPtr(summary)
		l.Metadata = unmarshalJSON(metadata)
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
