package store

import (
	"context"
	"fmt"

	"github.com/conductor/conductor/internal/db/dialect"
)

// Migrate creates the schema if it does not exist. It is idempotent and safe
// to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	jsonType := dialect.JSONType(s.driver)
	timeType := "TIMESTAMP"
	if dialect.IsPostgres(s.driver) {
		timeType = "TIMESTAMPTZ"
	}

	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS orchestrator_agents (
				id TEXT PRIMARY KEY,
				session_id TEXT UNIQUE,
				system_prompt TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'idle',
				working_dir TEXT NOT NULL DEFAULT '',
				input_tokens BIGINT NOT NULL DEFAULT 0,
				output_tokens BIGINT NOT NULL DEFAULT 0,
				total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
				archived BOOLEAN NOT NULL DEFAULT FALSE,
				metadata %s NOT NULL DEFAULT '{}',
				created_at %s NOT NULL,
				updated_at %s NOT NULL
			)`, jsonType, timeType, timeType),

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS agents (
				id TEXT PRIMARY KEY,
				orchestrator_agent_id TEXT NOT NULL REFERENCES orchestrator_agents(id),
				name TEXT NOT NULL,
				model TEXT NOT NULL,
				system_prompt TEXT NOT NULL,
				working_dir TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'idle',
				session_id TEXT,
				input_tokens BIGINT NOT NULL DEFAULT 0,
				output_tokens BIGINT NOT NULL DEFAULT 0,
				total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
				archived BOOLEAN NOT NULL DEFAULT FALSE,
				metadata %s NOT NULL DEFAULT '{}',
				created_at %s NOT NULL,
				updated_at %s NOT NULL
			)`, jsonType, timeType, timeType),

		// Names are reusable after soft delete, so uniqueness only covers
		// live rows.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_owner_name
			ON agents(orchestrator_agent_id, name) WHERE NOT archived`,

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS orchestrator_chat (
				id TEXT PRIMARY KEY,
				orchestrator_agent_id TEXT NOT NULL REFERENCES orchestrator_agents(id),
				sender_type TEXT NOT NULL,
				receiver_type TEXT NOT NULL,
				message TEXT NOT NULL,
				agent_id TEXT REFERENCES agents(id),
				summary TEXT,
				metadata %s NOT NULL DEFAULT '{}',
				created_at %s NOT NULL,
				updated_at %s NOT NULL
			)`, jsonType, timeType, timeType),

		`CREATE INDEX IF NOT EXISTS idx_chat_owner_created
			ON orchestrator_chat(orchestrator_agent_id, created_at)`,

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS agent_logs (
				id TEXT PRIMARY KEY,
				agent_id TEXT NOT NULL REFERENCES agents(id),
				session_id TEXT,
				task_slug TEXT NOT NULL,
				entry_index INTEGER NOT NULL,
				event_category TEXT NOT NULL,
				event_type TEXT NOT NULL,
				content TEXT,
				payload %s NOT NULL DEFAULT '{}',
				summary TEXT,
				timestamp %s NOT NULL
			)`, jsonType, timeType),

		`CREATE INDEX IF NOT EXISTS idx_agent_logs_task
			ON agent_logs(agent_id, task_slug, entry_index)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_logs_timestamp
			ON agent_logs(agent_id, timestamp)`,

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS system_logs (
				id TEXT PRIMARY KEY,
				file_path TEXT,
				level TEXT NOT NULL,
				message TEXT NOT NULL,
				summary TEXT,
				metadata %s NOT NULL DEFAULT '{}',
				timestamp %s NOT NULL
			)`, jsonType, timeType),

		`CREATE INDEX IF NOT EXISTS idx_system_logs_timestamp
			ON system_logs(timestamp)`,

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS prompts (
				id TEXT PRIMARY KEY,
				agent_id TEXT NOT NULL REFERENCES agents(id),
				task_slug TEXT NOT NULL,
				author TEXT NOT NULL,
				prompt_text TEXT NOT NULL,
				summary TEXT,
				session_id TEXT,
				timestamp %s NOT NULL
			)`, timeType),
	}

	writer := s.pool.Writer()
	for _, stmt := range statements {
		if _, err := writer.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
