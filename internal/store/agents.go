package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conductor/conductor/internal/db/dialect"
)

const agentColumns = `id, orchestrator_agent_id, name, model, system_prompt, working_dir,
	status, session_id, input_tokens, output_tokens, total_cost, archived, metadata,
	created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var (
		a         Agent
		sessionID sql.NullString
		metadata  string
	)
	err := row.Scan(&a.ID, &a.OrchestratorAgentID, &a.Name, &a.Model, &a.SystemPrompt,
		&a.WorkingDir, &a.Status, &sessionID, &a.InputTokens, &a.OutputTokens,
		&a.TotalCost, &a.Archived, &metadata, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.SessionID = stringPtr(sessionID)
	a.Metadata = unmarshalJSON(metadata)
	return &a, nil
}

// CreateAgent inserts a new worker agent in the idle state. The insert fails
// when a non-archived agent with the same name already exists for the owner.
func (s *Store) CreateAgent(ctx context.Context, ownerID, name, model, systemPrompt, workingDir string, metadata map[string]any) (*Agent, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO agents (id, orchestrator_agent_id, name, model, system_prompt, working_dir,
			status, session_id, input_tokens, output_tokens, total_cost, archived, metadata,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, 0, 0, 0, FALSE, ?, ?, ?)
	`), id, ownerID, name, model, systemPrompt, workingDir, StatusIdle, marshalJSON(metadata), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent %q: %w", name, err)
	}

	return s.GetAgentByID(ctx, id)
}

// GetAgentByID returns a non-archived agent by id.
func (s *Store) GetAgentByID(ctx context.Context, id string) (*Agent, error) {
	reader := s.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+agentColumns+` FROM agents WHERE id = ? AND NOT archived
	`), id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// GetAgentByName returns a non-archived agent by name, scoped to its owner.
func (s *Store) GetAgentByName(ctx context.Context, ownerID, name string) (*Agent, error) {
	reader := s.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE orchestrator_agent_id = ? AND name = ? AND NOT archived
	`), ownerID, name)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent by name: %w", err)
	}
	return a, nil
}

// ListAgents lists the owner's agents, newest first. archived selects between
// the live and the soft-deleted population.
func (s *Store) ListAgents(ctx context.Context, ownerID string, archived bool) ([]*Agent, error) {
	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE orchestrator_agent_id = ? AND archived = ?
		ORDER BY created_at DESC
	`), ownerID, archived)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentSession sets or clears the agent's session id.
func (s *Store) UpdateAgentSession(ctx context.Context, id string, sessionID *string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE agents SET session_id = ?, updated_at = ? WHERE id = ?
	`), nullString(sessionID), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update agent session: %w", err)
	}
	return nil
}

// UpdateAgentStatus sets the agent's lifecycle status.
func (s *Store) UpdateAgentStatus(ctx context.Context, id, status string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE agents SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	return nil
}

// UpdateAgentCosts adds this execution's usage to the agent's stored totals.
func (s *Store) UpdateAgentCosts(ctx context.Context, id string, inputTokens, outputTokens int64, costUSD float64) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE agents
		SET input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			total_cost = total_cost + ?,
			updated_at = ?
		WHERE id = ?
	`), inputTokens, outputTokens, costUSD, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update agent costs: %w", err)
	}
	return nil
}

// ResetAgentTokens zeroes the agent's token and cost counters. Called when
// the agent's context is compacted.
func (s *Store) ResetAgentTokens(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE agents
		SET input_tokens = 0, output_tokens = 0, total_cost = 0, updated_at = ?
		WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reset agent tokens: %w", err)
	}
	return nil
}

// SoftDeleteAgent archives the agent, freeing its name for reuse.
func (s *Store) SoftDeleteAgent(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE agents SET archived = TRUE, updated_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return nil
}

// UpdateAgentMetadata merges the given keys into the agent's metadata column.
func (s *Store) UpdateAgentMetadata(ctx context.Context, id string, updates map[string]any) error {
	writer := s.pool.Writer()
	query := fmt.Sprintf(`
		UPDATE agents SET metadata = %s, updated_at = ? WHERE id = ?
	`, dialect.JSONMerge(s.driver, "metadata"))
	_, err := writer.ExecContext(ctx, writer.Rebind(query), marshalJSON(updates), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update agent metadata: %w", err)
	}
	return nil
}
