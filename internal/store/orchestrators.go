package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conductor/conductor/internal/db/dialect"
)

const orchestratorColumns = `id, session_id, system_prompt, status, working_dir,
	input_tokens, output_tokens, total_cost, archived, metadata, created_at, updated_at`

func scanOrchestrator(row interface{ Scan(...any) error }) (*Orchestrator, error) {
	var (
		o         Orchestrator
		sessionID sql.NullString
		metadata  string
	)
	err := row.Scan(&o.ID, &sessionID, &o.SystemPrompt, &o.Status, &o.WorkingDir,
		&o.InputTokens, &o.OutputTokens, &o.TotalCost, &o.Archived, &metadata,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.SessionID = stringPtr(sessionID)
	o.Metadata = unmarshalJSON(metadata)
	return &o, nil
}

// GetOrCreateOrchestrator returns the active orchestrator, creating one when
// none exists. There is at most one non-archived orchestrator per store.
func (s *Store) GetOrCreateOrchestrator(ctx context.Context, systemPrompt, workingDir string) (*Orchestrator, error) {
	existing, err := s.GetActiveOrchestrator(ctx)
	if err == nil {
		return existing, nil
	}
	if err != ErrOrchestratorNotFound {
		return nil, err
	}
	return s.CreateOrchestrator(ctx, systemPrompt, workingDir)
}

// CreateOrchestrator always inserts a new orchestrator row with a null
// session id.
func (s *Store) CreateOrchestrator(ctx context.Context, systemPrompt, workingDir string) (*Orchestrator, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO orchestrator_agents (id, session_id, system_prompt, status, working_dir,
			input_tokens, output_tokens, total_cost, archived, metadata, created_at, updated_at)
		VALUES (?, NULL, ?, ?, ?, 0, 0, 0, FALSE, ?, ?, ?)
	`), id, systemPrompt, StatusIdle, workingDir, "{}", now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	return s.GetOrchestratorByID(ctx, id)
}

// GetActiveOrchestrator returns the single non-archived orchestrator.
func (s *Store) GetActiveOrchestrator(ctx context.Context) (*Orchestrator, error) {
	reader := s.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+orchestratorColumns+`
		FROM orchestrator_agents WHERE NOT archived LIMIT 1
	`))
	o, err := scanOrchestrator(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrchestratorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active orchestrator: %w", err)
	}
	return o, nil
}

// GetOrchestratorByID returns a non-archived orchestrator by id.
func (s *Store) GetOrchestratorByID(ctx context.Context, id string) (*Orchestrator, error) {
	reader := s.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+orchestratorColumns+`
		FROM orchestrator_agents WHERE id = ? AND NOT archived
	`), id)
	o, err := scanOrchestrator(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrOrchestratorNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get orchestrator: %w", err)
	}
	return o, nil
}

// GetOrchestratorBySession returns a non-archived orchestrator by its session
// id.
func (s *Store) GetOrchestratorBySession(ctx context.Context, sessionID string) (*Orchestrator, error) {
	reader := s.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+orchestratorColumns+`
		FROM orchestrator_agents WHERE session_id = ? AND NOT archived
	`), sessionID)
	o, err := scanOrchestrator(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: session %s", ErrOrchestratorNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get orchestrator by session: %w", err)
	}
	return o, nil
}

// UpdateOrchestratorSession sets the session id only when it is still null.
// A row whose session id is already set is left untouched; the refreshed row
// is returned either way so callers can observe the winning value.
func (s *Store) UpdateOrchestratorSession(ctx context.Context, id, sessionID string) (*Orchestrator, error) {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE orchestrator_agents
		SET session_id = ?, updated_at = ?
		WHERE id = ? AND session_id IS NULL
	`), sessionID, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update orchestrator session: %w", err)
	}
	return s.GetOrchestratorByID(ctx, id)
}

// UpdateOrchestratorCosts adds this turn's usage to the stored totals and
// returns rows-updated plus the new totals. Only the addressed row is
// touched.
func (s *Store) UpdateOrchestratorCosts(ctx context.Context, id string, inputTokens, outputTokens int64, costUSD float64) (*CostUpdate, error) {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE orchestrator_agents
		SET input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			total_cost = total_cost + ?,
			updated_at = ?
		WHERE id = ? AND NOT archived
	`), inputTokens, outputTokens, costUSD, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update orchestrator costs: %w", err)
	}
	rows, _ := result.RowsAffected()

	update := &CostUpdate{RowsUpdated: rows}
	reader := s.pool.Reader()
	err = reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT input_tokens, output_tokens, total_cost, updated_at
		FROM orchestrator_agents WHERE id = ? AND NOT archived
	`), id).Scan(&update.InputTokens, &update.OutputTokens, &update.TotalCost, &update.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrOrchestratorNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read updated orchestrator costs: %w", err)
	}
	return update, nil
}

// UpdateOrchestratorStatus sets the lifecycle status of one orchestrator.
func (s *Store) UpdateOrchestratorStatus(ctx context.Context, id, status string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE orchestrator_agents SET status = ?, updated_at = ?
		WHERE id = ? AND NOT archived
	`), status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update orchestrator status: %w", err)
	}
	return nil
}

// MergeOrchestratorMetadata merges the given keys into the metadata column
// without replacing unrelated keys.
func (s *Store) MergeOrchestratorMetadata(ctx context.Context, id string, updates map[string]any) error {
	writer := s.pool.Writer()
	query := fmt.Sprintf(`
		UPDATE orchestrator_agents SET metadata = %s, updated_at = ?
		WHERE id = ? AND NOT archived
	`, dialect.JSONMerge(s.driver, "metadata"))
	_, err := writer.ExecContext(ctx, writer.Rebind(query), marshalJSON(updates), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to merge orchestrator metadata: %w", err)
	}
	return nil
}
