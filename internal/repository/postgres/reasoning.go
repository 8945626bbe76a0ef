package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"noesis/internal/domain/reasoning"
	"noesis/pkg/errors"
)

// Compile-time check
var _ reasoning.Repository = (*ReasoningRepository)(nil)

// ReasoningRepository implements reasoning.Repository using sqlx
type ReasoningRepository struct {
	db *sqlx.DB
}

// NewReasoningRepository creates a new reasoning repository
func NewReasoningRepository(db *sqlx.DB) *ReasoningRepository {
	return &ReasoningRepository{db: db}
}

// Create inserts a new reasoning log entry
func (r *ReasoningRepository) Create(ctx context.Context, entry *reasoning.LogEntry) error {
	query := `
		INSERT INTO reasoning_logs (
			id, session_id, query, state,
			reasoning_steps, final_answer, confidence,
			step_count, error_count, tokens_used, duration_ms,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.SessionID, entry.Query, entry.State,
		entry.Steps, entry.FinalAnswer, entry.Confidence,
		entry.StepCount, entry.ErrorCount, entry.TokensUsed, entry.DurationMs,
		entry.CreatedAt,
	)

	return err
}

// GetByID retrieves a reasoning log by ID
func (r *ReasoningRepository) GetByID(ctx context.Context, id uuid.UUID) (*reasoning.LogEntry, error) {
	var entry reasoning.LogEntry

	query := `SELECT * FROM reasoning_logs WHERE id = $1`

	err := r.db.GetContext(ctx, &entry, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "reasoning log %s", id)
	}
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

// GetBySession retrieves all reasoning logs for a session
func (r *ReasoningRepository) GetBySession(ctx context.Context, sessionID string) ([]*reasoning.LogEntry, error) {
	var entries []*reasoning.LogEntry

	query := `
		SELECT * FROM reasoning_logs
		WHERE session_id = $1
		ORDER BY created_at ASC`

	err := r.db.SelectContext(ctx, &entries, query, sessionID)
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// GetRecent retrieves the most recent reasoning logs
func (r *ReasoningRepository) GetRecent(ctx context.Context, limit int) ([]*reasoning.LogEntry, error) {
	var entries []*reasoning.LogEntry

	query := `
		SELECT * FROM reasoning_logs
		ORDER BY created_at DESC
		LIMIT $1`

	err := r.db.SelectContext(ctx, &entries, query, limit)
	if err != nil {
		return nil, err
	}

	return entries, nil
}
