package reasoning

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LogEntry is the audit record persisted for a finished reasoning session
type LogEntry struct {
	ID        uuid.UUID `db:"id"`
	SessionID string    `db:"session_id"`

	Query string `db:"query"`
	State string `db:"state"`

	// Reasoning steps (stored as JSONB)
	Steps []byte `db:"reasoning_steps"` // JSON array of ThoughtStep

	FinalAnswer string  `db:"final_answer"`
	Confidence  float64 `db:"confidence"` // 0-1

	StepCount  int `db:"step_count"`
	ErrorCount int `db:"error_count"`
	TokensUsed int `db:"tokens_used"`
	DurationMs int `db:"duration_ms"`

	CreatedAt time.Time `db:"created_at"`
}

// Repository persists reasoning audit logs
type Repository interface {
	Create(ctx context.Context, entry *LogEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*LogEntry, error)
	GetBySession(ctx context.Context, sessionID string) ([]*LogEntry, error)
	GetRecent(ctx context.Context, limit int) ([]*LogEntry, error)
}
