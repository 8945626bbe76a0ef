package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"noesis/internal/adapters/config"
	"noesis/internal/domain/reasoning"
	"noesis/internal/metrics"
	"noesis/pkg/errors"
	"noesis/pkg/logger"
)

// KV is the durable key-value capability the store needs: namespaced string
// keys, byte-blob values, per-key TTL, prefix scan. Implemented by the redis
// adapter; tests use an in-memory fake.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Record is a persisted snapshot of session state at a point in time
type Record struct {
	CheckpointID    string               `json:"checkpoint_id"`
	SessionID       string               `json:"session_id"`
	StepNumber      int                  `json:"step_number"`
	State           reasoning.GraphState `json:"payload"`
	CreatedAt       time.Time            `json:"created_at"`
	IsRollbackPoint bool                 `json:"is_rollback_point"`
	Metadata        map[string]string    `json:"metadata,omitempty"`
}

// Meta describes a checkpoint without its payload
type Meta struct {
	CheckpointID    string    `json:"checkpoint_id"`
	StepNumber      int       `json:"step_number"`
	CreatedAt       time.Time `json:"created_at"`
	IsRollbackPoint bool      `json:"is_rollback_point"`
}

// Stats summarizes the store contents for observability
type Stats struct {
	Count      int       `json:"count"`
	TotalBytes int64     `json:"total_bytes"`
	Oldest     time.Time `json:"oldest,omitempty"`
	Newest     time.Time `json:"newest,omitempty"`
}

// Store persists one "latest" checkpoint per session under a namespaced key.
// Single-slot by design: rollback is limited to whatever snapshot currently
// occupies the slot, which makes this crash-recovery rather than true
// step-level history.
type Store struct {
	kv  KV
	cfg config.CheckpointConfig
	log *logger.Logger
}

// NewStore creates a checkpoint store over the given KV
func NewStore(kv KV, cfg config.CheckpointConfig) *Store {
	return &Store{
		kv:  kv,
		cfg: cfg,
		log: logger.Get().With("component", "checkpoint_store"),
	}
}

func (s *Store) key(sessionID string) string {
	return s.cfg.KeyPrefix + sessionID
}

// Save overwrites the latest slot for the session. Idempotent; sets the
// configured TTL on every write. The caller decides whether a failure is
// fatal (mid-run writes are best-effort).
func (s *Store) Save(ctx context.Context, state *reasoning.GraphState, lastNode string) error {
	rollbackEvery := s.cfg.RollbackEvery
	if rollbackEvery <= 0 {
		rollbackEvery = 5
	}

	record := Record{
		CheckpointID:    uuid.New().String(),
		SessionID:       state.SessionID,
		StepNumber:      state.CurrentStep,
		State:           *state,
		CreatedAt:       time.Now(),
		IsRollbackPoint: state.CurrentStep > 0 && state.CurrentStep%rollbackEvery == 0,
		Metadata: map[string]string{
			"last_node": lastNode,
			"saved_at":  time.Now().UTC().Format(time.RFC3339),
		},
	}

	data, err := json.Marshal(record)
	if err != nil {
		metrics.CheckpointWrites.WithLabelValues("error").Inc()
		return errors.Wrap(errors.ErrResource, err.Error())
	}

	if err := s.kv.Set(ctx, s.key(state.SessionID), data, s.cfg.TTL); err != nil {
		metrics.CheckpointWrites.WithLabelValues("error").Inc()
		return errors.Wrap(errors.ErrResource, err.Error())
	}

	metrics.CheckpointWrites.WithLabelValues("success").Inc()
	return nil
}

// Load returns the latest snapshot for the session, or nil if absent/expired
func (s *Store) Load(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.kv.Get(ctx, s.key(sessionID))
	if err != nil {
		return nil, errors.Wrap(errors.ErrResource, err.Error())
	}
	if data == nil {
		return nil, nil
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.Wrap(errors.ErrResource, err.Error())
	}
	return &record, nil
}

// Delete removes the session's checkpoint slot
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.kv.Delete(ctx, s.key(sessionID)); err != nil {
		return errors.Wrap(errors.ErrResource, err.Error())
	}
	return nil
}

// ListRollbackPoints returns checkpoints eligible as rollback targets.
// Single-slot design: at most the one latest snapshot is returned.
func (s *Store) ListRollbackPoints(ctx context.Context, sessionID string) ([]Meta, error) {
	record, err := s.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return []Meta{{
		CheckpointID:    record.CheckpointID,
		StepNumber:      record.StepNumber,
		CreatedAt:       record.CreatedAt,
		IsRollbackPoint: record.IsRollbackPoint,
	}}, nil
}

// Rollback validates that a checkpoint usable for "roll back to step
// targetStep" is retrievable and returns it. Best-effort: the nearest
// available snapshot at or below the target; with a single slot that is
// either the latest snapshot or nothing. A negative target accepts whatever
// snapshot exists. State restoration happens by the caller re-hydrating
// from the returned record.
func (s *Store) Rollback(ctx context.Context, sessionID string, targetStep int) (*Record, error) {
	record, err := s.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "no checkpoint for session %s", sessionID)
	}
	if targetStep >= 0 && record.StepNumber > targetStep {
		return nil, errors.Wrapf(errors.ErrNotFound,
			"no checkpoint at or below step %d for session %s (latest is step %d)",
			targetStep, sessionID, record.StepNumber)
	}
	return record, nil
}

// CleanupExpired sweeps all keys under the namespace prefix and deletes any
// whose created_at predates the TTL window. Redis expires keys natively;
// the sweep additionally covers records written with no TTL and keeps the
// store gauges fresh. Returns the number of checkpoints removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, s.cfg.KeyPrefix)
	if err != nil {
		return 0, errors.Wrap(errors.ErrResource, err.Error())
	}

	cutoff := time.Now().Add(-s.cfg.TTL)
	removed := 0
	var liveCount int
	var liveBytes int64

	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if err != nil || data == nil {
			continue
		}

		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			// Unreadable record, remove it
			if delErr := s.kv.Delete(ctx, key); delErr == nil {
				removed++
			}
			continue
		}

		if record.CreatedAt.Before(cutoff) {
			if err := s.kv.Delete(ctx, key); err != nil {
				s.log.Warnf("Failed to delete expired checkpoint %s: %v", key, err)
				continue
			}
			removed++
			continue
		}

		liveCount++
		liveBytes += int64(len(data))
	}

	metrics.CheckpointsSwept.Add(float64(removed))
	metrics.CheckpointCount.Set(float64(liveCount))
	metrics.CheckpointBytes.Set(float64(liveBytes))

	if removed > 0 {
		s.log.Infof("Checkpoint sweep removed %d expired entries, %d remain", removed, liveCount)
	}
	return removed, nil
}

// Stats reports store-level statistics via a prefix scan
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	keys, err := s.kv.Keys(ctx, s.cfg.KeyPrefix)
	if err != nil {
		return nil, errors.Wrap(errors.ErrResource, err.Error())
	}

	stats := &Stats{}
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if err != nil || data == nil {
			continue
		}

		stats.Count++
		stats.TotalBytes += int64(len(data))

		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		if stats.Oldest.IsZero() || record.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = record.CreatedAt
		}
		if record.CreatedAt.After(stats.Newest) {
			stats.Newest = record.CreatedAt
		}
	}

	return stats, nil
}
