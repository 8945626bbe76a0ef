package workers

import (
	"context"
	"time"

	"noesis/internal/checkpoint"
	"noesis/pkg/errors"
)

// CheckpointSweeperWorker periodically removes expired checkpoints and
// refreshes the store gauges. Redis already expires keys via TTL; the sweep
// catches records written without a TTL and keeps metrics accurate.
type CheckpointSweeperWorker struct {
	*BaseWorker
	store *checkpoint.Store
}

// NewCheckpointSweeperWorker creates the sweeper
func NewCheckpointSweeperWorker(store *checkpoint.Store, interval time.Duration, enabled bool) *CheckpointSweeperWorker {
	return &CheckpointSweeperWorker{
		BaseWorker: NewBaseWorker("checkpoint_sweeper", interval, enabled),
		store:      store,
	}
}

// Run executes one sweep
func (w *CheckpointSweeperWorker) Run(ctx context.Context) error {
	start := time.Now()

	removed, err := w.store.CleanupExpired(ctx)
	if err != nil {
		w.RecordError(err, time.Since(start))
		return errors.Wrap(err, "checkpoint sweep failed")
	}

	w.RecordRun(time.Since(start))
	if removed > 0 {
		w.Log().Infof("Checkpoint sweep removed %d expired entries", removed)
	}
	return nil
}
