package db

import (
	"time"

	"github.com/gatescan/route.timer/internal/monitoring"
)

// RetentionWorker periodically prunes the rolling transition log. Runs and
// passages are kept forever (they are the product); transitions are pure
// diagnostics and grow with every crossing attempt and beacon flicker.
type RetentionWorker struct {
	DB        *DB
	Retention time.Duration // how long transitions are kept (default 7 days)
	Interval  time.Duration // how often to prune (default 1h)
	StopChan  chan struct{}
}

func NewRetentionWorker(db *DB) *RetentionWorker {
	return &RetentionWorker{
		DB:        db,
		Retention: 7 * 24 * time.Hour,
		Interval:  time.Hour,
		StopChan:  make(chan struct{}),
	}
}

// Start runs the periodic worker loop in a goroutine.
func (w *RetentionWorker) Start() {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.RunOnce(); err != nil {
					monitoring.Logf("db: retention pass failed: %v", err)
				}
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Stop requests the worker to stop.
func (w *RetentionWorker) Stop() {
	close(w.StopChan)
}

// RunOnce prunes transitions older than the retention window.
func (w *RetentionWorker) RunOnce() error {
	cutoff := time.Now().Add(-w.Retention)
	pruned, err := w.DB.PruneTransitions(cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		monitoring.Logf("db: retention pass pruned %d transitions older than %s",
			pruned, cutoff.Format(time.RFC3339))
	}
	return nil
}
