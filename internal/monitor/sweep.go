package monitor

import (
	"context"
	"time"

	"github.com/bcrosbie/activityhub/internal/domain"
)

// StaleReason is the reason attribute set on activities cancelled by a
// Sweeper.
const StaleReason = "stale"

// Sweeper cancels live activities that have been open longer than a
// threshold. It is off unless the process configures a threshold; the store
// itself never times activities out.
type Sweeper struct {
	store     *Store
	threshold time.Duration
	interval  time.Duration
}

// NewSweeper checks every interval for activities older than threshold. An
// interval <= 0 defaults to a quarter of the threshold, at least a second.
func NewSweeper(store *Store, threshold, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = max(threshold/4, time.Second)
	}
	return &Sweeper{store: store, threshold: threshold, interval: interval}
}

// Sweep cancels every stale activity once and returns their ids.
func (w *Sweeper) Sweep() []string {
	if w.threshold <= 0 {
		return nil
	}
	cutoff := w.store.now().Add(-w.threshold)

	var stale []string
	for _, activity := range w.store.Live() {
		if activity.StartedAt.Before(cutoff) {
			stale = append(stale, activity.ID)
		}
	}
	for _, id := range stale {
		w.store.End(id, domain.StatusCancelled, domain.Attributes{"reason": domain.String(StaleReason)})
	}
	if len(stale) > 0 {
		w.store.logger.Info("cancelled stale activities", "count", len(stale), "threshold", w.threshold)
	}
	return stale
}

// Run sweeps until ctx is cancelled. It returns at once when the threshold
// is zero.
func (w *Sweeper) Run(ctx context.Context) {
	if w.threshold <= 0 {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}
