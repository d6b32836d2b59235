package dispatch

import (
	"context"
	"time"

	"opsconductor/internal/ctxlog"
	"opsconductor/internal/store"
)

// Trigger fires due submissions on a fixed interval. It covers the
// single-process case; an external scheduler can call Dispatcher.Fire with
// the same idempotency guarantees instead.
type Trigger struct {
	store      *store.Store
	dispatcher *Dispatcher
	interval   time.Duration
}

// NewTrigger creates a trigger that polls for due submissions.
func NewTrigger(st *store.Store, d *Dispatcher, interval time.Duration) *Trigger {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Trigger{store: st, dispatcher: d, interval: interval}
}

// Run polls until ctx is done.
func (t *Trigger) Run(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := t.store.DueSubmissions(ctx, now)
			if err != nil {
				logger.Error("failed to list due submissions", "error", err)
				continue
			}
			for _, submission := range due {
				executionSerial, err := t.dispatcher.Fire(ctx, submission.ID)
				if err != nil {
					logger.Error("failed to fire submission", "submission", submission.ID, "error", err)
					continue
				}
				logger.Info("fired deferred submission", "submission", submission.ID, "execution", executionSerial)
			}
		}
	}
}
