package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/ridiculoid-net/onedropthreads-prod/pkg/logging"
)

type PublishFunc func(ctx context.Context, rec Record) error

type Relay struct {
	Store     Store
	Publish   PublishFunc
	BatchSize int
	Interval  time.Duration
	Service   string
}

// Run polls until ctx is done. Records are published in id order and a
// failed publish stops the batch so later events never overtake it.
func (r *Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			logging.Log(logging.Fields{Service: r.Service, Level: logging.LevelWarn, Step: "outbox_relay", Status: "error", Err: err})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush publishes one batch and returns how many records were marked sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	limit := r.BatchSize
	if limit <= 0 {
		limit = 100
	}
	recs, err := r.Store.FetchPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("fetch pending: %w", err)
	}
	sent := 0
	for _, rec := range recs {
		if err := r.Publish(ctx, rec); err != nil {
			return sent, fmt.Errorf("publish %s: %w", rec.EventID, err)
		}
		if err := r.Store.MarkSent(ctx, rec.ID); err != nil {
			return sent, fmt.Errorf("mark sent %d: %w", rec.ID, err)
		}
		sent++
		logging.Log(logging.Fields{Service: r.Service, EventID: rec.EventID, Step: "outbox_relay", Status: "published"})
	}
	return sent, nil
}
