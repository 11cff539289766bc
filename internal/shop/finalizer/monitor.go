package finalizer

import (
	"context"
	"time"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/logging"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/metrics"
)

// LogMonitor only logs. Used when no case store is wired.
type LogMonitor struct {
	Service string
}

func (m LogMonitor) ReconciliationRequired(_ context.Context, c domain.ReconciliationCase) {
	logging.Log(logging.Fields{
		Service:   m.Service,
		Level:     logging.LevelError,
		SessionID: c.SessionID,
		ItemID:    c.ItemID,
		Step:      "reconcile",
		Status:    string(c.Reason),
		Message:   "reconciliation required",
		Err:       errString(c.Error),
	})
}

type CaseOpener interface {
	OpenCase(ctx context.Context, c domain.ReconciliationCase) (domain.ReconciliationCase, error)
}

// CaseRecorder persists every reconciliation signal as an operator case.
type CaseRecorder struct {
	Cases   CaseOpener
	Metrics *metrics.FinalizerMetrics
	Service string
}

func (r *CaseRecorder) ReconciliationRequired(ctx context.Context, c domain.ReconciliationCase) {
	// The webhook request may already be gone; the case must still land.
	ctx = context.WithoutCancel(ctx)
	if r.Metrics != nil {
		r.Metrics.Reconciliation.WithLabelValues(string(c.Reason)).Inc()
	}

	opened, err := r.Cases.OpenCase(ctx, c)
	if err != nil {
		logging.Log(logging.Fields{
			Service:   r.Service,
			Level:     logging.LevelError,
			SessionID: c.SessionID,
			ItemID:    c.ItemID,
			Step:      "reconcile",
			Status:    string(c.Reason),
			Message:   "reconciliation case not recorded, item still counted in sold_without_order",
			Err:       err,
		})
		return
	}
	logging.Log(logging.Fields{
		Service:   r.Service,
		Level:     logging.LevelError,
		SessionID: opened.SessionID,
		ItemID:    opened.ItemID,
		CaseID:    opened.ID,
		Step:      "reconcile",
		Status:    string(opened.Reason),
		Message:   "reconciliation case opened",
		Err:       errString(opened.Error),
	})
}

type GapLister interface {
	ListSoldWithoutOrder(ctx context.Context) ([]string, error)
}

// WatchGap refreshes the sold_without_order gauge every interval until ctx
// is done.
func WatchGap(ctx context.Context, catalog GapLister, m *metrics.FinalizerMetrics, interval time.Duration, service string) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	refresh := func() {
		ids, err := catalog.ListSoldWithoutOrder(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logging.Log(logging.Fields{Service: service, Level: logging.LevelWarn, Step: "gap", Message: "sold without order scan failed", Err: err})
			}
			return
		}
		m.SoldWithoutOrder.Set(float64(len(ids)))
		if len(ids) > 0 {
			logging.Log(logging.Fields{Service: service, Level: logging.LevelWarn, Step: "gap", Status: "open", Message: "items sold without order"})
		}
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

type stringError string

func (e stringError) Error() string { return string(e) }

func errString(s string) error {
	if s == "" {
		return nil
	}
	return stringError(s)
}
