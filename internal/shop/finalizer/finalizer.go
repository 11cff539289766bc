// Package finalizer turns verified payment confirmations into exactly one
// fulfillment order per item.
//
// The only serialization point is Store.TryMarkSold: whichever caller flips
// the item from AVAILABLE to SOLD owns the single fulfillment submission.
// Nothing here takes an in-process lock, so any number of instances may run
// Finalize concurrently against the same store.
package finalizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/fulfillment"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/logging"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/metrics"
)

type Store interface {
	GetOrderBySessionID(ctx context.Context, sessionID string) (domain.Order, error)
	GetItemByID(ctx context.Context, id string) (domain.Item, error)
	TryMarkSold(ctx context.Context, id string) (bool, error)
	CreateOrder(ctx context.Context, order domain.Order) error
}

// Monitor is told about every purchase left SOLD without an order.
type Monitor interface {
	ReconciliationRequired(ctx context.Context, c domain.ReconciliationCase)
}

type Deps struct {
	Store       Store
	Fulfillment fulfillment.Client
	Monitor     Monitor
	Metrics     *metrics.FinalizerMetrics
	Service     string
	Now         func() time.Time
	NewID       func() string
}

type Result struct {
	Order   domain.Order
	Outcome Outcome
}

type Finalizer struct {
	store       Store
	fulfillment fulfillment.Client
	monitor     Monitor
	metrics     *metrics.FinalizerMetrics
	service     string
	now         func() time.Time
	newID       func() string
}

func New(d Deps) *Finalizer {
	f := &Finalizer{
		store:       d.Store,
		fulfillment: d.Fulfillment,
		monitor:     d.Monitor,
		metrics:     d.Metrics,
		service:     d.Service,
		now:         d.Now,
		newID:       d.NewID,
	}
	if f.monitor == nil {
		f.monitor = LogMonitor{Service: d.Service}
	}
	if f.service == "" {
		f.service = "shop-service"
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.newID == nil {
		f.newID = uuid.NewString
	}
	return f
}

// Finalize processes one payment confirmation. A session that already has
// an order is answered from the store without side effects.
func (f *Finalizer) Finalize(ctx context.Context, evt domain.PaymentEvent) (Result, error) {
	start := time.Now()
	res, err := f.finalize(ctx, evt)
	outcome := res.Outcome
	if err != nil {
		outcome = OutcomeOf(err)
	}
	f.report(evt, res.Order.ID, outcome, err, start)
	return res, err
}

func (f *Finalizer) finalize(ctx context.Context, evt domain.PaymentEvent) (Result, error) {
	if err := evt.Validate(); err != nil {
		return Result{}, err
	}

	// Fast path only; the lock below is what actually decides.
	existing, err := f.store.GetOrderBySessionID(ctx, evt.SessionID)
	if err == nil {
		return Result{Order: existing, Outcome: OutcomeReplayed}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: order lookup: %w", domain.ErrStoreUnavailable, err)
	}

	// Variants are write-once, so this snapshot is the one the lock sells.
	item, err := f.store.GetItemByID(ctx, evt.ItemID)
	if errors.Is(err, domain.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: item %s does not exist", domain.ErrItemUnavailable, evt.ItemID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: item lookup: %w", domain.ErrStoreUnavailable, err)
	}

	locked, err := f.store.TryMarkSold(ctx, item.ID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: lock item: %w", domain.ErrStoreUnavailable, err)
	}
	if !locked {
		// A concurrent delivery of the same session may have won and finished.
		if existing, err := f.store.GetOrderBySessionID(ctx, evt.SessionID); err == nil {
			return Result{Order: existing, Outcome: OutcomeReplayed}, nil
		}
		return Result{}, fmt.Errorf("%w: item %s already sold", domain.ErrItemUnavailable, item.ID)
	}

	// From here on the item stays SOLD whatever happens.
	variant, ok := item.Variant(evt.Size)
	if !ok {
		err := fmt.Errorf("%w: size %q not offered for item %s %v", domain.ErrInvalidVariant, evt.Size, item.ID, item.Sizes())
		f.monitor.ReconciliationRequired(ctx, newCase(evt, domain.ReasonInvalidVariant, nil, err, f.now()))
		return Result{}, err
	}

	providerOrderID, err := f.submit(ctx, evt.Shipping, variant)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrFulfillmentFailed, err)
		f.monitor.ReconciliationRequired(ctx, newCase(evt, domain.ReasonFulfillmentFailed, nil, err, f.now()))
		return Result{}, err
	}

	order := domain.NewFulfilledOrder(f.newID(), evt, providerOrderID, f.now().UTC())
	if err := f.store.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, domain.ErrDuplicateSession) {
			if existing, lerr := f.store.GetOrderBySessionID(ctx, evt.SessionID); lerr == nil {
				return Result{Order: existing, Outcome: OutcomeReplayed}, nil
			}
		}
		err = fmt.Errorf("%w: provider order %s: %w", domain.ErrPersistenceFailed, providerOrderID, err)
		f.monitor.ReconciliationRequired(ctx, newCase(evt, domain.ReasonPersistenceFailed, &providerOrderID, err, f.now()))
		return Result{}, err
	}
	return Result{Order: order, Outcome: OutcomeFulfilled}, nil
}

func (f *Finalizer) submit(ctx context.Context, addr domain.Address, variant domain.Variant) (string, error) {
	start := time.Now()
	id, err := f.fulfillment.SubmitOrder(ctx, recipientFor(addr), lineItems(variant))
	if f.metrics != nil {
		f.metrics.FulfillmentMS.Observe(float64(time.Since(start).Milliseconds()))
	}
	return id, err
}

func (f *Finalizer) report(evt domain.PaymentEvent, orderID string, outcome Outcome, err error, start time.Time) {
	if f.metrics != nil {
		f.metrics.Outcomes.WithLabelValues(string(outcome)).Inc()
	}
	status := string(outcome)
	if outcome == OutcomeItemUnavailable {
		status = "contention"
	}
	fields := logging.Fields{
		Service:    f.service,
		Level:      outcome.level(),
		SessionID:  evt.SessionID,
		ItemID:     evt.ItemID,
		OrderID:    orderID,
		Step:       "finalize",
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
		Message:    outcome.message(),
		Err:        err,
	}
	logging.Log(fields)
}
