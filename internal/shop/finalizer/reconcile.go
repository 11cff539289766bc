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
)

type ReconcileStore interface {
	Store
	OpenCase(ctx context.Context, c domain.ReconciliationCase) (domain.ReconciliationCase, error)
	GetCase(ctx context.Context, id string) (domain.ReconciliationCase, error)
	TryClaimCase(ctx context.Context, id string) (bool, error)
	ResolveCase(ctx context.Context, id string, at time.Time) error
}

// DefaultRetryTimeout bounds one operator retry once it is detached from
// the admin request.
const DefaultRetryTimeout = 30 * time.Second

// Reconciler drives an operator's manual retry of an open case. The item is
// already SOLD, so a retry never touches the lock; it only completes the
// fulfillment and order steps that were left undone.
type Reconciler struct {
	Store       ReconcileStore
	Fulfillment fulfillment.Client
	Service     string
	Timeout     time.Duration
	Now         func() time.Time
	NewID       func() string
}

// Retry claims the case, finishes the purchase and resolves the case.
// sizeOverride replaces the event's size, for INVALID_VARIANT cases where
// the operator agreed a size with the buyer. On failure the case is
// reopened with the new error and released.
//
// The retry outlives the caller's context: a partner submission that was
// accepted must be recorded even if the operator disconnects.
func (r *Reconciler) Retry(ctx context.Context, caseID, sizeOverride string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout())
	defer cancel()

	c, err := r.Store.GetCase(ctx, caseID)
	if err != nil {
		return domain.Order{}, err
	}
	if c.Resolved {
		return domain.Order{}, domain.ErrCaseResolved
	}
	if sizeOverride != "" && sizeOverride != c.Event.Size && c.ProviderOrderID != nil {
		return domain.Order{}, fmt.Errorf("%w: partner order %s was accepted in size %q", domain.ErrInvalidVariant, *c.ProviderOrderID, c.Event.Size)
	}

	// An order written by an earlier attempt settles the case whatever the
	// claim says; a claim left behind by a failed resolve must not block it.
	existing, err := r.Store.GetOrderBySessionID(ctx, c.SessionID)
	switch {
	case err == nil:
		return r.resolve(ctx, c, existing), nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Order{}, fmt.Errorf("%w: order lookup: %w", domain.ErrStoreUnavailable, err)
	}

	claimed, err := r.Store.TryClaimCase(ctx, caseID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: claim case: %w", domain.ErrStoreUnavailable, err)
	}
	if !claimed {
		return domain.Order{}, domain.ErrCaseBusy
	}

	order, err := r.complete(ctx, c, sizeOverride)
	if err != nil {
		r.log(c, logging.LevelError, "retry failed", err)
		return domain.Order{}, err
	}
	return r.resolve(ctx, c, order), nil
}

// resolve closes the case for a recorded order. A failed resolve leaves
// the case open; the next retry finds the order and resolves it.
func (r *Reconciler) resolve(ctx context.Context, c domain.ReconciliationCase, order domain.Order) domain.Order {
	if err := r.Store.ResolveCase(ctx, c.ID, r.now()); err != nil {
		r.log(c, logging.LevelWarn, "order recorded but case not resolved", err)
		return order
	}
	r.log(c, logging.LevelInfo, "case resolved", nil)
	return order
}

func (r *Reconciler) complete(ctx context.Context, c domain.ReconciliationCase, sizeOverride string) (domain.Order, error) {
	if existing, err := r.Store.GetOrderBySessionID(ctx, c.SessionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		err = fmt.Errorf("%w: order lookup: %w", domain.ErrStoreUnavailable, err)
		r.reopen(ctx, c, c.Reason, c.ProviderOrderID, err)
		return domain.Order{}, err
	}

	evt := c.Event
	if sizeOverride != "" {
		evt.Size = sizeOverride
	}
	c.Event = evt

	var providerOrderID string
	if c.ProviderOrderID != nil {
		// Already accepted by the partner; submitting again would print twice.
		providerOrderID = *c.ProviderOrderID
	} else {
		item, err := r.Store.GetItemByID(ctx, evt.ItemID)
		if err != nil {
			err = fmt.Errorf("%w: item lookup: %w", domain.ErrStoreUnavailable, err)
			r.reopen(ctx, c, c.Reason, nil, err)
			return domain.Order{}, err
		}
		variant, ok := item.Variant(evt.Size)
		if !ok {
			err := fmt.Errorf("%w: size %q not offered for item %s %v", domain.ErrInvalidVariant, evt.Size, item.ID, item.Sizes())
			r.reopen(ctx, c, domain.ReasonInvalidVariant, nil, err)
			return domain.Order{}, err
		}
		id, err := r.Fulfillment.SubmitOrder(ctx, recipientFor(evt.Shipping), lineItems(variant))
		if err != nil {
			err = fmt.Errorf("%w: %w", domain.ErrFulfillmentFailed, err)
			r.reopen(ctx, c, domain.ReasonFulfillmentFailed, nil, err)
			return domain.Order{}, err
		}
		providerOrderID = id
	}

	order := domain.NewFulfilledOrder(r.newID(), evt, providerOrderID, r.now())
	if err := r.Store.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, domain.ErrDuplicateSession) {
			if existing, lerr := r.Store.GetOrderBySessionID(ctx, c.SessionID); lerr == nil {
				return existing, nil
			}
		}
		err = fmt.Errorf("%w: provider order %s: %w", domain.ErrPersistenceFailed, providerOrderID, err)
		r.reopen(ctx, c, domain.ReasonPersistenceFailed, &providerOrderID, err)
		return domain.Order{}, err
	}
	return order, nil
}

// reopen records the latest failure and releases the claim.
func (r *Reconciler) reopen(ctx context.Context, c domain.ReconciliationCase, reason domain.CaseReason, providerOrderID *string, cause error) {
	c.Reason = reason
	c.ProviderOrderID = providerOrderID
	c.Error = cause.Error()
	if _, err := r.Store.OpenCase(context.WithoutCancel(ctx), c); err != nil {
		r.log(c, logging.LevelError, "case left claimed after failed retry", err)
	}
}

func (r *Reconciler) log(c domain.ReconciliationCase, level logging.Level, msg string, err error) {
	logging.Log(logging.Fields{
		Service:   r.Service,
		Level:     level,
		SessionID: c.SessionID,
		ItemID:    c.ItemID,
		CaseID:    c.ID,
		Step:      "retry",
		Status:    string(c.Reason),
		Message:   msg,
		Err:       err,
	})
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reconciler) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultRetryTimeout
}

func (r *Reconciler) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}
