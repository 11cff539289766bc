package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/ridiculoid-net/onedropthreads-prod/pkg/contracts"
)

type CaseReason string

const (
	ReasonInvalidVariant    CaseReason = "INVALID_VARIANT"
	ReasonFulfillmentFailed CaseReason = "FULFILLMENT_FAILED"
	ReasonPersistenceFailed CaseReason = "PERSISTENCE_FAILED"
)

// ReconciliationCase records an item left SOLD without an order. One case
// per payment session; reopening the same session updates it in place.
type ReconciliationCase struct {
	ID              string       `json:"id"`
	SessionID       string       `json:"session_id"`
	ItemID          string       `json:"item_id"`
	Reason          CaseReason   `json:"reason"`
	Event           PaymentEvent `json:"event"`
	ProviderOrderID *string      `json:"provider_order_id,omitempty"`
	Error           string       `json:"error"`
	Claimed         bool         `json:"claimed"`
	Resolved        bool         `json:"resolved"`
	CreatedAt       time.Time    `json:"created_at"`
	ResolvedAt      *time.Time   `json:"resolved_at,omitempty"`
}

func OrderFulfilledEvent(o Order) contracts.Event {
	provider := ""
	if o.ProviderOrderID != nil {
		provider = *o.ProviderOrderID
	}
	return contracts.Event{
		EventID:   uuid.NewString(),
		SessionID: o.SessionID,
		ItemID:    o.ItemID,
		OrderID:   o.ID,
		CreatedAt: o.CreatedAt.UTC(),
		Type:      contracts.EventOrderFulfilled,
		Payload: map[string]any{
			"buyer_email":       o.BuyerEmail,
			"size":              o.Size,
			"provider_order_id": provider,
			"ship_to":           o.Shipping.Name,
		},
	}
}

func CaseEvent(c ReconciliationCase, eventType string, at time.Time) contracts.Event {
	return contracts.Event{
		EventID:   uuid.NewString(),
		SessionID: c.SessionID,
		ItemID:    c.ItemID,
		CreatedAt: at.UTC(),
		Type:      eventType,
		Payload: map[string]any{
			"case_id": c.ID,
			"reason":  string(c.Reason),
			"error":   c.Error,
		},
	}
}
