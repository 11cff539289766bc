package contracts

import "time"

type Event struct {
	EventID   string         `json:"event_id"`
	SessionID string         `json:"session_id,omitempty"`
	ItemID    string         `json:"item_id,omitempty"`
	OrderID   string         `json:"order_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

const TopicShopEvents = "shop.events"

const (
	EventOrderFulfilled         = "order.fulfilled"
	EventReconciliationRequired = "reconciliation.required"
	EventReconciliationResolved = "reconciliation.resolved"
)
