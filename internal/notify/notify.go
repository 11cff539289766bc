// Package notify turns shop events into buyer and operator notifications.
// Delivery is at-least-once from the broker; the inbox makes it
// effectively-once per event id.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ridiculoid-net/onedropthreads-prod/pkg/contracts"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/logging"
)

const OperatorRecipient = "operators"

type Notification struct {
	EventID   string
	Type      string
	Recipient string
	Subject   string
	Body      string
	OrderID   string
	ItemID    string
	CreatedAt time.Time
}

// Store saves a notification at most once per event id and reports whether
// this call was the first.
type Store interface {
	Save(ctx context.Context, n Notification) (bool, error)
}

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Render builds the notification for evt. Events nobody needs to hear
// about return ok=false.
func Render(evt contracts.Event) (Notification, bool) {
	n := Notification{
		EventID:   evt.EventID,
		Type:      evt.Type,
		OrderID:   evt.OrderID,
		ItemID:    evt.ItemID,
		CreatedAt: evt.CreatedAt,
	}
	switch evt.Type {
	case contracts.EventOrderFulfilled:
		n.Recipient = str(evt.Payload, "buyer_email")
		n.Subject = "Your one-off piece is being made"
		n.Body = fmt.Sprintf("Hi %s, your order %s (size %s) has been sent to production. Partner reference %s.",
			str(evt.Payload, "ship_to"), evt.OrderID, str(evt.Payload, "size"), str(evt.Payload, "provider_order_id"))
	case contracts.EventReconciliationRequired:
		n.Recipient = OperatorRecipient
		n.Subject = "Reconciliation required: " + str(evt.Payload, "reason")
		n.Body = fmt.Sprintf("Item %s was sold for session %s without an order. Case %s: %s",
			evt.ItemID, evt.SessionID, str(evt.Payload, "case_id"), str(evt.Payload, "error"))
	case contracts.EventReconciliationResolved:
		n.Recipient = OperatorRecipient
		n.Subject = "Reconciliation resolved"
		n.Body = fmt.Sprintf("Case %s for item %s is resolved.", str(evt.Payload, "case_id"), evt.ItemID)
	default:
		return Notification{}, false
	}
	if n.Recipient == "" {
		return Notification{}, false
	}
	return n, true
}

type Consumer struct {
	Reader  MessageReader
	Store   Store
	Service string
	// Backoff is the pause after a broker or store error.
	Backoff time.Duration
}

// Run consumes until ctx is done. An offset is committed only after the
// notification is stored, so a crash redelivers and the inbox absorbs it.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Log(logging.Fields{Service: c.Service, Level: logging.LevelWarn, Step: "consume", Message: "kafka read error", Err: err})
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			continue
		}

		// The reader does not rewind, so a failed message is retried in place.
		for {
			err := c.Handle(ctx, msg)
			if err == nil {
				break
			}
			logging.Log(logging.Fields{Service: c.Service, Level: logging.LevelError, Step: "consume", Message: "notification save error", Err: err})
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
		}
		if err := c.Reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logging.Log(logging.Fields{Service: c.Service, Level: logging.LevelWarn, Step: "commit", Message: "offset commit failed", Err: err})
		}
	}
}

// Handle stores the notification for one message. Undecodable messages are
// logged and skipped rather than blocking the partition.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	var evt contracts.Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		logging.Log(logging.Fields{Service: c.Service, Level: logging.LevelWarn, Step: "decode", Message: "event decode error", Err: err})
		return nil
	}
	if evt.EventID == "" {
		return nil
	}
	n, ok := Render(evt)
	if !ok {
		return nil
	}
	first, err := c.Store.Save(ctx, n)
	if err != nil {
		return err
	}
	status := "emitted"
	if !first {
		status = "duplicate"
	}
	logging.Log(logging.Fields{
		Service: c.Service,
		Level:   logging.LevelInfo,
		EventID: evt.EventID,
		OrderID: evt.OrderID,
		ItemID:  evt.ItemID,
		Step:    evt.Type,
		Status:  status,
		Message: n.Subject,
	})
	return nil
}

func str(m map[string]any, k string) string {
	v, _ := m[k].(string)
	return v
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
