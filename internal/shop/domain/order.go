package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

type OrderStatus string

const (
	OrderRecorded  OrderStatus = "RECORDED"
	OrderFulfilled OrderStatus = "FULFILLED"
	OrderFailed    OrderStatus = "FAILED"
)

type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type Order struct {
	ID              string      `json:"id"`
	SessionID       string      `json:"session_id"`
	PaymentRef      string      `json:"payment_ref,omitempty"`
	ItemID          string      `json:"item_id"`
	BuyerEmail      string      `json:"buyer_email"`
	Shipping        Address     `json:"shipping"`
	Size            string      `json:"size"`
	Status          OrderStatus `json:"status"`
	ProviderOrderID *string     `json:"provider_order_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// PaymentEvent is a verified payment confirmation for one item and size.
type PaymentEvent struct {
	SessionID  string  `json:"session_id"`
	ItemID     string  `json:"item_id"`
	Size       string  `json:"size"`
	BuyerEmail string  `json:"buyer_email"`
	Shipping   Address `json:"shipping"`
	PaymentRef string  `json:"payment_ref,omitempty"`
}

func (e PaymentEvent) Validate() error {
	var missing []string
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	check("session_id", e.SessionID)
	check("item_id", e.ItemID)
	check("size", e.Size)
	check("buyer_email", e.BuyerEmail)
	check("shipping.name", e.Shipping.Name)
	check("shipping.line1", e.Shipping.Line1)
	check("shipping.city", e.Shipping.City)
	check("shipping.postal_code", e.Shipping.PostalCode)
	check("shipping.country", e.Shipping.Country)
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEvent, strings.Join(missing, ", "))
	}
	if _, err := mail.ParseAddress(e.BuyerEmail); err != nil {
		return fmt.Errorf("%w: buyer_email: %v", ErrInvalidEvent, err)
	}
	return nil
}

// NewFulfilledOrder builds the order row written once fulfillment accepted
// the submission.
func NewFulfilledOrder(id string, evt PaymentEvent, providerOrderID string, now time.Time) Order {
	ref := providerOrderID
	return Order{
		ID:              id,
		SessionID:       evt.SessionID,
		PaymentRef:      evt.PaymentRef,
		ItemID:          evt.ItemID,
		BuyerEmail:      evt.BuyerEmail,
		Shipping:        evt.Shipping,
		Size:            evt.Size,
		Status:          OrderFulfilled,
		ProviderOrderID: &ref,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
