package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
)

type checkoutSession struct {
	ID            string          `json:"id"`
	PaymentIntent json.RawMessage `json:"payment_intent"`
	Metadata      struct {
		ProductID    string `json:"productId"`
		SelectedSize string `json:"selectedSize"`
	} `json:"metadata"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	ShippingDetails struct {
		Name    string `json:"name"`
		Address struct {
			Line1      string `json:"line1"`
			Line2      string `json:"line2"`
			City       string `json:"city"`
			State      string `json:"state"`
			PostalCode string `json:"postal_code"`
			Country    string `json:"country"`
		} `json:"address"`
	} `json:"shipping_details"`
}

func decodeSession(raw []byte) (domain.PaymentEvent, error) {
	var s checkoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	addr := s.ShippingDetails.Address
	return domain.PaymentEvent{
		SessionID:  s.ID,
		ItemID:     s.Metadata.ProductID,
		Size:       s.Metadata.SelectedSize,
		BuyerEmail: s.CustomerDetails.Email,
		Shipping: domain.Address{
			Name:       s.ShippingDetails.Name,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			Region:     addr.State,
			PostalCode: addr.PostalCode,
			Country:    strings.ToUpper(addr.Country),
		},
		PaymentRef: paymentRef(s.PaymentIntent),
	}, nil
}

// paymentRef accepts payment_intent as an id or as an expanded object.
func paymentRef(raw json.RawMessage) string {
	var id string
	if json.Unmarshal(raw, &id) == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.ID
	}
	return ""
}
