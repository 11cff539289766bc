package gateway

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
)

// checkoutSessionSchema covers the fields a completed checkout session must
// carry before it can become a purchase.
const checkoutSessionSchema = `{
  "type": "object",
  "required": ["id", "metadata", "customer_details", "shipping_details"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "payment_intent": {"type": ["string", "object", "null"]},
    "metadata": {
      "type": "object",
      "required": ["productId", "selectedSize"],
      "properties": {
        "productId": {"type": "string", "minLength": 1},
        "selectedSize": {"type": "string", "minLength": 1}
      }
    },
    "customer_details": {
      "type": "object",
      "required": ["email"],
      "properties": {
        "email": {"type": "string", "format": "email"}
      }
    },
    "shipping_details": {
      "type": "object",
      "required": ["name", "address"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "address": {
          "type": "object",
          "required": ["line1", "city", "postal_code", "country"],
          "properties": {
            "line1": {"type": "string", "minLength": 1},
            "line2": {"type": ["string", "null"]},
            "city": {"type": "string", "minLength": 1},
            "state": {"type": ["string", "null"]},
            "postal_code": {"type": "string", "minLength": 1},
            "country": {"type": "string", "minLength": 2}
          }
        }
      }
    }
  }
}`

var sessionSchema = gojsonschema.NewStringLoader(checkoutSessionSchema)

func compileSessionSchema() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(sessionSchema)
}

// validateSession returns domain.ErrInvalidEvent listing every violation.
func validateSession(schema *gojsonschema.Schema, raw []byte) error {
	res, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidEvent, strings.Join(msgs, "; "))
}
