package finalizer

import (
	"errors"
	"time"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/fulfillment"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/logging"
)

type Outcome string

const (
	OutcomeFulfilled         Outcome = "fulfilled"
	OutcomeReplayed          Outcome = "replayed"
	OutcomeInvalidEvent      Outcome = "invalid_event"
	OutcomeItemUnavailable   Outcome = "item_unavailable"
	OutcomeInvalidVariant    Outcome = "invalid_variant"
	OutcomeFulfillmentFailed Outcome = "fulfillment_failed"
	OutcomePersistenceFailed Outcome = "persistence_failed"
	OutcomeStoreUnavailable  Outcome = "store_unavailable"
)

// OutcomeOf classifies a Finalize error. Unknown errors count as the store
// being unavailable since no side effect has been confirmed.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeFulfilled
	case errors.Is(err, domain.ErrInvalidEvent):
		return OutcomeInvalidEvent
	case errors.Is(err, domain.ErrItemUnavailable):
		return OutcomeItemUnavailable
	case errors.Is(err, domain.ErrInvalidVariant):
		return OutcomeInvalidVariant
	case errors.Is(err, domain.ErrFulfillmentFailed):
		return OutcomeFulfillmentFailed
	case errors.Is(err, domain.ErrPersistenceFailed):
		return OutcomePersistenceFailed
	default:
		return OutcomeStoreUnavailable
	}
}

func (o Outcome) level() logging.Level {
	switch o {
	case OutcomeFulfilled, OutcomeReplayed, OutcomeItemUnavailable:
		return logging.LevelInfo
	case OutcomeInvalidEvent, OutcomeStoreUnavailable:
		return logging.LevelWarn
	default:
		return logging.LevelError
	}
}

func (o Outcome) message() string {
	switch o {
	case OutcomeFulfilled:
		return "purchase fulfilled"
	case OutcomeReplayed:
		return "duplicate delivery, order already recorded"
	case OutcomeInvalidEvent:
		return "payment event rejected"
	case OutcomeItemUnavailable:
		return "item already sold"
	case OutcomeInvalidVariant:
		return "item sold with unknown size, needs reconciliation"
	case OutcomeFulfillmentFailed:
		return "fulfillment submission failed, needs reconciliation"
	case OutcomePersistenceFailed:
		return "order not recorded after fulfillment, needs reconciliation"
	default:
		return "store unavailable before lock"
	}
}

func newCase(evt domain.PaymentEvent, reason domain.CaseReason, providerOrderID *string, err error, at time.Time) domain.ReconciliationCase {
	return domain.ReconciliationCase{
		SessionID:       evt.SessionID,
		ItemID:          evt.ItemID,
		Reason:          reason,
		Event:           evt,
		ProviderOrderID: providerOrderID,
		Error:           err.Error(),
		CreatedAt:       at.UTC(),
	}
}

func recipientFor(a domain.Address) fulfillment.Recipient {
	return fulfillment.Recipient{
		Name:        a.Name,
		Address1:    a.Line1,
		Address2:    a.Line2,
		City:        a.City,
		StateCode:   a.Region,
		CountryCode: a.Country,
		Zip:         a.PostalCode,
	}
}

func lineItems(v domain.Variant) []fulfillment.LineItem {
	return []fulfillment.LineItem{{VariantID: v.ProviderVariantID, Quantity: 1}}
}
