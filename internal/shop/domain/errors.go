package domain

import "errors"

// Finalization failures. Each one maps to a distinct gateway response.
var (
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvalidEvent      = errors.New("invalid payment event")
	ErrItemUnavailable   = errors.New("item unavailable")
	ErrInvalidVariant    = errors.New("invalid variant")
	ErrFulfillmentFailed = errors.New("fulfillment submission failed")
	ErrPersistenceFailed = errors.New("order persistence failed")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// Store-level conditions.
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateSession = errors.New("order already exists for session")
	ErrInvalidItem      = errors.New("invalid item")
)

// Reconciliation conditions.
var (
	ErrCaseResolved = errors.New("reconciliation case already resolved")
	ErrCaseBusy     = errors.New("reconciliation case is being retried")
)
