// Package store defines the persistence contract shared by the Postgres,
// SQLite and in-memory backends.
//
// TryMarkSold is the only mutation of an item's status and must be a single
// atomic conditional update visible to every concurrent caller, across
// process instances. Backends report a lost race as (false, nil).
package store

import (
	"context"
	"time"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/outbox"
)

type Catalog interface {
	ListAvailableItems(ctx context.Context) ([]domain.Item, error)
	// GetItemByID returns domain.ErrNotFound for unknown ids.
	GetItemByID(ctx context.Context, id string) (domain.Item, error)
	TryMarkSold(ctx context.Context, id string) (bool, error)
	// CreateItem is idempotent on id: an existing row is returned unchanged.
	CreateItem(ctx context.Context, item domain.Item) (domain.Item, error)
	// ListSoldWithoutOrder returns ids of SOLD items with no order row.
	ListSoldWithoutOrder(ctx context.Context) ([]string, error)
}

type Orders interface {
	// GetOrderBySessionID returns domain.ErrNotFound when no order exists.
	GetOrderBySessionID(ctx context.Context, sessionID string) (domain.Order, error)
	// CreateOrder returns domain.ErrDuplicateSession when the session
	// already has an order. It also enqueues an order.fulfilled event.
	CreateOrder(ctx context.Context, order domain.Order) error
	ListOrders(ctx context.Context) ([]domain.Order, error)
}

type Cases interface {
	// OpenCase upserts by session id and releases any claim.
	OpenCase(ctx context.Context, c domain.ReconciliationCase) (domain.ReconciliationCase, error)
	GetCase(ctx context.Context, id string) (domain.ReconciliationCase, error)
	ListOpenCases(ctx context.Context) ([]domain.ReconciliationCase, error)
	// TryClaimCase marks an unresolved, unclaimed case as claimed.
	TryClaimCase(ctx context.Context, id string) (bool, error)
	ResolveCase(ctx context.Context, id string, at time.Time) error
}

type Store interface {
	Catalog
	Orders
	Cases
	outbox.Store
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}
