// Package storetest holds behaviour checks every store backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/store"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/contracts"
)

// Run exercises s. Every subtest uses fresh ids so a shared database works.
func Run(t *testing.T, s store.Store) {
	t.Run("CreateAndGetItem", func(t *testing.T) { testCreateAndGetItem(t, s) })
	t.Run("TryMarkSoldOnce", func(t *testing.T) { testTryMarkSoldOnce(t, s) })
	t.Run("TryMarkSoldConcurrent", func(t *testing.T) { testTryMarkSoldConcurrent(t, s) })
	t.Run("TryMarkSoldUnknownItem", func(t *testing.T) { testTryMarkSoldUnknown(t, s) })
	t.Run("OrderUniquePerSession", func(t *testing.T) { testOrderUniquePerSession(t, s) })
	t.Run("SoldWithoutOrder", func(t *testing.T) { testSoldWithoutOrder(t, s) })
	t.Run("CaseLifecycle", func(t *testing.T) { testCaseLifecycle(t, s) })
	t.Run("OutboxEvents", func(t *testing.T) { testOutboxEvents(t, s) })
}

func NewItem(sizes ...string) domain.Item {
	if len(sizes) == 0 {
		sizes = []string{"S", "M", "L"}
	}
	variants := make([]domain.Variant, 0, len(sizes))
	for i, size := range sizes {
		variants = append(variants, domain.Variant{Size: size, ProviderVariantID: fmt.Sprintf("40%02d", 12+i)})
	}
	return domain.Item{
		ID:                "item-" + uuid.NewString(),
		Title:             "One-off tee",
		Description:       "hand drawn",
		ImageURL:          "https://img.example/tee.png",
		ProviderProductID: "71",
		Variants:          variants,
	}
}

func NewOrder(itemID string) domain.Order {
	now := time.Now().UTC().Truncate(time.Millisecond)
	evt := domain.PaymentEvent{
		SessionID:  "cs_" + uuid.NewString(),
		ItemID:     itemID,
		Size:       "M",
		BuyerEmail: "buyer@example.com",
		Shipping: domain.Address{
			Name: "Ada Buyer", Line1: "1 Main St", Line2: "Apt 2", City: "Springfield",
			Region: "IL", PostalCode: "62701", Country: "US",
		},
		PaymentRef: "pi_" + uuid.NewString(),
	}
	return domain.NewFulfilledOrder(uuid.NewString(), evt, "pf_1001", now)
}

func testCreateAndGetItem(t *testing.T, s store.Store) {
	ctx := context.Background()
	item := NewItem()

	created, err := s.CreateItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemAvailable, created.Status)
	assert.Equal(t, item.Variants, created.Variants)
	assert.Nil(t, created.SoldAt)

	again := item
	again.Title = "changed"
	existing, err := s.CreateItem(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, "One-off tee", existing.Title, "create is idempotent on id")

	got, err := s.GetItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)

	_, err = s.GetItemByID(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	available, err := s.ListAvailableItems(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids(available), item.ID)
}

func testTryMarkSoldOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	item, err := s.CreateItem(ctx, NewItem())
	require.NoError(t, err)

	ok, err := s.TryMarkSold(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryMarkSold(ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second lock must lose")

	got, err := s.GetItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemSold, got.Status)
	assert.NotNil(t, got.SoldAt)

	available, err := s.ListAvailableItems(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids(available), item.ID)
}

func testTryMarkSoldConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	item, err := s.CreateItem(ctx, NewItem())
	require.NoError(t, err)

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryMarkSold(ctx, item.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				wins++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, wins)
}

func testTryMarkSoldUnknown(t *testing.T, s store.Store) {
	ok, err := s.TryMarkSold(context.Background(), "missing-"+uuid.NewString())
	require.NoError(t, err)
	assert.False(t, ok)
}

func testOrderUniquePerSession(t *testing.T, s store.Store) {
	ctx := context.Background()
	item, err := s.CreateItem(ctx, NewItem())
	require.NoError(t, err)
	order := NewOrder(item.ID)

	require.NoError(t, s.CreateOrder(ctx, order))

	got, err := s.GetOrderBySessionID(ctx, order.SessionID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
	assert.Equal(t, order.Shipping, got.Shipping)
	assert.Equal(t, domain.OrderFulfilled, got.Status)
	require.NotNil(t, got.ProviderOrderID)
	assert.Equal(t, "pf_1001", *got.ProviderOrderID)

	dup := order
	dup.ID = uuid.NewString()
	err = s.CreateOrder(ctx, dup)
	assert.ErrorIs(t, err, domain.ErrDuplicateSession)

	_, err = s.GetOrderBySessionID(ctx, "cs_missing_"+uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	orders, err := s.ListOrders(ctx)
	require.NoError(t, err)
	count := 0
	for _, o := range orders {
		if o.SessionID == order.SessionID {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func testSoldWithoutOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	orphan, err := s.CreateItem(ctx, NewItem())
	require.NoError(t, err)
	sold, err := s.CreateItem(ctx, NewItem())
	require.NoError(t, err)

	for _, id := range []string{orphan.ID, sold.ID} {
		ok, err := s.TryMarkSold(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, s.CreateOrder(ctx, NewOrder(sold.ID)))

	gap, err := s.ListSoldWithoutOrder(ctx)
	require.NoError(t, err)
	assert.Contains(t, gap, orphan.ID)
	assert.NotContains(t, gap, sold.ID)
}

func testCaseLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	order := NewOrder("item-" + uuid.NewString())
	evt := domain.PaymentEvent{SessionID: order.SessionID, ItemID: order.ItemID, Size: "M", BuyerEmail: order.BuyerEmail, Shipping: order.Shipping}

	opened, err := s.OpenCase(ctx, domain.ReconciliationCase{
		SessionID: evt.SessionID,
		ItemID:    evt.ItemID,
		Reason:    domain.ReasonFulfillmentFailed,
		Event:     evt,
		Error:     "timeout",
	})
	require.NoError(t, err)
	require.NotEmpty(t, opened.ID)
	assert.Equal(t, evt, opened.Event)
	assert.Nil(t, opened.ProviderOrderID)

	provider := "pf_9"
	reopened, err := s.OpenCase(ctx, domain.ReconciliationCase{
		SessionID:       evt.SessionID,
		ItemID:          evt.ItemID,
		Reason:          domain.ReasonPersistenceFailed,
		Event:           evt,
		ProviderOrderID: &provider,
		Error:           "db down",
	})
	require.NoError(t, err)
	assert.Equal(t, opened.ID, reopened.ID, "one case per session")
	assert.Equal(t, domain.ReasonPersistenceFailed, reopened.Reason)
	require.NotNil(t, reopened.ProviderOrderID)
	assert.Equal(t, "pf_9", *reopened.ProviderOrderID)

	ok, err := s.TryClaimCase(ctx, opened.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.TryClaimCase(ctx, opened.ID)
	require.NoError(t, err)
	assert.False(t, ok, "claimed case cannot be claimed twice")

	open, err := s.ListOpenCases(ctx)
	require.NoError(t, err)
	assert.Contains(t, caseIDs(open), opened.ID)

	require.NoError(t, s.ResolveCase(ctx, opened.ID, time.Now()))
	got, err := s.GetCase(ctx, opened.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.NotNil(t, got.ResolvedAt)

	open, err = s.ListOpenCases(ctx)
	require.NoError(t, err)
	assert.NotContains(t, caseIDs(open), opened.ID)

	ok, err = s.TryClaimCase(ctx, opened.ID)
	require.NoError(t, err)
	assert.False(t, ok, "resolved case cannot be claimed")

	_, err = s.GetCase(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.ResolveCase(ctx, uuid.NewString(), time.Now()), domain.ErrNotFound)
}

func testOutboxEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	item, err := s.CreateItem(ctx, NewItem())
	require.NoError(t, err)
	order := NewOrder(item.ID)
	require.NoError(t, s.CreateOrder(ctx, order))

	var found *contracts.Event
	for attempt := 0; attempt < 100 && found == nil; attempt++ {
		recs, err := s.FetchPending(ctx, 100)
		require.NoError(t, err)
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			var evt contracts.Event
			require.NoError(t, json.Unmarshal(rec.Payload, &evt))
			if evt.OrderID == order.ID {
				assert.Equal(t, contracts.TopicShopEvents, rec.Topic)
				assert.Equal(t, item.ID, rec.Key)
				found = &evt
			}
			require.NoError(t, s.MarkSent(ctx, rec.ID))
		}
	}
	require.NotNil(t, found, "order.fulfilled must be enqueued with the order")
	assert.Equal(t, contracts.EventOrderFulfilled, found.Type)
}

func ids(items []domain.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func caseIDs(cases []domain.ReconciliationCase) []string {
	out := make([]string, 0, len(cases))
	for _, c := range cases {
		out = append(out, c.ID)
	}
	return out
}
