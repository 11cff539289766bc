package finalizer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/fulfillment"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/finalizer"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/store/memory"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/store/storetest"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/metrics"
)

type fakeFulfillment struct {
	calls atomic.Int32
	err   error

	mu    sync.Mutex
	items []fulfillment.LineItem
	to    []fulfillment.Recipient
}

func (f *fakeFulfillment) SubmitOrder(_ context.Context, r fulfillment.Recipient, items []fulfillment.LineItem) (string, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.items = append(f.items, items...)
	f.to = append(f.to, r)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("pf_%d", n), nil
}

type caseLog struct {
	mu    sync.Mutex
	cases []domain.ReconciliationCase
}

func (l *caseLog) ReconciliationRequired(_ context.Context, c domain.ReconciliationCase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cases = append(l.cases, c)
}

func (l *caseLog) all() []domain.ReconciliationCase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ReconciliationCase(nil), l.cases...)
}

// flakyStore injects failures around a working memory store.
type flakyStore struct {
	*memory.Store
	lookupErr   error
	createErr   error
	hideLookups atomic.Int32
}

func (s *flakyStore) GetOrderBySessionID(ctx context.Context, sessionID string) (domain.Order, error) {
	if s.lookupErr != nil {
		return domain.Order{}, s.lookupErr
	}
	if s.hideLookups.Add(-1) >= 0 {
		return domain.Order{}, domain.ErrNotFound
	}
	return s.Store.GetOrderBySessionID(ctx, sessionID)
}

func (s *flakyStore) CreateOrder(ctx context.Context, o domain.Order) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.Store.CreateOrder(ctx, o)
}

type harness struct {
	store   *memory.Store
	client  *fakeFulfillment
	monitor *caseLog
	f       *finalizer.Finalizer
	item    domain.Item
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memory.New()
	item, err := st.CreateItem(context.Background(), storetest.NewItem("S", "M", "L"))
	require.NoError(t, err)
	h := &harness{store: st, client: &fakeFulfillment{}, monitor: &caseLog{}, item: item}
	h.f = finalizer.New(finalizer.Deps{Store: st, Fulfillment: h.client, Monitor: h.monitor})
	return h
}

func paymentEvent(session, itemID, size string) domain.PaymentEvent {
	return domain.PaymentEvent{
		SessionID:  session,
		ItemID:     itemID,
		Size:       size,
		BuyerEmail: "buyer@example.com",
		Shipping: domain.Address{
			Name: "Ada Buyer", Line1: "1 Main St", City: "Springfield",
			Region: "IL", PostalCode: "62701", Country: "US",
		},
		PaymentRef: "pi_" + session,
	}
}

func (h *harness) itemStatus(t *testing.T) domain.Item {
	t.Helper()
	it, err := h.store.GetItemByID(context.Background(), h.item.ID)
	require.NoError(t, err)
	return it
}

func (h *harness) ordersForItem(t *testing.T) []domain.Order {
	t.Helper()
	orders, err := h.store.ListOrders(context.Background())
	require.NoError(t, err)
	var out []domain.Order
	for _, o := range orders {
		if o.ItemID == h.item.ID {
			out = append(out, o)
		}
	}
	return out
}

func TestFinalizeFulfillsAvailableItem(t *testing.T) {
	h := newHarness(t)

	res, err := h.f.Finalize(context.Background(), paymentEvent("sess_1", h.item.ID, "M"))
	require.NoError(t, err)
	assert.Equal(t, finalizer.OutcomeFulfilled, res.Outcome)
	assert.Equal(t, domain.OrderFulfilled, res.Order.Status)
	assert.Equal(t, "sess_1", res.Order.SessionID)
	assert.Equal(t, "M", res.Order.Size)
	require.NotNil(t, res.Order.ProviderOrderID)
	assert.Equal(t, "pf_1", *res.Order.ProviderOrderID)

	assert.Equal(t, domain.ItemSold, h.itemStatus(t).Status)
	assert.EqualValues(t, 1, h.client.calls.Load())
	assert.Equal(t, []fulfillment.LineItem{{VariantID: "4013", Quantity: 1}}, h.client.items)
	assert.Equal(t, "62701", h.client.to[0].Zip)
	assert.Equal(t, "IL", h.client.to[0].StateCode)
	assert.Empty(t, h.monitor.all())
}

func TestFinalizeReplayReturnsSameOrder(t *testing.T) {
	h := newHarness(t)
	evt := paymentEvent("sess_1", h.item.ID, "M")

	first, err := h.f.Finalize(context.Background(), evt)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := h.f.Finalize(context.Background(), evt)
		require.NoError(t, err)
		assert.Equal(t, finalizer.OutcomeReplayed, again.Outcome)
		assert.Equal(t, first.Order.ID, again.Order.ID)
	}
	assert.EqualValues(t, 1, h.client.calls.Load())
	assert.Len(t, h.ordersForItem(t), 1)
}

func TestFinalizeSecondBuyerGetsItemUnavailable(t *testing.T) {
	h := newHarness(t)

	_, err := h.f.Finalize(context.Background(), paymentEvent("sess_1", h.item.ID, "M"))
	require.NoError(t, err)
	soldAt := h.itemStatus(t).SoldAt

	for i, size := range []string{"M", "S", "XL"} {
		_, err := h.f.Finalize(context.Background(), paymentEvent(fmt.Sprintf("sess_late_%d", i), h.item.ID, size))
		assert.ErrorIs(t, err, domain.ErrItemUnavailable)
	}

	item := h.itemStatus(t)
	assert.Equal(t, domain.ItemSold, item.Status)
	assert.Equal(t, soldAt, item.SoldAt, "a lost race never mutates the item")
	assert.Len(t, h.ordersForItem(t), 1)
	assert.EqualValues(t, 1, h.client.calls.Load())
	assert.Empty(t, h.monitor.all(), "contention is not a reconciliation case")
}

func TestFinalizeConcurrentBuyersOneWinner(t *testing.T) {
	h := newHarness(t)

	const n = 32
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		mu      sync.Mutex
		won     int
		lost    int
		unknown []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := h.f.Finalize(context.Background(), paymentEvent(fmt.Sprintf("sess_%d", i), h.item.ID, "M"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, domain.ErrItemUnavailable):
				lost++
			default:
				unknown = append(unknown, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Empty(t, unknown)
	assert.Equal(t, 1, won)
	assert.Equal(t, n-1, lost)
	assert.EqualValues(t, 1, h.client.calls.Load())
	assert.Len(t, h.ordersForItem(t), 1)
}

func TestFinalizeConcurrentDuplicateDeliveries(t *testing.T) {
	h := newHarness(t)
	evt := paymentEvent("sess_dup", h.item.ID, "M")

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.f.Finalize(context.Background(), evt)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrItemUnavailable)
		}
	}
	assert.EqualValues(t, 1, h.client.calls.Load())
	assert.Len(t, h.ordersForItem(t), 1)

	res, err := h.f.Finalize(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, finalizer.OutcomeReplayed, res.Outcome)
}

func TestFinalizeInvalidVariantKeepsItemSold(t *testing.T) {
	h := newHarness(t)

	_, err := h.f.Finalize(context.Background(), paymentEvent("sess_xl", h.item.ID, "XL"))
	require.ErrorIs(t, err, domain.ErrInvalidVariant)
	assert.Equal(t, finalizer.OutcomeInvalidVariant, finalizer.OutcomeOf(err))

	assert.Equal(t, domain.ItemSold, h.itemStatus(t).Status)
	assert.Empty(t, h.ordersForItem(t))
	assert.Zero(t, h.client.calls.Load())

	cases := h.monitor.all()
	require.Len(t, cases, 1)
	assert.Equal(t, domain.ReasonInvalidVariant, cases[0].Reason)
	assert.Equal(t, "XL", cases[0].Event.Size)
	assert.Nil(t, cases[0].ProviderOrderID)

	_, err = h.f.Finalize(context.Background(), paymentEvent("sess_m", h.item.ID, "M"))
	assert.ErrorIs(t, err, domain.ErrItemUnavailable, "lock happens before the variant check")
}

func TestFinalizeFulfillmentFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.client.err = errors.New("printful status 503")
	evt := paymentEvent("sess_1", h.item.ID, "M")

	_, err := h.f.Finalize(context.Background(), evt)
	require.ErrorIs(t, err, domain.ErrFulfillmentFailed)
	assert.Equal(t, domain.ItemSold, h.itemStatus(t).Status)
	assert.Empty(t, h.ordersForItem(t))

	cases := h.monitor.all()
	require.Len(t, cases, 1)
	assert.Equal(t, domain.ReasonFulfillmentFailed, cases[0].Reason)
	assert.Contains(t, cases[0].Error, "503")

	// The provider redelivers; the item is already locked.
	_, err = h.f.Finalize(context.Background(), evt)
	assert.ErrorIs(t, err, domain.ErrItemUnavailable)
	assert.EqualValues(t, 1, h.client.calls.Load())

	gap, err := h.store.ListSoldWithoutOrder(context.Background())
	require.NoError(t, err)
	assert.Contains(t, gap, h.item.ID)
}

func TestFinalizePersistenceFailureCarriesProviderOrder(t *testing.T) {
	st := memory.New()
	item, err := st.CreateItem(context.Background(), storetest.NewItem())
	require.NoError(t, err)
	flaky := &flakyStore{Store: st, createErr: errors.New("connection reset")}
	client := &fakeFulfillment{}
	monitor := &caseLog{}
	f := finalizer.New(finalizer.Deps{Store: flaky, Fulfillment: client, Monitor: monitor})

	_, err = f.Finalize(context.Background(), paymentEvent("sess_1", item.ID, "M"))
	require.ErrorIs(t, err, domain.ErrPersistenceFailed)
	assert.Contains(t, err.Error(), "pf_1")

	cases := monitor.all()
	require.Len(t, cases, 1)
	assert.Equal(t, domain.ReasonPersistenceFailed, cases[0].Reason)
	require.NotNil(t, cases[0].ProviderOrderID)
	assert.Equal(t, "pf_1", *cases[0].ProviderOrderID)

	gap, err := st.ListSoldWithoutOrder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{item.ID}, gap)
}

func TestFinalizeDuplicateSessionOnInsertIsReplay(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	item, err := st.CreateItem(ctx, storetest.NewItem())
	require.NoError(t, err)

	// A twin delivery recorded the session after our first lookup.
	twin := storetest.NewOrder("item-other")
	twin.SessionID = "sess_1"
	require.NoError(t, st.CreateOrder(ctx, twin))

	flaky := &flakyStore{Store: st}
	flaky.hideLookups.Store(1)
	monitor := &caseLog{}
	f := finalizer.New(finalizer.Deps{Store: flaky, Fulfillment: &fakeFulfillment{}, Monitor: monitor})

	res, err := f.Finalize(ctx, paymentEvent("sess_1", item.ID, "M"))
	require.NoError(t, err)
	assert.Equal(t, finalizer.OutcomeReplayed, res.Outcome)
	assert.Equal(t, twin.ID, res.Order.ID)
	assert.Empty(t, monitor.all())
}

func TestFinalizeStoreUnavailableBeforeLock(t *testing.T) {
	st := memory.New()
	item, err := st.CreateItem(context.Background(), storetest.NewItem())
	require.NoError(t, err)
	client := &fakeFulfillment{}
	f := finalizer.New(finalizer.Deps{Store: &flakyStore{Store: st, lookupErr: errors.New("dial tcp: refused")}, Fulfillment: client})

	_, err = f.Finalize(context.Background(), paymentEvent("sess_1", item.ID, "M"))
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, finalizer.OutcomeStoreUnavailable, finalizer.OutcomeOf(err))

	got, err := st.GetItemByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemAvailable, got.Status, "nothing changes before the lock")
	assert.Zero(t, client.calls.Load())
}

func TestFinalizeUnknownItem(t *testing.T) {
	h := newHarness(t)
	_, err := h.f.Finalize(context.Background(), paymentEvent("sess_1", "missing", "M"))
	assert.ErrorIs(t, err, domain.ErrItemUnavailable)
	assert.Zero(t, h.client.calls.Load())
}

func TestFinalizeRejectsIncompleteEvent(t *testing.T) {
	h := newHarness(t)
	evt := paymentEvent("sess_1", h.item.ID, "M")
	evt.Shipping.PostalCode = ""

	_, err := h.f.Finalize(context.Background(), evt)
	require.ErrorIs(t, err, domain.ErrInvalidEvent)
	assert.Equal(t, domain.ItemAvailable, h.itemStatus(t).Status)
}

func TestFinalizeStampsCasesWithInjectedClock(t *testing.T) {
	st := memory.New()
	item, err := st.CreateItem(context.Background(), storetest.NewItem("S", "M", "L"))
	require.NoError(t, err)
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	monitor := &caseLog{}
	f := finalizer.New(finalizer.Deps{
		Store:       st,
		Fulfillment: &fakeFulfillment{err: errors.New("printful status 502")},
		Monitor:     monitor,
		Now:         func() time.Time { return at },
	})

	_, err = f.Finalize(context.Background(), paymentEvent("sess_1", item.ID, "M"))
	require.ErrorIs(t, err, domain.ErrFulfillmentFailed)
	require.Len(t, monitor.cases, 1)
	assert.Equal(t, at, monitor.cases[0].CreatedAt)
}

func TestFinalizeRecordsOutcomeMetrics(t *testing.T) {
	st := memory.New()
	item, err := st.CreateItem(context.Background(), storetest.NewItem())
	require.NoError(t, err)
	m := metrics.NewFinalizerMetrics(prometheus.NewRegistry())
	f := finalizer.New(finalizer.Deps{Store: st, Fulfillment: &fakeFulfillment{}, Metrics: m})

	_, err = f.Finalize(context.Background(), paymentEvent("sess_1", item.ID, "M"))
	require.NoError(t, err)
	_, err = f.Finalize(context.Background(), paymentEvent("sess_1", item.ID, "M"))
	require.NoError(t, err)
	_, err = f.Finalize(context.Background(), paymentEvent("sess_2", item.ID, "M"))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("fulfilled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("replayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("item_unavailable")))
}
