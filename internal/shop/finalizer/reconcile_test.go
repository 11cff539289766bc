package finalizer_test

import (
	"context"
	"errors"
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

type recorded struct {
	store  *memory.Store
	client *fakeFulfillment
	f      *finalizer.Finalizer
	r      *finalizer.Reconciler
	item   domain.Item
}

func newRecorded(t *testing.T) *recorded {
	t.Helper()
	st := memory.New()
	item, err := st.CreateItem(context.Background(), storetest.NewItem("S", "M", "L"))
	require.NoError(t, err)
	client := &fakeFulfillment{}
	return &recorded{
		store:  st,
		client: client,
		item:   item,
		f: finalizer.New(finalizer.Deps{
			Store:       st,
			Fulfillment: client,
			Monitor:     &finalizer.CaseRecorder{Cases: st},
		}),
		r: &finalizer.Reconciler{Store: st, Fulfillment: client},
	}
}

func (rc *recorded) onlyCase(t *testing.T) domain.ReconciliationCase {
	t.Helper()
	open, err := rc.store.ListOpenCases(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	return open[0]
}

func TestCaseRecorderCountsAndPersists(t *testing.T) {
	st := memory.New()
	m := metrics.NewFinalizerMetrics(prometheus.NewRegistry())
	rec := &finalizer.CaseRecorder{Cases: st, Metrics: m}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.ReconciliationRequired(ctx, domain.ReconciliationCase{
		SessionID: "sess_1",
		ItemID:    "item-1",
		Reason:    domain.ReasonFulfillmentFailed,
		Event:     paymentEvent("sess_1", "item-1", "M"),
		Error:     "timeout",
	})

	open, err := st.ListOpenCases(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "sess_1", open[0].SessionID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconciliation.WithLabelValues(string(domain.ReasonFulfillmentFailed))))
}

func TestRetryFulfillmentFailedCase(t *testing.T) {
	rc := newRecorded(t)
	rc.client.err = errors.New("printful status 500")
	_, err := rc.f.Finalize(context.Background(), paymentEvent("sess_1", rc.item.ID, "M"))
	require.ErrorIs(t, err, domain.ErrFulfillmentFailed)
	c := rc.onlyCase(t)

	rc.client.err = nil
	order, err := rc.r.Retry(context.Background(), c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "sess_1", order.SessionID)
	require.NotNil(t, order.ProviderOrderID)
	assert.Equal(t, "pf_2", *order.ProviderOrderID)

	got, err := rc.store.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)

	gap, err := rc.store.ListSoldWithoutOrder(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gap)

	_, err = rc.r.Retry(context.Background(), c.ID, "")
	assert.ErrorIs(t, err, domain.ErrCaseResolved)
}

func TestRetryPersistenceFailedCaseReusesProviderOrder(t *testing.T) {
	rc := newRecorded(t)
	provider := "pf_77"
	opened, err := rc.store.OpenCase(context.Background(), domain.ReconciliationCase{
		SessionID:       "sess_1",
		ItemID:          rc.item.ID,
		Reason:          domain.ReasonPersistenceFailed,
		Event:           paymentEvent("sess_1", rc.item.ID, "M"),
		ProviderOrderID: &provider,
		Error:           "db down",
	})
	require.NoError(t, err)

	order, err := rc.r.Retry(context.Background(), opened.ID, "")
	require.NoError(t, err)
	require.NotNil(t, order.ProviderOrderID)
	assert.Equal(t, "pf_77", *order.ProviderOrderID)
	assert.Zero(t, rc.client.calls.Load(), "accepted orders are never resubmitted")
}

func TestRetryInvalidVariantNeedsSize(t *testing.T) {
	rc := newRecorded(t)
	_, err := rc.f.Finalize(context.Background(), paymentEvent("sess_1", rc.item.ID, "XL"))
	require.ErrorIs(t, err, domain.ErrInvalidVariant)
	c := rc.onlyCase(t)

	_, err = rc.r.Retry(context.Background(), c.ID, "")
	require.ErrorIs(t, err, domain.ErrInvalidVariant)
	again := rc.onlyCase(t)
	assert.False(t, again.Claimed, "failed retry releases the claim")

	order, err := rc.r.Retry(context.Background(), c.ID, "L")
	require.NoError(t, err)
	assert.Equal(t, "L", order.Size)
	assert.Equal(t, []string{"4014"}, variantIDs(rc.client))
}

func TestRetryClaimedCaseIsBusy(t *testing.T) {
	rc := newRecorded(t)
	opened, err := rc.store.OpenCase(context.Background(), domain.ReconciliationCase{
		SessionID: "sess_1",
		ItemID:    rc.item.ID,
		Reason:    domain.ReasonFulfillmentFailed,
		Event:     paymentEvent("sess_1", rc.item.ID, "M"),
	})
	require.NoError(t, err)
	ok, err := rc.store.TryClaimCase(context.Background(), opened.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = rc.r.Retry(context.Background(), opened.ID, "")
	assert.ErrorIs(t, err, domain.ErrCaseBusy)
	assert.Zero(t, rc.client.calls.Load())
}

func TestRetryResolvesWhenOrderAlreadyExists(t *testing.T) {
	rc := newRecorded(t)
	ctx := context.Background()
	existing := storetest.NewOrder(rc.item.ID)
	require.NoError(t, rc.store.CreateOrder(ctx, existing))
	opened, err := rc.store.OpenCase(ctx, domain.ReconciliationCase{
		SessionID: existing.SessionID,
		ItemID:    rc.item.ID,
		Reason:    domain.ReasonPersistenceFailed,
		Event:     paymentEvent(existing.SessionID, rc.item.ID, "M"),
	})
	require.NoError(t, err)

	order, err := rc.r.Retry(ctx, opened.ID, "")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, order.ID)
	assert.Zero(t, rc.client.calls.Load())

	got, err := rc.store.GetCase(ctx, opened.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
}

// unresolvable fails ResolveCase while failures is positive.
type unresolvable struct {
	*memory.Store
	failures atomic.Int32
}

func (s *unresolvable) ResolveCase(ctx context.Context, id string, at time.Time) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return s.Store.ResolveCase(ctx, id, at)
}

func TestRetryAfterFailedResolveSettlesCase(t *testing.T) {
	rc := newRecorded(t)
	ctx := context.Background()
	rc.client.err = errors.New("printful status 500")
	_, err := rc.f.Finalize(ctx, paymentEvent("sess_1", rc.item.ID, "M"))
	require.ErrorIs(t, err, domain.ErrFulfillmentFailed)
	c := rc.onlyCase(t)
	rc.client.err = nil

	st := &unresolvable{Store: rc.store}
	st.failures.Store(1)
	r := &finalizer.Reconciler{Store: st, Fulfillment: rc.client}

	first, err := r.Retry(ctx, c.ID, "")
	require.NoError(t, err)
	stuck, err := rc.store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	require.False(t, stuck.Resolved)

	second, err := r.Retry(ctx, c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(2), rc.client.calls.Load(), "the recorded order is not resubmitted")

	got, err := rc.store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.False(t, got.Claimed)
}

// ctxPartner fails like an HTTP client would once its context is done.
type ctxPartner struct {
	calls atomic.Int32
}

func (p *ctxPartner) SubmitOrder(ctx context.Context, _ fulfillment.Recipient, _ []fulfillment.LineItem) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.calls.Add(1)
	return "pf_ctx", nil
}

func TestRetrySurvivesOperatorDisconnect(t *testing.T) {
	rc := newRecorded(t)
	opened, err := rc.store.OpenCase(context.Background(), domain.ReconciliationCase{
		SessionID: "sess_1",
		ItemID:    rc.item.ID,
		Reason:    domain.ReasonFulfillmentFailed,
		Event:     paymentEvent("sess_1", rc.item.ID, "M"),
	})
	require.NoError(t, err)

	partner := &ctxPartner{}
	r := &finalizer.Reconciler{Store: rc.store, Fulfillment: partner}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	order, err := r.Retry(ctx, opened.ID, "")
	require.NoError(t, err)
	require.NotNil(t, order.ProviderOrderID)
	assert.Equal(t, "pf_ctx", *order.ProviderOrderID)
	assert.Equal(t, int32(1), partner.calls.Load())

	got, err := rc.store.GetCase(context.Background(), opened.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
}

func TestRetryKeepsAcceptedSize(t *testing.T) {
	rc := newRecorded(t)
	ctx := context.Background()
	provider := "pf_77"
	opened, err := rc.store.OpenCase(ctx, domain.ReconciliationCase{
		SessionID:       "sess_1",
		ItemID:          rc.item.ID,
		Reason:          domain.ReasonPersistenceFailed,
		Event:           paymentEvent("sess_1", rc.item.ID, "M"),
		ProviderOrderID: &provider,
	})
	require.NoError(t, err)

	_, err = rc.r.Retry(ctx, opened.ID, "L")
	require.ErrorIs(t, err, domain.ErrInvalidVariant)
	c := rc.onlyCase(t)
	assert.False(t, c.Claimed)
	_, err = rc.store.GetOrderBySessionID(ctx, "sess_1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	order, err := rc.r.Retry(ctx, opened.ID, "M")
	require.NoError(t, err)
	assert.Equal(t, "M", order.Size)
	assert.Equal(t, "pf_77", *order.ProviderOrderID)
	assert.Zero(t, rc.client.calls.Load())
}

func TestRetryUnknownCase(t *testing.T) {
	rc := newRecorded(t)
	_, err := rc.r.Retry(context.Background(), "nope", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWatchGapSetsGauge(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	item, err := st.CreateItem(ctx, storetest.NewItem())
	require.NoError(t, err)
	ok, err := st.TryMarkSold(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, ok)
	m := metrics.NewFinalizerMetrics(prometheus.NewRegistry())

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		finalizer.WatchGap(watchCtx, st, m, time.Hour, "test")
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SoldWithoutOrder) == 1
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func variantIDs(f *fakeFulfillment) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.items))
	for _, it := range f.items {
		out = append(out, it.VariantID)
	}
	return out
}
