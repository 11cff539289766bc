package adminclient_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/fulfillment"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/adminclient"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/finalizer"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/httpapi"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/store/memory"
)

type stubPartner struct{}

func (stubPartner) SubmitOrder(context.Context, fulfillment.Recipient, []fulfillment.LineItem) (string, error) {
	return "pf_console", nil
}

func TestClientAgainstServer(t *testing.T) {
	st := memory.New()
	api := &httpapi.Server{
		Store:    st,
		Webhook:  http.NotFoundHandler(),
		Retrier:  &finalizer.Reconciler{Store: st, Fulfillment: stubPartner{}},
		AdminKey: "k",
	}
	srv := httptest.NewServer(api.Router())
	defer srv.Close()
	ctx := context.Background()
	c := adminclient.New(srv.URL+"/", "k")

	item, err := c.CreateItem(ctx, domain.Item{
		Title:             "Tee",
		ProviderProductID: "71",
		Variants:          []domain.Variant{{Size: "M", ProviderVariantID: "4013"}},
	}, "drop-1")
	require.NoError(t, err)
	again, err := c.CreateItem(ctx, domain.Item{
		Title:             "Tee",
		ProviderProductID: "71",
		Variants:          []domain.Variant{{Size: "M", ProviderVariantID: "4013"}},
	}, "drop-1")
	require.NoError(t, err)
	assert.Equal(t, item.ID, again.ID)

	ok, err := st.TryMarkSold(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, ok)
	opened, err := st.OpenCase(ctx, domain.ReconciliationCase{
		SessionID: "cs_1",
		ItemID:    item.ID,
		Reason:    domain.ReasonInvalidVariant,
		Event: domain.PaymentEvent{
			SessionID: "cs_1", ItemID: item.ID, Size: "XL", BuyerEmail: "b@example.com",
			Shipping: domain.Address{Name: "B", Line1: "1 St", City: "C", PostalCode: "1", Country: "US"},
		},
	})
	require.NoError(t, err)

	rec, err := c.Reconciliation(ctx)
	require.NoError(t, err)
	require.Len(t, rec.Cases, 1)
	assert.Equal(t, []string{item.ID}, rec.SoldWithoutOrder)

	_, err = c.Retry(ctx, opened.ID, "")
	var se *adminclient.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnprocessableEntity, se.Code)

	order, err := c.Retry(ctx, opened.ID, "M")
	require.NoError(t, err)
	assert.Equal(t, "M", order.Size)

	orders, err := c.Orders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	_, err = adminclient.New(srv.URL, "wrong").Orders(ctx)
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}
