package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/store"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/store/storetest"
)

var _ store.Store = (*Store)(nil)

// Runs against a real database when TEST_DATABASE_URL is set.
func TestStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))

	storetest.Run(t, s)
}
