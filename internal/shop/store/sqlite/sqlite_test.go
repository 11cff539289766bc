package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/store"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/store/storetest"
)

var _ store.Store = (*Store)(nil)

func TestStore(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, DSN(filepath.Join(t.TempDir(), "shop.db")))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrations are re-runnable")

	storetest.Run(t, s)
}
