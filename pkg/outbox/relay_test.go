package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	records []Record
	sent    []int64
}

func (s *fakeStore) FetchPending(_ context.Context, limit int) ([]Record, error) {
	var out []Record
	for _, rec := range s.records {
		if rec.SentAt == nil && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkSent(_ context.Context, id int64) error {
	now := time.Now()
	for i := range s.records {
		if s.records[i].ID == id {
			s.records[i].SentAt = &now
		}
	}
	s.sent = append(s.sent, id)
	return nil
}

func TestRelayFlushPublishesInOrder(t *testing.T) {
	store := &fakeStore{records: []Record{
		{ID: 1, EventID: "e1", Topic: "shop.events"},
		{ID: 2, EventID: "e2", Topic: "shop.events"},
	}}
	var published []string
	relay := &Relay{Store: store, Publish: func(_ context.Context, rec Record) error {
		published = append(published, rec.EventID)
		return nil
	}}

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"e1", "e2"}, published)
	assert.Equal(t, []int64{1, 2}, store.sent)

	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayFlushStopsAtFirstFailure(t *testing.T) {
	store := &fakeStore{records: []Record{
		{ID: 1, EventID: "e1"},
		{ID: 2, EventID: "e2"},
		{ID: 3, EventID: "e3"},
	}}
	relay := &Relay{Store: store, Publish: func(_ context.Context, rec Record) error {
		if rec.ID == 2 {
			return errors.New("broker down")
		}
		return nil
	}}

	n, err := relay.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1}, store.sent)
}
