package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridiculoid-net/onedropthreads-prod/pkg/contracts"
)

type memInbox struct {
	mu       sync.Mutex
	saved    map[string]Notification
	failures int
}

func (m *memInbox) Save(_ context.Context, n Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return false, errors.New("db unavailable")
	}
	if m.saved == nil {
		m.saved = map[string]Notification{}
	}
	if _, ok := m.saved[n.EventID]; ok {
		return false, nil
	}
	m.saved[n.EventID] = n
	return true, nil
}

type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.msgs:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func message(t *testing.T, evt contracts.Event) kafka.Message {
	t.Helper()
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	return kafka.Message{Value: data}
}

func fulfilled(eventID string) contracts.Event {
	return contracts.Event{
		EventID: eventID,
		OrderID: "order-1",
		ItemID:  "item-1",
		Type:    contracts.EventOrderFulfilled,
		Payload: map[string]any{"buyer_email": "buyer@example.com", "size": "M", "provider_order_id": "pf_1", "ship_to": "Ada"},
	}
}

func TestRender(t *testing.T) {
	n, ok := Render(fulfilled("e1"))
	require.True(t, ok)
	assert.Equal(t, "buyer@example.com", n.Recipient)
	assert.Contains(t, n.Body, "pf_1")
	assert.Contains(t, n.Body, "size M")

	n, ok = Render(contracts.Event{
		EventID: "e2",
		ItemID:  "item-1",
		Type:    contracts.EventReconciliationRequired,
		Payload: map[string]any{"case_id": "c1", "reason": "FULFILLMENT_FAILED", "error": "timeout"},
	})
	require.True(t, ok)
	assert.Equal(t, OperatorRecipient, n.Recipient)
	assert.Contains(t, n.Subject, "FULFILLMENT_FAILED")

	_, ok = Render(contracts.Event{EventID: "e3", Type: "something.else"})
	assert.False(t, ok)

	missingEmail := fulfilled("e4")
	delete(missingEmail.Payload, "buyer_email")
	_, ok = Render(missingEmail)
	assert.False(t, ok)
}

func TestHandleDedupesByEventID(t *testing.T) {
	inbox := &memInbox{}
	c := &Consumer{Store: inbox}
	msg := message(t, fulfilled("e1"))

	require.NoError(t, c.Handle(context.Background(), msg))
	require.NoError(t, c.Handle(context.Background(), msg))
	assert.Len(t, inbox.saved, 1)

	require.NoError(t, c.Handle(context.Background(), kafka.Message{Value: []byte("not json")}))
	assert.Len(t, inbox.saved, 1)
}

func TestRunRetriesFailedMessageBeforeCommit(t *testing.T) {
	inbox := &memInbox{failures: 2}
	reader := &fakeReader{msgs: make(chan kafka.Message, 2)}
	reader.msgs <- message(t, fulfilled("e1"))
	reader.msgs <- message(t, fulfilled("e2"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- (&Consumer{Reader: reader, Store: inbox, Backoff: time.Millisecond}).Run(ctx)
	}()

	require.Eventually(t, func() bool { return reader.commits() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	assert.Contains(t, inbox.saved, "e1")
	assert.Contains(t, inbox.saved, "e2")
}
