package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridiculoid-net/onedropthreads-prod/pkg/outbox"
)

func TestNewClientSplitsBrokers(t *testing.T) {
	c := NewClient(" kafka-1:9092, ,kafka-2:9092 ")
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, c.Brokers)
	assert.True(t, c.Enabled())
	assert.False(t, NewClient("").Enabled())
}

func TestOutboxPublisherRejectsBoundWriter(t *testing.T) {
	w := NewClient("localhost:9092").NewWriter("shop.events")
	defer w.Close()
	err := OutboxPublisher(w)(context.Background(), outbox.Record{
		ID: 1, EventID: "e1", Topic: "shop.events", Key: "item-1", Payload: []byte(`{}`), CreatedAt: time.Now(),
	})
	require.Error(t, err)
}
