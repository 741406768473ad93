package events

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/quickcart/internal/domain/order"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testEvent() order.Event {
	return order.Event{
		ID:           "evt-1",
		OrderID:      "order-1",
		CustomerName: "Tushar",
		Status:       order.StatusConfirmed,
		At:           time.Date(2025, 6, 15, 12, 0, 5, 0, time.UTC),
	}
}

func TestPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, nil)

	require.NoError(t, p.Publish(context.Background(), testEvent()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "order-1", string(msg.Key))
	assert.JSONEq(t, `{
		"event_id": "evt-1",
		"order_id": "order-1",
		"customer_name": "Tushar",
		"status": "confirmed",
		"at": "2025-06-15T12:00:05Z"
	}`, string(msg.Value))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewPublisher(w, nil)

	err := p.Publish(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order-1")
	assert.Contains(t, err.Error(), "broker down")
}

func TestDecode(t *testing.T) {
	ev, err := Decode(Encode(testEvent()))
	require.NoError(t, err)
	assert.Equal(t, testEvent(), ev)

	ev, err = Decode([]byte(`{"order_id":"o","extra":[1,2],"status":"received"}`))
	require.NoError(t, err)
	assert.Equal(t, "o", ev.OrderID)
	assert.Equal(t, order.StatusReceived, ev.Status)

	_, err = Decode([]byte(`{"at":"yesterday"}`))
	require.Error(t, err)
	_, err = Decode([]byte(`[`))
	require.Error(t, err)
}

func TestConfig(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, ,b:9092 "))
	assert.Nil(t, ParseBrokers(""))
	assert.False(t, Config{}.Enabled())

	w := NewWriter(Config{Brokers: []string{"localhost:9092"}})
	assert.Equal(t, DefaultTopic, w.Topic)
}
