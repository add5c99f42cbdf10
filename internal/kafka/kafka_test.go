package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/events"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func TestEventPublisherRoutesByType(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, 8, zerolog.Nop())
	p.Start(context.Background())
	pub := EventPublisher{P: p}

	ctx := context.Background()
	require.NoError(t, events.Emit(ctx, pub, events.EventOrderCreated, "test", "order-1",
		events.OrderCreatedPayload{OrderID: "order-1", OrderNumber: "ORD-20260301-0001"}))
	require.NoError(t, events.Emit(ctx, pub, events.EventPaymentExpired, "test", "order-1",
		events.PaymentPayload{PaymentID: "pay-1"}))
	p.Close()
	p.WaitClosed()

	require.Len(t, w.msgs, 2)
	assert.True(t, w.closed)
	assert.Equal(t, events.TopicOrderCreated, w.msgs[0].Topic)
	assert.Equal(t, events.TopicPaymentSuspicious, w.msgs[1].Topic)
	assert.Equal(t, "order-1", string(w.msgs[0].Key))

	ev, err := DecodeEnvelope(w.msgs[1])
	require.NoError(t, err)
	assert.Equal(t, events.EventPaymentExpired, ev.EventType)
	payload, err := events.Decode[events.PaymentPayload](ev)
	require.NoError(t, err)
	assert.Equal(t, "pay-1", payload.PaymentID)
}

func TestProducerFlushesOnCancel(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, 8, zerolog.Nop())
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Publish(context.Background(), kafka.Message{Topic: "t", Value: []byte("x")}))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Start(ctx)
	p.WaitClosed()
	assert.Len(t, w.msgs, 3)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope(kafka.Message{Topic: "live.chat.received", Value: []byte("{not json")})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = DecodeEnvelope(kafka.Message{Value: MustMarshal(map[string]string{"payload": "{}"})})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumerCommitsOnlyHandled(t *testing.T) {
	r := &fakeReader{}
	for i := int64(0); i < 6; i++ {
		r.queue = append(r.queue, kafka.Message{Offset: i})
	}
	c := newConsumer(r, 3, zerolog.Nop())
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	seen := 0
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			mu.Lock()
			seen++
			n := seen
			mu.Unlock()
			if n == 6 {
				cancel()
			}
			if m.Offset%2 == 1 {
				return errors.New("boom")
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.ElementsMatch(t, []int64{0, 2, 4}, r.committed)
}
