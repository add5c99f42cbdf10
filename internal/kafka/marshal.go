package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/events"
	"github.com/segmentio/kafka-go"
)

const headerEventType = "event_type"

func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// EncodeEnvelope builds the kafka message for ev: topic from the event type,
// key from the correlation id and the type repeated as a header.
func EncodeEnvelope(ev events.Envelope) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", ev.EventType, err)
	}
	return kafka.Message{
		Topic:   events.TopicFor(ev.EventType),
		Key:     events.PartitionKey(ev.CorrelationID),
		Value:   b,
		Time:    ev.OccurredAt,
		Headers: []kafka.Header{{Key: headerEventType, Value: []byte(ev.EventType)}},
	}, nil
}

// DecodeEnvelope reads an envelope from m. A body that is not an envelope
// is a validation error so consumers can tell poison messages apart.
func DecodeEnvelope(m kafka.Message) (events.Envelope, error) {
	var ev events.Envelope
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return ev, apperr.Validation("decode envelope at %s/%d@%d: %v", m.Topic, m.Partition, m.Offset, err)
	}
	if ev.EventType == "" {
		for _, h := range m.Headers {
			if h.Key == headerEventType {
				ev.EventType = string(h.Value)
			}
		}
	}
	if ev.EventType == "" {
		return ev, apperr.Validation("envelope at %s/%d@%d has no event type", m.Topic, m.Partition, m.Offset)
	}
	return ev, nil
}
