package eventbus

import (
	"context"

	"github.com/sarihammad/sagaflow/pkg/kafka"
)

// KafkaPublisher publishes events through the shared Kafka producer.
type KafkaPublisher struct {
	producer *kafka.Producer
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a Kafka-backed publisher
func NewKafkaPublisher(producer *kafka.Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

// Publish sends the event synchronously, keyed for per-aggregate ordering
func (p *KafkaPublisher) Publish(ctx context.Context, event *Event) error {
	msg := &kafka.Message{
		Topic:     event.Topic,
		Key:       []byte(event.Key),
		Value:     event.Value,
		Timestamp: event.Timestamp,
	}
	for k, v := range event.Headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return p.producer.Produce(ctx, msg)
}
