package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// EnvelopeVersion is the schema version of published envelopes.
const EnvelopeVersion = 1

// Envelope is the message published to Kafka for each event.
type Envelope struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	UserID       string    `json:"user_id"`
	Timestamp    time.Time `json:"timestamp"`
	Payload      Payload   `json:"payload,omitempty"`
}

// NewEnvelope stamps a new event with a random ID.
func NewEnvelope(userID, eventType string, payload Payload, now time.Time) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, fmt.Errorf("event_type is required")
	}
	return Envelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: EnvelopeVersion,
		UserID:       userID,
		Timestamp:    now.UTC(),
		Payload:      payload,
	}, nil
}

// KafkaNotifier publishes envelopes keyed by user so one user's events
// stay ordered within a partition.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	now      func() time.Time
}

// NewKafkaNotifier dials brokers and returns a notifier that publishes to
// topic.
func NewKafkaNotifier(brokers []string, topic, clientID string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaNotifierWithProducer(producer, topic), nil
}

// NewKafkaNotifierWithProducer wraps an existing producer.
func NewKafkaNotifierWithProducer(producer sarama.SyncProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic, now: time.Now}
}

// Send implements Notifier.
func (k *KafkaNotifier) Send(ctx context.Context, userID, eventType string, payload Payload) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	env, err := NewEnvelope(userID, eventType, payload, k.now())
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(userID),
		Value: sarama.ByteEncoder(body),
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	return nil
}

// Close closes the underlying producer.
func (k *KafkaNotifier) Close() error {
	if k.producer == nil {
		return nil
	}
	return k.producer.Close()
}
