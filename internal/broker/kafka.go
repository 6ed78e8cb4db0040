package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
	"github.com/ramiqadoumi/taskpulse/internal/kafka"
)

// KafkaQueue publishes descriptors to a Kafka topic keyed by task id and
// stores cancel signals in Revocations.
type KafkaQueue struct {
	producer    kafka.Producer
	revocations Revocations
	topic       string
}

var _ Queue = (*KafkaQueue)(nil)

// NewKafkaQueue creates a Queue backed by producer.
func NewKafkaQueue(producer kafka.Producer, revocations Revocations, topic string) *KafkaQueue {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaQueue{producer: producer, revocations: revocations, topic: topic}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, d domain.Descriptor) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal descriptor %s: %w", d.TaskID, err)
	}
	return q.producer.Publish(ctx, q.topic, d.TaskID, payload,
		kafka.Header{Key: kafka.HeaderTaskName, Value: d.Name},
		kafka.Header{Key: kafka.HeaderContentType, Value: "application/json"},
	)
}

func (q *KafkaQueue) SignalCancel(ctx context.Context, taskID string) error {
	return q.revocations.Signal(ctx, taskID)
}

// KafkaSource consumes descriptors through a Kafka consumer group. Every
// worker process joins the same group, which makes them competing consumers.
type KafkaSource struct {
	consumer    kafka.Consumer
	revocations Revocations
	logger      *slog.Logger
}

var _ Source = (*KafkaSource)(nil)

// NewKafkaSource creates a Source backed by consumer.
func NewKafkaSource(consumer kafka.Consumer, revocations Revocations, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{consumer: consumer, revocations: revocations, logger: logger}
}

func (s *KafkaSource) Consume(ctx context.Context, h Handler) error {
	return s.consumer.Subscribe(ctx, func(msgCtx context.Context, msg kafka.Message) error {
		d, err := decodeDescriptor(msg.Value)
		if err != nil {
			// Redelivering a malformed message can never succeed.
			s.logger.Error("malformed descriptor, discarding",
				slog.String("error", err.Error()),
				slog.String("task_name", msg.Header(kafka.HeaderTaskName)),
				slog.Int64("offset", msg.Offset),
				slog.String("raw", string(msg.Value)),
			)
			return nil
		}
		return h(msgCtx, d)
	})
}

func (s *KafkaSource) Cancelled(ctx context.Context, taskID string) (bool, error) {
	return s.revocations.IsRevoked(ctx, taskID)
}

func decodeDescriptor(raw []byte) (domain.Descriptor, error) {
	var d domain.Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("unmarshal descriptor: %w", err)
	}
	if d.TaskID == "" || d.Name == "" {
		return d, fmt.Errorf("descriptor missing task_id or name")
	}
	return d, nil
}
