package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Message wraps a Kafka message with the fields services need.
type Message struct {
	Topic     string
	Partition int
	Key       []byte
	Value     []byte
	Offset    int64
	Headers   []kafka.Header
	Time      time.Time
}

// Header returns the value of the named header, or "".
func (m Message) Header(key string) string {
	return HeaderCarrier(m.Headers).Get(key)
}

// HandlerFunc processes a single Kafka message.
// Return nil to commit the offset. A non-nil error leaves the offset
// uncommitted and the same message is handed to the handler again.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from a Kafka topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type consumer struct {
	reader       *kafka.Reader
	logger       *slog.Logger
	retryBackoff time.Duration
}

// NewConsumer creates a Kafka consumer for the given topic. All consumers
// sharing groupID split the topic's partitions between them, so each message
// is handled by one member of the group.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10 MB
		MaxWait:        250 * time.Millisecond,
		CommitInterval: 0, // manual commit only
		StartOffset:    kafka.FirstOffset,
	})
	if logger == nil {
		logger = slog.Default()
	}
	return &consumer{reader: r, logger: logger, retryBackoff: time.Second}
}

// Subscribe reads messages in a loop until ctx is cancelled.
// Offsets are committed only after the handler returns nil (at-least-once).
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		msg := Message{
			Topic:     m.Topic,
			Partition: m.Partition,
			Key:       m.Key,
			Value:     m.Value,
			Offset:    m.Offset,
			Headers:   m.Headers,
			Time:      m.Time,
		}

		// Continue the producer's trace, if it injected one.
		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		if !c.handle(ctx, msgCtx, msg, handler) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// handle invokes handler until it succeeds. It returns false if ctx ends first.
func (c *consumer) handle(ctx, msgCtx context.Context, msg Message, handler HandlerFunc) bool {
	for {
		err := handler(msgCtx, msg)
		if err == nil {
			return true
		}
		c.logger.Error("message handler failed, redelivering",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.retryBackoff):
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
