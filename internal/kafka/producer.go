package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Producer publishes messages to a Kafka topic.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers ...Header) error
	Close() error
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer creates a Kafka producer connected to the given brokers.
func NewProducer(brokers []string) Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{}, // route by key → deterministic partition
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &producer{writer: w}
}

// Publish writes one message. headers are sent alongside the trace context
// of ctx.
func (p *producer) Publish(ctx context.Context, topic, key string, value []byte, headers ...Header) error {
	carrier := newCarrier(headers)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header(carrier),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}

// DefaultPartitions is used by EnsureTopic when no partition count is given.
const DefaultPartitions = 8

// EnsureTopic creates topic on the cluster controller if it does not exist.
// partitions below one selects DefaultPartitions.
func EnsureTopic(ctx context.Context, brokers []string, topic string, partitions int) error {
	if partitions < 1 {
		partitions = DefaultPartitions
	}
	if len(brokers) == 0 {
		return errors.New("kafka ensure topic: no brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("kafka dial %s: %w", brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller: %w", err)
	}
	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka dial controller: %w", err)
	}
	defer ctrlConn.Close()

	err = ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka create topic %s: %w", topic, err)
	}
	return nil
}
