package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	// readRetryMax bounds consecutive read failures before the consumer
	// gives up. Unbounded retry under a sustained outage leaks a
	// goroutine per process for the life of the outage.
	readRetryMax = 10
	readRetryCap = 30 * time.Second
)

// KafkaProducer writes envelopes to the events topic.
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer creates a producer for the given brokers and topic.
func NewKafkaProducer(brokers, topic string) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(strings.Split(brokers, ",")...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Produce sends one message keyed by userID so per-user events keep
// per-publisher order on a partition.
func (p *KafkaProducer) Produce(ctx context.Context, key string, value []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
}

// Close flushes and closes the writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads the events topic into a channel.
type KafkaConsumer struct {
	brokers       string
	consumerGroup string
	topic         string

	mu       sync.Mutex
	reader   *kafka.Reader
	messages chan ConsumerMessage
	started  bool
}

// NewKafkaConsumer creates a consumer for the events topic.
func NewKafkaConsumer(brokers, consumerGroup, topic string) *KafkaConsumer {
	return &KafkaConsumer{
		brokers:       brokers,
		consumerGroup: consumerGroup,
		topic:         topic,
		messages:      make(chan ConsumerMessage, 100),
	}
}

// Start begins the read loop. Read failures retry with capped exponential
// backoff up to readRetryMax consecutive attempts, then the consumer stops
// and closes its channel.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(c.brokers, ","),
		Topic:    c.topic,
		GroupID:  c.consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	c.started = true

	go func() {
		defer close(c.messages)
		failures := 0
		for {
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				if failures > readRetryMax {
					slog.Error("KafkaConsumer: giving up after repeated read failures",
						"topic", c.topic, "failures", failures-1, "error", err)
					return
				}
				delay := time.Duration(1<<uint(failures-1)) * time.Second
				if delay > readRetryCap {
					delay = readRetryCap
				}
				slog.Warn("KafkaConsumer: read error",
					"topic", c.topic, "attempt", failures, "retry_in", delay, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				continue
			}
			failures = 0
			c.messages <- ConsumerMessage{Key: msg.Key, Value: msg.Value}
		}
	}()
	return nil
}

// Messages returns the channel of consumed messages.
func (c *KafkaConsumer) Messages() <-chan ConsumerMessage {
	return c.messages
}

// Close stops the reader.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// NewKafkaClient wires a ready-to-connect bus client against Kafka. The
// health probe dials the first broker's control connection.
func NewKafkaClient(instanceID, brokers, consumerGroup, topic string) *Client {
	producer := NewKafkaProducer(brokers, topic)
	consumer := NewKafkaConsumer(brokers, consumerGroup, topic)
	first := strings.Split(brokers, ",")[0]
	pinger := func(ctx context.Context) error {
		conn, err := kafka.DialContext(ctx, "tcp", first)
		if err != nil {
			return fmt.Errorf("dial broker %s: %w", first, err)
		}
		return conn.Close()
	}
	return NewClient(instanceID, producer, consumer, WithPinger(pinger))
}
