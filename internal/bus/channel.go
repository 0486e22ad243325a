package bus

import (
	"context"
	"sync"
)

// Broker is an in-process topic shared by channel producers and consumers.
// It stands in for Kafka in tests and single-process deployments: every
// produced message fans out to every attached consumer, the publisher's
// own included, which is exactly what self-origin filtering exists for.
type Broker struct {
	mu        sync.Mutex
	consumers []*ChannelConsumer
}

// NewBroker creates an empty in-process broker.
func NewBroker() *Broker {
	return &Broker{}
}

// attach registers a consumer for fan-out.
func (b *Broker) attach(c *ChannelConsumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers = append(b.consumers, c)
}

func (b *Broker) publish(msg ConsumerMessage) {
	b.mu.Lock()
	consumers := append([]*ChannelConsumer(nil), b.consumers...)
	b.mu.Unlock()
	for _, c := range consumers {
		c.deliver(msg)
	}
}

// ChannelProducer publishes into an in-process broker.
type ChannelProducer struct {
	broker *Broker
}

// NewChannelProducer creates a producer bound to the broker.
func NewChannelProducer(b *Broker) *ChannelProducer {
	return &ChannelProducer{broker: b}
}

// Produce fans the message out to all attached consumers.
func (p *ChannelProducer) Produce(_ context.Context, key string, value []byte) error {
	p.broker.publish(ConsumerMessage{Key: []byte(key), Value: value})
	return nil
}

// Close is a no-op.
func (p *ChannelProducer) Close() error { return nil }

// ChannelConsumer receives broker fan-out through a Go channel.
type ChannelConsumer struct {
	ch     chan ConsumerMessage
	mu     sync.Mutex
	closed bool
}

// NewChannelConsumer creates a consumer attached to the broker.
func NewChannelConsumer(b *Broker) *ChannelConsumer {
	c := &ChannelConsumer{ch: make(chan ConsumerMessage, 100)}
	b.attach(c)
	return c
}

// Start implements Consumer. Nothing to do: delivery is push-based.
func (c *ChannelConsumer) Start(context.Context) error { return nil }

// Messages returns the delivery channel.
func (c *ChannelConsumer) Messages() <-chan ConsumerMessage { return c.ch }

func (c *ChannelConsumer) deliver(msg ConsumerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- msg:
	default:
		// Slow consumer: drop rather than block the broker. The bus
		// offers no delivery guarantee; stragglers reconcile via
		// sync:request.
	}
}

// Close stops delivery and closes the channel.
func (c *ChannelConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.ch)
	return nil
}

// NewInProcessClient wires a bus client over an in-process broker.
func NewInProcessClient(instanceID string, b *Broker) *Client {
	return NewClient(instanceID, NewChannelProducer(b), NewChannelConsumer(b))
}
