package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotConnected is returned by Publish before Connect.
var ErrNotConnected = errors.New("bus: not connected")

// Producer writes raw envelope bytes to the events topic.
type Producer interface {
	Produce(ctx context.Context, key string, value []byte) error
	Close() error
}

// Consumer reads raw messages from the events topic.
type Consumer interface {
	// Start begins consuming. Safe to call once.
	Start(ctx context.Context) error
	// Messages returns the channel of raw messages. Closed when the
	// consumer stops.
	Messages() <-chan ConsumerMessage
	// Close stops the consumer.
	Close() error
}

// ConsumerMessage is one raw message off the topic.
type ConsumerMessage struct {
	Key   []byte
	Value []byte
}

// Handler processes one accepted envelope. Errors are logged, never
// propagated: one handler's failure must not starve the others.
type Handler func(ctx context.Context, env *Envelope) error

// AcceptFunc decides whether an inbound envelope is dispatched. Supplied
// explicitly so the self-origin rule is testable on its own.
type AcceptFunc func(env *Envelope) bool

// AcceptForeign returns the standard self-origin filter: an instance never
// reacts to its own published events.
func AcceptForeign(instanceID string) AcceptFunc {
	return func(env *Envelope) bool {
		return env.InstanceID != instanceID
	}
}

// Client is the per-process event bus endpoint: one producer, one
// consumer, a handler registry keyed by event type.
type Client struct {
	instanceID string
	producer   Producer
	consumer   Consumer
	accept     AcceptFunc
	pinger     func(ctx context.Context) error

	mu        sync.RWMutex
	handlers  map[string][]Handler
	connected bool
	stop      context.CancelFunc
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAccept overrides the inbound filter. The default is
// AcceptForeign(instanceID).
func WithAccept(f AcceptFunc) ClientOption {
	return func(c *Client) { c.accept = f }
}

// WithPinger sets the health-check probe.
func WithPinger(f func(ctx context.Context) error) ClientOption {
	return func(c *Client) { c.pinger = f }
}

// NewClient creates a bus client around a producer/consumer pair.
func NewClient(instanceID string, producer Producer, consumer Consumer, opts ...ClientOption) *Client {
	c := &Client{
		instanceID: instanceID,
		producer:   producer,
		consumer:   consumer,
		handlers:   make(map[string][]Handler),
	}
	c.accept = AcceptForeign(instanceID)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InstanceID returns the client's own bus identity.
func (c *Client) InstanceID() string { return c.instanceID }

// On registers a handler for an event type. Multiple handlers per type are
// allowed and all run.
func (c *Client) On(eventType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// Off removes every handler registered for an event type.
func (c *Client) Off(eventType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, eventType)
}

// Connect starts the consumer and the dispatch loop. ctx bounds the
// consumer startup only; the dispatch loop outlives it and runs until
// Close is called or the consumer channel closes.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = true
	dctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.mu.Unlock()

	if err := c.consumer.Start(ctx); err != nil {
		cancel()
		c.mu.Lock()
		c.connected = false
		c.stop = nil
		c.mu.Unlock()
		return fmt.Errorf("start bus consumer: %w", err)
	}
	go c.dispatchLoop(dctx)
	return nil
}

// Connected reports whether the dispatch loop is running.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.consumer.Messages():
			if !ok {
				c.mu.Lock()
				c.connected = false
				c.mu.Unlock()
				return
			}
			c.handleMessage(ctx, msg)
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, msg ConsumerMessage) {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		slog.Warn("Bus: unmarshal envelope", "error", err)
		return
	}
	if !c.accept(&env) {
		slog.Debug("Bus: dropped own event", "event_id", env.ID, "type", env.Type)
		return
	}

	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers[env.Type]...)
	c.mu.RUnlock()

	for _, h := range handlers {
		c.invoke(ctx, h, &env)
	}
}

// invoke runs one handler inside its own error boundary.
func (c *Client) invoke(ctx context.Context, h Handler, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Bus: handler panic", "type", env.Type, "event_id", env.ID, "panic", r)
		}
	}()
	if err := h(ctx, env); err != nil {
		slog.Warn("Bus: handler error", "type", env.Type, "event_id", env.ID, "error", err)
	}
}

// Publish sends one event. The payload is marshaled into the envelope.
func (c *Client) Publish(ctx context.Context, eventType, userID string, payload any) (*Envelope, error) {
	if !c.Connected() {
		return nil, ErrNotConnected
	}
	env, err := NewEnvelope(eventType, userID, c.instanceID, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if err := c.producer.Produce(ctx, userID, data); err != nil {
		return nil, fmt.Errorf("publish %s: %w", eventType, err)
	}
	return env, nil
}

// HealthCheck pings the bus control connection. Returns false instead of
// erroring.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if !c.Connected() {
		return false
	}
	if c.pinger == nil {
		return true
	}
	if err := c.pinger(ctx); err != nil {
		slog.Warn("Bus: health check failed", "error", err)
		return false
	}
	return true
}

// Close stops the producer and consumer.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	cerr := c.consumer.Close()
	perr := c.producer.Close()
	if cerr != nil {
		return cerr
	}
	return perr
}
