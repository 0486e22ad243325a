package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Send while disconnected.
var ErrNotConnected = errors.New("transport: client not connected")

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

const maxReconnectAttempts = 10

// Backoff returns the reconnect delay for the given attempt (1-based):
// min(1000*2^attempt, 30000) milliseconds.
func Backoff(attempt int) time.Duration {
	ms := 1000 * (1 << uint(attempt))
	if ms > 30000 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}

// MessageHandler processes one inbound transport message.
type MessageHandler func(msg *Message)

// Client dials a hub, dispatches inbound messages by type, and reconnects
// with capped exponential backoff on unexpected close.
type Client struct {
	url        string
	userID     string
	instanceID string
	dialer     *websocket.Dialer

	mu       sync.RWMutex
	conn     *websocket.Conn
	state    string
	attempts int
	gaveUp   bool
	handlers map[string][]MessageHandler

	// sleeper exists so tests can collapse backoff waits.
	sleeper func(d time.Duration) <-chan time.Time

	writeMu sync.Mutex
}

// NewClient creates a transport client for the given hub URL. userID and
// instanceID are sent in the identify message after each connect.
func NewClient(url, userID, instanceID string) *Client {
	return &Client{
		url:        url,
		userID:     userID,
		instanceID: instanceID,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:      StateDisconnected,
		handlers:   make(map[string][]MessageHandler),
		sleeper:    time.After,
	}
}

// On registers a handler for a message type.
func (c *Client) On(msgType string, h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], h)
}

// State returns the connection state.
func (c *Client) State() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect dials the hub. An explicit call resets the reconnect budget.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.attempts = 0
	c.gaveUp = false
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()

	// Identify ourselves so the hub can route per-user broadcasts.
	identify, err := NewMessage(MsgConnect, c.userID, c.instanceID,
		ConnectPayload{UserID: c.userID, InstanceID: c.instanceID})
	if err == nil {
		err = c.Send(identify)
	}
	if err != nil {
		slog.Warn("Transport client: identify failed", "error", err)
	}

	go c.readLoop(ctx, conn)
	slog.Info("Transport client: connected", "url", c.url)
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			intentional := c.state == StateDisconnected
			if !intentional {
				c.state = StateDisconnected
				c.conn = nil
			}
			c.mu.Unlock()
			if !intentional && ctx.Err() == nil {
				slog.Info("Transport client: connection lost", "error", err)
				go c.reconnect(ctx)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Transport client: bad message", "error", err)
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *Message) {
	if msg.Type == MsgPing {
		if pong, err := NewMessage(MsgPong, c.userID, c.instanceID, nil); err == nil {
			if err := c.Send(pong); err != nil {
				slog.Warn("Transport client: pong failed", "error", err)
			}
		}
	}

	c.mu.RLock()
	handlers := append([]MessageHandler(nil), c.handlers[msg.Type]...)
	c.mu.RUnlock()

	for _, h := range handlers {
		c.invoke(h, msg)
	}
}

func (c *Client) invoke(h MessageHandler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Transport client: handler panic", "type", msg.Type, "panic", r)
		}
	}()
	h(msg)
}

// reconnect retries with Backoff delays until connected or the attempt
// budget is spent, after which the client stays down until an explicit
// Connect call.
func (c *Client) reconnect(ctx context.Context) {
	for {
		c.mu.Lock()
		if c.state == StateConnected || c.gaveUp {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		if attempt > maxReconnectAttempts {
			c.gaveUp = true
			c.mu.Unlock()
			slog.Warn("Transport client: reconnect attempts exhausted", "url", c.url)
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		delay := Backoff(attempt)
		slog.Info("Transport client: reconnecting", "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-c.sleeper(delay):
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.attempts = 0
		c.mu.Unlock()

		if identify, err := NewMessage(MsgConnect, c.userID, c.instanceID,
			ConnectPayload{UserID: c.userID, InstanceID: c.instanceID}); err == nil {
			_ = c.Send(identify)
		}
		go c.readLoop(ctx, conn)
		slog.Info("Transport client: reconnected", "url", c.url)
		return
	}
}

// Send writes one message to the hub.
func (c *Client) Send(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// RequestState asks the hub for the authoritative state of userID. The
// reply arrives as a state-response message.
func (c *Client) RequestState() error {
	msg, err := NewMessage(MsgStateRequest, c.userID, c.instanceID, nil)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Close disconnects without scheduling a reconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.gaveUp = true
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
