package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrNotRunning is returned by hub operations before Start.
var ErrNotRunning = errors.New("transport: hub not running")

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultStaleAfter        = 90 * time.Second
)

// hubClient is the hub's view of one connected client. userID and
// instanceID arrive with the client's first connect message.
type hubClient struct {
	conn        *websocket.Conn
	userID      string
	instanceID  string
	connectedAt time.Time
	lastPing    time.Time

	writeMu sync.Mutex
}

func (hc *hubClient) write(msg *Message) error {
	hc.writeMu.Lock()
	defer hc.writeMu.Unlock()
	return hc.conn.WriteJSON(msg)
}

// RequestHandler serves a state-request from a connected client. The
// reply, if any, goes back to that connection only.
type RequestHandler func(ctx context.Context, connID string, msg *Message)

// HubMessageHandler receives an inbound message from an identified client.
type HubMessageHandler func(connID string, msg *Message)

// Hub accepts WebSocket connections, tracks per-user clients, heartbeats,
// evicts stale clients, and broadcasts sync messages.
type Hub struct {
	instanceID string
	upgrader   websocket.Upgrader

	heartbeatInterval time.Duration
	staleAfter        time.Duration

	mu       sync.RWMutex
	clients  map[string]*hubClient
	server   *http.Server
	listener net.Listener
	stopHB   chan struct{}
	running  bool

	reqHandler RequestHandler
	handlers   map[string][]HubMessageHandler
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHeartbeat overrides the heartbeat interval and staleness cutoff.
func WithHeartbeat(interval, staleAfter time.Duration) HubOption {
	return func(h *Hub) {
		h.heartbeatInterval = interval
		h.staleAfter = staleAfter
	}
}

// NewHub creates a transport hub for this instance.
func NewHub(instanceID string, opts ...HubOption) *Hub {
	h := &Hub{
		instanceID:        instanceID,
		heartbeatInterval: defaultHeartbeatInterval,
		staleAfter:        defaultStaleAfter,
		clients:           make(map[string]*hubClient),
		handlers:          make(map[string][]HubMessageHandler),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetRequestHandler installs the state-request hook.
func (h *Hub) SetRequestHandler(f RequestHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reqHandler = f
}

// On registers a handler for inbound client messages of the given type.
func (h *Hub) On(msgType string, f HubMessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = append(h.handlers[msgType], f)
}

// Start listens on addr and serves the WebSocket endpoint at path. The
// heartbeat loop starts with the server.
func (h *Hub) Start(addr, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	if path == "" {
		path = "/ws"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, h.ServeWS)
	h.server = &http.Server{Handler: mux}
	h.listener = ln
	h.stopHB = make(chan struct{})
	h.running = true

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("Hub: serve failed", "error", err)
		}
	}()
	go h.heartbeatLoop(h.stopHB)

	slog.Info("Hub: listening", "addr", ln.Addr().String(), "path", path)
	return nil
}

// Addr returns the bound listen address, or empty before Start.
func (h *Hub) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Running reports whether the hub is accepting connections.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// ServeWS upgrades one HTTP request to a tracked client connection. It is
// exported so the hub can be mounted on an external mux.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Hub: upgrade failed", "error", err)
		return
	}

	connID := uuid.New().String()
	now := time.Now()
	hc := &hubClient{conn: conn, connectedAt: now, lastPing: now}

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[connID] = hc
	h.mu.Unlock()

	welcome, err := NewMessage(MsgConnect, "", h.instanceID, ConnectPayload{ConnID: connID})
	if err == nil {
		err = hc.write(welcome)
	}
	if err != nil {
		slog.Warn("Hub: welcome failed", "conn_id", connID, "error", err)
		h.evict(connID, hc)
		return
	}
	slog.Info("Hub: client connected", "conn_id", connID)

	go h.readLoop(connID, hc)
}

func (h *Hub) readLoop(connID string, hc *hubClient) {
	defer h.evict(connID, hc)
	for {
		_, data, err := hc.conn.ReadMessage()
		if err != nil {
			slog.Debug("Hub: client disconnected", "conn_id", connID, "error", err)
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Hub: bad message", "conn_id", connID, "error", err)
			continue
		}
		h.handleMessage(connID, hc, &msg)
	}
}

func (h *Hub) handleMessage(connID string, hc *hubClient, msg *Message) {
	switch msg.Type {
	case MsgConnect:
		// First authenticated message names the user and instance.
		var p ConnectPayload
		if msg.Payload != nil {
			_ = json.Unmarshal(msg.Payload, &p)
		}
		h.mu.Lock()
		if p.UserID != "" {
			hc.userID = p.UserID
		} else if msg.UserID != "" {
			hc.userID = msg.UserID
		}
		if p.InstanceID != "" {
			hc.instanceID = p.InstanceID
		} else if msg.InstanceID != "" {
			hc.instanceID = msg.InstanceID
		}
		hc.lastPing = time.Now()
		h.mu.Unlock()
		slog.Info("Hub: client identified", "conn_id", connID, "user_id", hc.userID)

	case MsgPong:
		h.mu.Lock()
		hc.lastPing = time.Now()
		h.mu.Unlock()

	case MsgPing:
		h.mu.Lock()
		hc.lastPing = time.Now()
		h.mu.Unlock()
		if pong, err := NewMessage(MsgPong, "", h.instanceID, nil); err == nil {
			if err := hc.write(pong); err != nil {
				slog.Warn("Hub: pong failed", "conn_id", connID, "error", err)
			}
		}

	case MsgStateRequest:
		h.mu.RLock()
		handler := h.reqHandler
		h.mu.RUnlock()
		if msg.UserID == "" {
			msg.UserID = hc.userID
		}
		if handler != nil {
			handler(context.Background(), connID, msg)
		}

	default:
		h.mu.RLock()
		handlers := append([]HubMessageHandler(nil), h.handlers[msg.Type]...)
		h.mu.RUnlock()
		for _, f := range handlers {
			h.invoke(f, connID, msg)
		}
	}
}

func (h *Hub) invoke(f HubMessageHandler, connID string, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub: handler panic", "type", msg.Type, "conn_id", connID, "panic", r)
		}
	}()
	f(connID, msg)
}

func (h *Hub) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.heartbeatPass()
		}
	}
}

// heartbeatPass evicts clients that missed the staleness cutoff and pings
// the survivors.
func (h *Hub) heartbeatPass() {
	cutoff := time.Now().Add(-h.staleAfter)

	h.mu.RLock()
	snapshot := make(map[string]*hubClient, len(h.clients))
	for id, hc := range h.clients {
		snapshot[id] = hc
	}
	h.mu.RUnlock()

	for id, hc := range snapshot {
		h.mu.RLock()
		last := hc.lastPing
		h.mu.RUnlock()
		if last.Before(cutoff) {
			slog.Info("Hub: evicting stale client", "conn_id", id, "last_ping", last)
			h.evict(id, hc)
			continue
		}
		ping, err := NewMessage(MsgPing, "", h.instanceID, nil)
		if err != nil {
			continue
		}
		if err := hc.write(ping); err != nil {
			slog.Warn("Hub: ping failed, evicting", "conn_id", id, "error", err)
			h.evict(id, hc)
		}
	}
}

func (h *Hub) evict(connID string, hc *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[connID]; ok {
		delete(h.clients, connID)
	}
	h.mu.Unlock()
	hc.conn.Close()
}

// Broadcast sends msg to every connected client except excludeConnID
// (empty = no exclusion).
func (h *Hub) Broadcast(msg *Message, excludeConnID string) {
	h.mu.RLock()
	snapshot := make(map[string]*hubClient, len(h.clients))
	for id, hc := range h.clients {
		snapshot[id] = hc
	}
	h.mu.RUnlock()

	for id, hc := range snapshot {
		if id == excludeConnID {
			continue
		}
		if err := hc.write(msg); err != nil {
			slog.Warn("Hub: broadcast write failed", "conn_id", id, "error", err)
		}
	}
}

// BroadcastToUser sends msg to every client identified as userID.
func (h *Hub) BroadcastToUser(userID string, msg *Message) {
	h.mu.RLock()
	var targets []*hubClient
	for _, hc := range h.clients {
		if hc.userID == userID {
			targets = append(targets, hc)
		}
	}
	h.mu.RUnlock()

	for _, hc := range targets {
		if err := hc.write(msg); err != nil {
			slog.Warn("Hub: user broadcast failed", "user_id", userID, "error", err)
		}
	}
}

// SendTo sends msg to a single connection.
func (h *Hub) SendTo(connID string, msg *Message) error {
	h.mu.RLock()
	hc, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown connection %s", connID)
	}
	return hc.write(msg)
}

// ClientCount returns the number of tracked connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop shuts the hub down: heartbeat first, then every tracked
// connection, then the listener. Idempotent.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	close(h.stopHB)
	clients := h.clients
	h.clients = make(map[string]*hubClient)
	server := h.server
	h.mu.Unlock()

	for id, hc := range clients {
		if bye, err := NewMessage(MsgDisconnect, "", h.instanceID, nil); err == nil {
			_ = hc.write(bye)
		}
		hc.conn.Close()
		slog.Debug("Hub: closed client", "conn_id", id)
	}
	if server != nil {
		return server.Close()
	}
	return nil
}
