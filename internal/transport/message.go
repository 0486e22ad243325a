// Package transport implements the live push layer: a WebSocket hub that
// fans sync messages out to locally connected clients, and a client that
// dials a hub with reconnect/backoff.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types on the live transport.
const (
	MsgConnect       = "connect"
	MsgDisconnect    = "disconnect"
	MsgPing          = "ping"
	MsgPong          = "pong"
	MsgModeUpdate    = "mode-update"
	MsgContextSync   = "context-sync"
	MsgStateRequest  = "state-request"
	MsgStateResponse = "state-response"
	MsgHeartbeat     = "heartbeat"
	MsgError         = "error"
)

// Message is the transport envelope. It shares its shape with the bus
// envelope so payloads can cross layers without reshaping.
type Message struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	UserID     string          `json:"userId,omitempty"`
	InstanceID string          `json:"instanceId,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// NewMessage builds a message with a fresh id and marshaled payload.
func NewMessage(msgType, userID, instanceID string, payload any) (*Message, error) {
	m := &Message{
		ID:         uuid.New().String(),
		Type:       msgType,
		UserID:     userID,
		InstanceID: instanceID,
		Timestamp:  time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		m.Payload = data
	}
	return m, nil
}

// ConnectPayload identifies a client on its first message, and carries the
// assigned connection id on the hub's welcome.
type ConnectPayload struct {
	ConnID     string `json:"connId,omitempty"`
	UserID     string `json:"userId,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
}
