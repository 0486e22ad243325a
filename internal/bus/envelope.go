// Package bus provides the cross-instance event bus: one publish and one
// subscribe channel per process over a shared events topic, with
// self-origin filtering and per-type handler dispatch.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types carried on the bus.
const (
	EventModeChanged       = "mode:changed"
	EventModeConfigUpdated = "mode:config-updated"
	EventContextCreated    = "context:created"
	EventContextUpdated    = "context:updated"
	EventContextDeleted    = "context:deleted"
	EventResponseGenerated = "response:generated"
	EventToolExecuted      = "mcp:tool-executed"
	EventServerAdded       = "mcp:server-added"
	EventServerRemoved     = "mcp:server-removed"
	EventSyncRequest       = "sync:request"
	EventSyncHeartbeat     = "sync:heartbeat"
)

// Envelope is the wire format for every bus event.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	UserID     string          `json:"userId"`
	InstanceID string          `json:"instanceId"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id and the given payload.
func NewEnvelope(eventType, userID, instanceID string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Envelope{
		ID:         uuid.New().String(),
		Type:       eventType,
		UserID:     userID,
		InstanceID: instanceID,
		Timestamp:  time.Now().UTC(),
		Payload:    data,
	}, nil
}

// ModeChangedPayload announces a completed mode switch.
type ModeChangedPayload struct {
	FromMode      string         `json:"fromMode,omitempty"`
	ToMode        string         `json:"toMode"`
	Configuration map[string]any `json:"configuration,omitempty"`
	SyncVersion   int64          `json:"syncVersion,omitempty"`
}

// ModeConfigUpdatedPayload announces a configuration merge on one mode.
type ModeConfigUpdatedPayload struct {
	Mode          string         `json:"mode"`
	Configuration map[string]any `json:"configuration"`
}

// ContextPayload carries a distributed-context create/update/delete.
type ContextPayload struct {
	ContextKey  string         `json:"contextKey"`
	ContextType string         `json:"contextType,omitempty"`
	Mode        string         `json:"mode,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Version     int64          `json:"version,omitempty"`
}

// ResponseGeneratedPayload announces a new provenance record.
type ResponseGeneratedPayload struct {
	ChatID       string `json:"chatId"`
	MessageID    string `json:"messageId"`
	Mode         string `json:"mode"`
	SourceType   string `json:"sourceType"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	ResponseHash string `json:"responseHash"`
}

// ToolExecutedPayload announces a tool execution in hybrid mode.
type ToolExecutedPayload struct {
	ServerID   string `json:"serverId"`
	ToolName   string `json:"toolName"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"durationMs"`
}

// ServerPayload announces a tool server joining or leaving.
type ServerPayload struct {
	ServerID   string `json:"serverId"`
	ServerName string `json:"serverName,omitempty"`
}

// SyncRequestPayload asks peers to replay state for a user.
type SyncRequestPayload struct {
	Since time.Time `json:"since,omitempty"`
}

// SyncHeartbeatPayload is the periodic instance liveness beacon.
type SyncHeartbeatPayload struct {
	InstanceName string `json:"instanceName,omitempty"`
	Uptime       int64  `json:"uptimeSeconds,omitempty"`
}

// DecodePayload validates and decodes an envelope's payload into its typed
// variant. Unknown event types are an error so boundary code fails loudly
// instead of carrying unchecked maps around.
func DecodePayload(env *Envelope) (any, error) {
	decode := func(v any) (any, error) {
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		return v, nil
	}
	switch env.Type {
	case EventModeChanged:
		return decode(&ModeChangedPayload{})
	case EventModeConfigUpdated:
		return decode(&ModeConfigUpdatedPayload{})
	case EventContextCreated, EventContextUpdated, EventContextDeleted:
		return decode(&ContextPayload{})
	case EventResponseGenerated:
		return decode(&ResponseGeneratedPayload{})
	case EventToolExecuted:
		return decode(&ToolExecutedPayload{})
	case EventServerAdded, EventServerRemoved:
		return decode(&ServerPayload{})
	case EventSyncRequest:
		return decode(&SyncRequestPayload{})
	case EventSyncHeartbeat:
		return decode(&SyncHeartbeatPayload{})
	}
	return nil, fmt.Errorf("unknown event type %q", env.Type)
}
