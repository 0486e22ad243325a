// Package config provides configuration types and loading for collabsync.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Instance, Store, Bus, Transport, Sync, Tools.
type Config struct {
	Instance  InstanceConfig  `json:"instance"`
	Store     StoreConfig     `json:"store"`
	Bus       BusConfig       `json:"bus"`
	Transport TransportConfig `json:"transport"`
	Sync      SyncConfig      `json:"sync"`
	Tools     ToolsConfig     `json:"tools"`
}

// InstanceConfig identifies this running process.
type InstanceConfig struct {
	// ID is the per-process identity used for self-origin filtering on the
	// event bus. Generated at startup when empty.
	ID   string `json:"id" envconfig:"ID"`
	Name string `json:"name" envconfig:"NAME"`
}

// StoreConfig configures the persistent document store.
type StoreConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Path    string `json:"path"`
	// JanitorIntervalMs is the sweep interval for expired contexts and
	// sync events. 0 uses the default of 60000.
	JanitorIntervalMs int `json:"janitorIntervalMs" envconfig:"JANITOR_INTERVAL_MS"`
	// ContextTTLHours is the default retention for distributed contexts
	// written without an explicit expiry. 0 means no expiry.
	ContextTTLHours int `json:"contextTtlHours" envconfig:"CONTEXT_TTL_HOURS"`
	// SyncEventTTLMinutes is the retention for persisted sync events.
	SyncEventTTLMinutes int `json:"syncEventTtlMinutes" envconfig:"SYNC_EVENT_TTL_MINUTES"`
}

// JanitorInterval returns the sweep interval, defaulting to one minute.
func (c StoreConfig) JanitorInterval() time.Duration {
	if c.JanitorIntervalMs <= 0 {
		return time.Minute
	}
	return time.Duration(c.JanitorIntervalMs) * time.Millisecond
}

// BusConfig configures the Kafka event bus.
type BusConfig struct {
	Enabled bool `json:"enabled" envconfig:"ENABLED"`
	// Brokers is a comma-separated broker list.
	Brokers string `json:"brokers" envconfig:"BROKERS"`
	// Namespace prefixes the events topic: <namespace>.events.
	Namespace     string `json:"namespace" envconfig:"NAMESPACE"`
	ConsumerGroup string `json:"consumerGroup" envconfig:"CONSUMER_GROUP"`
}

// EventsTopic returns the single topic all sync event types share.
func (c BusConfig) EventsTopic() string {
	ns := c.Namespace
	if ns == "" {
		ns = "collabsync"
	}
	return ns + ".events"
}

// TransportConfig configures the live push transport.
type TransportConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Listen  string `json:"listen" envconfig:"LISTEN"`
	Path    string `json:"path"`
}

// SyncConfig groups orchestrator-level settings.
type SyncConfig struct {
	// ConnectTimeoutMs bounds each subsystem connect during Initialize.
	ConnectTimeoutMs int `json:"connectTimeoutMs" envconfig:"CONNECT_TIMEOUT_MS"`
}

// ConnectTimeout returns the configured connect timeout, defaulting to 10s.
func (c SyncConfig) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// ToolsConfig configures the multi-source tool coordinator.
type ToolsConfig struct {
	// ExecutionLogSize caps the in-memory execution log. 0 uses 100.
	ExecutionLogSize int `json:"executionLogSize" envconfig:"EXECUTION_LOG_SIZE"`
}

// DefaultConfig returns a config with sane defaults for a single instance.
func DefaultConfig() *Config {
	return &Config{
		Instance: InstanceConfig{Name: "collabsync"},
		Store: StoreConfig{
			Enabled:             true,
			Path:                "collabsync.db",
			JanitorIntervalMs:   60000,
			ContextTTLHours:     24,
			SyncEventTTLMinutes: 60,
		},
		Bus: BusConfig{
			Brokers:       "localhost:9092",
			Namespace:     "collabsync",
			ConsumerGroup: "collabsync",
		},
		Transport: TransportConfig{
			Listen: "127.0.0.1:8799",
			Path:   "/ws",
		},
		Sync:  SyncConfig{ConnectTimeoutMs: 10000},
		Tools: ToolsConfig{ExecutionLogSize: 100},
	}
}
