package store

import "time"

// Schema creates the five record collections and every index the sync core
// relies on. All statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS mode_states (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	mode TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT 0,
	previous_mode TEXT,
	capabilities TEXT NOT NULL DEFAULT '{}',
	configuration TEXT NOT NULL DEFAULT '{}',
	activated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	sync_version INTEGER NOT NULL DEFAULT 1,
	UNIQUE(user_id, mode)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mode_states_one_active
	ON mode_states(user_id) WHERE active = 1;

CREATE TABLE IF NOT EXISTS mode_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	from_mode TEXT,
	to_mode TEXT NOT NULL,
	context_snapshot TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	success BOOLEAN NOT NULL,
	error_message TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_mode_transitions_user
	ON mode_transitions(user_id, created_at);

CREATE TABLE IF NOT EXISTS distributed_contexts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	context_key TEXT NOT NULL,
	context_type TEXT NOT NULL DEFAULT 'custom',
	mode TEXT,
	data TEXT NOT NULL DEFAULT '{}',
	created_by TEXT,
	last_modified_by TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	tags TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at DATETIME,
	UNIQUE(user_id, context_key)
);
CREATE INDEX IF NOT EXISTS idx_distributed_contexts_expiry
	ON distributed_contexts(expires_at);

CREATE TABLE IF NOT EXISTS response_provenance (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	chat_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	mode TEXT,
	source_type TEXT NOT NULL,
	provider TEXT,
	model TEXT,
	confidence REAL,
	response_hash TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(user_id, chat_id, message_id)
);

CREATE TABLE IF NOT EXISTS sync_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT UNIQUE NOT NULL,
	source_instance_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data TEXT NOT NULL DEFAULT '{}',
	target_instances TEXT,
	processed_by TEXT NOT NULL DEFAULT '[]',
	priority INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at DATETIME,
	UNIQUE(event_id)
);
CREATE INDEX IF NOT EXISTS idx_sync_events_expiry
	ON sync_events(expires_at);
CREATE INDEX IF NOT EXISTS idx_sync_events_type
	ON sync_events(event_type, created_at);
`

// Context types for distributed_contexts rows.
const (
	ContextTypeChat    = "chat"
	ContextTypeProject = "project"
	ContextTypeMode    = "mode"
	ContextTypeCustom  = "custom"
)

// ContextRecord is one shared keyed blob, unique per (user, key).
type ContextRecord struct {
	ID             int64          `json:"id"`
	UserID         string         `json:"user_id"`
	ContextKey     string         `json:"context_key"`
	ContextType    string         `json:"context_type"`
	Mode           string         `json:"mode,omitempty"`
	Data           map[string]any `json:"data"`
	CreatedBy      string         `json:"created_by,omitempty"`
	LastModifiedBy string         `json:"last_modified_by,omitempty"`
	Version        int64          `json:"version"`
	Tags           []string       `json:"tags,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
}

// SyncEventRecord is a persisted transport envelope kept for stragglers
// until its TTL expires.
type SyncEventRecord struct {
	ID               int64      `json:"id"`
	EventID          string     `json:"event_id"`
	SourceInstanceID string     `json:"source_instance_id"`
	EventType        string     `json:"event_type"`
	EventData        string     `json:"event_data"`
	TargetInstances  []string   `json:"target_instances,omitempty"`
	ProcessedBy      []string   `json:"processed_by"`
	Priority         int        `json:"priority"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}
