// Package provenance links generated artifacts to the source that produced
// them, and embeds/extracts source markers in rendered content.
package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Source types.
const (
	SourceLocal      = "local"
	SourceExternal   = "external"
	SourceHarmonized = "harmonized"
)

// Source identifies which backend produced a piece of content.
type Source struct {
	SourceType string   `json:"sourceType"`
	Provider   string   `json:"provider,omitempty"`
	Model      string   `json:"model,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Record is the write-once audit row for one generated artifact.
// Unique per (UserID, ChatID, MessageID).
type Record struct {
	ID           int64          `json:"id"`
	UserID       string         `json:"user_id"`
	ChatID       string         `json:"chat_id"`
	MessageID    string         `json:"message_id"`
	Mode         string         `json:"mode"`
	SourceType   string         `json:"source_type"`
	Provider     string         `json:"provider,omitempty"`
	Model        string         `json:"model,omitempty"`
	Confidence   *float64       `json:"confidence,omitempty"`
	ResponseHash string         `json:"response_hash"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// HashContent returns the sha256 hex digest used as ResponseHash.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
