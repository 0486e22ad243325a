package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CollabSync/CollabSync/internal/provenance"
)

// Provenance is the typed accessor for the response_provenance collection.
// Rows are write-once per (user, chat, message).
type Provenance struct {
	db *sql.DB
}

// Insert writes one provenance record. A second write for the same
// artifact returns ErrDuplicate.
func (c *Provenance) Insert(ctx context.Context, rec *provenance.Record) error {
	meta, err := json.Marshal(orEmptyMap(rec.Metadata))
	if err != nil {
		return fmt.Errorf("marshal provenance metadata: %w", err)
	}
	var confidence sql.NullFloat64
	if rec.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *rec.Confidence, Valid: true}
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO response_provenance
			(user_id, chat_id, message_id, mode, source_type, provider, model, confidence, response_hash, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.ChatID, rec.MessageID, rec.Mode, rec.SourceType,
		rec.Provider, rec.Model, confidence, rec.ResponseHash, string(meta), ts.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: provenance %s/%s/%s",
				ErrDuplicate, rec.UserID, rec.ChatID, rec.MessageID)
		}
		return fmt.Errorf("insert provenance: %w", err)
	}
	return nil
}

// Get returns the provenance for one artifact, or nil when absent.
func (c *Provenance) Get(ctx context.Context, userID, chatID, messageID string) (*provenance.Record, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, user_id, chat_id, message_id, mode, source_type, provider, model,
		       confidence, response_hash, metadata, created_at
		FROM response_provenance
		WHERE user_id = ? AND chat_id = ? AND message_id = ?`,
		userID, chatID, messageID)

	var (
		rec        provenance.Record
		confidence sql.NullFloat64
		metaJSON   string
	)
	err := row.Scan(&rec.ID, &rec.UserID, &rec.ChatID, &rec.MessageID, &rec.Mode,
		&rec.SourceType, &rec.Provider, &rec.Model, &confidence,
		&rec.ResponseHash, &metaJSON, &rec.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if confidence.Valid {
		v := confidence.Float64
		rec.Confidence = &v
	}
	if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode provenance metadata: %w", err)
	}
	return &rec, nil
}

// SyncEvents is the typed accessor for the sync_events collection.
type SyncEvents struct {
	db *sql.DB
}

// Append persists one sync event envelope for stragglers.
func (c *SyncEvents) Append(ctx context.Context, rec *SyncEventRecord) error {
	var targets sql.NullString
	if rec.TargetInstances != nil {
		data, err := json.Marshal(rec.TargetInstances)
		if err != nil {
			return fmt.Errorf("marshal target instances: %w", err)
		}
		targets = sql.NullString{String: string(data), Valid: true}
	}
	processed, err := json.Marshal(orEmptySlice(rec.ProcessedBy))
	if err != nil {
		return fmt.Errorf("marshal processed_by: %w", err)
	}
	var expires sql.NullTime
	if rec.ExpiresAt != nil {
		expires = sql.NullTime{Time: rec.ExpiresAt.UTC(), Valid: true}
	}
	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO sync_events
			(event_id, source_instance_id, event_type, event_data, target_instances, processed_by, priority, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EventID, rec.SourceInstanceID, rec.EventType, rec.EventData,
		targets, string(processed), rec.Priority, ts.UTC(), expires)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: sync event %s", ErrDuplicate, rec.EventID)
		}
		return fmt.Errorf("append sync event: %w", err)
	}
	return nil
}

// Pending returns unexpired events this instance has not processed and was
// not the source of, oldest first. Used by stragglers on reconnect.
func (c *SyncEvents) Pending(ctx context.Context, instanceID string, limit int) ([]*SyncEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, event_id, source_instance_id, event_type, event_data,
		       target_instances, processed_by, priority, created_at, expires_at
		FROM sync_events
		WHERE source_instance_id != ?
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`, instanceID, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending sync events: %w", err)
	}
	defer rows.Close()

	var out []*SyncEventRecord
	for rows.Next() {
		rec, err := scanSyncEvent(rows)
		if err != nil {
			return nil, err
		}
		if contains(rec.ProcessedBy, instanceID) {
			continue
		}
		// Targeted events not addressed to this instance are skipped.
		if rec.TargetInstances != nil && !contains(rec.TargetInstances, instanceID) {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkProcessed appends instanceID to the event's processed_by list.
func (c *SyncEvents) MarkProcessed(ctx context.Context, eventID, instanceID string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark tx: %w", err)
	}
	defer tx.Rollback()

	var processedJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT processed_by FROM sync_events WHERE event_id = ?`, eventID).
		Scan(&processedJSON)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read processed_by: %w", err)
	}

	var processed []string
	if err := json.Unmarshal([]byte(processedJSON), &processed); err != nil {
		processed = nil
	}
	if contains(processed, instanceID) {
		return nil
	}
	processed = append(processed, instanceID)
	data, err := json.Marshal(processed)
	if err != nil {
		return fmt.Errorf("marshal processed_by: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_events SET processed_by = ? WHERE event_id = ?`,
		string(data), eventID); err != nil {
		return fmt.Errorf("update processed_by: %w", err)
	}
	return tx.Commit()
}

func scanSyncEvent(row rowScanner) (*SyncEventRecord, error) {
	var (
		rec       SyncEventRecord
		targets   sql.NullString
		processed string
		expires   sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.EventID, &rec.SourceInstanceID, &rec.EventType,
		&rec.EventData, &targets, &processed, &rec.Priority, &rec.CreatedAt, &expires)
	if err != nil {
		return nil, err
	}
	if targets.Valid {
		_ = json.Unmarshal([]byte(targets.String), &rec.TargetInstances)
	}
	_ = json.Unmarshal([]byte(processed), &rec.ProcessedBy)
	if expires.Valid {
		t := expires.Time
		rec.ExpiresAt = &t
	}
	return &rec, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
