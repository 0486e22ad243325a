package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Contexts is the typed accessor for the distributed_contexts collection.
type Contexts struct {
	db *sql.DB
}

// Upsert writes a context row last-write-wins, keyed (user, key). On
// update the stored version is incremented; the version field is
// informational and not checked here (see CompareAndSwap).
func (c *Contexts) Upsert(ctx context.Context, rec *ContextRecord) error {
	data, err := json.Marshal(orEmptyMap(rec.Data))
	if err != nil {
		return fmt.Errorf("marshal context data: %w", err)
	}
	tags, err := json.Marshal(orEmptySlice(rec.Tags))
	if err != nil {
		return fmt.Errorf("marshal context tags: %w", err)
	}
	now := time.Now().UTC()
	var expires sql.NullTime
	if rec.ExpiresAt != nil {
		expires = sql.NullTime{Time: rec.ExpiresAt.UTC(), Valid: true}
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO distributed_contexts
			(user_id, context_key, context_type, mode, data, created_by, last_modified_by, version, tags, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(user_id, context_key) DO UPDATE SET
			context_type = excluded.context_type,
			mode = excluded.mode,
			data = excluded.data,
			last_modified_by = excluded.last_modified_by,
			version = distributed_contexts.version + 1,
			tags = excluded.tags,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		rec.UserID, rec.ContextKey, rec.ContextType, rec.Mode, string(data),
		rec.CreatedBy, rec.LastModifiedBy, string(tags), now, now, expires)
	if err != nil {
		return fmt.Errorf("upsert context %s/%s: %w", rec.UserID, rec.ContextKey, err)
	}
	return nil
}

// CompareAndSwap updates a context row only when the stored version equals
// expectVersion, returning ErrVersionConflict otherwise. Not the default
// write path; see DESIGN.md.
func (c *Contexts) CompareAndSwap(ctx context.Context, rec *ContextRecord, expectVersion int64) error {
	data, err := json.Marshal(orEmptyMap(rec.Data))
	if err != nil {
		return fmt.Errorf("marshal context data: %w", err)
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE distributed_contexts
		SET data = ?, last_modified_by = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND context_key = ? AND version = ?`,
		string(data), rec.LastModifiedBy, time.Now().UTC(),
		rec.UserID, rec.ContextKey, expectVersion)
	if err != nil {
		return fmt.Errorf("conditional context update: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Get returns one context row, or nil when absent or expired.
func (c *Contexts) Get(ctx context.Context, userID, key string) (*ContextRecord, error) {
	row := c.db.QueryRowContext(ctx, contextSelect+`
		WHERE user_id = ? AND context_key = ?
		  AND (expires_at IS NULL OR expires_at > ?)`,
		userID, key, time.Now().UTC())
	rec, err := scanContext(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// Active returns the user's unexpired context rows, newest first.
func (c *Contexts) Active(ctx context.Context, userID string) ([]*ContextRecord, error) {
	rows, err := c.db.QueryContext(ctx, contextSelect+`
		WHERE user_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY updated_at DESC`, userID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()

	var out []*ContextRecord
	for rows.Next() {
		rec, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes one context row. Deleting an absent row is not an error.
func (c *Contexts) Delete(ctx context.Context, userID, key string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM distributed_contexts WHERE user_id = ? AND context_key = ?`,
		userID, key)
	if err != nil {
		return fmt.Errorf("delete context %s/%s: %w", userID, key, err)
	}
	return nil
}

const contextSelect = `
	SELECT user_id, context_key, context_type, mode, data, created_by,
	       last_modified_by, version, tags, created_at, updated_at, expires_at
	FROM distributed_contexts`

func scanContext(row rowScanner) (*ContextRecord, error) {
	var (
		rec      ContextRecord
		md       sql.NullString
		dataJSON string
		created  sql.NullString
		modified sql.NullString
		tagsJSON string
		expires  sql.NullTime
	)
	err := row.Scan(&rec.UserID, &rec.ContextKey, &rec.ContextType, &md,
		&dataJSON, &created, &modified, &rec.Version, &tagsJSON,
		&rec.CreatedAt, &rec.UpdatedAt, &expires)
	if err != nil {
		return nil, err
	}
	rec.Mode = md.String
	rec.CreatedBy = created.String
	rec.LastModifiedBy = modified.String
	if expires.Valid {
		t := expires.Time
		rec.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(dataJSON), &rec.Data); err != nil {
		return nil, fmt.Errorf("decode context data: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
		return nil, fmt.Errorf("decode context tags: %w", err)
	}
	return &rec, nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isUniqueViolation reports whether err is a sqlite unique constraint
// failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
