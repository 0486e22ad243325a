package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CollabSync/CollabSync/internal/mode"
)

// ModeStates is the typed accessor for the mode_states collection.
type ModeStates struct {
	db *sql.DB
}

// Save upserts one (user, mode) state row. The caller is responsible for
// deactivating the old active row before activating a new one; the partial
// unique index rejects a second active row per user.
func (c *ModeStates) Save(ctx context.Context, s *mode.State) error {
	caps, err := json.Marshal(s.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	cfg, err := json.Marshal(orEmptyMap(s.Configuration))
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}
	var prev sql.NullString
	if s.PreviousMode != nil {
		prev = sql.NullString{String: string(*s.PreviousMode), Valid: true}
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO mode_states
			(user_id, mode, active, previous_mode, capabilities, configuration, activated_at, updated_at, sync_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, mode) DO UPDATE SET
			active = excluded.active,
			previous_mode = excluded.previous_mode,
			capabilities = excluded.capabilities,
			configuration = excluded.configuration,
			activated_at = excluded.activated_at,
			updated_at = excluded.updated_at,
			sync_version = MAX(mode_states.sync_version, excluded.sync_version)`,
		s.UserID, string(s.Mode), s.Active, prev, string(caps), string(cfg),
		s.ActivatedAt.UTC(), s.UpdatedAt.UTC(), s.SyncVersion)
	if err != nil {
		return fmt.Errorf("save mode state: %w", err)
	}
	return nil
}

// Active returns the user's active state, or nil when the user has none.
func (c *ModeStates) Active(ctx context.Context, userID string) (*mode.State, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT user_id, mode, active, previous_mode, capabilities, configuration,
		       activated_at, updated_at, sync_version
		FROM mode_states WHERE user_id = ? AND active = 1`, userID)
	s, err := scanModeState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// List returns every mode row for the user.
func (c *ModeStates) List(ctx context.Context, userID string) ([]*mode.State, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT user_id, mode, active, previous_mode, capabilities, configuration,
		       activated_at, updated_at, sync_version
		FROM mode_states WHERE user_id = ? ORDER BY mode`, userID)
	if err != nil {
		return nil, fmt.Errorf("list mode states: %w", err)
	}
	defer rows.Close()

	var out []*mode.State
	for rows.Next() {
		s, err := scanModeState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SwitchActive performs the deactivate/activate pair as one transaction,
// conditioned on the target row's sync version. A concurrent writer that
// bumped the version first causes ErrVersionConflict.
func (c *ModeStates) SwitchActive(ctx context.Context, userID string, from, to mode.Mode, expectVersion int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin switch tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE mode_states SET active = 0, updated_at = ?
		WHERE user_id = ? AND mode = ? AND active = 1`,
		now, userID, string(from)); err != nil {
		return fmt.Errorf("deactivate %s: %w", from, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE mode_states
		SET active = 1, previous_mode = ?, activated_at = ?, updated_at = ?,
		    sync_version = sync_version + 1
		WHERE user_id = ? AND mode = ? AND sync_version = ?`,
		string(from), now, now, userID, string(to), expectVersion)
	if err != nil {
		return fmt.Errorf("activate %s: %w", to, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrVersionConflict
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModeState(row rowScanner) (*mode.State, error) {
	var (
		s          mode.State
		md         string
		prev       sql.NullString
		capsJSON   string
		configJSON string
	)
	err := row.Scan(&s.UserID, &md, &s.Active, &prev, &capsJSON, &configJSON,
		&s.ActivatedAt, &s.UpdatedAt, &s.SyncVersion)
	if err != nil {
		return nil, err
	}
	s.Mode = mode.Mode(md)
	if prev.Valid {
		p := mode.Mode(prev.String)
		s.PreviousMode = &p
	}
	if err := json.Unmarshal([]byte(capsJSON), &s.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(configJSON), &s.Configuration); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	return &s, nil
}

// Transitions is the typed accessor for the mode_transitions collection.
// Rows are append-only.
type Transitions struct {
	db *sql.DB
}

// Append records one switch attempt.
func (c *Transitions) Append(ctx context.Context, t *mode.Transition) error {
	var from sql.NullString
	if t.FromMode != nil {
		from = sql.NullString{String: string(*t.FromMode), Valid: true}
	}
	var snapshot sql.NullString
	if t.ContextSnapshot != nil {
		data, err := json.Marshal(t.ContextSnapshot)
		if err != nil {
			return fmt.Errorf("marshal context snapshot: %w", err)
		}
		snapshot = sql.NullString{String: string(data), Valid: true}
	}
	var msg sql.NullString
	if t.ErrorMessage != "" {
		msg = sql.NullString{String: t.ErrorMessage, Valid: true}
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO mode_transitions
			(user_id, from_mode, to_mode, context_snapshot, duration_ms, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UserID, from, string(t.ToMode), snapshot, t.DurationMs, t.Success, msg, ts.UTC())
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

// Recent returns up to limit transitions for the user, newest first.
func (c *Transitions) Recent(ctx context.Context, userID string, limit int) ([]*mode.Transition, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT user_id, from_mode, to_mode, context_snapshot, duration_ms, success, error_message, created_at
		FROM mode_transitions WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []*mode.Transition
	for rows.Next() {
		var (
			t        mode.Transition
			from     sql.NullString
			to       string
			snapshot sql.NullString
			msg      sql.NullString
		)
		if err := rows.Scan(&t.UserID, &from, &to, &snapshot, &t.DurationMs,
			&t.Success, &msg, &t.Timestamp); err != nil {
			return nil, err
		}
		if from.Valid {
			f := mode.Mode(from.String)
			t.FromMode = &f
		}
		t.ToMode = mode.Mode(to)
		if snapshot.Valid {
			_ = json.Unmarshal([]byte(snapshot.String), &t.ContextSnapshot)
		}
		if msg.Valid {
			t.ErrorMessage = msg.String
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
