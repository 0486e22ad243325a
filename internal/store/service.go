// Package store is the durable home for mode states, transitions, shared
// contexts, response provenance, and persisted sync events.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotConnected is returned by collection accessors before Connect.
var ErrNotConnected = errors.New("store: not connected")

// ErrDuplicate is returned when a write-once record already exists.
var ErrDuplicate = errors.New("store: record already exists")

// ErrVersionConflict is returned by conditional writes when the stored
// version no longer matches the expectation.
var ErrVersionConflict = errors.New("store: version conflict")

// Service owns the database connection and exposes the typed collections.
// Construct once per process and inject.
type Service struct {
	path string

	mu        sync.RWMutex
	db        *sql.DB
	connected bool

	janitorCancel context.CancelFunc
}

// NewService creates a store service for the given database path. No I/O
// happens until Connect.
func NewService(path string) *Service {
	return &Service{path: path}
}

// Connect opens the database and applies the schema and indexes. Repeated
// calls after a successful connect are no-ops.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	db, err := sql.Open("sqlite", "file:"+s.path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("open store db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping store db: %w", err)
	}
	// Indexes are part of the schema: the store is not healthy until
	// every uniqueness and expiry index exists.
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return fmt.Errorf("apply store schema: %w", err)
	}

	s.db = db
	s.connected = true
	slog.Info("Store: connected", "path", s.path)
	return nil
}

// Connected reports whether Connect has succeeded.
func (s *Service) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// HealthCheck performs a lightweight round-trip. It never returns an
// error: any failure reports unhealthy.
func (s *Service) HealthCheck(ctx context.Context) bool {
	s.mu.RLock()
	db, connected := s.db, s.connected
	s.mu.RUnlock()
	if !connected {
		return false
	}
	var one int
	if err := db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		slog.Warn("Store: health check failed", "error", err)
		return false
	}
	return one == 1
}

// Close stops the janitor and closes the database.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.janitorCancel != nil {
		s.janitorCancel()
		s.janitorCancel = nil
	}
	if !s.connected {
		return nil
	}
	s.connected = false
	err := s.db.Close()
	s.db = nil
	return err
}

// handle returns the live db or ErrNotConnected.
func (s *Service) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	return s.db, nil
}

// ModeStates returns the mode-state collection.
func (s *Service) ModeStates() (*ModeStates, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	return &ModeStates{db: db}, nil
}

// Transitions returns the transition-history collection.
func (s *Service) Transitions() (*Transitions, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	return &Transitions{db: db}, nil
}

// Contexts returns the distributed-context collection.
func (s *Service) Contexts() (*Contexts, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	return &Contexts{db: db}, nil
}

// Provenance returns the response-provenance collection.
func (s *Service) Provenance() (*Provenance, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	return &Provenance{db: db}, nil
}

// SyncEvents returns the persisted sync-event collection.
func (s *Service) SyncEvents() (*SyncEvents, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	return &SyncEvents{db: db}, nil
}

// StartJanitor begins the periodic sweep of expired contexts and sync
// events. The sweep stops when ctx is cancelled or the service closes.
func (s *Service) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	jctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.janitorCancel != nil {
		s.janitorCancel()
	}
	s.janitorCancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-jctx.Done():
				return
			case <-ticker.C:
				contexts, events, err := s.SweepExpired(jctx)
				if err != nil {
					slog.Warn("Store: janitor sweep failed", "error", err)
					continue
				}
				if contexts > 0 || events > 0 {
					slog.Debug("Store: swept expired records",
						"contexts", contexts, "sync_events", events)
				}
			}
		}
	}()
}

// SweepExpired deletes expired distributed contexts and sync events and
// returns how many rows of each were removed.
func (s *Service) SweepExpired(ctx context.Context) (int64, int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, 0, err
	}
	now := time.Now().UTC()

	res, err := db.ExecContext(ctx,
		`DELETE FROM distributed_contexts WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, 0, fmt.Errorf("sweep contexts: %w", err)
	}
	contexts, _ := res.RowsAffected()

	res, err = db.ExecContext(ctx,
		`DELETE FROM sync_events WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return contexts, 0, fmt.Errorf("sweep sync events: %w", err)
	}
	events, _ := res.RowsAffected()

	return contexts, events, nil
}
