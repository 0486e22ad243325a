package mode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const historyCap = 50

// userModes holds the three per-mode records plus the recent transition
// history for one user.
type userModes struct {
	states  map[Mode]*State
	history []*Transition
}

// Machine is the in-process mode state machine. One instance per process,
// constructed once and injected into consumers.
type Machine struct {
	mu       sync.RWMutex
	users    map[string]*userModes
	checkers map[Mode]CapabilityChecker
	persist  Persister
	now      func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithChecker installs the capability checker for a mode.
func WithChecker(m Mode, c CapabilityChecker) Option {
	return func(mc *Machine) { mc.checkers[m] = c }
}

// WithPersister installs the durable sink for states and transitions.
func WithPersister(p Persister) Option {
	return func(mc *Machine) { mc.persist = p }
}

// withClock overrides the time source. Tests only.
func withClock(now func() time.Time) Option {
	return func(mc *Machine) { mc.now = now }
}

// NewMachine creates a mode state machine. Modes without an installed
// checker are always eligible.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		users:    make(map[string]*userModes),
		checkers: make(map[Mode]CapabilityChecker),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ensure returns the user's records, lazily seeding the three default mode
// states with local active. Caller must hold the write lock.
func (m *Machine) ensure(userID string) *userModes {
	um, ok := m.users[userID]
	if ok {
		return um
	}
	now := m.now()
	um = &userModes{states: make(map[Mode]*State)}
	for _, md := range AllModes() {
		um.states[md] = &State{
			UserID:        userID,
			Mode:          md,
			Active:        md == ModeLocal,
			Capabilities:  CapabilitiesFor(md),
			Configuration: map[string]any{},
			ActivatedAt:   now,
			UpdatedAt:     now,
			SyncVersion:   1,
		}
	}
	m.users[userID] = um
	return um
}

// Restore replaces a user's in-memory records with persisted rows, used
// when a process picks up where a previous one left off. Missing modes
// are filled with inactive defaults; a set with no active row falls back
// to local active.
func (m *Machine) Restore(userID string, states []*State, history []*Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	um := &userModes{states: make(map[Mode]*State)}
	for _, md := range AllModes() {
		um.states[md] = &State{
			UserID:        userID,
			Mode:          md,
			Capabilities:  CapabilitiesFor(md),
			Configuration: map[string]any{},
			ActivatedAt:   now,
			UpdatedAt:     now,
			SyncVersion:   1,
		}
	}
	hasActive := false
	for _, s := range states {
		if !s.Mode.Valid() {
			continue
		}
		cp := *s
		cp.UserID = userID
		if cp.Configuration == nil {
			cp.Configuration = map[string]any{}
		}
		um.states[cp.Mode] = &cp
		if cp.Active {
			hasActive = true
		}
	}
	if !hasActive {
		um.states[ModeLocal].Active = true
	}

	for i := len(history) - 1; i >= 0; i-- {
		// Persisted history arrives newest first; in-memory order is
		// oldest first.
		um.appendHistory(history[i])
	}
	m.users[userID] = um
}

// active returns the user's active state. Caller must hold a lock.
func (um *userModes) active() *State {
	for _, s := range um.states {
		if s.Active {
			return s
		}
	}
	// Unreachable once seeded, but keep the invariant recoverable.
	s := um.states[ModeLocal]
	s.Active = true
	return s
}

func (um *userModes) appendHistory(t *Transition) {
	um.history = append(um.history, t)
	if len(um.history) > historyCap {
		um.history = um.history[len(um.history)-historyCap:]
	}
}

// checkerFor returns the mode's checker verdict; modes without a checker
// are eligible.
func (m *Machine) checkerFor(ctx context.Context, userID string, md Mode) (bool, string) {
	c, ok := m.checkers[md]
	if !ok {
		return true, ""
	}
	return c.CanActivate(ctx, userID)
}

// GetState returns the user's current mode, switch targets, and recent
// history, seeding defaults on first access.
func (m *Machine) GetState(ctx context.Context, userID string) (*StateView, error) {
	m.mu.Lock()
	um := m.ensure(userID)
	cur := um.active()

	view := &StateView{
		Current:       cur.Mode,
		Previous:      cur.PreviousMode,
		Capabilities:  cur.Capabilities,
		Configuration: cloneMap(cur.Configuration),
		SyncVersion:   cur.SyncVersion,
	}
	n := len(um.history)
	limit := 10
	if n < limit {
		limit = n
	}
	view.RecentHistory = append(view.RecentHistory, um.history[n-limit:]...)
	m.mu.Unlock()

	for _, md := range AllModes() {
		ok, reason := m.checkerFor(ctx, userID, md)
		view.Available = append(view.Available, AvailableMode{
			Mode:         md,
			Capabilities: CapabilitiesFor(md),
			CanActivate:  ok,
			Reason:       reason,
		})
	}
	return view, nil
}

// Status returns the view of a single mode for the user.
func (m *Machine) Status(ctx context.Context, userID string, md Mode) (*ModeStatus, error) {
	if !md.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, md)
	}
	m.mu.Lock()
	um := m.ensure(userID)
	s := um.states[md]
	st := &ModeStatus{
		Mode:          md,
		Active:        s.Active,
		Capabilities:  s.Capabilities,
		Configuration: cloneMap(s.Configuration),
	}
	m.mu.Unlock()

	st.CanActivate, st.Reason = m.checkerFor(ctx, userID, md)
	return st, nil
}

// SwitchMode moves the user to the target mode. Every attempt, success or
// failure, appends exactly one transition record.
func (m *Machine) SwitchMode(ctx context.Context, userID string, target Mode, snapshot map[string]any) (*SwitchResult, error) {
	start := m.now()

	if !target.Valid() {
		m.recordFailure(ctx, userID, nil, target, snapshot, start, "unknown mode")
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, target)
	}

	if ok, reason := m.checkerFor(ctx, userID, target); !ok {
		m.recordFailure(ctx, userID, nil, target, snapshot, start, reason)
		return nil, &CapabilityError{Mode: target, Reason: reason}
	}

	m.mu.Lock()
	um := m.ensure(userID)
	cur := um.active()

	if cur.Mode == target {
		// The failure record deliberately carries no FromMode here;
		// see DESIGN.md on the observed source behavior.
		rec := m.failureRecord(userID, nil, target, snapshot, start, ErrAlreadyActive.Error())
		um.appendHistory(rec)
		m.mu.Unlock()
		m.persistTransition(ctx, rec)
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, target)
	}

	from := cur.Mode
	now := m.now()

	cur.Active = false
	cur.UpdatedAt = now

	next := um.states[target]
	next.Active = true
	next.PreviousMode = &from
	next.ActivatedAt = now
	next.UpdatedAt = now
	next.SyncVersion++

	rec := &Transition{
		UserID:          userID,
		FromMode:        &from,
		ToMode:          target,
		ContextSnapshot: cloneMap(snapshot),
		DurationMs:      now.Sub(start).Milliseconds(),
		Success:         true,
		Timestamp:       now,
	}
	prevState := *cur
	newState := *next
	m.mu.Unlock()

	if m.persist != nil {
		if err := m.persist.SaveState(ctx, &prevState); err != nil {
			m.failSwitch(ctx, userID, from, target, snapshot, start, err)
			return nil, fmt.Errorf("persist deactivated state: %w", err)
		}
		if as, ok := m.persist.(ActiveSwitcher); ok {
			// Seed the target row inactive at its pre-switch version,
			// then flip the pair conditionally. A concurrent switch
			// that got there first surfaces as a version conflict.
			seed := newState
			seed.Active = false
			seed.SyncVersion--
			if err := m.persist.SaveState(ctx, &seed); err != nil {
				m.failSwitch(ctx, userID, from, target, snapshot, start, err)
				return nil, fmt.Errorf("persist target state: %w", err)
			}
			if err := as.SwitchActive(ctx, userID, from, target, newState.SyncVersion-1); err != nil {
				m.failSwitch(ctx, userID, from, target, snapshot, start, err)
				return nil, fmt.Errorf("switch active state: %w", err)
			}
		} else if err := m.persist.SaveState(ctx, &newState); err != nil {
			m.failSwitch(ctx, userID, from, target, snapshot, start, err)
			return nil, fmt.Errorf("persist activated state: %w", err)
		}
	}

	m.mu.Lock()
	um.appendHistory(rec)
	m.mu.Unlock()
	m.persistTransition(ctx, rec)

	return &SwitchResult{
		NewState:         &newState,
		TransitionRecord: rec,
		PreservedContext: cloneMap(snapshot),
	}, nil
}

// failSwitch appends a failure record for an error hit after the
// deactivate step, then rolls the in-memory state back.
func (m *Machine) failSwitch(ctx context.Context, userID string, from, target Mode, snapshot map[string]any, start time.Time, cause error) {
	m.mu.Lock()
	um := m.ensure(userID)
	// Undo the activation bump so the in-memory version matches the
	// store again and the next conditional switch expects the right one.
	if next, ok := um.states[target]; ok && next.Active {
		next.Active = false
		next.SyncVersion--
	}
	if prev, ok := um.states[from]; ok {
		prev.Active = true
		prev.UpdatedAt = m.now()
	}
	rec := m.failureRecord(userID, &from, target, snapshot, start, cause.Error())
	um.appendHistory(rec)
	m.mu.Unlock()
	m.persistTransition(ctx, rec)
}

func (m *Machine) failureRecord(userID string, from *Mode, target Mode, snapshot map[string]any, start time.Time, msg string) *Transition {
	now := m.now()
	return &Transition{
		UserID:          userID,
		FromMode:        from,
		ToMode:          target,
		ContextSnapshot: cloneMap(snapshot),
		DurationMs:      now.Sub(start).Milliseconds(),
		Success:         false,
		ErrorMessage:    msg,
		Timestamp:       now,
	}
}

func (m *Machine) recordFailure(ctx context.Context, userID string, from *Mode, target Mode, snapshot map[string]any, start time.Time, msg string) {
	m.mu.Lock()
	um := m.ensure(userID)
	rec := m.failureRecord(userID, from, target, snapshot, start, msg)
	um.appendHistory(rec)
	m.mu.Unlock()
	m.persistTransition(ctx, rec)
}

func (m *Machine) persistTransition(ctx context.Context, t *Transition) {
	if m.persist == nil {
		return
	}
	if err := m.persist.RecordTransition(ctx, t); err != nil {
		slog.Warn("Machine: record transition failed", "user_id", t.UserID, "to", t.ToMode, "error", err)
	}
}

// UpdateConfiguration merges cfg into the given mode's configuration map.
// The active mode does not change.
func (m *Machine) UpdateConfiguration(ctx context.Context, userID string, md Mode, cfg map[string]any) (*State, error) {
	if !md.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, md)
	}
	m.mu.Lock()
	um := m.ensure(userID)
	s := um.states[md]
	if s.Configuration == nil {
		s.Configuration = map[string]any{}
	}
	for k, v := range cfg {
		s.Configuration[k] = v
	}
	s.UpdatedAt = m.now()
	s.SyncVersion++
	copied := *s
	m.mu.Unlock()

	if m.persist != nil {
		if err := m.persist.SaveState(ctx, &copied); err != nil {
			slog.Warn("Machine: persist configuration failed", "user_id", userID, "mode", md, "error", err)
		}
	}
	return &copied, nil
}

// TransitionHistory returns up to limit recent transitions, newest last.
func (m *Machine) TransitionHistory(ctx context.Context, userID string, limit int) ([]*Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	um := m.ensure(userID)
	n := len(um.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Transition, limit)
	copy(out, um.history[n-limit:])
	return out, nil
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
