package mode

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// memPersister collects saved states and transitions for assertions.
type memPersister struct {
	mu          sync.Mutex
	states      []*State
	transitions []*Transition
	failSave    bool
}

func (p *memPersister) SaveState(_ context.Context, s *State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSave {
		return errors.New("save rejected")
	}
	copied := *s
	p.states = append(p.states, &copied)
	return nil
}

func (p *memPersister) RecordTransition(_ context.Context, t *Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := *t
	p.transitions = append(p.transitions, &copied)
	return nil
}

func TestGetStateSeedsDefaults(t *testing.T) {
	m := NewMachine()
	view, err := m.GetState(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if view.Current != ModeLocal {
		t.Errorf("default mode = %s, want local", view.Current)
	}
	if view.Previous != nil {
		t.Errorf("fresh user should have no previous mode")
	}
	if len(view.Available) != 3 {
		t.Fatalf("expected 3 available modes, got %d", len(view.Available))
	}
	if !view.Capabilities.OfflineCapable || view.Capabilities.ExternalProcessing {
		t.Errorf("local capabilities wrong: %+v", view.Capabilities)
	}
}

func TestSwitchModeAllPairs(t *testing.T) {
	ctx := context.Background()
	for _, from := range AllModes() {
		for _, to := range AllModes() {
			if from == to {
				continue
			}
			m := NewMachine()
			if from != ModeLocal {
				if _, err := m.SwitchMode(ctx, "u1", from, nil); err != nil {
					t.Fatalf("setup switch to %s: %v", from, err)
				}
			}
			res, err := m.SwitchMode(ctx, "u1", to, nil)
			if err != nil {
				t.Fatalf("switch %s->%s: %v", from, to, err)
			}
			if res.NewState.Mode != to || !res.NewState.Active {
				t.Errorf("switch %s->%s: new state %+v", from, to, res.NewState)
			}
			rec := res.TransitionRecord
			if rec.FromMode == nil || *rec.FromMode != from || rec.ToMode != to {
				t.Errorf("switch %s->%s: record %+v", from, to, rec)
			}
			if !rec.Success || rec.DurationMs < 0 {
				t.Errorf("switch %s->%s: success=%v duration=%d", from, to, rec.Success, rec.DurationMs)
			}
		}
	}
}

func TestSwitchModeAlreadyActive(t *testing.T) {
	m := NewMachine()
	ctx := context.Background()

	_, err := m.SwitchMode(ctx, "u1", ModeLocal, nil)
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}

	hist, _ := m.TransitionHistory(ctx, "u1", 10)
	if len(hist) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(hist))
	}
	rec := hist[0]
	if rec.Success {
		t.Error("already-active attempt must be recorded as failure")
	}
	if rec.ToMode != ModeLocal {
		t.Errorf("failure record toMode = %s", rec.ToMode)
	}
	if rec.FromMode != nil {
		t.Errorf("already-active failure keeps FromMode nil, got %v", *rec.FromMode)
	}
}

func TestSwitchModeCapabilityUnmet(t *testing.T) {
	m := NewMachine(WithChecker(ModeExternal, CheckerFunc(
		func(context.Context, string) (bool, string) {
			return false, "no provider credentials configured"
		})))
	ctx := context.Background()

	_, err := m.SwitchMode(ctx, "u1", ModeExternal, nil)
	var ce *CapabilityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CapabilityError, got %v", err)
	}
	if ce.Reason != "no provider credentials configured" {
		t.Errorf("reason = %q", ce.Reason)
	}

	hist, _ := m.TransitionHistory(ctx, "u1", 10)
	if len(hist) != 1 || hist[0].Success {
		t.Fatalf("expected one failed record, got %+v", hist)
	}

	view, _ := m.GetState(ctx, "u1")
	if view.Current != ModeLocal {
		t.Errorf("refused switch must not change mode, current=%s", view.Current)
	}
	for _, a := range view.Available {
		if a.Mode == ModeExternal && (a.CanActivate || a.Reason == "") {
			t.Errorf("available entry should carry refusal: %+v", a)
		}
	}
}

func TestSwitchModeSyncVersionMonotonic(t *testing.T) {
	m := NewMachine()
	ctx := context.Background()

	res1, err := m.SwitchMode(ctx, "u1", ModeHybrid, nil)
	if err != nil {
		t.Fatal(err)
	}
	res2, err := m.SwitchMode(ctx, "u1", ModeLocal, nil)
	if err != nil {
		t.Fatal(err)
	}
	res3, err := m.SwitchMode(ctx, "u1", ModeHybrid, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res3.NewState.SyncVersion <= res1.NewState.SyncVersion {
		t.Errorf("sync version must only increase: %d then %d",
			res1.NewState.SyncVersion, res3.NewState.SyncVersion)
	}
	if res2.NewState.Mode != ModeLocal {
		t.Errorf("unexpected state %+v", res2.NewState)
	}
}

func TestSwitchModePersisterFailureRecordsTransition(t *testing.T) {
	p := &memPersister{failSave: true}
	m := NewMachine(WithPersister(p))
	ctx := context.Background()

	_, err := m.SwitchMode(ctx, "u1", ModeExternal, nil)
	if err == nil {
		t.Fatal("expected persist failure to surface")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var failed *Transition
	for _, tr := range p.transitions {
		if !tr.Success {
			failed = tr
		}
	}
	if failed == nil {
		t.Fatal("failure after deactivate must still append a failed transition")
	}
	if failed.FromMode == nil || *failed.FromMode != ModeLocal {
		t.Errorf("post-deactivate failure carries the real FromMode, got %+v", failed.FromMode)
	}

	// In-memory state rolled back to the previous mode.
	view, _ := m.GetState(ctx, "u1")
	if view.Current != ModeLocal {
		t.Errorf("expected rollback to local, got %s", view.Current)
	}
}

func TestUpdateConfiguration(t *testing.T) {
	p := &memPersister{}
	m := NewMachine(WithPersister(p))
	ctx := context.Background()

	s, err := m.UpdateConfiguration(ctx, "u1", ModeHybrid, map[string]any{"maxSources": 3})
	if err != nil {
		t.Fatal(err)
	}
	if s.Configuration["maxSources"] != 3 {
		t.Errorf("configuration not merged: %+v", s.Configuration)
	}
	if s.Active {
		t.Error("configuring an inactive mode must not activate it")
	}

	view, _ := m.GetState(ctx, "u1")
	if view.Current != ModeLocal {
		t.Errorf("active mode changed by configuration update: %s", view.Current)
	}

	// Second update merges rather than replaces.
	s, _ = m.UpdateConfiguration(ctx, "u1", ModeHybrid, map[string]any{"timeoutMs": 500})
	if s.Configuration["maxSources"] != 3 || s.Configuration["timeoutMs"] != 500 {
		t.Errorf("merge lost keys: %+v", s.Configuration)
	}
}

func TestTransitionHistoryLimit(t *testing.T) {
	m := NewMachine()
	ctx := context.Background()
	targets := []Mode{ModeExternal, ModeLocal, ModeHybrid, ModeLocal, ModeExternal}
	for _, target := range targets {
		if _, err := m.SwitchMode(ctx, "u1", target, nil); err != nil {
			t.Fatal(err)
		}
	}
	hist, _ := m.TransitionHistory(ctx, "u1", 2)
	if len(hist) != 2 {
		t.Fatalf("limit not applied: %d", len(hist))
	}
	if hist[1].ToMode != ModeExternal {
		t.Errorf("expected newest last, got %+v", hist[1])
	}
}

func TestStatusUnknownMode(t *testing.T) {
	m := NewMachine()
	if _, err := m.Status(context.Background(), "u1", Mode("turbo")); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
}

// casPersister extends memPersister with a conditional switch, scriptable
// to simulate a concurrent writer winning the race.
type casPersister struct {
	memPersister
	conflict   bool
	switches   int
	lastExpect int64
}

func (p *casPersister) SwitchActive(_ context.Context, userID string, from, to Mode, expectVersion int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastExpect = expectVersion
	if p.conflict {
		return errors.New("version conflict")
	}
	p.switches++
	return nil
}

func TestSwitchModeUsesConditionalSwitch(t *testing.T) {
	p := &casPersister{}
	m := NewMachine(WithPersister(p))

	res, err := m.SwitchMode(context.Background(), "u1", ModeExternal, nil)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if res.NewState.Mode != ModeExternal {
		t.Errorf("mode = %s, want external", res.NewState.Mode)
	}
	if p.switches != 1 {
		t.Errorf("conditional switches = %d, want 1", p.switches)
	}
	// Both rows upserted before the flip: deactivated previous, then
	// the inactive target seed at its pre-switch version.
	if len(p.states) != 2 {
		t.Fatalf("saved states = %d, want 2", len(p.states))
	}
	if p.states[0].Mode != ModeLocal || p.states[0].Active {
		t.Errorf("first save = %+v, want deactivated local", p.states[0])
	}
	if p.states[1].Mode != ModeExternal || p.states[1].Active {
		t.Errorf("second save = %+v, want inactive external seed", p.states[1])
	}
	if p.states[1].SyncVersion != res.NewState.SyncVersion-1 {
		t.Errorf("seed version = %d, want %d", p.states[1].SyncVersion, res.NewState.SyncVersion-1)
	}
}

func TestSwitchModeVersionConflictRollsBack(t *testing.T) {
	p := &casPersister{conflict: true}
	m := NewMachine(WithPersister(p))

	if _, err := m.SwitchMode(context.Background(), "u1", ModeExternal, nil); err == nil {
		t.Fatal("expected conflict error")
	}

	view, err := m.GetState(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if view.Current != ModeLocal {
		t.Errorf("current after rollback = %s, want local", view.Current)
	}
	history, err := m.TransitionHistory(context.Background(), "u1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Success {
		t.Fatalf("history = %+v, want one failed record", history)
	}
	if history[0].FromMode == nil || *history[0].FromMode != ModeLocal {
		t.Errorf("failure fromMode = %v, want local", history[0].FromMode)
	}
}

func TestFailedSwitchRestoresVersion(t *testing.T) {
	p := &casPersister{conflict: true}
	m := NewMachine(WithPersister(p))

	if _, err := m.SwitchMode(context.Background(), "u1", ModeExternal, nil); err == nil {
		t.Fatal("expected conflict error")
	}

	// The rollback put the target's version back, so the retry expects
	// the same pre-switch version and lands one bump above it.
	p.conflict = false
	res, err := m.SwitchMode(context.Background(), "u1", ModeExternal, nil)
	if err != nil {
		t.Fatalf("retry after conflict: %v", err)
	}
	if p.lastExpect != 1 {
		t.Errorf("retry expected version %d, want 1", p.lastExpect)
	}
	if res.NewState.SyncVersion != 2 {
		t.Errorf("version after retry = %d, want 2", res.NewState.SyncVersion)
	}
}

func TestRestoreReplacesLazyDefaults(t *testing.T) {
	m := NewMachine()

	ext := ModeLocal
	m.Restore("u1", []*State{
		{UserID: "u1", Mode: ModeHybrid, Active: true, PreviousMode: &ext,
			Capabilities: CapabilitiesFor(ModeHybrid), SyncVersion: 7},
	}, []*Transition{
		{UserID: "u1", FromMode: &ext, ToMode: ModeHybrid, Success: true},
	})

	view, err := m.GetState(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if view.Current != ModeHybrid {
		t.Errorf("restored current = %s, want hybrid", view.Current)
	}
	if view.SyncVersion != 7 {
		t.Errorf("restored version = %d, want 7", view.SyncVersion)
	}
	if len(view.RecentHistory) != 1 || view.RecentHistory[0].ToMode != ModeHybrid {
		t.Errorf("restored history = %+v", view.RecentHistory)
	}
}

func TestRestoreWithoutActiveFallsBackToLocal(t *testing.T) {
	m := NewMachine()
	m.Restore("u1", []*State{
		{UserID: "u1", Mode: ModeExternal, Active: false, SyncVersion: 3},
	}, nil)

	view, err := m.GetState(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if view.Current != ModeLocal {
		t.Errorf("current = %s, want local fallback", view.Current)
	}
}
