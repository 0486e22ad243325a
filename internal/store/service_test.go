package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/CollabSync/CollabSync/internal/mode"
	"github.com/CollabSync/CollabSync/internal/provenance"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := NewService(filepath.Join(t.TempDir(), "collabsync.db"))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConnectIdempotent(t *testing.T) {
	s := newTestService(t)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect must be a no-op: %v", err)
	}
	if !s.Connected() {
		t.Fatal("expected connected")
	}
}

func TestAccessorsBeforeConnect(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "x.db"))
	if _, err := s.ModeStates(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ModeStates: %v", err)
	}
	if _, err := s.Contexts(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Contexts: %v", err)
	}
	if _, err := s.SyncEvents(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SyncEvents: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "x.db"))
	if s.HealthCheck(context.Background()) {
		t.Error("health check must be false before connect")
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.HealthCheck(context.Background()) {
		t.Error("health check should pass after connect")
	}
	s.Close()
	if s.HealthCheck(context.Background()) {
		t.Error("health check must be false after close")
	}
}

func seedStates(t *testing.T, c *ModeStates, userID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	for _, md := range mode.AllModes() {
		st := &mode.State{
			UserID:       userID,
			Mode:         md,
			Active:       md == mode.ModeLocal,
			Capabilities: mode.CapabilitiesFor(md),
			ActivatedAt:  now,
			UpdatedAt:    now,
			SyncVersion:  1,
		}
		if err := c.Save(ctx, st); err != nil {
			t.Fatalf("seed %s: %v", md, err)
		}
	}
}

func TestModeStatesSingleActiveInvariant(t *testing.T) {
	s := newTestService(t)
	c, _ := s.ModeStates()
	seedStates(t, c, "u1")

	active, err := c.Active(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.Mode != mode.ModeLocal {
		t.Fatalf("expected local active, got %+v", active)
	}

	// A second active row for the same user violates the partial unique
	// index.
	bad := &mode.State{
		UserID: "u1", Mode: mode.ModeHybrid, Active: true,
		ActivatedAt: time.Now(), UpdatedAt: time.Now(), SyncVersion: 1,
	}
	if err := c.Save(context.Background(), bad); err == nil {
		t.Fatal("expected unique violation for second active mode")
	}
}

func TestSwitchActiveCAS(t *testing.T) {
	s := newTestService(t)
	c, _ := s.ModeStates()
	seedStates(t, c, "u1")
	ctx := context.Background()

	if err := c.SwitchActive(ctx, "u1", mode.ModeLocal, mode.ModeHybrid, 1); err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	active, _ := c.Active(ctx, "u1")
	if active.Mode != mode.ModeHybrid || active.SyncVersion != 2 {
		t.Fatalf("unexpected active after switch: %+v", active)
	}
	if active.PreviousMode == nil || *active.PreviousMode != mode.ModeLocal {
		t.Errorf("previous mode not recorded: %+v", active.PreviousMode)
	}

	// Stale expectation loses.
	err := c.SwitchActive(ctx, "u1", mode.ModeHybrid, mode.ModeExternal, 99)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	active, _ = c.Active(ctx, "u1")
	if active.Mode != mode.ModeHybrid {
		t.Errorf("conflicting switch must not change active mode: %s", active.Mode)
	}
}

func TestTransitionsAppendAndRecent(t *testing.T) {
	s := newTestService(t)
	c, _ := s.Transitions()
	ctx := context.Background()

	from := mode.ModeLocal
	base := time.Now().Add(-time.Minute)
	for i, target := range []mode.Mode{mode.ModeExternal, mode.ModeLocal, mode.ModeHybrid} {
		err := c.Append(ctx, &mode.Transition{
			UserID:    "u1",
			FromMode:  &from,
			ToMode:    target,
			Success:   true,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	err := c.Append(ctx, &mode.Transition{
		UserID: "u1", ToMode: mode.ModeHybrid,
		Success: false, ErrorMessage: "mode already active",
		Timestamp: base.Add(3 * time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}

	recent, err := c.Recent(ctx, "u1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("limit not applied: %d", len(recent))
	}
	if recent[0].Success || recent[0].ErrorMessage != "mode already active" {
		t.Errorf("newest first expected, got %+v", recent[0])
	}
	if recent[0].FromMode != nil {
		t.Errorf("failed record FromMode should be nil, got %v", *recent[0].FromMode)
	}
}

func TestContextsUpsertLastWriteWins(t *testing.T) {
	s := newTestService(t)
	c, _ := s.Contexts()
	ctx := context.Background()

	rec := &ContextRecord{
		UserID: "u1", ContextKey: "k1", ContextType: ContextTypeChat,
		Data: map[string]any{"topic": "planning"}, CreatedBy: "inst-a",
		LastModifiedBy: "inst-a",
	}
	if err := c.Upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}

	rec2 := &ContextRecord{
		UserID: "u1", ContextKey: "k1", ContextType: ContextTypeChat,
		Data: map[string]any{"topic": "review"}, LastModifiedBy: "inst-b",
	}
	if err := c.Upsert(ctx, rec2); err != nil {
		t.Fatal(err)
	}

	got, err := c.Get(ctx, "u1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Data["topic"] != "review" {
		t.Fatalf("last write did not win: %+v", got)
	}
	if got.Version != 2 {
		t.Errorf("version should increment on update: %d", got.Version)
	}
	if got.LastModifiedBy != "inst-b" {
		t.Errorf("lastModifiedBy = %q", got.LastModifiedBy)
	}
}

func TestContextsCompareAndSwap(t *testing.T) {
	s := newTestService(t)
	c, _ := s.Contexts()
	ctx := context.Background()

	rec := &ContextRecord{UserID: "u1", ContextKey: "k1", ContextType: ContextTypeMode,
		Data: map[string]any{"v": 1}}
	if err := c.Upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}

	rec.Data = map[string]any{"v": 2}
	if err := c.CompareAndSwap(ctx, rec, 1); err != nil {
		t.Fatalf("matching version should swap: %v", err)
	}
	if err := c.CompareAndSwap(ctx, rec, 1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale version should conflict, got %v", err)
	}
}

func TestContextsExpiry(t *testing.T) {
	s := newTestService(t)
	c, _ := s.Contexts()
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	if err := c.Upsert(ctx, &ContextRecord{
		UserID: "u1", ContextKey: "dead", ContextType: ContextTypeCustom,
		Data: map[string]any{}, ExpiresAt: &past,
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Upsert(ctx, &ContextRecord{
		UserID: "u1", ContextKey: "live", ContextType: ContextTypeCustom,
		Data: map[string]any{}, ExpiresAt: &future,
	}); err != nil {
		t.Fatal(err)
	}

	got, _ := c.Get(ctx, "u1", "dead")
	if got != nil {
		t.Error("expired context should not be readable")
	}
	active, _ := c.Active(ctx, "u1")
	if len(active) != 1 || active[0].ContextKey != "live" {
		t.Errorf("active contexts wrong: %+v", active)
	}

	contexts, _, err := s.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if contexts != 1 {
		t.Errorf("sweep should remove 1 context, removed %d", contexts)
	}
}

func TestProvenanceWriteOnce(t *testing.T) {
	s := newTestService(t)
	c, _ := s.Provenance()
	ctx := context.Background()

	rec := &provenance.Record{
		UserID: "u1", ChatID: "c1", MessageID: "m1",
		Mode: "hybrid", SourceType: provenance.SourceHarmonized,
		Provider: "p", Model: "m",
		ResponseHash: provenance.HashContent("Hello"),
	}
	if err := c.Insert(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := c.Insert(ctx, rec); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second write must be rejected, got %v", err)
	}

	got, err := c.Get(ctx, "u1", "c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.SourceType != provenance.SourceHarmonized || got.ResponseHash != rec.ResponseHash {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestSyncEventsPendingAndMarkProcessed(t *testing.T) {
	s := newTestService(t)
	c, _ := s.SyncEvents()
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	events := []*SyncEventRecord{
		{EventID: "e1", SourceInstanceID: "inst-a", EventType: "mode:changed", ExpiresAt: &future},
		{EventID: "e2", SourceInstanceID: "inst-b", EventType: "context:updated", ExpiresAt: &future},
		{EventID: "e3", SourceInstanceID: "inst-a", EventType: "context:updated",
			TargetInstances: []string{"inst-c"}, ExpiresAt: &future},
	}
	for _, e := range events {
		if err := c.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	// inst-b sees e1 only: e2 is its own, e3 targets inst-c.
	pending, err := c.Pending(ctx, "inst-b", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].EventID != "e1" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}

	if err := c.MarkProcessed(ctx, "e1", "inst-b"); err != nil {
		t.Fatal(err)
	}
	pending, _ = c.Pending(ctx, "inst-b", 10)
	if len(pending) != 0 {
		t.Errorf("processed event still pending: %+v", pending)
	}

	// Duplicate event ids are rejected.
	if err := c.Append(ctx, events[0]); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected duplicate rejection, got %v", err)
	}
}

func TestSyncEventsTTLSweep(t *testing.T) {
	s := newTestService(t)
	c, _ := s.SyncEvents()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	if err := c.Append(ctx, &SyncEventRecord{
		EventID: "old", SourceInstanceID: "inst-a",
		EventType: "sync:heartbeat", ExpiresAt: &past,
	}); err != nil {
		t.Fatal(err)
	}

	_, swept, err := s.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if swept != 1 {
		t.Errorf("expected 1 swept sync event, got %d", swept)
	}
}
