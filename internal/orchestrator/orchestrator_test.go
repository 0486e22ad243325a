package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CollabSync/CollabSync/internal/bus"
	"github.com/CollabSync/CollabSync/internal/config"
	"github.com/CollabSync/CollabSync/internal/mode"
	"github.com/CollabSync/CollabSync/internal/store"
	"github.com/CollabSync/CollabSync/internal/transport"
)

func testConfig(instanceID string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Instance.ID = instanceID
	cfg.Store.Enabled = false
	cfg.Bus.Enabled = false
	cfg.Transport.Enabled = false
	return cfg
}

func newTestStore(t *testing.T) *store.Service {
	t.Helper()
	svc := store.NewService(filepath.Join(t.TempDir(), "sync.db"))
	t.Cleanup(func() { svc.Close() })
	return svc
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStatusVacuouslyOperational(t *testing.T) {
	o := New(testConfig("inst-a"))
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize with nothing enabled: %v", err)
	}
	defer o.Shutdown(context.Background())

	st := o.Status(context.Background())
	if !st.IsFullyOperational {
		t.Error("zero enabled subsystems should be vacuously operational")
	}
	if st.EnabledCount != 0 || st.OperationalCount != 0 {
		t.Errorf("counts = %d/%d, want 0/0", st.OperationalCount, st.EnabledCount)
	}
	if got := st.Degraded(); got != "0/0" {
		t.Errorf("degraded = %q, want 0/0", got)
	}
}

func TestInitializeFailsFastOnStore(t *testing.T) {
	cfg := testConfig("inst-a")
	cfg.Store.Enabled = true
	cfg.Store.Path = filepath.Join(t.TempDir(), "missing", "nested", "sync.db")

	o := New(cfg)
	err := o.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected initialize to fail on unreachable store")
	}
	var subErr *SubsystemError
	if !errors.As(err, &subErr) {
		t.Fatalf("error = %v, want SubsystemError", err)
	}
	if subErr.Subsystem != "store" {
		t.Errorf("subsystem = %q, want store", subErr.Subsystem)
	}
	if o.Initialized() {
		t.Error("orchestrator marked initialized after fatal connect")
	}
}

func TestInitializeIsReentrant(t *testing.T) {
	o := New(testConfig("inst-a"), WithStore(newTestStore(t)))
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("first initialize: %v", err)
	}
	defer o.Shutdown(context.Background())
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestCrossInstanceContextPropagation(t *testing.T) {
	broker := bus.NewBroker()

	a := New(testConfig("inst-a"), WithBus(bus.NewInProcessClient("inst-a", broker)))
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize a: %v", err)
	}
	defer a.Shutdown(context.Background())

	storeB := newTestStore(t)
	b := New(testConfig("inst-b"),
		WithBus(bus.NewInProcessClient("inst-b", broker)),
		WithStore(storeB))
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize b: %v", err)
	}
	defer b.Shutdown(context.Background())

	a.PublishContextUpdate(context.Background(), "u1", "k1", store.ContextTypeChat,
		map[string]any{"doc": "draft-7"})

	waitFor(t, func() bool {
		contexts, err := storeB.Contexts()
		if err != nil {
			return false
		}
		rec, err := contexts.Get(context.Background(), "u1", "k1")
		return err == nil && rec != nil
	}, "context propagation to instance b")

	contexts, err := storeB.Contexts()
	if err != nil {
		t.Fatal(err)
	}
	rec, err := contexts.Get(context.Background(), "u1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Data["doc"] != "draft-7" {
		t.Errorf("data = %v, want doc=draft-7", rec.Data)
	}
	if rec.LastModifiedBy != "inst-a" {
		t.Errorf("lastModifiedBy = %q, want inst-a", rec.LastModifiedBy)
	}
}

func TestInitializeReplaysPendingEvents(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	// An event a peer recorded while this instance was offline.
	env, err := bus.NewEnvelope(bus.EventModeChanged, "u1", "inst-a",
		bus.ModeChangedPayload{FromMode: "local", ToMode: "external", SyncVersion: 5})
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	events, err := st.SyncEvents()
	if err != nil {
		t.Fatal(err)
	}
	if err := events.Append(ctx, &store.SyncEventRecord{
		EventID:          env.ID,
		SourceInstanceID: "inst-a",
		EventType:        env.Type,
		EventData:        string(data),
	}); err != nil {
		t.Fatal(err)
	}

	o := New(testConfig("inst-b"),
		WithStore(st),
		WithBus(bus.NewInProcessClient("inst-b", bus.NewBroker())))
	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer o.Shutdown(ctx)

	states, err := st.ModeStates()
	if err != nil {
		t.Fatal(err)
	}
	active, err := states.Active(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.Mode != mode.ModeExternal {
		t.Fatalf("replayed mode change not applied: %+v", active)
	}
	if active.SyncVersion != 5 {
		t.Errorf("sync version = %d, want 5", active.SyncVersion)
	}

	// The acknowledgement grew processed_by, so a second pass sees nothing.
	pending, err := events.Pending(ctx, "inst-b", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after replay = %d, want 0", len(pending))
	}
}

func TestCrossInstanceModeChangeApplied(t *testing.T) {
	broker := bus.NewBroker()

	a := New(testConfig("inst-a"), WithBus(bus.NewInProcessClient("inst-a", broker)))
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize a: %v", err)
	}
	defer a.Shutdown(context.Background())

	storeB := newTestStore(t)
	b := New(testConfig("inst-b"),
		WithBus(bus.NewInProcessClient("inst-b", broker)),
		WithStore(storeB))
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize b: %v", err)
	}
	defer b.Shutdown(context.Background())

	from := mode.ModeLocal
	a.PublishModeChange(context.Background(), "u1", &from, mode.ModeHybrid,
		map[string]any{"provider": "relay-1"}, 4)

	states, err := storeB.ModeStates()
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		st, err := states.Active(context.Background(), "u1")
		return err == nil && st != nil && st.Mode == mode.ModeHybrid
	}, "inbound mode change applied on instance b")

	st, err := states.Active(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if st.SyncVersion != 4 {
		t.Errorf("sync version = %d, want 4", st.SyncVersion)
	}
	if st.PreviousMode == nil || *st.PreviousMode != mode.ModeLocal {
		t.Errorf("previous mode = %v, want local", st.PreviousMode)
	}
	if st.Configuration["provider"] != "relay-1" {
		t.Errorf("configuration = %v, want provider=relay-1", st.Configuration)
	}
}

func TestSelfOriginEventsStayLocal(t *testing.T) {
	broker := bus.NewBroker()
	storeA := newTestStore(t)

	a := New(testConfig("inst-a"),
		WithBus(bus.NewInProcessClient("inst-a", broker)),
		WithStore(storeA))
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer a.Shutdown(context.Background())

	a.PublishContextUpdate(context.Background(), "u1", "k1", store.ContextTypeChat,
		map[string]any{"n": "1"})

	// The local write lands once; the echoed bus event must be filtered
	// out, never re-applied with inst-a as a foreign modifier.
	time.Sleep(100 * time.Millisecond)
	contexts, err := storeA.Contexts()
	if err != nil {
		t.Fatal(err)
	}
	rec, err := contexts.Get(context.Background(), "u1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("local context write missing")
	}
	if rec.Version != 1 {
		t.Errorf("version = %d, want 1 (echo must not double-apply)", rec.Version)
	}
}

func TestPublishModeChangeRecordsSyncEvent(t *testing.T) {
	broker := bus.NewBroker()
	storeA := newTestStore(t)

	o := New(testConfig("inst-a"),
		WithBus(bus.NewInProcessClient("inst-a", broker)),
		WithStore(storeA))
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer o.Shutdown(context.Background())

	from := mode.ModeLocal
	o.PublishModeChange(context.Background(), "u1", &from, mode.ModeExternal,
		map[string]any{"provider": "relay-1"}, 2)

	events, err := storeA.SyncEvents()
	if err != nil {
		t.Fatal(err)
	}
	pending, err := events.Pending(context.Background(), "inst-b", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending events = %d, want 1", len(pending))
	}
	if pending[0].EventType != bus.EventModeChanged {
		t.Errorf("event type = %q, want %q", pending[0].EventType, bus.EventModeChanged)
	}
	if pending[0].SourceInstanceID != "inst-a" {
		t.Errorf("source = %q, want inst-a", pending[0].SourceInstanceID)
	}
}

func TestStatusDegradedAfterBusLoss(t *testing.T) {
	broker := bus.NewBroker()
	o := New(testConfig("inst-a"),
		WithBus(bus.NewInProcessClient("inst-a", broker)),
		WithStore(newTestStore(t)))
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer o.Shutdown(context.Background())

	st := o.Status(context.Background())
	if !st.IsFullyOperational {
		t.Fatalf("status not operational after init: %s", st.Degraded())
	}

	o.bus.Close()
	st = o.Status(context.Background())
	if st.IsFullyOperational {
		t.Error("status still fully operational with bus closed")
	}
	if got := st.Degraded(); got != "1/2" {
		t.Errorf("degraded = %q, want 1/2", got)
	}
}

func TestStatusUnhealthySubsystemNotOperational(t *testing.T) {
	broker := bus.NewBroker()
	unhealthy := bus.NewClient("inst-a",
		bus.NewChannelProducer(broker), bus.NewChannelConsumer(broker),
		bus.WithPinger(func(context.Context) error { return errors.New("broker unreachable") }))
	o := New(testConfig("inst-a"), WithBus(unhealthy))
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer o.Shutdown(context.Background())

	st := o.Status(context.Background())
	if !st.Bus.Connected {
		t.Fatal("bus should be connected")
	}
	if st.Bus.Healthy {
		t.Fatal("failing pinger should report unhealthy")
	}
	if st.IsFullyOperational {
		t.Error("connected-but-unhealthy bus must not count as operational")
	}
	if got := st.Degraded(); got != "0/1" {
		t.Errorf("degraded = %q, want 0/1", got)
	}
}

func TestStateRequestAnsweredOnOneConnection(t *testing.T) {
	cfg := testConfig("inst-a")
	cfg.Transport.Listen = "127.0.0.1:0"
	storeA := newTestStore(t)
	hub := transport.NewHub("inst-a")

	o := New(cfg, WithStore(storeA), WithHub(hub))
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer o.Shutdown(context.Background())

	states, err := storeA.ModeStates()
	if err != nil {
		t.Fatal(err)
	}
	st := &mode.State{
		UserID:       "u1",
		Mode:         mode.ModeHybrid,
		Active:       true,
		Capabilities: mode.CapabilitiesFor(mode.ModeHybrid),
		ActivatedAt:  time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
		SyncVersion:  3,
	}
	if err := states.Save(context.Background(), st); err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+hub.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var welcome transport.Message
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("welcome: %v", err)
	}

	req, err := transport.NewMessage(transport.MsgStateRequest, "u1", "inst-ui", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp transport.Message
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("state response: %v", err)
	}
	if resp.Type != transport.MsgStateResponse {
		t.Fatalf("type = %q, want state-response", resp.Type)
	}
	var body stateResponse
	if err := json.Unmarshal(resp.Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body.ActiveMode != string(mode.ModeHybrid) {
		t.Errorf("active mode = %q, want hybrid", body.ActiveMode)
	}
	if body.State == nil || body.State.SyncVersion != 3 {
		t.Errorf("state = %+v, want sync version 3", body.State)
	}
}
