// Package orchestrator wires the persistent store, the event bus, and the
// live transport hub into one synchronization pipeline: local changes fan
// out store-first, inbound bus events are persisted and re-broadcast to
// connected clients, and state requests are answered from the
// authoritative state source.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CollabSync/CollabSync/internal/bus"
	"github.com/CollabSync/CollabSync/internal/config"
	"github.com/CollabSync/CollabSync/internal/mode"
	"github.com/CollabSync/CollabSync/internal/provenance"
	"github.com/CollabSync/CollabSync/internal/store"
	"github.com/CollabSync/CollabSync/internal/transport"
)

const heartbeatEvery = 30 * time.Second

// SubsystemError marks a fatal connect failure during Initialize.
type SubsystemError struct {
	Subsystem string
	Err       error
}

func (e *SubsystemError) Error() string {
	return fmt.Sprintf("subsystem %s failed to connect: %v", e.Subsystem, e.Err)
}

func (e *SubsystemError) Unwrap() error { return e.Err }

// StateSource answers state requests. The default source reads from the
// store; the service layer installs a machine-backed source instead.
type StateSource interface {
	ActiveState(ctx context.Context, userID string) (*mode.State, error)
	ActiveContexts(ctx context.Context, userID string) ([]*store.ContextRecord, error)
}

// Orchestrator is constructed once per process and injected into every
// consumer. Subsystems are optional; a disabled subsystem is skipped in
// every fan-out and never counts against operational status.
type Orchestrator struct {
	cfg        *config.Config
	instanceID string

	store *store.Service
	bus   *bus.Client
	hub   *transport.Hub

	mu          sync.RWMutex
	initialized bool
	startedAt   time.Time
	stateSource StateSource
	stopHB      chan struct{}
	janitorStop context.CancelFunc
}

// Option overrides a subsystem, mainly for tests and embedded use.
type Option func(*Orchestrator)

// WithStore injects a store service instead of the config-built one.
func WithStore(s *store.Service) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithBus injects a bus client instead of the config-built Kafka client.
func WithBus(c *bus.Client) Option {
	return func(o *Orchestrator) { o.bus = c }
}

// WithHub injects a transport hub.
func WithHub(h *transport.Hub) Option {
	return func(o *Orchestrator) { o.hub = h }
}

// New builds an orchestrator from config. Enabled subsystems are
// constructed but not connected; Initialize does the connecting.
func New(cfg *config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		instanceID: cfg.Instance.ID,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil && cfg.Store.Enabled {
		o.store = store.NewService(cfg.Store.Path)
	}
	if o.bus == nil && cfg.Bus.Enabled {
		o.bus = bus.NewKafkaClient(cfg.Instance.ID, cfg.Bus.Brokers,
			cfg.Bus.ConsumerGroup, cfg.Bus.EventsTopic())
	}
	if o.hub == nil && cfg.Transport.Enabled {
		o.hub = transport.NewHub(cfg.Instance.ID)
	}
	return o
}

// InstanceID returns the identity used for self-origin filtering.
func (o *Orchestrator) InstanceID() string { return o.instanceID }

// Store returns the store service, or nil when the store is disabled.
func (o *Orchestrator) Store() *store.Service { return o.store }

// Bus returns the bus client, or nil when the bus is disabled.
func (o *Orchestrator) Bus() *bus.Client { return o.bus }

// Hub returns the transport hub, or nil when the transport is disabled.
func (o *Orchestrator) Hub() *transport.Hub { return o.hub }

// SetStateSource installs the authority consulted for state requests.
func (o *Orchestrator) SetStateSource(src StateSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stateSource = src
}

// Initialized reports whether Initialize completed.
func (o *Orchestrator) Initialized() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.initialized
}

// Initialize connects every enabled subsystem. The first failure aborts
// the call with a SubsystemError; a second call after success is a no-op.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	timeout := o.cfg.Sync.ConnectTimeout()

	if o.store != nil {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := o.store.Connect(cctx)
		cancel()
		if err != nil {
			return &SubsystemError{Subsystem: "store", Err: err}
		}
		jctx, jcancel := context.WithCancel(context.Background())
		o.store.StartJanitor(jctx, o.cfg.Store.JanitorInterval())
		o.mu.Lock()
		o.janitorStop = jcancel
		o.mu.Unlock()
	}

	if o.bus != nil {
		o.registerBusHandlers()
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := o.bus.Connect(cctx)
		cancel()
		if err != nil {
			return &SubsystemError{Subsystem: "bus", Err: err}
		}
	}

	if o.store != nil && o.bus != nil {
		o.replayPending(ctx)
	}

	if o.hub != nil {
		o.hub.SetRequestHandler(o.handleStateRequest)
		if err := o.hub.Start(o.cfg.Transport.Listen, o.cfg.Transport.Path); err != nil {
			return &SubsystemError{Subsystem: "transport", Err: err}
		}
	}

	stopHB := make(chan struct{})
	o.mu.Lock()
	o.initialized = true
	o.startedAt = time.Now()
	o.stopHB = stopHB
	o.mu.Unlock()

	if o.bus != nil {
		go o.heartbeatLoop(stopHB)
	}

	slog.Info("Orchestrator: initialized",
		"instance_id", o.instanceID,
		"store", o.store != nil, "bus", o.bus != nil, "transport", o.hub != nil)
	return nil
}

// Shutdown tears subsystems down in reverse order of fan-out: transport
// first so clients stop receiving, then bus, then store.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.initialized = false
	stopHB := o.stopHB
	o.stopHB = nil
	jcancel := o.janitorStop
	o.janitorStop = nil
	o.mu.Unlock()

	if stopHB != nil {
		close(stopHB)
	}
	if o.hub != nil {
		if err := o.hub.Stop(); err != nil {
			slog.Warn("Orchestrator: transport stop failed", "error", err)
		}
	}
	if o.bus != nil {
		if err := o.bus.Close(); err != nil {
			slog.Warn("Orchestrator: bus close failed", "error", err)
		}
	}
	if jcancel != nil {
		jcancel()
	}
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			slog.Warn("Orchestrator: store close failed", "error", err)
		}
	}
	slog.Info("Orchestrator: shut down", "instance_id", o.instanceID)
	return nil
}

func (o *Orchestrator) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.mu.RLock()
			startedAt := o.startedAt
			o.mu.RUnlock()
			uptime := int64(time.Since(startedAt).Seconds())
			_, err := o.bus.Publish(context.Background(), bus.EventSyncHeartbeat, "",
				bus.SyncHeartbeatPayload{InstanceName: o.cfg.Instance.Name, Uptime: uptime})
			if err != nil {
				slog.Warn("Orchestrator: heartbeat publish failed", "error", err)
			}
		}
	}
}

// PublishModeChange fans a completed local mode switch out to the store,
// the bus, and connected transport clients. Delivery failures after
// initialization are logged and swallowed, never surfaced to the switch.
func (o *Orchestrator) PublishModeChange(ctx context.Context, userID string, from *mode.Mode, to mode.Mode, configuration map[string]any, syncVersion int64) {
	payload := bus.ModeChangedPayload{ToMode: string(to), Configuration: configuration, SyncVersion: syncVersion}
	if from != nil {
		payload.FromMode = string(*from)
	}
	o.fanOut(ctx, bus.EventModeChanged, userID, payload,
		transport.MsgModeUpdate)
}

// PublishContextUpdate persists a distributed context locally and fans the
// update out to peers and connected clients.
func (o *Orchestrator) PublishContextUpdate(ctx context.Context, userID, key, contextType string, data map[string]any) {
	if o.store != nil {
		contexts, err := o.store.Contexts()
		if err == nil {
			rec := &store.ContextRecord{
				UserID:         userID,
				ContextKey:     key,
				ContextType:    contextType,
				Data:           data,
				CreatedBy:      o.instanceID,
				LastModifiedBy: o.instanceID,
			}
			if ttl := o.cfg.Store.ContextTTLHours; ttl > 0 {
				exp := time.Now().Add(time.Duration(ttl) * time.Hour)
				rec.ExpiresAt = &exp
			}
			err = contexts.Upsert(ctx, rec)
		}
		if err != nil {
			slog.Warn("Orchestrator: context persist failed",
				"user_id", userID, "key", key, "error", err)
		}
	}

	o.fanOut(ctx, bus.EventContextUpdated, userID,
		bus.ContextPayload{ContextKey: key, ContextType: contextType, Data: data},
		transport.MsgContextSync)
}

// StoreProvenance records where a response came from and announces it.
func (o *Orchestrator) StoreProvenance(ctx context.Context, rec *provenance.Record) {
	if o.store != nil {
		prov, err := o.store.Provenance()
		if err == nil {
			err = prov.Insert(ctx, rec)
		}
		if err != nil && !errors.Is(err, store.ErrDuplicate) {
			slog.Warn("Orchestrator: provenance persist failed",
				"user_id", rec.UserID, "message_id", rec.MessageID, "error", err)
		}
	}

	payload := bus.ResponseGeneratedPayload{
		ChatID:       rec.ChatID,
		MessageID:    rec.MessageID,
		Mode:         rec.Mode,
		SourceType:   rec.SourceType,
		Provider:     rec.Provider,
		Model:        rec.Model,
		ResponseHash: rec.ResponseHash,
	}
	o.publishBus(ctx, bus.EventResponseGenerated, rec.UserID, payload)
}

// fanOut publishes one local change bus-ward and transport-ward. The store
// leg, when any, is handled by the caller before fanOut runs.
func (o *Orchestrator) fanOut(ctx context.Context, eventType, userID string, payload any, transportType string) {
	env := o.publishBus(ctx, eventType, userID, payload)

	if o.hub != nil && o.hub.Running() {
		msg, err := transport.NewMessage(transportType, userID, o.instanceID, payload)
		if err != nil {
			slog.Warn("Orchestrator: transport message build failed", "type", transportType, "error", err)
			return
		}
		if env != nil {
			msg.Metadata = map[string]any{"eventId": env.ID}
		}
		o.hub.BroadcastToUser(userID, msg)
	}
}

// publishBus publishes and records the event row; both failures are
// logged and swallowed.
func (o *Orchestrator) publishBus(ctx context.Context, eventType, userID string, payload any) *bus.Envelope {
	var env *bus.Envelope
	if o.bus != nil {
		var err error
		env, err = o.bus.Publish(ctx, eventType, userID, payload)
		if err != nil {
			slog.Warn("Orchestrator: bus publish failed", "type", eventType, "error", err)
		}
	}
	if env != nil {
		o.recordSyncEvent(ctx, env)
	}
	return env
}

// recordSyncEvent keeps a TTL'd copy of the envelope so instances that
// were offline can catch up from the store.
func (o *Orchestrator) recordSyncEvent(ctx context.Context, env *bus.Envelope) {
	if o.store == nil {
		return
	}
	events, err := o.store.SyncEvents()
	if err != nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	rec := &store.SyncEventRecord{
		EventID:          env.ID,
		SourceInstanceID: env.InstanceID,
		EventType:        env.Type,
		EventData:        string(data),
	}
	if ttl := o.cfg.Store.SyncEventTTLMinutes; ttl > 0 {
		exp := time.Now().Add(time.Duration(ttl) * time.Minute)
		rec.ExpiresAt = &exp
	}
	if err := events.Append(ctx, rec); err != nil && !errors.Is(err, store.ErrDuplicate) {
		slog.Warn("Orchestrator: sync event persist failed", "event_id", env.ID, "error", err)
	}
}

// replayBatch caps one catch-up pass over persisted sync events.
const replayBatch = 100

// replayPending applies events peers persisted while this instance was
// offline, acknowledging each so its processed_by list grows. Runs once
// during Initialize; later events arrive live over the bus.
func (o *Orchestrator) replayPending(ctx context.Context) {
	events, err := o.store.SyncEvents()
	if err != nil {
		return
	}
	pending, err := events.Pending(ctx, o.instanceID, replayBatch)
	if err != nil {
		slog.Warn("Orchestrator: pending event query failed", "error", err)
		return
	}
	for _, rec := range pending {
		var env bus.Envelope
		if err := json.Unmarshal([]byte(rec.EventData), &env); err != nil {
			slog.Warn("Orchestrator: undecodable pending event", "event_id", rec.EventID, "error", err)
			continue
		}
		o.persistInbound(ctx, &env)
		if err := events.MarkProcessed(ctx, rec.EventID, o.instanceID); err != nil {
			slog.Warn("Orchestrator: pending acknowledge failed", "event_id", rec.EventID, "error", err)
		}
	}
	if len(pending) > 0 {
		slog.Info("Orchestrator: replayed pending sync events", "count", len(pending))
	}
}

// registerBusHandlers subscribes the inbound side: persist what peers
// publish, then re-broadcast it to our own connected clients.
func (o *Orchestrator) registerBusHandlers() {
	o.bus.On(bus.EventModeChanged, func(ctx context.Context, env *bus.Envelope) error {
		return o.inbound(ctx, env, transport.MsgModeUpdate)
	})
	o.bus.On(bus.EventModeConfigUpdated, func(ctx context.Context, env *bus.Envelope) error {
		return o.inbound(ctx, env, transport.MsgModeUpdate)
	})
	for _, t := range []string{bus.EventContextCreated, bus.EventContextUpdated, bus.EventContextDeleted} {
		o.bus.On(t, func(ctx context.Context, env *bus.Envelope) error {
			return o.inbound(ctx, env, transport.MsgContextSync)
		})
	}
	o.bus.On(bus.EventResponseGenerated, func(ctx context.Context, env *bus.Envelope) error {
		return o.inbound(ctx, env, "")
	})
	o.bus.On(bus.EventSyncRequest, o.handleSyncRequest)
}

// inbound persists a foreign event and pushes it to local clients.
func (o *Orchestrator) inbound(ctx context.Context, env *bus.Envelope, transportType string) error {
	o.persistInbound(ctx, env)
	o.recordSyncEvent(ctx, env)

	if transportType != "" && o.hub != nil && o.hub.Running() {
		msg := &transport.Message{
			ID:         env.ID,
			Type:       transportType,
			UserID:     env.UserID,
			InstanceID: env.InstanceID,
			Timestamp:  env.Timestamp,
			Payload:    env.Payload,
		}
		o.hub.BroadcastToUser(env.UserID, msg)
	}
	return nil
}

func (o *Orchestrator) persistInbound(ctx context.Context, env *bus.Envelope) {
	if o.store == nil {
		return
	}
	decoded, err := bus.DecodePayload(env)
	if err != nil {
		slog.Warn("Orchestrator: undecodable inbound event", "type", env.Type, "error", err)
		return
	}

	switch p := decoded.(type) {
	case *bus.ModeChangedPayload:
		o.applyInboundModeChange(ctx, env, p)

	case *bus.ModeConfigUpdatedPayload:
		o.applyInboundModeConfig(ctx, env, p)

	case *bus.ContextPayload:
		if env.Type == bus.EventContextDeleted {
			if contexts, err := o.store.Contexts(); err == nil {
				if err := contexts.Delete(ctx, env.UserID, p.ContextKey); err != nil {
					slog.Warn("Orchestrator: context delete failed", "key", p.ContextKey, "error", err)
				}
			}
			return
		}
		contexts, err := o.store.Contexts()
		if err != nil {
			return
		}
		rec := &store.ContextRecord{
			UserID:         env.UserID,
			ContextKey:     p.ContextKey,
			ContextType:    p.ContextType,
			Mode:           p.Mode,
			Data:           p.Data,
			CreatedBy:      env.InstanceID,
			LastModifiedBy: env.InstanceID,
		}
		if err := contexts.Upsert(ctx, rec); err != nil {
			slog.Warn("Orchestrator: inbound context persist failed", "key", p.ContextKey, "error", err)
		}

	case *bus.ResponseGeneratedPayload:
		prov, err := o.store.Provenance()
		if err != nil {
			return
		}
		rec := &provenance.Record{
			UserID:       env.UserID,
			ChatID:       p.ChatID,
			MessageID:    p.MessageID,
			Mode:         p.Mode,
			SourceType:   p.SourceType,
			Provider:     p.Provider,
			Model:        p.Model,
			ResponseHash: p.ResponseHash,
			Timestamp:    env.Timestamp,
		}
		if err := prov.Insert(ctx, rec); err != nil && !errors.Is(err, store.ErrDuplicate) {
			slog.Warn("Orchestrator: inbound provenance persist failed",
				"message_id", p.MessageID, "error", err)
		}
	}
}

// applyInboundModeChange makes a peer's switch visible in our own
// mode_states: the old active row is deactivated and the new one upserted
// at the peer's sync version. Save keeps the higher of the stored and
// incoming versions, so a stale replay cannot roll a row back.
func (o *Orchestrator) applyInboundModeChange(ctx context.Context, env *bus.Envelope, p *bus.ModeChangedPayload) {
	to := mode.Mode(p.ToMode)
	if env.UserID == "" || !to.Valid() {
		return
	}
	states, err := o.store.ModeStates()
	if err != nil {
		return
	}
	now := env.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	cur, err := states.Active(ctx, env.UserID)
	if err != nil {
		slog.Warn("Orchestrator: inbound mode lookup failed", "user_id", env.UserID, "error", err)
		return
	}
	if cur != nil && cur.Mode != to {
		deact := *cur
		deact.Active = false
		deact.UpdatedAt = now
		if err := states.Save(ctx, &deact); err != nil {
			slog.Warn("Orchestrator: inbound mode deactivate failed", "user_id", env.UserID, "error", err)
			return
		}
	}

	next := &mode.State{
		UserID:        env.UserID,
		Mode:          to,
		Active:        true,
		Capabilities:  mode.CapabilitiesFor(to),
		Configuration: p.Configuration,
		ActivatedAt:   now,
		UpdatedAt:     now,
		SyncVersion:   p.SyncVersion,
	}
	if from := mode.Mode(p.FromMode); from.Valid() {
		next.PreviousMode = &from
	}
	if err := states.Save(ctx, next); err != nil {
		slog.Warn("Orchestrator: inbound mode change persist failed",
			"user_id", env.UserID, "mode", p.ToMode, "error", err)
	}
}

// applyInboundModeConfig merges a peer's configuration update into the
// matching mode row without touching which mode is active.
func (o *Orchestrator) applyInboundModeConfig(ctx context.Context, env *bus.Envelope, p *bus.ModeConfigUpdatedPayload) {
	m := mode.Mode(p.Mode)
	if env.UserID == "" || !m.Valid() {
		return
	}
	states, err := o.store.ModeStates()
	if err != nil {
		return
	}
	rows, err := states.List(ctx, env.UserID)
	if err != nil {
		return
	}
	for _, row := range rows {
		if row.Mode != m {
			continue
		}
		if row.Configuration == nil {
			row.Configuration = make(map[string]any)
		}
		for k, v := range p.Configuration {
			row.Configuration[k] = v
		}
		row.UpdatedAt = time.Now().UTC()
		row.SyncVersion++
		if err := states.Save(ctx, row); err != nil {
			slog.Warn("Orchestrator: inbound config persist failed",
				"user_id", env.UserID, "mode", p.Mode, "error", err)
		}
		return
	}
}

// handleSyncRequest replays the requesting user's current mode state onto
// the bus so the asking instance can converge.
func (o *Orchestrator) handleSyncRequest(ctx context.Context, env *bus.Envelope) error {
	src := o.currentStateSource()
	if src == nil || env.UserID == "" {
		return nil
	}
	st, err := src.ActiveState(ctx, env.UserID)
	if err != nil || st == nil {
		return err
	}
	payload := bus.ModeChangedPayload{
		ToMode:        string(st.Mode),
		Configuration: st.Configuration,
		SyncVersion:   st.SyncVersion,
	}
	if st.PreviousMode != nil {
		payload.FromMode = string(*st.PreviousMode)
	}
	o.publishBus(ctx, bus.EventModeChanged, env.UserID, payload)
	return nil
}

// stateResponse is the reply shape for a transport state-request.
type stateResponse struct {
	UserID     string                 `json:"userId"`
	ActiveMode string                 `json:"activeMode,omitempty"`
	State      *mode.State            `json:"state,omitempty"`
	Contexts   []*store.ContextRecord `json:"contexts,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func (o *Orchestrator) currentStateSource() StateSource {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.stateSource != nil {
		return o.stateSource
	}
	if o.store != nil && o.store.Connected() {
		return &storeStateSource{svc: o.store}
	}
	return nil
}

// handleStateRequest answers a transport state-request on the asking
// connection only.
func (o *Orchestrator) handleStateRequest(ctx context.Context, connID string, msg *transport.Message) {
	resp := stateResponse{UserID: msg.UserID}

	src := o.currentStateSource()
	if src == nil {
		resp.Error = "no state source available"
	} else {
		st, err := src.ActiveState(ctx, msg.UserID)
		if err != nil {
			resp.Error = err.Error()
		} else if st != nil {
			resp.ActiveMode = string(st.Mode)
			resp.State = st
		}
		if resp.Error == "" {
			contexts, err := src.ActiveContexts(ctx, msg.UserID)
			if err != nil {
				slog.Warn("Orchestrator: context fetch for state request failed",
					"user_id", msg.UserID, "error", err)
			} else {
				resp.Contexts = contexts
			}
		}
	}

	out, err := transport.NewMessage(transport.MsgStateResponse, msg.UserID, o.instanceID, resp)
	if err != nil {
		slog.Warn("Orchestrator: state response build failed", "error", err)
		return
	}
	if o.hub != nil {
		if err := o.hub.SendTo(connID, out); err != nil {
			slog.Warn("Orchestrator: state response send failed", "conn_id", connID, "error", err)
		}
	}
}

// storeStateSource is the default store-backed state authority.
type storeStateSource struct {
	svc *store.Service
}

func (s *storeStateSource) ActiveState(ctx context.Context, userID string) (*mode.State, error) {
	states, err := s.svc.ModeStates()
	if err != nil {
		return nil, err
	}
	return states.Active(ctx, userID)
}

func (s *storeStateSource) ActiveContexts(ctx context.Context, userID string) ([]*store.ContextRecord, error) {
	contexts, err := s.svc.Contexts()
	if err != nil {
		return nil, err
	}
	return contexts.Active(ctx, userID)
}
