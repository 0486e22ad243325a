// Package service is the operation surface the UI layer calls. It owns
// the mode state machine, the synchronization orchestrator, and the tool
// coordinator, and keeps them consistent: local mode switches persist
// through the store-backed persister and fan out through the orchestrator
// once sync is initialized.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/CollabSync/CollabSync/internal/bus"
	"github.com/CollabSync/CollabSync/internal/config"
	"github.com/CollabSync/CollabSync/internal/mcp"
	"github.com/CollabSync/CollabSync/internal/mode"
	"github.com/CollabSync/CollabSync/internal/orchestrator"
	"github.com/CollabSync/CollabSync/internal/provenance"
	"github.com/CollabSync/CollabSync/internal/store"
)

// Service bundles the collaboration-mode core behind one API.
type Service struct {
	cfg     *config.Config
	machine *mode.Machine
	orch    *orchestrator.Orchestrator
	tools   *mcp.Coordinator
}

// Option configures the service at construction.
type Option func(*options)

type options struct {
	checkers map[mode.Mode]mode.CapabilityChecker
	orch     *orchestrator.Orchestrator
	tools    *mcp.Coordinator
}

// WithChecker installs a capability checker for one mode. Modes without a
// checker activate unconditionally.
func WithChecker(m mode.Mode, c mode.CapabilityChecker) Option {
	return func(o *options) { o.checkers[m] = c }
}

// WithOrchestrator injects a pre-built orchestrator, mainly for tests.
func WithOrchestrator(orch *orchestrator.Orchestrator) Option {
	return func(o *options) { o.orch = orch }
}

// WithCoordinator injects a pre-built tool coordinator.
func WithCoordinator(c *mcp.Coordinator) Option {
	return func(o *options) { o.tools = c }
}

// New constructs the service. An empty instance id in cfg is filled in
// with a generated one so self-origin filtering always has an identity.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg.Instance.ID == "" {
		cfg.Instance.ID = uuid.New().String()
	}

	o := &options{checkers: make(map[mode.Mode]mode.CapabilityChecker)}
	for _, opt := range opts {
		opt(o)
	}

	orch := o.orch
	if orch == nil {
		orch = orchestrator.New(cfg)
	}
	tools := o.tools
	if tools == nil {
		tools = mcp.NewCoordinator(cfg.Tools.ExecutionLogSize)
	}

	machineOpts := make([]mode.Option, 0, len(o.checkers)+1)
	for m, c := range o.checkers {
		machineOpts = append(machineOpts, mode.WithChecker(m, c))
	}
	if orch.Store() != nil {
		machineOpts = append(machineOpts, mode.WithPersister(&storePersister{svc: orch.Store()}))
	}
	machine := mode.NewMachine(machineOpts...)

	s := &Service{cfg: cfg, machine: machine, orch: orch, tools: tools}
	orch.SetStateSource(&machineStateSource{machine: machine, store: orch.Store()})
	return s
}

// InstanceID returns the process identity.
func (s *Service) InstanceID() string { return s.cfg.Instance.ID }

// Tools returns the multi-source tool coordinator.
func (s *Service) Tools() *mcp.Coordinator { return s.tools }

// Orchestrator returns the synchronization orchestrator.
func (s *Service) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// GetState returns the user's full mode state view.
func (s *Service) GetState(ctx context.Context, userID string) (*mode.StateView, error) {
	return s.machine.GetState(ctx, userID)
}

// GetModeStatus reports one mode's activation status for the user.
func (s *Service) GetModeStatus(ctx context.Context, userID string, m mode.Mode) (*mode.ModeStatus, error) {
	return s.machine.Status(ctx, userID, m)
}

// SwitchMode switches the user to target. On success the change fans out
// to peers and connected clients; fan-out failures never undo the switch.
func (s *Service) SwitchMode(ctx context.Context, userID string, target mode.Mode, snapshot map[string]any) (*mode.SwitchResult, error) {
	res, err := s.machine.SwitchMode(ctx, userID, target, snapshot)
	if err != nil {
		return nil, err
	}
	if s.orch.Initialized() {
		s.orch.PublishModeChange(ctx, userID, res.TransitionRecord.FromMode,
			res.NewState.Mode, res.NewState.Configuration, res.NewState.SyncVersion)
	}
	return res, nil
}

// UpdateConfiguration merges cfg into one mode's configuration without
// activating it, and announces the merge when sync is up.
func (s *Service) UpdateConfiguration(ctx context.Context, userID string, m mode.Mode, cfg map[string]any) (*mode.State, error) {
	st, err := s.machine.UpdateConfiguration(ctx, userID, m, cfg)
	if err != nil {
		return nil, err
	}
	if s.orch.Initialized() {
		if bc := s.orch.Bus(); bc != nil {
			_, err := bc.Publish(ctx, bus.EventModeConfigUpdated, userID,
				bus.ModeConfigUpdatedPayload{Mode: string(m), Configuration: st.Configuration})
			if err != nil {
				slog.Warn("Service: config update publish failed", "user_id", userID, "error", err)
			}
		}
	}
	return st, nil
}

// GetTransitionHistory returns the user's recent transitions, newest
// first.
func (s *Service) GetTransitionHistory(ctx context.Context, userID string, limit int) ([]*mode.Transition, error) {
	return s.machine.TransitionHistory(ctx, userID, limit)
}

// RestoreUser loads the user's persisted mode rows and recent history
// into the machine, replacing the lazy defaults. No-op without a
// connected store or when the user has no rows yet.
func (s *Service) RestoreUser(ctx context.Context, userID string) error {
	st := s.orch.Store()
	if st == nil || !st.Connected() {
		return nil
	}
	states, err := st.ModeStates()
	if err != nil {
		return err
	}
	rows, err := states.List(ctx, userID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	transitions, err := st.Transitions()
	if err != nil {
		return err
	}
	recent, err := transitions.Recent(ctx, userID, 50)
	if err != nil {
		return err
	}
	s.machine.Restore(userID, rows, recent)
	return nil
}

// InitializeSync connects every enabled subsystem.
func (s *Service) InitializeSync(ctx context.Context) error {
	return s.orch.Initialize(ctx)
}

// GetSyncStatus reports per-subsystem health.
func (s *Service) GetSyncStatus(ctx context.Context) orchestrator.Status {
	return s.orch.Status(ctx)
}

// ShutdownSync tears the sync pipeline down.
func (s *Service) ShutdownSync(ctx context.Context) error {
	return s.orch.Shutdown(ctx)
}

// PublishModeChange fans an externally applied mode change out without
// running the local state machine.
func (s *Service) PublishModeChange(ctx context.Context, userID string, from *mode.Mode, to mode.Mode, cfg map[string]any, syncVersion int64) {
	s.orch.PublishModeChange(ctx, userID, from, to, cfg, syncVersion)
}

// PublishContextUpdate persists and fans out one distributed context.
func (s *Service) PublishContextUpdate(ctx context.Context, userID, key, contextType string, data map[string]any) {
	s.orch.PublishContextUpdate(ctx, userID, key, contextType, data)
}

// StoreProvenance records a response's origin and announces it.
func (s *Service) StoreProvenance(ctx context.Context, userID, chatID, messageID string, m mode.Mode, src provenance.Source, hash string) {
	rec := &provenance.Record{
		UserID:       userID,
		ChatID:       chatID,
		MessageID:    messageID,
		Mode:         string(m),
		SourceType:   src.SourceType,
		Provider:     src.Provider,
		Model:        src.Model,
		Confidence:   src.Confidence,
		ResponseHash: hash,
		Timestamp:    time.Now().UTC(),
	}
	s.orch.StoreProvenance(ctx, rec)
}

// storePersister adapts the store to the machine's persister. It stays
// quiet while the store is not yet connected so pre-sync switches keep
// working locally; durability engages once Connect succeeds.
type storePersister struct {
	svc *store.Service
}

func (p *storePersister) SaveState(ctx context.Context, st *mode.State) error {
	if !p.svc.Connected() {
		return nil
	}
	states, err := p.svc.ModeStates()
	if err != nil {
		return err
	}
	return states.Save(ctx, st)
}

func (p *storePersister) SwitchActive(ctx context.Context, userID string, from, to mode.Mode, expectVersion int64) error {
	if !p.svc.Connected() {
		return nil
	}
	states, err := p.svc.ModeStates()
	if err != nil {
		return err
	}
	return states.SwitchActive(ctx, userID, from, to, expectVersion)
}

func (p *storePersister) RecordTransition(ctx context.Context, t *mode.Transition) error {
	if !p.svc.Connected() {
		return nil
	}
	transitions, err := p.svc.Transitions()
	if err != nil {
		return err
	}
	return transitions.Append(ctx, t)
}

// machineStateSource answers state requests from the in-memory machine,
// with contexts read from the store when one is attached.
type machineStateSource struct {
	machine *mode.Machine
	store   *store.Service
}

func (m *machineStateSource) ActiveState(ctx context.Context, userID string) (*mode.State, error) {
	view, err := m.machine.GetState(ctx, userID)
	if err != nil {
		return nil, err
	}
	st := &mode.State{
		UserID:        userID,
		Mode:          view.Current,
		Active:        true,
		PreviousMode:  view.Previous,
		Capabilities:  view.Capabilities,
		Configuration: view.Configuration,
		SyncVersion:   view.SyncVersion,
		UpdatedAt:     time.Now().UTC(),
	}
	return st, nil
}

func (m *machineStateSource) ActiveContexts(ctx context.Context, userID string) ([]*store.ContextRecord, error) {
	if m.store == nil || !m.store.Connected() {
		return nil, nil
	}
	contexts, err := m.store.Contexts()
	if err != nil {
		return nil, err
	}
	return contexts.Active(ctx, userID)
}
