// Package mode implements the collaboration-mode state machine: three
// mutually exclusive modes per user, capability gating, and an append-only
// transition history.
package mode

import (
	"context"
	"time"
)

// Mode is one of the three collaboration modes.
type Mode string

const (
	// ModeLocal runs everything on-device. Default mode.
	ModeLocal Mode = "local"
	// ModeExternal delegates processing to a remote provider.
	ModeExternal Mode = "external"
	// ModeHybrid combines local and external processing with
	// multi-source tool access.
	ModeHybrid Mode = "hybrid"
)

// AllModes returns the full mode set in canonical order.
func AllModes() []Mode {
	return []Mode{ModeLocal, ModeExternal, ModeHybrid}
}

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeLocal, ModeExternal, ModeHybrid:
		return true
	}
	return false
}

// Capabilities is the feature-flag descriptor for a mode.
type Capabilities struct {
	LocalProcessing    bool `json:"localProcessing"`
	ExternalProcessing bool `json:"externalProcessing"`
	MultiSource        bool `json:"multiSource"`
	OfflineCapable     bool `json:"offlineCapable"`
	RealTimeSync       bool `json:"realTimeSync"`
}

// CapabilitiesFor returns the descriptor for a mode.
func CapabilitiesFor(m Mode) Capabilities {
	switch m {
	case ModeExternal:
		return Capabilities{ExternalProcessing: true, RealTimeSync: true}
	case ModeHybrid:
		return Capabilities{
			LocalProcessing:    true,
			ExternalProcessing: true,
			MultiSource:        true,
			RealTimeSync:       true,
		}
	default:
		return Capabilities{LocalProcessing: true, OfflineCapable: true}
	}
}

// State is the per-(user, mode) record. Exactly one state per user is
// active at a time.
type State struct {
	UserID        string         `json:"user_id"`
	Mode          Mode           `json:"mode"`
	Active        bool           `json:"active"`
	PreviousMode  *Mode          `json:"previous_mode,omitempty"`
	Capabilities  Capabilities   `json:"capabilities"`
	Configuration map[string]any `json:"configuration,omitempty"`
	ActivatedAt   time.Time      `json:"activated_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	SyncVersion   int64          `json:"sync_version"`
}

// Transition is one immutable mode-switch attempt, success or failure.
type Transition struct {
	UserID          string         `json:"user_id"`
	FromMode        *Mode          `json:"from_mode,omitempty"`
	ToMode          Mode           `json:"to_mode"`
	ContextSnapshot map[string]any `json:"context_snapshot,omitempty"`
	DurationMs      int64          `json:"transition_duration_ms"`
	Success         bool           `json:"success"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// CapabilityChecker answers whether a mode's preconditions are satisfiable
// right now. The reason is surfaced to the user when activation is refused.
// The machine performs no environment probing itself.
type CapabilityChecker interface {
	CanActivate(ctx context.Context, userID string) (bool, string)
}

// CheckerFunc adapts a function to CapabilityChecker.
type CheckerFunc func(ctx context.Context, userID string) (bool, string)

// CanActivate implements CapabilityChecker.
func (f CheckerFunc) CanActivate(ctx context.Context, userID string) (bool, string) {
	return f(ctx, userID)
}

// Persister receives durable copies of state and transition records.
// Implementations must tolerate repeated upserts of the same state.
type Persister interface {
	SaveState(ctx context.Context, s *State) error
	RecordTransition(ctx context.Context, t *Transition) error
}

// ActiveSwitcher is an optional Persister extension that applies the
// deactivate/activate pair as one operation conditioned on the target
// row's sync version. A persister implementing it protects concurrent
// switches for the same user across processes.
type ActiveSwitcher interface {
	SwitchActive(ctx context.Context, userID string, from, to Mode, expectVersion int64) error
}

// AvailableMode describes one switch target in a state view.
type AvailableMode struct {
	Mode         Mode         `json:"mode"`
	Capabilities Capabilities `json:"capabilities"`
	CanActivate  bool         `json:"canActivate"`
	Reason       string       `json:"reason,omitempty"`
}

// StateView is the result of Machine.GetState.
type StateView struct {
	Current       Mode            `json:"current"`
	Previous      *Mode           `json:"previous,omitempty"`
	Capabilities  Capabilities    `json:"capabilities"`
	Configuration map[string]any  `json:"configuration,omitempty"`
	SyncVersion   int64           `json:"syncVersion"`
	Available     []AvailableMode `json:"available"`
	RecentHistory []*Transition   `json:"recentHistory"`
}

// ModeStatus is the result of Machine.Status for a single mode.
type ModeStatus struct {
	Mode          Mode           `json:"mode"`
	Active        bool           `json:"active"`
	Capabilities  Capabilities   `json:"capabilities"`
	CanActivate   bool           `json:"canActivate"`
	Reason        string         `json:"reason,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// SwitchResult is the outcome of a successful SwitchMode.
type SwitchResult struct {
	NewState         *State         `json:"newState"`
	TransitionRecord *Transition    `json:"transitionRecord"`
	PreservedContext map[string]any `json:"preservedContext,omitempty"`
}
