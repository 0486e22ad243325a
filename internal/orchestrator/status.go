package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// SubsystemStatus reports one subsystem's health.
type SubsystemStatus struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
	Healthy   bool `json:"healthy"`
}

// Status is the orchestrator-level view the UI renders. A degraded
// instance keeps working locally; the N/M operational count lets the
// caller say so instead of erroring.
type Status struct {
	InstanceID    string          `json:"instanceId"`
	Initialized   bool            `json:"initialized"`
	UptimeSeconds int64           `json:"uptimeSeconds"`
	Store         SubsystemStatus `json:"store"`
	Bus           SubsystemStatus `json:"bus"`
	Transport     SubsystemStatus `json:"transport"`

	EnabledCount       int  `json:"enabledCount"`
	OperationalCount   int  `json:"operationalCount"`
	IsFullyOperational bool `json:"isFullyOperational"`
}

// Degraded renders the operational count as "N/M".
func (s Status) Degraded() string {
	return fmt.Sprintf("%d/%d", s.OperationalCount, s.EnabledCount)
}

// Status probes every enabled subsystem. With nothing enabled the
// instance is vacuously fully operational.
func (o *Orchestrator) Status(ctx context.Context) Status {
	o.mu.RLock()
	initialized := o.initialized
	startedAt := o.startedAt
	o.mu.RUnlock()

	st := Status{InstanceID: o.instanceID, Initialized: initialized}
	if initialized {
		st.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}

	if o.store != nil {
		st.Store = SubsystemStatus{
			Enabled:   true,
			Connected: o.store.Connected(),
			Healthy:   o.store.HealthCheck(ctx),
		}
	}
	if o.bus != nil {
		st.Bus = SubsystemStatus{
			Enabled:   true,
			Connected: o.bus.Connected(),
			Healthy:   o.bus.HealthCheck(ctx),
		}
	}
	if o.hub != nil {
		running := o.hub.Running()
		st.Transport = SubsystemStatus{Enabled: true, Connected: running, Healthy: running}
	}

	for _, sub := range []SubsystemStatus{st.Store, st.Bus, st.Transport} {
		if !sub.Enabled {
			continue
		}
		st.EnabledCount++
		if sub.Connected && sub.Healthy {
			st.OperationalCount++
		}
	}
	st.IsFullyOperational = st.OperationalCount == st.EnabledCount
	return st
}
