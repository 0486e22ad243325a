// Package mcp coordinates tool execution across multiple registered tool
// servers, the feature that backs hybrid-mode multi-source responses. It
// keeps a bounded execution log for status and statistics reporting.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultLogSize = 100

// ToolInfo describes one callable tool exposed by a server.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolServer is the interface tool server adapters must implement.
type ToolServer interface {
	// ID returns the server identifier used in execution routing.
	ID() string
	// Name returns a human-readable server name.
	Name() string
	// Enabled reports whether the server participates in coordination.
	Enabled() bool
	// ListTools enumerates the tools the server currently exposes.
	ListTools(ctx context.Context) ([]ToolInfo, error)
	// CallTool invokes one tool. On error, the execution is recorded
	// as failed and the error is returned to the caller.
	CallTool(ctx context.Context, name string, input map[string]any) (string, error)
}

// ExecutionEntry is one row of the bounded execution log.
type ExecutionEntry struct {
	ServerID   string         `json:"serverId"`
	ServerName string         `json:"serverName"`
	ToolName   string         `json:"toolName"`
	Input      map[string]any `json:"input,omitempty"`
	Output     string         `json:"output,omitempty"`
	Success    bool           `json:"success"`
	DurationMs int64          `json:"durationMs"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ExecutionResult is returned to the caller of ExecuteTool.
type ExecutionResult struct {
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	DurationMs int64  `json:"durationMs"`
}

// ServerStatus reports one server's contribution to coordinator readiness.
type ServerStatus struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

// Status is the coordinator-level readiness snapshot.
type Status struct {
	Servers     []ServerStatus `json:"servers"`
	ServerCount int            `json:"serverCount"`
	TotalTools  int            `json:"totalTools"`
	IsReady     bool           `json:"isReady"`
}

// ServerStats holds per-server execution counts.
type ServerStats struct {
	Executions  int     `json:"executions"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"successRate"`
}

// ExecutionStats aggregates the execution log.
type ExecutionStats struct {
	TotalExecutions int                    `json:"totalExecutions"`
	SuccessRate     float64                `json:"successRate"`
	ByServer        map[string]ServerStats `json:"byServer"`
}

// Coordinator aggregates tools across registered servers.
type Coordinator struct {
	mu      sync.RWMutex
	servers map[string]ToolServer
	order   []string
	log     []ExecutionEntry
	logCap  int
}

// NewCoordinator creates a coordinator. logSize caps the execution log;
// zero or negative uses the default of 100 entries.
func NewCoordinator(logSize int) *Coordinator {
	if logSize <= 0 {
		logSize = defaultLogSize
	}
	return &Coordinator{
		servers: make(map[string]ToolServer),
		logCap:  logSize,
	}
}

// RegisterServer adds or replaces a tool server.
func (c *Coordinator) RegisterServer(s ToolServer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.servers[s.ID()]; !exists {
		c.order = append(c.order, s.ID())
	}
	c.servers[s.ID()] = s
	slog.Info("Tool coordinator: server registered", "server_id", s.ID(), "name", s.Name())
}

// RemoveServer unregisters a server by id.
func (c *Coordinator) RemoveServer(serverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.servers[serverID]; !ok {
		return false
	}
	delete(c.servers, serverID)
	for i, id := range c.order {
		if id == serverID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// enabledServers returns enabled servers in registration order.
func (c *Coordinator) enabledServers() []ToolServer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolServer, 0, len(c.order))
	for _, id := range c.order {
		if s, ok := c.servers[id]; ok && s.Enabled() {
			out = append(out, s)
		}
	}
	return out
}

// Status queries each enabled server for its tool count. A failing server
// is reported with zero tools, never as a coordinator failure.
func (c *Coordinator) Status(ctx context.Context) Status {
	servers := c.enabledServers()

	st := Status{Servers: make([]ServerStatus, 0, len(servers))}
	for _, s := range servers {
		ss := ServerStatus{ID: s.ID(), Name: s.Name()}
		tools, err := s.ListTools(ctx)
		if err != nil {
			slog.Warn("Tool coordinator: list tools failed", "server_id", s.ID(), "error", err)
			ss.Error = err.Error()
		} else {
			ss.ToolCount = len(tools)
		}
		st.Servers = append(st.Servers, ss)
		st.TotalTools += ss.ToolCount
	}
	st.ServerCount = len(servers)
	st.IsReady = st.ServerCount > 0 && st.TotalTools > 0
	return st
}

// ExecuteTool runs one tool on one server, timing the call and recording
// it in the execution log regardless of outcome.
func (c *Coordinator) ExecuteTool(ctx context.Context, serverID, toolName string, input map[string]any) (*ExecutionResult, error) {
	c.mu.RLock()
	s, ok := c.servers[serverID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool server not found: %s", serverID)
	}

	start := time.Now()
	output, err := s.CallTool(ctx, toolName, input)
	duration := time.Since(start).Milliseconds()

	entry := ExecutionEntry{
		ServerID:   serverID,
		ServerName: s.Name(),
		ToolName:   toolName,
		Input:      input,
		Output:     output,
		Success:    err == nil,
		DurationMs: duration,
		Timestamp:  time.Now().UTC(),
	}
	c.appendLog(entry)

	if err != nil {
		slog.Warn("Tool coordinator: execution failed",
			"server_id", serverID, "tool", toolName, "duration_ms", duration, "error", err)
		return &ExecutionResult{Success: false, DurationMs: duration}, err
	}
	return &ExecutionResult{Success: true, Output: output, DurationMs: duration}, nil
}

func (c *Coordinator) appendLog(entry ExecutionEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, entry)
	if len(c.log) > c.logCap {
		c.log = c.log[len(c.log)-c.logCap:]
	}
}

// ExecutionLog returns a copy of the log, oldest first.
func (c *Coordinator) ExecutionLog() []ExecutionEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ExecutionEntry(nil), c.log...)
}

// Stats computes aggregate and per-server success rates from the log.
func (c *Coordinator) Stats() ExecutionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := ExecutionStats{ByServer: make(map[string]ServerStats)}
	successes := 0
	for _, e := range c.log {
		ss := stats.ByServer[e.ServerID]
		ss.Executions++
		if e.Success {
			ss.Successes++
			successes++
		}
		stats.ByServer[e.ServerID] = ss
	}
	stats.TotalExecutions = len(c.log)
	if stats.TotalExecutions > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.TotalExecutions)
	}
	for id, ss := range stats.ByServer {
		if ss.Executions > 0 {
			ss.SuccessRate = float64(ss.Successes) / float64(ss.Executions)
		}
		stats.ByServer[id] = ss
	}
	return stats
}
