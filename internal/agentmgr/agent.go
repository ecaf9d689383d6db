// Package agentmgr implements the agent lifecycle manager: the registry
// of known agents and capability-matched task routing. It does not itself
// start subprocesses — that's internal/procsup's job, invoked by SPAWN_AGENT
// handlers wired above both.
package agentmgr

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is an agent's liveness as tracked by the process supervisor.
type Status string

const (
	StatusActive   Status = "active"
	StatusBusy     Status = "busy"
	StatusInactive Status = "inactive"
)

// Agent is a logical actor identified by AgentID. Created by REGISTER_AGENT
// or SPAWN_AGENT; Status and Sessions are mutated by the process supervisor
// and completion pipeline respectively, LastActive by the completion
// pipeline. Sessions is append-only.
type Agent struct {
	AgentID         string         `json:"agent_id"`
	Role            string         `json:"role"`
	Capabilities    []string       `json:"capabilities"`
	Status          Status         `json:"status"`
	Model           string         `json:"model,omitempty"`
	ProcessID       int            `json:"process_id,omitempty"`
	Profile         string         `json:"profile,omitempty"`
	Composition     string         `json:"composition,omitempty"`
	InitialTask     string         `json:"initial_task,omitempty"`
	InitialContext  map[string]any `json:"initial_context,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActive      time.Time      `json:"last_active"`
	Sessions        []string       `json:"sessions"`
}

func (a *Agent) hasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Manager is the in-memory agent registry, keyed by agent_id.
type Manager struct {
	mu     sync.RWMutex
	byID   map[string]*Agent
}

// NewManager creates an empty agent registry.
func NewManager() *Manager {
	return &Manager{byID: make(map[string]*Agent)}
}

// RegisterParams are the fields accepted for REGISTER_AGENT and
// SPAWN_AGENT alike; SPAWN_AGENT additionally sets ProcessID once the
// supervisor has started the worker.
type RegisterParams struct {
	AgentID        string
	Role           string
	Capabilities   []string
	Model          string
	Profile        string
	Composition    string
	InitialTask    string
	InitialContext map[string]any
}

// Register adds agentID to the registry with StatusActive. Returns an
// error if agentID is already registered — agent_id is unique.
func (m *Manager) Register(p RegisterParams) (Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[p.AgentID]; exists {
		return Agent{}, fmt.Errorf("agentmgr: agent %q already registered", p.AgentID)
	}
	now := time.Now().UTC()
	a := &Agent{
		AgentID:        p.AgentID,
		Role:           p.Role,
		Capabilities:   p.Capabilities,
		Status:         StatusActive,
		Model:          p.Model,
		Profile:        p.Profile,
		Composition:    p.Composition,
		InitialTask:    p.InitialTask,
		InitialContext: p.InitialContext,
		CreatedAt:      now,
		LastActive:     now,
		Sessions:       []string{},
	}
	m.byID[p.AgentID] = a
	return *a, nil
}

// Get returns the agent for agentID.
func (m *Manager) Get(agentID string) (Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[agentID]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// List returns every agent, sorted by agent_id for stable GET_AGENTS
// output.
func (m *Manager) List() []Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Agent, 0, len(m.byID))
	for _, a := range m.byID {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Remove deletes agentID from the registry. Returns whether it existed.
func (m *Manager) Remove(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[agentID]; !ok {
		return false
	}
	delete(m.byID, agentID)
	return true
}

// SetStatus updates agentID's status, owned by the process supervisor.
func (m *Manager) SetStatus(agentID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.byID[agentID]; ok {
		a.Status = status
	}
}

// SetProcessID records the supervised child's OS process id.
func (m *Manager) SetProcessID(agentID string, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.byID[agentID]; ok {
		a.ProcessID = pid
	}
}

// Touch updates last_active and, if sessionID is non-empty and not
// already recorded, appends it to the agent's session list. Owned by the
// completion pipeline.
func (m *Manager) Touch(agentID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[agentID]
	if !ok {
		return
	}
	a.LastActive = time.Now().UTC()
	if sessionID == "" {
		return
	}
	for _, s := range a.Sessions {
		if s == sessionID {
			return
		}
	}
	a.Sessions = append(a.Sessions, sessionID)
}

// Snapshot returns every agent, for hot-reload state transfer.
func (m *Manager) Snapshot() []Agent {
	return m.List()
}

// Restore replaces the registry's contents with agents, used when loading
// state handed over by a predecessor daemon.
func (m *Manager) Restore(agents []Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = make(map[string]*Agent, len(agents))
	for i := range agents {
		a := agents[i]
		m.byID[a.AgentID] = &a
	}
}
