package agentmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RouteDecision is one appended line of the routing JSONL log.
type RouteDecision struct {
	Timestamp            time.Time `json:"timestamp"`
	Task                 string    `json:"task"`
	RequiredCapabilities []string  `json:"required_capabilities"`
	Status               string    `json:"status"`
	AssignedAgentID      string    `json:"assigned_agent_id,omitempty"`
	MatchScore           int       `json:"match_score,omitempty"`
}

// RouteLogger appends routing decisions to a JSONL file. A nil *RouteLogger
// is a valid no-op, so callers don't have to branch on whether routing
// diagnostics are configured.
type RouteLogger struct {
	mu   sync.Mutex
	path string
}

// NewRouteLogger creates a logger appending to path, creating parent
// directories as needed.
func NewRouteLogger(path string) (*RouteLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("agentmgr: create routing log dir: %w", err)
	}
	return &RouteLogger{path: path}, nil
}

// Append writes one decision line. Errors are returned for the caller to
// log; a failed diagnostics write must never fail the routing itself.
func (l *RouteLogger) Append(d RouteDecision) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("agentmgr: open routing log: %w", err)
	}
	defer f.Close()
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("agentmgr: marshal routing decision: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("agentmgr: write routing decision: %w", err)
	}
	return nil
}
