// Package identity implements the persistent per-agent identity store: one
// JSON document on disk holding every agent's display identity, traits and
// usage stats, atomically rewritten on every mutation.
package identity

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is a past or current conversation the identity participated in.
type Session struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// Stats tracks cumulative activity for an identity.
type Stats struct {
	MessagesSent             int      `json:"messages_sent"`
	ConversationsParticipated int     `json:"conversations_participated"`
	TasksCompleted           int      `json:"tasks_completed"`
	ToolsUsed                []string `json:"tools_used"`
}

func (s *Stats) addToolUsed(tool string) {
	for _, t := range s.ToolsUsed {
		if t == tool {
			return
		}
	}
	s.ToolsUsed = append(s.ToolsUsed, tool)
}

// Identity is one agent's persistent identity record, one-to-one with an
// agent_id. IdentityUUID, AgentID and CreatedAt are protected: immutable
// after creation, rejected by Update.
type Identity struct {
	IdentityUUID       string            `json:"identity_uuid"`
	AgentID            string            `json:"agent_id"`
	DisplayName        string            `json:"display_name"`
	Role               string            `json:"role"`
	PersonalityTraits  []string          `json:"personality_traits"`
	Appearance         string            `json:"appearance"`
	CreatedAt          time.Time         `json:"created_at"`
	LastActive         time.Time         `json:"last_active"`
	ConversationCount  int               `json:"conversation_count"`
	Sessions           []Session         `json:"sessions"`
	Preferences        map[string]any    `json:"preferences,omitempty"`
	Stats              Stats             `json:"stats"`
}

// ProtectedFields lists the identity fields UPDATE_IDENTITY must reject.
var ProtectedFields = []string{"identity_uuid", "agent_id", "created_at"}

// roleDefaults supplies traits/appearance when a role is recognised and
// the caller omitted them at creation.
var roleDefaults = map[string]struct {
	Traits     []string
	Appearance string
}{
	"coordinator": {Traits: []string{"organized", "decisive"}, Appearance: "a calm, methodical presence"},
	"researcher":  {Traits: []string{"curious", "thorough"}, Appearance: "an inquisitive presence"},
	"worker":      {Traits: []string{"diligent", "focused"}, Appearance: "a steady, task-oriented presence"},
	"reviewer":    {Traits: []string{"precise", "skeptical"}, Appearance: "an exacting presence"},
}

// Store is the identity manager: a single in-memory table backed by one
// JSON document, rewritten atomically (temp file + fsync + rename) on
// every mutation.
type Store struct {
	mu   sync.Mutex
	path string
	byID map[string]*Identity // agent_id -> identity
}

// Open loads path if it exists, or starts empty.
func Open(path string) (*Store, error) {
	s := &Store{path: path, byID: make(map[string]*Identity)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// CreateParams are the caller-supplied fields for CREATE_IDENTITY.
type CreateParams struct {
	AgentID           string
	DisplayName       string
	Role              string
	PersonalityTraits []string
	Appearance        string
	Preferences       map[string]any
}

// Create makes a new identity for AgentID. Returns an error if one already
// exists for that agent.
func (s *Store) Create(p CreateParams) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[p.AgentID]; exists {
		return Identity{}, fmt.Errorf("identity: agent %q already has an identity", p.AgentID)
	}

	now := time.Now().UTC()
	traits := p.PersonalityTraits
	appearance := p.Appearance
	if defaults, ok := roleDefaults[p.Role]; ok {
		if len(traits) == 0 {
			traits = defaults.Traits
		}
		if appearance == "" {
			appearance = defaults.Appearance
		}
	}

	id := &Identity{
		IdentityUUID:      uuid.NewString(),
		AgentID:           p.AgentID,
		DisplayName:       p.DisplayName,
		Role:              p.Role,
		PersonalityTraits: traits,
		Appearance:        appearance,
		CreatedAt:         now,
		LastActive:        now,
		Preferences:       p.Preferences,
		Sessions:          []Session{},
		Stats:             Stats{ToolsUsed: []string{}},
	}
	s.byID[p.AgentID] = id
	if err := s.saveLocked(); err != nil {
		delete(s.byID, p.AgentID)
		return Identity{}, err
	}
	return *id, nil
}

// Get returns the identity for agentID.
func (s *Store) Get(agentID string) (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byID[agentID]
	if !ok {
		return Identity{}, false
	}
	return *id, true
}

// List returns every identity, sorted by agent_id is not required by spec;
// map iteration order is fine since callers receive a plain slice.
func (s *Store) List() []Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Identity, 0, len(s.byID))
	for _, id := range s.byID {
		out = append(out, *id)
	}
	return out
}

// Update applies a partial set of field updates to agentID's identity.
// Keys in ProtectedFields are rejected with an error naming the first one
// encountered; updates is a JSON-decoded-shaped map so arbitrary field
// names can be validated before any mutation is applied.
func (s *Store) Update(agentID string, updates map[string]any) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byID[agentID]
	if !ok {
		return Identity{}, fmt.Errorf("identity: no identity for agent %q", agentID)
	}
	for _, protected := range ProtectedFields {
		if _, present := updates[protected]; present {
			return Identity{}, fmt.Errorf("identity: field %q is protected and cannot be updated", protected)
		}
	}

	if v, ok := updates["display_name"].(string); ok {
		id.DisplayName = v
	}
	if v, ok := updates["role"].(string); ok {
		id.Role = v
	}
	if v, ok := updates["appearance"].(string); ok {
		id.Appearance = v
	}
	if v, ok := updates["personality_traits"].([]any); ok {
		traits := make([]string, 0, len(v))
		for _, t := range v {
			if ts, ok := t.(string); ok {
				traits = append(traits, ts)
			}
		}
		id.PersonalityTraits = traits
	}
	if v, ok := updates["preferences"].(map[string]any); ok {
		id.Preferences = v
	}

	if err := s.saveLocked(); err != nil {
		return Identity{}, err
	}
	return *id, nil
}

// Remove deletes the identity for agentID. Returns whether one existed.
func (s *Store) Remove(agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[agentID]; !ok {
		return false, nil
	}
	delete(s.byID, agentID)
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// RecordActivity bumps last_active, appends tool usage and increments the
// requested stat counters for agentID's identity. Unknown agentIDs are a
// no-op: activity recording must never fail a completion.
func (s *Store) RecordActivity(agentID string, sessionID, tool string, messagesSent, tasksCompleted int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byID[agentID]
	if !ok {
		return
	}
	id.LastActive = time.Now().UTC()
	id.Stats.MessagesSent += messagesSent
	id.Stats.TasksCompleted += tasksCompleted
	if tool != "" {
		id.Stats.addToolUsed(tool)
	}
	if sessionID != "" && !id.hasSession(sessionID) {
		id.Sessions = append(id.Sessions, Session{SessionID: sessionID, StartedAt: time.Now().UTC()})
		id.ConversationCount++
		id.Stats.ConversationsParticipated++
	}
	_ = s.saveLocked()
}

func (id *Identity) hasSession(sessionID string) bool {
	for _, sess := range id.Sessions {
		if sess.SessionID == sessionID {
			return true
		}
	}
	return false
}
