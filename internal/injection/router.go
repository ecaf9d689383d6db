// Package injection implements the injection router: scheduling synthetic
// content into upcoming LLM completions, either immediately (direct mode)
// or bundled with the next outbound prompt for a session (next mode),
// bounded by a per-chain depth circuit breaker.
package injection

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode selects when queued content is applied.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeNext   Mode = "next"
)

// Position selects where content is spliced into the prompt.
type Position string

const (
	PositionBeforePrompt    Position = "before_prompt"
	PositionAfterPrompt     Position = "after_prompt"
	PositionSystemReminder  Position = "system_reminder"
)

const (
	DefaultMaxDepth = 5
	DefaultTTL      = time.Hour
)

// CircuitBreakerConfig bounds recursive injection chains. MaxDepth
// defaults to DefaultMaxDepth when zero. TokenBudget/TimeBudget are
// reserved fields: parsed and returned, never enforced.
type CircuitBreakerConfig struct {
	MaxDepth    int    `json:"max_depth,omitempty"`
	TokenBudget int    `json:"token_budget,omitempty"`
	TimeBudget  string `json:"time_budget,omitempty"`
}

func (c CircuitBreakerConfig) maxDepth() int {
	if c.MaxDepth > 0 {
		return c.MaxDepth
	}
	return DefaultMaxDepth
}

// Config describes one injection request.
type Config struct {
	Mode            Mode
	Position        Position
	Content         string
	TargetSessionID string
	ParentRequestID string
	CircuitBreaker  CircuitBreakerConfig
}

// Record is the stored metadata for one accepted injection.
type Record struct {
	ID              string               `json:"id"`
	InjectionConfig Config               `json:"injection_config"`
	CircuitBreaker  CircuitBreakerConfig `json:"circuit_breaker_config"`
	Timestamp       string               `json:"timestamp"`
	Depth           int                  `json:"depth"`
}

// pendingInjection is one queued next-mode entry with its expiry.
type pendingInjection struct {
	record    Record
	expiresAt time.Time
}

// Router is the daemon's single injection router instance.
type Router struct {
	mu sync.Mutex

	records map[string]Record               // id -> record, direct + next alike
	nextQueue map[string][]pendingInjection  // session_id -> pending next-mode injections
	depths  map[string]int                  // request_id -> depth, for circuit-breaker chains
}

// New creates an empty injection router.
func New() *Router {
	return &Router{
		records:   make(map[string]Record),
		nextQueue: make(map[string][]pendingInjection),
		depths:    make(map[string]int),
	}
}

// Result is returned by Inject.
type Result struct {
	Status string // "queued" or "blocked"
	Reason string // set when Status == "blocked"
	Record Record
}

// Inject evaluates cfg's circuit breaker and, if it passes, records the
// injection: immediately queued for direct mode, or stored in the
// per-session next-mode queue with a TTL.
func (r *Router) Inject(cfg Config) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	depth := 0
	if cfg.ParentRequestID != "" {
		depth = r.depths[cfg.ParentRequestID] + 1
	}
	if depth >= cfg.CircuitBreaker.maxDepth() {
		return Result{Status: "blocked", Reason: "circuit_breaker"}
	}

	id := uuid.NewString()
	rec := Record{
		ID:              id,
		InjectionConfig: cfg,
		CircuitBreaker:  cfg.CircuitBreaker,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		Depth:           depth,
	}
	r.records[id] = rec
	r.depths[id] = depth

	if cfg.Mode == ModeNext {
		r.nextQueue[cfg.TargetSessionID] = append(r.nextQueue[cfg.TargetSessionID], pendingInjection{
			record:    rec,
			expiresAt: time.Now().Add(DefaultTTL),
		})
	}
	return Result{Status: "queued", Record: rec}
}

// List returns every recorded injection, direct and next alike.
func (r *Router) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Clear removes every recorded injection and next-mode queue entry.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]Record)
	r.nextQueue = make(map[string][]pendingInjection)
	r.depths = make(map[string]int)
}

// DrainNext pops every non-expired next-mode injection queued for
// sessionID, for splicing into that session's next outbound prompt.
// Expired entries are dropped silently.
func (r *Router) DrainNext(sessionID string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := r.nextQueue[sessionID]
	delete(r.nextQueue, sessionID)

	now := time.Now()
	out := make([]Record, 0, len(pending))
	for _, p := range pending {
		if now.Before(p.expiresAt) {
			out = append(out, p.record)
		}
	}
	return out
}

// Status reports the next-mode queue depth for sessionID.
func (r *Router) Status(sessionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nextQueue[sessionID]), nil
}

// ApplyPosition splices content into prompt at position.
func ApplyPosition(prompt, content string, position Position) (string, error) {
	switch position {
	case PositionBeforePrompt:
		return content + "\n" + prompt, nil
	case PositionAfterPrompt, "":
		return prompt + "\n" + content, nil
	case PositionSystemReminder:
		return prompt + "\n<system-reminder>" + content + "</system-reminder>", nil
	default:
		return "", fmt.Errorf("injection: unknown position %q", position)
	}
}
