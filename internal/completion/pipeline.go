// Package completion implements the completion pipeline: per-agent
// serialization of LLM calls (one in flight per agent; callers waiting on
// the same agent are not admitted in arrival order), session continuity
// via JSONL turn logs, and embedded JSON event extraction from assistant
// responses.
package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ksi-project/ksid/internal/agentmgr"
	"github.com/ksi-project/ksid/internal/procsup"
	"github.com/ksi-project/ksid/internal/state"
)

// PreInvokeHook optionally enriches a prompt before it's sent to the LLM
// child, e.g. prepending temporal context. The default hook is identity.
type PreInvokeHook func(ctx context.Context, prompt, agentID, sessionID string) string

func identityHook(_ context.Context, prompt, _, _ string) string { return prompt }

// Request is one completion call's input.
type Request struct {
	Prompt      string
	SessionID   string
	Model       string
	AgentID     string
	EnableTools bool
}

// Response is the parsed result of one completion call.
type Response struct {
	SessionID       string
	AssistantText   string
	Raw             map[string]any
	ExtractedEvents []ExtractedEvent
	ExtractionErrs  []ExtractionError
}

// LLMChildSpec configures how the pipeline invokes the LLM-child command;
// Prompt/ResumeFrom are filled in per call.
type LLMChildSpec struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// Pipeline is the daemon's single completion pipeline instance.
type Pipeline struct {
	supervisor *procsup.Supervisor
	sessions   *state.SessionStore
	agents     *agentmgr.Manager
	childSpec  LLMChildSpec
	logger     SessionLogger
	hook       PreInvokeHook

	mu    sync.Mutex
	locks map[string]*sync.Mutex // agent_id -> mutex for in-flight serialisation
}

// New creates a completion pipeline. hook may be nil, in which case the
// identity hook is used.
func New(supervisor *procsup.Supervisor, sessions *state.SessionStore, agents *agentmgr.Manager, childSpec LLMChildSpec, logger SessionLogger, hook PreInvokeHook) *Pipeline {
	if hook == nil {
		hook = identityHook
	}
	return &Pipeline{
		supervisor: supervisor,
		sessions:   sessions,
		agents:     agents,
		childSpec:  childSpec,
		logger:     logger,
		hook:       hook,
		locks:      make(map[string]*sync.Mutex),
	}
}

// agentLock returns (creating if needed) the mutex serialising calls for
// agentID. It is a plain sync.Mutex, so waiters are not guaranteed to
// acquire it in the order they arrived. Calls with no agentID never
// serialise.
func (p *Pipeline) agentLock(agentID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[agentID] = l
	}
	return l
}

// Run executes one completion call to conclusion: it acquires the
// per-agent lock (if AgentID is set), invokes the LLM child, parses
// the response, records session continuity, and extracts embedded events.
func (p *Pipeline) Run(ctx context.Context, req Request) (Response, error) {
	if req.AgentID != "" {
		lock := p.agentLock(req.AgentID)
		lock.Lock()
		defer lock.Unlock()
	}

	prompt := p.hook(ctx, req.Prompt, req.AgentID, req.SessionID)

	out, err := p.supervisor.RunLLMCall(ctx, procsup.LLMCallSpec{
		Command:    p.childSpec.Command,
		Args:       p.childSpec.Args,
		Env:        p.childSpec.Env,
		Dir:        p.childSpec.Dir,
		Prompt:     prompt,
		ResumeFrom: req.SessionID,
		AgentID:    req.AgentID,
		Model:      req.Model,
	})
	if err != nil {
		return Response{}, fmt.Errorf("completion: llm call failed: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(out, &raw); err != nil {
		return Response{}, fmt.Errorf("completion: parse llm response: %w", err)
	}

	sessionID := req.SessionID
	if sid, ok := raw["sessionId"].(string); ok && sid != "" {
		sessionID = sid
	}

	assistantText := extractAssistantText(raw)

	if sessionID != "" {
		p.sessions.Put(sessionID, raw)
		if p.logger != nil {
			if err := p.logger.LogTurn(sessionID, req.Prompt, assistantText); err != nil {
				return Response{}, fmt.Errorf("completion: log session turn: %w", err)
			}
		}
	}
	if req.AgentID != "" {
		p.agents.Touch(req.AgentID, sessionID)
	}

	events, extractErrs := ExtractEvents(assistantText)

	return Response{
		SessionID:       sessionID,
		AssistantText:   assistantText,
		Raw:             raw,
		ExtractedEvents: events,
		ExtractionErrs:  extractErrs,
	}, nil
}

// extractAssistantText pulls message.content[*].text out of the LLM
// child's response object, per the normative contract
// {type:"assistant", message:{content:[{text:"..."}]}}.
func extractAssistantText(raw map[string]any) string {
	message, _ := raw["message"].(map[string]any)
	content, _ := message["content"].([]any)
	var text string
	for _, c := range content {
		block, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := block["text"].(string); ok {
			text += t
		}
	}
	return text
}
