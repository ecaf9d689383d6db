package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/injection"
	"github.com/ksi-project/ksid/internal/registry"
)

type circuitBreakerParams struct {
	MaxDepth    int    `json:"max_depth,omitempty"`
	TokenBudget int    `json:"token_budget,omitempty"`
	TimeBudget  string `json:"time_budget,omitempty"`
}

type injectParams struct {
	Mode            string                `json:"mode,omitempty"`
	Position        string                `json:"position,omitempty"`
	Content         string                `json:"content"`
	SessionID       string                `json:"session_id,omitempty"`
	ParentRequestID string                `json:"parent_request_id,omitempty"`
	CircuitBreaker  *circuitBreakerParams `json:"circuit_breaker,omitempty"`
}

func (p *injectParams) Validate() []registry.FieldError {
	var errs []registry.FieldError
	if p.Content == "" {
		errs = append(errs, fieldRequired("content"))
	}
	switch injection.Mode(p.Mode) {
	case "", injection.ModeDirect, injection.ModeNext:
	default:
		errs = append(errs, fieldInvalid("mode", "must be direct or next"))
	}
	if injection.Mode(p.Mode) == injection.ModeNext && p.SessionID == "" {
		errs = append(errs, fieldInvalid("session_id", "is required for next mode"))
	}
	switch injection.Position(p.Position) {
	case "", injection.PositionBeforePrompt, injection.PositionAfterPrompt, injection.PositionSystemReminder:
	default:
		errs = append(errs, fieldInvalid("position", "must be before_prompt, after_prompt or system_reminder"))
	}
	return errs
}

func (p *injectParams) toConfig() injection.Config {
	mode := injection.Mode(p.Mode)
	if mode == "" {
		mode = injection.ModeDirect
	}
	cfg := injection.Config{
		Mode:            mode,
		Position:        injection.Position(p.Position),
		Content:         p.Content,
		TargetSessionID: p.SessionID,
		ParentRequestID: p.ParentRequestID,
	}
	if p.CircuitBreaker != nil {
		cfg.CircuitBreaker = injection.CircuitBreakerConfig{
			MaxDepth:    p.CircuitBreaker.MaxDepth,
			TokenBudget: p.CircuitBreaker.TokenBudget,
			TimeBudget:  p.CircuitBreaker.TimeBudget,
		}
	}
	return cfg
}

type injectBatchParams struct {
	Injections []injectParams `json:"injections"`
}

func (p *injectBatchParams) Validate() []registry.FieldError {
	if len(p.Injections) == 0 {
		return []registry.FieldError{fieldRequired("injections")}
	}
	var errs []registry.FieldError
	for i := range p.Injections {
		for _, e := range p.Injections[i].Validate() {
			errs = append(errs, fieldInvalid(fmt.Sprintf("injections.%d.%s", i, e.Path), e.Message))
		}
	}
	return errs
}

type injectionStatusParams struct {
	SessionID string `json:"session_id"`
}

func (p *injectionStatusParams) Validate() []registry.FieldError {
	if p.SessionID == "" {
		return []registry.FieldError{fieldRequired("session_id")}
	}
	return nil
}

type processResultParams struct {
	RequestID       string                `json:"request_id,omitempty"`
	ParentRequestID string                `json:"parent_request_id,omitempty"`
	SessionID       string                `json:"session_id,omitempty"`
	Result          any                   `json:"result"`
	Mode            string                `json:"mode,omitempty"`
	Position        string                `json:"position,omitempty"`
	CircuitBreaker  *circuitBreakerParams `json:"circuit_breaker,omitempty"`
}

func (p *processResultParams) Validate() []registry.FieldError {
	var errs []registry.FieldError
	if p.Result == nil {
		errs = append(errs, fieldRequired("result"))
	}
	switch injection.Mode(p.Mode) {
	case "", injection.ModeDirect, injection.ModeNext:
	default:
		errs = append(errs, fieldInvalid("mode", "must be direct or next"))
	}
	return errs
}

type executeParams struct {
	Content   string `json:"content"`
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Model     string `json:"model,omitempty"`
}

func (p *executeParams) Validate() []registry.FieldError {
	if p.Content == "" {
		return []registry.FieldError{fieldRequired("content")}
	}
	return nil
}

func registerInjection(reg *registry.Registry, deps Deps) {
	reg.Register(registry.Definition{
		Name:    "INJECTION_INJECT",
		NewArgs: func() any { return &injectParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			return injectOne(deps, params.(*injectParams)), nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "INJECTION_BATCH",
		NewArgs: func() any { return &injectBatchParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*injectBatchParams)
			results := make([]map[string]any, 0, len(p.Injections))
			for i := range p.Injections {
				results = append(results, injectOne(deps, &p.Injections[i]))
			}
			return map[string]any{"results": results, "count": len(results)}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "INJECTION_LIST",
		NewArgs: func() any { return &emptyParams{} },
		Handle: func(ctx context.Context, _ any) (any, error) {
			records := deps.Injector.List()
			return map[string]any{"injections": records, "count": len(records)}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "INJECTION_CLEAR",
		NewArgs: func() any { return &emptyParams{} },
		Handle: func(ctx context.Context, _ any) (any, error) {
			deps.Injector.Clear()
			return map[string]any{"status": "cleared"}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "INJECTION_QUEUE",
		NewArgs: func() any { return &emptyParams{} },
		Handle: func(ctx context.Context, _ any) (any, error) {
			pending := 0
			if deps.InjectQueue != nil {
				pending = deps.InjectQueue.Len()
			}
			return map[string]any{"pending": pending}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "INJECTION_STATUS",
		NewArgs: func() any { return &injectionStatusParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*injectionStatusParams)
			pending, err := deps.Injector.Status(p.SessionID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"session_id": p.SessionID, "pending": pending}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "INJECTION_PROCESS_RESULT",
		NewArgs: func() any { return &processResultParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			return processResult(deps, params.(*processResultParams))
		},
	})

	reg.Register(registry.Definition{
		Name:    "INJECTION_EXECUTE",
		NewArgs: func() any { return &executeParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*executeParams)
			requestID := uuid.NewString()
			deps.Async.Go(func() {
				cp := &completionParams{
					Prompt:            p.Content,
					SessionID:         p.SessionID,
					AgentID:           p.AgentID,
					Model:             p.Model,
					InjectionMetadata: &injectionMetadata{IsInjection: true, RequestID: requestID},
				}
				if _, err := runCompletion(context.Background(), deps, cp); err != nil {
					deps.Logger.Error("injection completion failed", zap.Error(err))
				}
			})
			return map[string]any{"status": "executing", "request_id": requestID}, nil
		},
	})
}

// injectOne runs one injection through the router's circuit breaker and,
// for accepted direct-mode injections, hands the record to the queue
// processor for execution.
func injectOne(deps Deps, p *injectParams) map[string]any {
	result := deps.Injector.Inject(p.toConfig())
	if result.Status == "blocked" {
		return map[string]any{"status": "blocked", "reason": result.Reason}
	}
	if result.Record.InjectionConfig.Mode == injection.ModeDirect && deps.InjectQueue != nil {
		deps.InjectQueue.Enqueue(result.Record)
	}
	return map[string]any{"status": "queued", "id": result.Record.ID, "depth": result.Record.Depth}
}

// processResult composes follow-up content for a finished completion that
// carried injection metadata, then queues it as a new injection in the
// requested mode. The chain's depth rides on parent_request_id; a chain
// past its max depth comes back blocked with reason circuit_breaker.
func processResult(deps Deps, p *processResultParams) (any, error) {
	content := composeResultContent(deps, p)

	mode := injection.Mode(p.Mode)
	if mode == "" {
		mode = injection.ModeNext
	}
	cfg := injection.Config{
		Mode:            mode,
		Position:        injection.Position(p.Position),
		Content:         content,
		TargetSessionID: p.SessionID,
		ParentRequestID: p.ParentRequestID,
	}
	if p.CircuitBreaker != nil {
		cfg.CircuitBreaker = injection.CircuitBreakerConfig{
			MaxDepth:    p.CircuitBreaker.MaxDepth,
			TokenBudget: p.CircuitBreaker.TokenBudget,
			TimeBudget:  p.CircuitBreaker.TimeBudget,
		}
	}

	result := deps.Injector.Inject(cfg)
	if result.Status == "blocked" {
		return map[string]any{"status": "blocked", "reason": result.Reason}, nil
	}
	if mode == injection.ModeDirect && deps.InjectQueue != nil {
		deps.InjectQueue.Enqueue(result.Record)
	}
	return map[string]any{"status": "queued", "id": result.Record.ID, "depth": result.Record.Depth}, nil
}

// composeResultContent renders the follow-up prompt for a completion
// result, via the async_completion_result composition when one is loaded,
// else a plain serialisation of the result.
func composeResultContent(deps Deps, p *processResultParams) string {
	resultText, ok := p.Result.(string)
	if !ok {
		raw, err := json.Marshal(p.Result)
		if err == nil {
			resultText = string(raw)
		} else {
			resultText = fmt.Sprintf("%v", p.Result)
		}
	}

	if _, found := deps.Composer.GetComposition("async_completion_result"); found {
		composed, err := deps.Composer.Compose("async_completion_result", map[string]any{
			"result":     resultText,
			"session_id": p.SessionID,
			"request_id": p.RequestID,
		})
		if err == nil {
			return composed.Prompt
		}
		deps.Logger.Warn("async_completion_result composition failed, using raw result", zap.Error(err))
	}
	return resultText
}
