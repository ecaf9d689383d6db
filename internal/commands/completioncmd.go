package commands

import (
	"context"

	"github.com/google/uuid"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/injection"
	"github.com/ksi-project/ksid/internal/logging"
	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/rpcerr"

	"go.uber.org/zap"
)

// injectionMetadata tags a completion that was itself issued by the
// injection router, so its result is never re-injected into another
// completion (loop prevention).
type injectionMetadata struct {
	IsInjection     bool   `json:"is_injection,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
	ParentRequestID string `json:"parent_request_id,omitempty"`
}

type completionParams struct {
	Mode              string             `json:"mode,omitempty"`
	Prompt            string             `json:"prompt"`
	SessionID         string             `json:"session_id,omitempty"`
	Model             string             `json:"model,omitempty"`
	AgentID           string             `json:"agent_id,omitempty"`
	EnableTools       bool               `json:"enable_tools,omitempty"`
	InjectionMetadata *injectionMetadata `json:"injection_metadata,omitempty"`
}

func (p *completionParams) Validate() []registry.FieldError {
	var errs []registry.FieldError
	if p.Prompt == "" {
		errs = append(errs, fieldRequired("prompt"))
	}
	return errs
}

func registerCompletion(reg *registry.Registry, deps Deps) {
	reg.Register(registry.Definition{
		Name:    "COMPLETION",
		NewArgs: func() any { return &completionParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*completionParams)
			switch p.Mode {
			case "", "sync":
				resp, err := runCompletion(ctx, deps, p)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"session_id": resp.SessionID,
					"text":       resp.AssistantText,
					"response":   resp.Raw,
				}, nil
			case "async":
				processID := uuid.NewString()
				deps.Async.Go(func() {
					bgCtx := logging.WithAgentID(context.Background(), p.AgentID)
					resp, err := runCompletion(bgCtx, deps, p)
					if p.AgentID == "" {
						return
					}
					if err != nil {
						deps.Bus.SendTo(p.AgentID, "PROCESS_FAILED", "daemon", map[string]any{
							"process_id": processID,
							"error":      err.Error(),
						})
						return
					}
					deps.Bus.SendTo(p.AgentID, "PROCESS_COMPLETE", "daemon", map[string]any{
						"process_id": processID,
						"session_id": resp.SessionID,
						"text":       resp.AssistantText,
					})
				})
				return map[string]any{"process_id": processID, "status": "started"}, nil
			default:
				return nil, rpcerr.New(rpcerr.InvalidMode, "mode must be sync or async, got %q", p.Mode)
			}
		},
	})
	reg.Alias("SPAWN", "COMPLETION")

	reg.Register(registry.Definition{
		Name:    "GET_PROCESSES",
		NewArgs: func() any { return &emptyParams{} },
		Handle: func(ctx context.Context, _ any) (any, error) {
			procs := deps.Supervisor.List()
			return map[string]any{"processes": procs, "count": len(procs)}, nil
		},
	})
}

// runCompletion executes one completion call end to end: splices pending
// next-mode injections into the prompt, runs the pipeline, re-emits any
// extracted events on the bus, and routes extraction failures back to the
// originating agent as diagnostics.
func runCompletion(ctx context.Context, deps Deps, p *completionParams) (completion.Response, error) {
	prompt := p.Prompt
	if p.SessionID != "" {
		for _, rec := range deps.Injector.DrainNext(p.SessionID) {
			spliced, err := injection.ApplyPosition(prompt, rec.InjectionConfig.Content, rec.InjectionConfig.Position)
			if err != nil {
				logging.FromContext(ctx).Warn("skipping queued injection", zap.String("injection_id", rec.ID), zap.Error(err))
				continue
			}
			prompt = spliced
		}
	}

	resp, err := deps.Pipeline.Run(ctx, completion.Request{
		Prompt:      prompt,
		SessionID:   p.SessionID,
		Model:       p.Model,
		AgentID:     p.AgentID,
		EnableTools: p.EnableTools,
	})
	if err != nil {
		return completion.Response{}, err
	}

	for _, ev := range resp.ExtractedEvents {
		payload := make(map[string]any, len(ev.Data)+2)
		for k, v := range ev.Data {
			payload[k] = v
		}
		payload["_agent_id"] = p.AgentID
		payload["_extracted_from_response"] = true
		if _, err := deps.Bus.Publish(bus.PublishParams{
			FromAgent: p.AgentID,
			EventType: ev.Event,
			Payload:   payload,
		}); err != nil {
			logging.FromContext(ctx).Warn("re-emit extracted event", zap.String("event", ev.Event), zap.Error(err))
		}
	}

	if len(resp.ExtractionErrs) > 0 && p.AgentID != "" {
		failures := make([]map[string]any, 0, len(resp.ExtractionErrs))
		for _, e := range resp.ExtractionErrs {
			failures = append(failures, map[string]any{
				"snippet":    e.Snippet,
				"suggestion": e.Suggestion,
			})
		}
		deps.Bus.SendTo(p.AgentID, "agent:json_extraction_error", "daemon", map[string]any{
			"session_id": resp.SessionID,
			"failures":   failures,
		})
	}

	return resp, nil
}
