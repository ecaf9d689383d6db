package commands

import (
	"context"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/connctx"
	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/rpcerr"
)

type sendMessageParams struct {
	FromAgent   string         `json:"from_agent"`
	ToAgent     string         `json:"to_agent,omitempty"`
	MessageType string         `json:"message_type"`
	Content     any            `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	EventTypes  []string       `json:"event_types,omitempty"`
}

func (p *sendMessageParams) Validate() []registry.FieldError {
	var errs []registry.FieldError
	if p.FromAgent == "" {
		errs = append(errs, fieldRequired("from_agent"))
	}
	if p.MessageType == "" {
		errs = append(errs, fieldRequired("message_type"))
	}
	if p.Content == nil {
		errs = append(errs, fieldRequired("content"))
	}
	return errs
}

type publishParams struct {
	FromAgent string         `json:"from_agent"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

func (p *publishParams) Validate() []registry.FieldError {
	var errs []registry.FieldError
	if p.FromAgent == "" {
		errs = append(errs, fieldRequired("from_agent"))
	}
	if p.EventType == "" {
		errs = append(errs, fieldRequired("event_type"))
	}
	if p.Payload == nil {
		errs = append(errs, fieldRequired("payload"))
	}
	return errs
}

type subscribeParams struct {
	AgentID    string   `json:"agent_id"`
	EventTypes []string `json:"event_types"`
}

func (p *subscribeParams) Validate() []registry.FieldError {
	var errs []registry.FieldError
	if p.AgentID == "" {
		errs = append(errs, fieldRequired("agent_id"))
	}
	if len(p.EventTypes) == 0 {
		errs = append(errs, fieldRequired("event_types"))
	}
	return errs
}

type agentConnectionParams struct {
	Action  string `json:"action"`
	AgentID string `json:"agent_id"`
}

func (p *agentConnectionParams) Validate() []registry.FieldError {
	var errs []registry.FieldError
	if p.AgentID == "" {
		errs = append(errs, fieldRequired("agent_id"))
	}
	switch p.Action {
	case "connect", "disconnect":
	case "":
		errs = append(errs, fieldRequired("action"))
	default:
		errs = append(errs, fieldInvalid("action", "must be connect or disconnect"))
	}
	return errs
}

func registerMessaging(reg *registry.Registry, deps Deps) {
	reg.Register(registry.Definition{
		Name:    "SEND_MESSAGE",
		NewArgs: func() any { return &sendMessageParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*sendMessageParams)
			if _, ok := deps.Agents.Get(p.FromAgent); !ok {
				return nil, rpcerr.New(rpcerr.SenderNotFound, "agent %q is not registered", p.FromAgent)
			}
			if p.ToAgent != "" {
				if _, ok := deps.Agents.Get(p.ToAgent); !ok {
					return nil, rpcerr.New(rpcerr.RecipientNotFound, "agent %q is not registered", p.ToAgent)
				}
			}
			evt, err := deps.Bus.Publish(bus.PublishParams{
				FromAgent: p.FromAgent,
				EventType: p.MessageType,
				To:        p.ToAgent,
				Payload: map[string]any{
					"content":  p.Content,
					"metadata": p.Metadata,
				},
			})
			if err != nil {
				return nil, rpcerr.New(rpcerr.DeliveryFailed, "%v", err)
			}
			deps.Identities.RecordActivity(p.FromAgent, "", "", 1, 0)
			return map[string]any{"event_id": evt.ID, "status": "sent"}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "PUBLISH",
		NewArgs: func() any { return &publishParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*publishParams)
			evt, err := deps.Bus.Publish(bus.PublishParams{
				FromAgent: p.FromAgent,
				EventType: p.EventType,
				Payload:   p.Payload,
			})
			if err != nil {
				return nil, rpcerr.New(rpcerr.DeliveryFailed, "%v", err)
			}
			return map[string]any{"event_id": evt.ID, "status": "published"}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "SUBSCRIBE",
		NewArgs: func() any { return &subscribeParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*subscribeParams)
			if err := deps.Bus.Subscribe(p.AgentID, p.EventTypes); err != nil {
				return nil, rpcerr.New(rpcerr.AgentNotConnected, "%v", err)
			}
			return map[string]any{"status": "subscribed", "agent_id": p.AgentID, "event_types": p.EventTypes}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "AGENT_CONNECTION",
		NewArgs: func() any { return &agentConnectionParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*agentConnectionParams)
			switch p.Action {
			case "connect":
				writer, ok := connctx.Writer(ctx)
				if !ok {
					return nil, rpcerr.New(rpcerr.NoMessageBus, "no connection writer bound to this request")
				}
				deps.Bus.Connect(p.AgentID, writer)
				connctx.BindAgentID(ctx, p.AgentID)
				return map[string]any{"status": "connected", "agent_id": p.AgentID}, nil
			default: // disconnect, guaranteed by Validate
				deps.Bus.Disconnect(p.AgentID)
				connctx.BindAgentID(ctx, "")
				return map[string]any{"status": "disconnected", "agent_id": p.AgentID}, nil
			}
		},
	})

	reg.Register(registry.Definition{
		Name:    "MESSAGE_BUS_STATS",
		NewArgs: func() any { return &emptyParams{} },
		Handle: func(ctx context.Context, _ any) (any, error) {
			return map[string]any{"stats": deps.Bus.GetStats()}, nil
		},
	})
}
