package commands

import (
	"context"

	"github.com/ksi-project/ksid/internal/identity"
	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/rpcerr"
)

type createIdentityParams struct {
	AgentID           string         `json:"agent_id"`
	DisplayName       string         `json:"display_name,omitempty"`
	Role              string         `json:"role,omitempty"`
	PersonalityTraits []string       `json:"personality_traits,omitempty"`
	Appearance        string         `json:"appearance,omitempty"`
	Preferences       map[string]any `json:"preferences,omitempty"`
}

func (p *createIdentityParams) Validate() []registry.FieldError {
	if p.AgentID == "" {
		return []registry.FieldError{fieldRequired("agent_id")}
	}
	return nil
}

type updateIdentityParams struct {
	AgentID string         `json:"agent_id"`
	Updates map[string]any `json:"updates"`
}

func (p *updateIdentityParams) Validate() []registry.FieldError {
	var errs []registry.FieldError
	if p.AgentID == "" {
		errs = append(errs, fieldRequired("agent_id"))
	}
	if len(p.Updates) == 0 {
		errs = append(errs, fieldRequired("updates"))
	}
	return errs
}

type agentIDParams struct {
	AgentID string `json:"agent_id"`
}

func (p *agentIDParams) Validate() []registry.FieldError {
	if p.AgentID == "" {
		return []registry.FieldError{fieldRequired("agent_id")}
	}
	return nil
}

func registerIdentity(reg *registry.Registry, deps Deps) {
	reg.Register(registry.Definition{
		Name:    "CREATE_IDENTITY",
		NewArgs: func() any { return &createIdentityParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*createIdentityParams)
			id, err := deps.Identities.Create(identity.CreateParams{
				AgentID:           p.AgentID,
				DisplayName:       p.DisplayName,
				Role:              p.Role,
				PersonalityTraits: p.PersonalityTraits,
				Appearance:        p.Appearance,
				Preferences:       p.Preferences,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"identity": id, "status": "created"}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "UPDATE_IDENTITY",
		NewArgs: func() any { return &updateIdentityParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*updateIdentityParams)
			if _, ok := deps.Identities.Get(p.AgentID); !ok {
				return nil, rpcerr.New(rpcerr.IdentityNotFound, "no identity for agent %q", p.AgentID)
			}
			id, err := deps.Identities.Update(p.AgentID, p.Updates)
			if err != nil {
				return nil, rpcerr.New(rpcerr.UpdateFailed, "%v", err)
			}
			return map[string]any{"identity": id, "status": "updated"}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "GET_IDENTITY",
		NewArgs: func() any { return &agentIDParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*agentIDParams)
			id, ok := deps.Identities.Get(p.AgentID)
			if !ok {
				return nil, rpcerr.New(rpcerr.IdentityNotFound, "no identity for agent %q", p.AgentID)
			}
			return map[string]any{"identity": id}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "LIST_IDENTITIES",
		NewArgs: func() any { return &emptyParams{} },
		Handle: func(ctx context.Context, _ any) (any, error) {
			ids := deps.Identities.List()
			return map[string]any{"identities": ids, "count": len(ids)}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "REMOVE_IDENTITY",
		NewArgs: func() any { return &agentIDParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*agentIDParams)
			removed, err := deps.Identities.Remove(p.AgentID)
			if err != nil {
				return nil, err
			}
			if !removed {
				return nil, rpcerr.New(rpcerr.IdentityNotFound, "no identity for agent %q", p.AgentID)
			}
			return map[string]any{"status": "removed", "agent_id": p.AgentID}, nil
		},
	})
}
