package commands

import (
	"context"
	"time"

	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/state"
)

type setKVParams struct {
	Key          string `json:"key"`
	Value        any    `json:"value"`
	OwnerAgentID string `json:"owner_agent_id,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	Metadata     any    `json:"metadata,omitempty"`
}

func (p *setKVParams) Validate() []registry.FieldError {
	var errs []registry.FieldError
	if p.Key == "" {
		errs = append(errs, fieldRequired("key"))
	}
	if p.Value == nil {
		errs = append(errs, fieldRequired("value"))
	}
	switch p.Scope {
	case "", state.ScopePrivate, state.ScopeShared, state.ScopeCoordination:
	default:
		errs = append(errs, fieldInvalid("scope", "must be one of private, shared, coordination"))
	}
	if p.ExpiresAt != "" {
		if _, err := time.Parse(time.RFC3339, p.ExpiresAt); err != nil {
			errs = append(errs, fieldInvalid("expires_at", "must be an RFC-3339 timestamp"))
		}
	}
	return errs
}

type getKVParams struct {
	Key string `json:"key"`
}

func (p *getKVParams) Validate() []registry.FieldError {
	if p.Key == "" {
		return []registry.FieldError{fieldRequired("key")}
	}
	return nil
}

func registerState(reg *registry.Registry, deps Deps) {
	reg.Register(registry.Definition{
		Name:    "SET_AGENT_KV",
		NewArgs: func() any { return &setKVParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*setKVParams)
			owner := p.OwnerAgentID
			if owner == "" {
				owner = "daemon"
			}
			var expiresAt *string
			if p.ExpiresAt != "" {
				expiresAt = &p.ExpiresAt
			}
			if err := deps.KV.Set(ctx, p.Key, p.Value, owner, p.Scope, expiresAt, p.Metadata); err != nil {
				return nil, err
			}
			return map[string]any{"status": "set", "key": p.Key}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "GET_AGENT_KV",
		NewArgs: func() any { return &getKVParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*getKVParams)
			entry, found, err := deps.KV.Get(ctx, p.Key)
			if err != nil {
				return nil, err
			}
			if !found {
				return map[string]any{"found": false, "key": p.Key}, nil
			}
			return map[string]any{"found": true, "entry": entry}, nil
		},
	})
}
