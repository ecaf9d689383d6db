package commands

import (
	"context"
	"time"

	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/rpcerr"
)

type emptyParams struct{}

// HealthCheckResult is HEALTH_CHECK's reply, also consumed by the
// hot-reload shadow probe and the startup collision guard.
type HealthCheckResult struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Agents        int    `json:"agents"`
	Sessions      int    `json:"sessions"`
}

type loadStateParams struct {
	StateData map[string]any `json:"state_data"`
}

func (p *loadStateParams) Validate() []registry.FieldError {
	if p.StateData == nil {
		return []registry.FieldError{fieldRequired("state_data")}
	}
	return nil
}

type cleanupParams struct {
	CleanupType string `json:"cleanup_type"`
}

func (p *cleanupParams) Validate() []registry.FieldError {
	switch p.CleanupType {
	case "logs", "sessions", "sockets", "all":
		return nil
	case "":
		return []registry.FieldError{fieldRequired("cleanup_type")}
	default:
		return []registry.FieldError{fieldInvalid("cleanup_type", "must be one of logs, sessions, sockets, all")}
	}
}

type reloadModuleParams struct {
	ModuleName string `json:"module_name"`
}

func (p *reloadModuleParams) Validate() []registry.FieldError {
	if p.ModuleName == "" {
		return []registry.FieldError{fieldRequired("module_name")}
	}
	return nil
}

func registerAdmin(reg *registry.Registry, deps Deps) {
	reg.Register(registry.Definition{
		Name:    "HEALTH_CHECK",
		NewArgs: func() any { return &emptyParams{} },
		Handle: func(ctx context.Context, _ any) (any, error) {
			return HealthCheckResult{
				Status:        "healthy",
				UptimeSeconds: int64(time.Since(deps.StartedAt).Seconds()),
				Agents:        len(deps.Agents.List()),
				Sessions:      deps.Sessions.Count(),
			}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "SHUTDOWN",
		NewArgs: func() any { return &emptyParams{} },
		Handle: func(ctx context.Context, _ any) (any, error) {
			// The dispatcher invokes the daemon-wide shutdown hook after
			// the reply is written; this handler only acknowledges.
			return map[string]any{"status": "shutting_down"}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "RELOAD_DAEMON",
		NewArgs: func() any { return &emptyParams{} },
		Handle: func(ctx context.Context, _ any) (any, error) {
			if deps.OnReloadRequested == nil {
				return nil, rpcerr.New(rpcerr.NoHotReloadManager, "hot reload is not configured")
			}
			return deps.OnReloadRequested()
		},
	})

	reg.Register(registry.Definition{
		Name:    "LOAD_STATE",
		NewArgs: func() any { return &loadStateParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*loadStateParams)
			if deps.OnLoadState == nil {
				return nil, rpcerr.New(rpcerr.NoStateManager, "state loading is not configured")
			}
			if err := deps.OnLoadState(p.StateData); err != nil {
				return nil, rpcerr.New(rpcerr.LoadStateFailed, "load state: %v", err)
			}
			return map[string]any{
				"status":   "state_loaded",
				"agents":   len(deps.Agents.List()),
				"sessions": deps.Sessions.Count(),
			}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "CLEANUP",
		NewArgs: func() any { return &cleanupParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*cleanupParams)
			if deps.OnCleanup == nil {
				return nil, rpcerr.New(rpcerr.NoStateManager, "cleanup is not configured")
			}
			return deps.OnCleanup(p.CleanupType)
		},
	})

	reg.Register(registry.Definition{
		Name:    "RELOAD_MODULE",
		NewArgs: func() any { return &reloadModuleParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*reloadModuleParams)
			if deps.OnReloadModule == nil {
				return nil, rpcerr.New(rpcerr.NoOrchestrator, "module reloading is not configured")
			}
			return deps.OnReloadModule(p.ModuleName)
		},
	})

	reg.Register(registry.Definition{
		Name:    "GET_COMMANDS",
		NewArgs: func() any { return &emptyParams{} },
		Handle: func(ctx context.Context, _ any) (any, error) {
			return map[string]any{"commands": reg.Names()}, nil
		},
	})
}
