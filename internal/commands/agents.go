package commands

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/agentmgr"
	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/logging"
	"github.com/ksi-project/ksid/internal/procsup"
	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/rpcerr"
)

type registerAgentParams struct {
	AgentID      string   `json:"agent_id"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities"`
}

func (p *registerAgentParams) Validate() []registry.FieldError {
	var errs []registry.FieldError
	if p.AgentID == "" {
		errs = append(errs, fieldRequired("agent_id"))
	}
	if p.Role == "" {
		errs = append(errs, fieldRequired("role"))
	}
	return errs
}

type spawnAgentParams struct {
	Task        string         `json:"task"`
	ProfileName string         `json:"profile_name,omitempty"`
	Composition string         `json:"composition,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Role        string         `json:"role,omitempty"`
	Capabilities []string      `json:"capabilities,omitempty"`
	Model       string         `json:"model,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

func (p *spawnAgentParams) Validate() []registry.FieldError {
	if p.Task == "" {
		return []registry.FieldError{fieldRequired("task")}
	}
	return nil
}

type routeTaskParams struct {
	Task                 string         `json:"task"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	Context              map[string]any `json:"context,omitempty"`
	PreferAgentID        string         `json:"prefer_agent_id,omitempty"`
}

func (p *routeTaskParams) Validate() []registry.FieldError {
	var errs []registry.FieldError
	if p.Task == "" {
		errs = append(errs, fieldRequired("task"))
	}
	if p.RequiredCapabilities == nil {
		errs = append(errs, fieldRequired("required_capabilities"))
	}
	return errs
}

func registerAgents(reg *registry.Registry, deps Deps) {
	reg.Register(registry.Definition{
		Name:    "REGISTER_AGENT",
		NewArgs: func() any { return &registerAgentParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*registerAgentParams)
			agent, err := deps.Agents.Register(agentmgr.RegisterParams{
				AgentID:      p.AgentID,
				Role:         p.Role,
				Capabilities: p.Capabilities,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"agent": agent, "status": "registered"}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "SPAWN_AGENT",
		NewArgs: func() any { return &spawnAgentParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			return spawnAgent(ctx, deps, params.(*spawnAgentParams))
		},
	})

	reg.Register(registry.Definition{
		Name:    "GET_AGENTS",
		NewArgs: func() any { return &emptyParams{} },
		Handle: func(ctx context.Context, _ any) (any, error) {
			agents := deps.Agents.List()
			return map[string]any{"agents": agents, "count": len(agents)}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "ROUTE_TASK",
		NewArgs: func() any { return &routeTaskParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			return routeTask(ctx, deps, params.(*routeTaskParams))
		},
	})
}

// spawnAgent registers the agent, resolves its system prompt source
// (composition first, falling back to a named profile) and starts the
// worker subprocess. The worker dials back in and opens its own persistent
// AGENT_CONNECTION; all we hand it here is its assignment, via environment.
func spawnAgent(ctx context.Context, deps Deps, p *spawnAgentParams) (any, error) {
	agentID := p.AgentID
	if agentID == "" {
		agentID = "agent_" + uuid.NewString()[:8]
	}

	composition := p.Composition
	if composition != "" {
		if _, ok := deps.Composer.GetComposition(composition); !ok {
			return nil, rpcerr.New(rpcerr.CompositionNotFound, "composition %q not found%s", composition, suggestCompositions(deps, composition))
		}
	}

	agent, err := deps.Agents.Register(agentmgr.RegisterParams{
		AgentID:        agentID,
		Role:           p.Role,
		Capabilities:   p.Capabilities,
		Model:          p.Model,
		Profile:        p.ProfileName,
		Composition:    composition,
		InitialTask:    p.Task,
		InitialContext: p.Context,
	})
	if err != nil {
		return nil, rpcerr.New(rpcerr.SpawnFailed, "register agent: %v", err)
	}

	if deps.WorkerCommand == "" {
		return nil, rpcerr.New(rpcerr.NoProcessManager, "no agent worker command configured")
	}

	env := map[string]string{
		"KSI_AGENT_ID":     agentID,
		"KSI_SOCKET_PATH":  deps.SocketPath,
		"KSI_INITIAL_TASK": p.Task,
	}
	if composition != "" {
		env["KSI_COMPOSITION"] = composition
	}
	if p.ProfileName != "" {
		env["KSI_PROFILE"] = p.ProfileName
	}

	pid, err := deps.Supervisor.StartAgentWorker(procsup.AgentWorkerSpec{
		Command: deps.WorkerCommand,
		Args:    deps.WorkerArgs,
		Env:     env,
		AgentID: agentID,
		Model:   p.Model,
		OnExit: func(exitedAgentID string, exitErr error) {
			deps.Agents.SetStatus(exitedAgentID, agentmgr.StatusInactive)
			payload := map[string]any{"agent_id": exitedAgentID}
			if exitErr != nil {
				payload["error"] = exitErr.Error()
			}
			if _, pubErr := deps.Bus.Publish(bus.PublishParams{
				FromAgent: "daemon",
				EventType: "AGENT_TERMINATED",
				Payload:   payload,
			}); pubErr != nil {
				deps.Logger.Warn("publish AGENT_TERMINATED", zap.Error(pubErr))
			}
		},
	})
	if err != nil {
		deps.Agents.Remove(agentID)
		return nil, rpcerr.New(rpcerr.SpawnFailed, "start agent worker: %v", err)
	}
	deps.Agents.SetProcessID(agentID, pid)
	agent.ProcessID = pid

	return map[string]any{"agent": agent, "process_id": pid, "status": "spawned"}, nil
}

func routeTask(ctx context.Context, deps Deps, p *routeTaskParams) (any, error) {
	result, err := deps.Agents.RouteTask(p.RequiredCapabilities, p.PreferAgentID)
	if err != nil {
		return nil, err
	}

	decision := agentmgr.RouteDecision{
		Timestamp:            time.Now().UTC(),
		Task:                 p.Task,
		RequiredCapabilities: p.RequiredCapabilities,
		Status:               result.Status,
	}
	routing := map[string]any{"status": result.Status}
	if result.Status == agentmgr.Routed {
		decision.AssignedAgentID = result.AssignedAgent.AgentID
		decision.MatchScore = result.MatchScore
		routing["assigned_agent"] = map[string]any{
			"id":           result.AssignedAgent.AgentID,
			"role":         result.AssignedAgent.Role,
			"capabilities": result.AssignedAgent.Capabilities,
		}
		routing["match_score"] = result.MatchScore

		if _, err := deps.Bus.Publish(bus.PublishParams{
			FromAgent: "daemon",
			EventType: bus.EventTaskAssignment,
			To:        result.AssignedAgent.AgentID,
			Payload: map[string]any{
				"task":                  p.Task,
				"required_capabilities": p.RequiredCapabilities,
				"context":               p.Context,
			},
		}); err != nil {
			return nil, rpcerr.New(rpcerr.DeliveryFailed, "deliver task assignment: %v", err)
		}
	}
	if err := deps.RouteLog.Append(decision); err != nil {
		logging.FromContext(ctx).Warn("append routing log", zap.Error(err))
	}

	return map[string]any{"routing": routing}, nil
}
