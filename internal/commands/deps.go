package commands

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/agentmgr"
	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/identity"
	"github.com/ksi-project/ksid/internal/injection"
	"github.com/ksi-project/ksid/internal/procsup"
	"github.com/ksi-project/ksid/internal/promptcomposer"
	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/state"
)

// AsyncRunner runs fire-and-forget tasks (async COMPLETION, injection
// execution) while letting the daemon wait for all of them to finish
// during graceful shutdown.
type AsyncRunner struct {
	wg sync.WaitGroup
}

// Go runs f in its own goroutine, tracked by Wait.
func (a *AsyncRunner) Go(f func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		f()
	}()
}

// Wait blocks until every tracked task has returned.
func (a *AsyncRunner) Wait() {
	a.wg.Wait()
}

// Deps bundles every manager a command handler might need. Constructed
// once at startup (internal/daemon) and closed over by each Register*
// function instead of living behind a process-global registry, per
// spec's "explicit dependency wiring" design note.
type Deps struct {
	Registry   *registry.Registry
	Agents     *agentmgr.Manager
	Supervisor *procsup.Supervisor
	Pipeline   *completion.Pipeline
	Bus        *bus.Bus
	Sessions   *state.SessionStore
	KV         *state.KVStore
	Identities *identity.Store
	Composer   *promptcomposer.Composer
	Injector   *injection.Router
	InjectQueue *injection.Queue
	RouteLog   *agentmgr.RouteLogger
	Async      *AsyncRunner
	Logger     *zap.Logger
	ModulesDir string
	StartedAt  time.Time

	// SocketPath is the daemon's own primary socket, handed to spawned
	// agent workers so they can dial back in.
	SocketPath string
	// WorkerCommand/WorkerArgs launch an agent worker subprocess; the
	// worker receives its assignment through KSI_* environment variables.
	WorkerCommand string
	WorkerArgs    []string

	// OnReloadRequested performs the hot-reload handover; wired by
	// internal/daemon to internal/reload's controller.
	OnReloadRequested func() (map[string]any, error)
	// OnLoadState restores in-memory sessions/agents transferred from a
	// predecessor daemon during hot reload.
	OnLoadState func(stateData map[string]any) error
	// OnCleanup purges logs/sessions/sockets per CLEANUP's cleanup_type.
	OnCleanup func(cleanupType string) (map[string]any, error)
	// OnReloadModule (re)loads an extension module by name from ModulesDir.
	OnReloadModule func(moduleName string) (map[string]any, error)
}

// Register binds every command definition in the canonical command set to
// reg, using deps for every handler's business logic.
func Register(reg *registry.Registry, deps Deps) {
	registerAdmin(reg, deps)
	registerCompletion(reg, deps)
	registerAgents(reg, deps)
	registerMessaging(reg, deps)
	registerState(reg, deps)
	registerIdentity(reg, deps)
	registerComposition(reg, deps)
	registerInjection(reg, deps)
}
