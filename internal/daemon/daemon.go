// Package daemon wires every manager together and runs the socket server:
// dependency construction, the collision guard, signal handling, and the
// graceful-shutdown sequence. Managers are built once here and injected
// explicitly; nothing global except the command table itself.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/agentmgr"
	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/commands"
	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/config"
	"github.com/ksi-project/ksid/internal/dispatcher"
	"github.com/ksi-project/ksid/internal/identity"
	"github.com/ksi-project/ksid/internal/injection"
	"github.com/ksi-project/ksid/internal/logging"
	"github.com/ksi-project/ksid/internal/pidguard"
	"github.com/ksi-project/ksid/internal/procsup"
	"github.com/ksi-project/ksid/internal/promptcomposer"
	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/reload"
	"github.com/ksi-project/ksid/internal/state"
)

// ErrAlreadyRunning is returned by Run when a healthy daemon already owns
// the socket; the caller exits 0 without touching anything.
var ErrAlreadyRunning = errors.New("daemon: a healthy instance is already running")

// Daemon is one fully wired daemon instance.
type Daemon struct {
	settings config.Settings
	logger   *zap.Logger

	registry   *registry.Registry
	agents     *agentmgr.Manager
	supervisor *procsup.Supervisor
	bus        *bus.Bus
	sessions   *state.SessionStore
	kv         *state.KVStore
	identities *identity.Store
	composer   *promptcomposer.Composer
	injector   *injection.Router
	queue      *injection.Queue
	pipeline   *completion.Pipeline
	async      *commands.AsyncRunner
	routeLog   *agentmgr.RouteLogger

	modMu   sync.Mutex
	modules map[string]time.Time

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	handedOver   bool
}

// New constructs and wires a daemon from settings. Nothing is listening
// yet; Run does that.
func New(settings config.Settings, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logging.SetBase(logger)

	if err := os.MkdirAll(filepath.Dir(settings.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create db dir: %w", err)
	}
	kv, err := state.OpenKVStore(settings.DBPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(settings.IdentityPath), 0o755); err != nil {
		kv.Close()
		return nil, fmt.Errorf("daemon: create identity dir: %w", err)
	}
	identities, err := identity.Open(settings.IdentityPath)
	if err != nil {
		kv.Close()
		return nil, err
	}

	sessions := state.NewSessionStore()
	agents := agentmgr.NewManager()
	supervisor := procsup.New(logger, 0)
	messageBus := bus.New(agents)
	if eventLog, logErr := bus.NewEventLog(filepath.Join(settings.SessionLogDir, "bus_events.jsonl")); logErr == nil {
		messageBus.SetEventLog(eventLog)
	} else {
		logger.Warn("bus event log unavailable", zap.Error(logErr))
	}

	composer, err := promptcomposer.New(filepath.Join(config.GetDataDir(), "prompts"), logger)
	if err != nil {
		kv.Close()
		return nil, err
	}

	sessionLog, err := completion.NewFileSessionLogger(settings.SessionLogDir)
	if err != nil {
		kv.Close()
		return nil, err
	}

	var hook completion.PreInvokeHook
	if settings.EnableTemporal {
		hook = temporalContextHook
	}
	pipeline := completion.New(supervisor, sessions, agents, completion.LLMChildSpec{
		Command: settings.LLMChildCommand,
	}, sessionLog, hook)

	routeLog, err := agentmgr.NewRouteLogger(filepath.Join(settings.LogDir, "routing.jsonl"))
	if err != nil {
		kv.Close()
		return nil, err
	}

	return &Daemon{
		settings:   settings,
		logger:     logger,
		registry:   registry.New(),
		agents:     agents,
		supervisor: supervisor,
		bus:        messageBus,
		sessions:   sessions,
		kv:         kv,
		identities: identities,
		composer:   composer,
		injector:   injection.New(),
		queue:      injection.NewQueue(0),
		pipeline:   pipeline,
		async:      &commands.AsyncRunner{},
		routeLog:   routeLog,
		modules:    make(map[string]time.Time),
		shutdownCh: make(chan struct{}),
	}, nil
}

// beginShutdown signals the daemon-wide shutdown event exactly once.
func (d *Daemon) beginShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// Run starts the daemon: collision guard, socket bind, command
// registration, the queue processor, and the accept loop. It blocks until
// shutdown (signal, SHUTDOWN command, or completed hot-reload handover)
// and performs the full teardown before returning.
func (d *Daemon) Run(ctx context.Context) error {
	s := d.settings

	successorMode := s.HotReloadFrom != ""
	if !successorMode {
		alreadyRunning, err := pidguard.Check(s.PIDFile, s.SocketPath, s.SocketTimeout)
		if err != nil {
			return err
		}
		if alreadyRunning {
			return ErrAlreadyRunning
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.SocketPath), 0o755); err != nil {
		return fmt.Errorf("daemon: create socket dir: %w", err)
	}
	if successorMode {
		// Successor binds a shadow socket; any leftover from a crashed
		// attempt is ours to replace.
		_ = os.Remove(s.SocketPath)
	}
	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: bind socket %s: %w", s.SocketPath, err)
	}

	if err := pidguard.Write(s.PIDFile); err != nil {
		ln.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.shutdownCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	deps := d.buildDeps()
	commands.Register(d.registry, deps)

	server := dispatcher.New(d.registry, dispatcher.Dependencies{
		Bus:        d.bus,
		OnShutdown: d.beginShutdown,
	}, d.logger, s.MaxFrameBytes)

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		d.queue.Run(runCtx, d.executeInjection, d.logger)
	}()

	if err := d.composer.Watch(runCtx); err != nil {
		d.logger.Warn("prompt tree watch unavailable", zap.Error(err))
	}

	d.logger.Info("daemon listening",
		zap.String("socket", s.SocketPath),
		zap.Bool("successor", successorMode),
	)
	serveErr := server.Serve(runCtx, ln)

	// Teardown: stop taking work, drain what's in flight, then kill
	// children and release on-disk claims.
	d.queue.Close()
	<-queueDone
	d.async.Wait()
	server.Wait()
	d.supervisor.Shutdown()
	d.composer.Close()
	if err := d.kv.Close(); err != nil {
		d.logger.Warn("close kv store", zap.Error(err))
	}

	if !d.handedOver {
		_ = os.Remove(s.SocketPath)
		pidguard.Remove(s.PIDFile)
	}
	_ = d.logger.Sync()

	if serveErr != nil && !errors.Is(serveErr, net.ErrClosed) {
		return serveErr
	}
	return nil
}

// buildDeps assembles the command handlers' dependency bundle, including
// the admin hooks only the daemon has enough context to provide.
func (d *Daemon) buildDeps() commands.Deps {
	execPath, err := os.Executable()
	if err != nil {
		execPath = "ksid"
	}
	controller := &reload.Controller{
		ExecPath:   execPath,
		SocketPath: d.settings.SocketPath,
		Sessions:   d.sessions,
		Agents:     d.agents,
		Logger:     d.logger,
	}

	return commands.Deps{
		Registry:    d.registry,
		Agents:      d.agents,
		Supervisor:  d.supervisor,
		Pipeline:    d.pipeline,
		Bus:         d.bus,
		Sessions:    d.sessions,
		KV:          d.kv,
		Identities:  d.identities,
		Composer:    d.composer,
		Injector:    d.injector,
		InjectQueue: d.queue,
		RouteLog:    d.routeLog,
		Async:       d.async,
		Logger:      d.logger,
		ModulesDir:  d.settings.ModulesDir,
		StartedAt:   time.Now().UTC(),

		SocketPath:    d.settings.SocketPath,
		WorkerCommand: d.settings.AgentWorkerCommand,

		OnReloadRequested: func() (map[string]any, error) {
			result, err := controller.Reload()
			if err == nil && result["status"] == "reload_complete" {
				d.handedOver = true
				// Let the reply drain on the old socket before the
				// shutdown event closes this connection.
				time.AfterFunc(200*time.Millisecond, d.beginShutdown)
			}
			return result, err
		},
		OnLoadState: func(stateData map[string]any) error {
			return reload.RestoreState(stateData, d.sessions, d.agents)
		},
		OnCleanup:      d.cleanup,
		OnReloadModule: d.reloadModule,
	}
}

// executeInjection is the queue processor's ExecuteFunc: run a completion
// with the stored content; injection-issued completions are never
// re-injected, so the chain terminates here.
func (d *Daemon) executeInjection(ctx context.Context, rec injection.Record) error {
	_, err := d.pipeline.Run(ctx, completion.Request{
		Prompt:    rec.InjectionConfig.Content,
		SessionID: rec.InjectionConfig.TargetSessionID,
	})
	return err
}
