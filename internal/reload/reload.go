// Package reload implements the hot-reload controller: spawning a
// successor daemon on a shadow socket, probing it healthy, transferring
// the in-memory state the disk doesn't already hold, and atomically
// renaming the shadow socket over the primary. Any failure rolls back:
// the successor is terminated, the shadow socket removed, and the old
// daemon keeps serving.
package reload

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/agentmgr"
	"github.com/ksi-project/ksid/internal/sockclient"
	"github.com/ksi-project/ksid/internal/state"
)

const (
	healthPollTotal    = 15 * time.Second
	healthPollInterval = 250 * time.Millisecond
	probeIOTimeout     = 2 * time.Second
)

// StatePayload is exactly what LOAD_STATE carries between daemons: the
// in-memory sessions and agents. KV, identities and session JSONLs are
// authoritative on disk and never transferred.
type StatePayload struct {
	Sessions []state.Session `json:"sessions"`
	Agents   []agentmgr.Agent `json:"agents"`
}

// Controller performs the hot-reload handover for one daemon instance.
type Controller struct {
	ExecPath   string // successor binary; normally os.Executable()
	SocketPath string // the primary socket being handed over
	Sessions   *state.SessionStore
	Agents     *agentmgr.Manager
	Logger     *zap.Logger

	// OnHandover runs after the socket rename succeeds; the daemon wires
	// it to its own graceful shutdown so existing connections drain while
	// new ones go to the successor.
	OnHandover func()
}

func (c *Controller) shadowPath() string { return c.SocketPath + ".new" }

// Reload runs the full handover protocol. It returns a result map for the
// RELOAD_DAEMON reply; protocol failures are reported as a
// rollback_complete result rather than an error, per the daemon's
// surfaced-never-masked handling of reload failures.
func (c *Controller) Reload() (map[string]any, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	shadow := c.shadowPath()
	_ = os.Remove(shadow) // a crashed earlier attempt may have left one behind

	cmd := exec.Command(c.ExecPath, "serve",
		"--socket", shadow,
		"--hot-reload-from", c.SocketPath,
	)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return c.rollback(nil, shadow, fmt.Errorf("spawn successor: %w", err)), nil
	}
	logger.Info("successor spawned", zap.Int("pid", cmd.Process.Pid), zap.String("shadow", shadow))

	if err := c.awaitHealthy(shadow); err != nil {
		return c.rollback(cmd, shadow, err), nil
	}

	payload := StatePayload{
		Sessions: c.Sessions.Snapshot(),
		Agents:   c.Agents.Snapshot(),
	}
	stateData, err := payloadToMap(payload)
	if err != nil {
		return c.rollback(cmd, shadow, fmt.Errorf("serialise state: %w", err)), nil
	}
	resp, err := sockclient.Call(shadow, "LOAD_STATE", map[string]any{"state_data": stateData}, 5*time.Second)
	if err != nil {
		return c.rollback(cmd, shadow, fmt.Errorf("transfer state: %w", err)), nil
	}
	if resp.Status != "success" {
		msg := "load state rejected"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return c.rollback(cmd, shadow, fmt.Errorf("transfer state: %s", msg)), nil
	}

	if err := os.Rename(shadow, c.SocketPath); err != nil {
		return c.rollback(cmd, shadow, fmt.Errorf("rename socket: %w", err)), nil
	}
	logger.Info("socket handed over",
		zap.String("socket", c.SocketPath),
		zap.Int("sessions", len(payload.Sessions)),
		zap.Int("agents", len(payload.Agents)),
	)

	if c.OnHandover != nil {
		c.OnHandover()
	}
	return map[string]any{
		"status":        "reload_complete",
		"successor_pid": cmd.Process.Pid,
		"sessions":      len(payload.Sessions),
		"agents":        len(payload.Agents),
	}, nil
}

// awaitHealthy polls HEALTH_CHECK on the shadow socket until it answers
// healthy or the total timeout elapses. A socket file existing is not
// enough: only a definitive healthy reply distinguishes a live successor
// from a stale socket.
func (c *Controller) awaitHealthy(shadow string) error {
	deadline := time.Now().Add(healthPollTotal)
	for time.Now().Before(deadline) {
		if sockclient.HealthCheck(shadow, probeIOTimeout) {
			return nil
		}
		time.Sleep(healthPollInterval)
	}
	return fmt.Errorf("successor did not become healthy within %s", healthPollTotal)
}

func (c *Controller) rollback(cmd *exec.Cmd, shadow string, cause error) map[string]any {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Error("hot reload failed, rolling back", zap.Error(cause))
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			_ = cmd.Process.Kill()
		}
	}
	_ = os.Remove(shadow)
	return map[string]any{"status": "rollback_complete", "error": cause.Error()}
}

// payloadToMap round-trips the payload through JSON so LOAD_STATE's
// state_data parameter is a plain map, the shape every other command
// parameter has.
func payloadToMap(p StatePayload) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// RestoreState decodes a LOAD_STATE state_data map back into the stores.
// Used by the successor daemon's LOAD_STATE handler.
func RestoreState(stateData map[string]any, sessions *state.SessionStore, agents *agentmgr.Manager) error {
	raw, err := json.Marshal(stateData)
	if err != nil {
		return fmt.Errorf("reload: re-marshal state data: %w", err)
	}
	var payload StatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("reload: decode state data: %w", err)
	}
	sessions.Restore(payload.Sessions)
	agents.Restore(payload.Agents)
	return nil
}
