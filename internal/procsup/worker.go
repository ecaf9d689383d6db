package procsup

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// AgentWorkerSpec configures a long-lived agent worker subprocess.
type AgentWorkerSpec struct {
	Command        string
	Args           []string
	Env            map[string]string
	Dir            string
	AgentID        string
	Model          string
	OnExit         func(agentID string, err error)
}

// StartAgentWorker launches a long-lived agent worker and returns its PID.
// The worker is expected to dial the daemon's own socket and open its own
// persistent AGENT_CONNECTION; the supervisor here only owns the OS
// process, not the socket connection. OnExit, if set, runs in a goroutine
// once the process exits (cleanly or otherwise).
func (s *Supervisor) StartAgentWorker(spec AgentWorkerSpec) (int, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("procsup: agent worker stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("procsup: agent worker stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("procsup: start agent worker: %w", err)
	}

	entry := Process{
		ProcessID: cmd.Process.Pid,
		Kind:      KindAgentWorker,
		AgentID:   spec.AgentID,
		Model:     spec.Model,
		StartedAt: time.Now().UTC(),
	}
	mp := &managedProc{cmd: cmd, entry: entry, done: make(chan struct{})}
	s.track(cmd.Process.Pid, mp)

	go s.drainStderr(stderr, entry.ProcessID)
	go s.drainStderr(stdout, entry.ProcessID) // agent workers log structured lines to stdout too; captured the same way

	// Sole owner of this child's Wait; terminate observes mp.done.
	go func() {
		waitErr := cmd.Wait()
		close(mp.done)
		s.untrack(entry.ProcessID)
		s.logger.Info("agent worker exited",
			zap.String("agent_id", spec.AgentID),
			zap.Int("pid", entry.ProcessID),
			zap.Error(waitErr),
		)
		if spec.OnExit != nil {
			spec.OnExit(spec.AgentID, waitErr)
		}
	}()

	return entry.ProcessID, nil
}
