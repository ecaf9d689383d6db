// Package sockclient is a minimal client for the daemon's own socket
// protocol, used internally where the daemon must speak to another daemon:
// the hot-reload controller probing its successor, and the startup
// collision guard probing an already-running instance.
package sockclient

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/ksi-project/ksid/internal/envelope"
	"github.com/ksi-project/ksid/internal/frame"
)

// Call dials socketPath, sends one command envelope and reads one reply.
// ioTimeout bounds each socket operation (dial, write, read) individually.
func Call(socketPath, command string, params any, ioTimeout time.Duration) (envelope.Response, error) {
	if ioTimeout <= 0 {
		ioTimeout = 2 * time.Second
	}
	conn, err := net.DialTimeout("unix", socketPath, ioTimeout)
	if err != nil {
		return envelope.Response{}, fmt.Errorf("sockclient: dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	rawParams, err := json.Marshal(params)
	if err != nil {
		return envelope.Response{}, fmt.Errorf("sockclient: marshal params: %w", err)
	}
	req := envelope.Request{
		Command:    command,
		Version:    "2.0",
		Parameters: rawParams,
		Metadata:   envelope.RequestMetadata{Timestamp: envelope.Now()},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return envelope.Response{}, fmt.Errorf("sockclient: marshal request: %w", err)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
		return envelope.Response{}, err
	}
	if err := frame.NewWriter(conn, 0).WriteFrame(data); err != nil {
		return envelope.Response{}, fmt.Errorf("sockclient: write frame: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
		return envelope.Response{}, err
	}
	raw, err := frame.NewReader(conn, 0).ReadFrame()
	if err != nil {
		return envelope.Response{}, fmt.Errorf("sockclient: read reply: %w", err)
	}
	var resp envelope.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return envelope.Response{}, fmt.Errorf("sockclient: parse reply: %w", err)
	}
	return resp, nil
}

// HealthCheck probes socketPath with HEALTH_CHECK and reports whether a
// healthy daemon answered. Used both by the hot-reload shadow probe (where
// it distinguishes a live successor from a stale socket left by a crashed
// attempt) and the startup collision guard.
func HealthCheck(socketPath string, ioTimeout time.Duration) bool {
	resp, err := Call(socketPath, "HEALTH_CHECK", map[string]any{}, ioTimeout)
	if err != nil || resp.Status != "success" {
		return false
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		return false
	}
	return result["status"] == "healthy"
}
