package daemon_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/config"
	"github.com/ksi-project/ksid/internal/daemon"
	"github.com/ksi-project/ksid/internal/sockclient"
)

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	// MkdirTemp over t.TempDir keeps the socket path under the Unix
	// sockaddr length limit.
	dir, err := os.MkdirTemp("", "ksid-e2e")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv("KSI_DATA_DIR", dir)

	return config.Settings{
		SocketPath:      filepath.Join(dir, "d.sock"),
		PIDFile:         filepath.Join(dir, "d.pid"),
		DBPath:          filepath.Join(dir, "kv.db"),
		IdentityPath:    filepath.Join(dir, "identities.json"),
		LogDir:          filepath.Join(dir, "logs"),
		SessionLogDir:   filepath.Join(dir, "sessions"),
		LogLevel:        "info",
		SocketTimeout:   time.Second,
		MaxFrameBytes:   1 << 20,
		LLMChildCommand: "true",
	}
}

func TestDaemon_HealthCheckAndShutdown(t *testing.T) {
	settings := testSettings(t)

	d, err := daemon.New(settings, zap.NewNop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return sockclient.HealthCheck(settings.SocketPath, time.Second)
	}, 5*time.Second, 50*time.Millisecond, "daemon never became healthy")

	resp, err := sockclient.Call(settings.SocketPath, "SHUTDOWN", map[string]any{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Status)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down after SHUTDOWN")
	}

	// Graceful shutdown releases both on-disk claims.
	assert.NoFileExists(t, settings.PIDFile)
	assert.NoFileExists(t, settings.SocketPath)
}

func TestDaemon_StatefulCommandsAcrossConnections(t *testing.T) {
	settings := testSettings(t)

	d, err := daemon.New(settings, zap.NewNop())
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		return sockclient.HealthCheck(settings.SocketPath, time.Second)
	}, 5*time.Second, 50*time.Millisecond)
	defer func() {
		_, _ = sockclient.Call(settings.SocketPath, "SHUTDOWN", map[string]any{}, time.Second)
		<-done
	}()

	resp, err := sockclient.Call(settings.SocketPath, "REGISTER_AGENT", map[string]any{
		"agent_id": "a1", "role": "analyst", "capabilities": []string{"data_analysis"},
	}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "success", resp.Status)

	// Each Call is its own connection; the registry is daemon state, not
	// connection state.
	resp, err = sockclient.Call(settings.SocketPath, "GET_AGENTS", map[string]any{}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "success", resp.Status)
	result := resp.Result.(map[string]any)
	assert.Equal(t, float64(1), result["count"])
}
