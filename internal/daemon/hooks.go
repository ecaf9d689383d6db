package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ksi-project/ksid/internal/config"
	"github.com/ksi-project/ksid/internal/rpcerr"
)

// NewLogger builds the daemon's structured logger: JSON lines to
// <logDir>/daemon.log plus stderr, at the configured level.
func NewLogger(logDir, level string) (*zap.Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create log dir: %w", err)
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr", filepath.Join(logDir, "daemon.log")}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// temporalContextHook is the optional pre-prompt enrichment: it prepends
// the current wall-clock time so the model can reason about elapsed time
// across turns. Enabled by KSI_ENABLE_TEMPORAL_CONTEXT.
func temporalContextHook(_ context.Context, prompt, _, _ string) string {
	return fmt.Sprintf("Current time: %s\n\n%s", time.Now().UTC().Format(time.RFC3339), prompt)
}

// cleanup implements the CLEANUP command: purge logs, sessions, stale
// sockets, or all three.
func (d *Daemon) cleanup(cleanupType string) (map[string]any, error) {
	removed := map[string]int{}

	if cleanupType == "logs" || cleanupType == "all" {
		removed["logs"] = removeMatching(d.settings.LogDir, func(name string) bool {
			return strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".jsonl")
		})
	}
	if cleanupType == "sessions" || cleanupType == "all" {
		d.sessions.Restore(nil)
		removed["sessions"] = removeMatching(d.settings.SessionLogDir, func(name string) bool {
			return strings.HasSuffix(name, ".jsonl")
		})
	}
	if cleanupType == "sockets" || cleanupType == "all" {
		active := filepath.Base(d.settings.SocketPath)
		removed["sockets"] = removeMatching(filepath.Dir(d.settings.SocketPath), func(name string) bool {
			return strings.HasSuffix(name, ".sock") && name != active
		})
	}

	return map[string]any{"status": "cleaned", "cleanup_type": cleanupType, "removed": removed}, nil
}

func removeMatching(dir string, match func(name string) bool) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !match(e.Name()) {
			continue
		}
		if os.Remove(filepath.Join(dir, e.Name())) == nil {
			n++
		}
	}
	return n
}

// reloadModule implements RELOAD_MODULE against the single extension
// module directory (<data-dir>/modules): the module must exist there,
// either as <name>/ or <name>.so, and reloads are tracked by timestamp.
func (d *Daemon) reloadModule(moduleName string) (map[string]any, error) {
	dir := d.settings.ModulesDir
	if dir == "" {
		dir = config.ModulesDir()
	}
	var path string
	for _, candidate := range []string{
		filepath.Join(dir, moduleName),
		filepath.Join(dir, moduleName+".so"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
			break
		}
	}
	if path == "" {
		return nil, rpcerr.New(rpcerr.CommandProcessingFailed, "module %q not found under %s", moduleName, dir)
	}

	d.modMu.Lock()
	d.modules[moduleName] = time.Now().UTC()
	loadedAt := d.modules[moduleName]
	d.modMu.Unlock()

	d.logger.Info("module reloaded", zap.String("module", moduleName), zap.String("path", path))
	return map[string]any{
		"module_name": moduleName,
		"path":        path,
		"status":      "loaded",
		"loaded_at":   loadedAt.Format(time.RFC3339),
	}, nil
}
