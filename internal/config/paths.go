// Package config resolves the daemon's filesystem layout and runtime
// settings from KSI_* environment variables and CLI flags, falling back to
// a dotdir under the user's home when nothing overrides it.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// GetDataDir returns the daemon's data directory.
//
// Priority:
//  1. KSI_DATA_DIR environment variable, if set and non-empty.
//  2. ~/.ksi (default).
//
// A leading "~/" is expanded to the user's home directory. The returned
// path is absolute whenever the home directory can be resolved; if it
// cannot, the default is the relative path ".ksi".
func GetDataDir() string {
	if dir := os.Getenv("KSI_DATA_DIR"); dir != "" {
		return expandPath(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ksi"
	}
	return filepath.Join(home, ".ksi")
}

// GetSubDir returns a subdirectory of the data directory, e.g.
// GetSubDir("var/run") returns ~/.ksi/var/run.
func GetSubDir(parts ...string) string {
	return filepath.Join(append([]string{GetDataDir()}, parts...)...)
}

// SocketPath returns the primary Unix socket path: KSI_SOCKET_PATH if set,
// else <data-dir>/var/run/ksi_daemon.sock.
func SocketPath() string {
	if p := os.Getenv("KSI_SOCKET_PATH"); p != "" {
		return expandPath(p)
	}
	return GetSubDir("var", "run", "ksi_daemon.sock")
}

// PIDFile returns the PID file path: KSI_PID_FILE if set, else
// <data-dir>/var/run/ksi_daemon.pid.
func PIDFile() string {
	if p := os.Getenv("KSI_PID_FILE"); p != "" {
		return expandPath(p)
	}
	return GetSubDir("var", "run", "ksi_daemon.pid")
}

// DBPath returns the SQLite KV database path: KSI_DB_PATH if set, else
// <data-dir>/var/db/agent_shared_state.db.
func DBPath() string {
	if p := os.Getenv("KSI_DB_PATH"); p != "" {
		return expandPath(p)
	}
	return GetSubDir("var", "db", "agent_shared_state.db")
}

// IdentityStoragePath returns the identity JSON document path:
// KSI_IDENTITY_STORAGE_PATH if set, else <data-dir>/var/db/identities.json.
func IdentityStoragePath() string {
	if p := os.Getenv("KSI_IDENTITY_STORAGE_PATH"); p != "" {
		return expandPath(p)
	}
	return GetSubDir("var", "db", "identities.json")
}

// LogDir returns the daemon log directory: KSI_LOG_DIR if set, else
// <data-dir>/var/logs/daemon.
func LogDir() string {
	if p := os.Getenv("KSI_LOG_DIR"); p != "" {
		return expandPath(p)
	}
	return GetSubDir("var", "logs", "daemon")
}

// SessionLogDir returns the per-session JSONL log directory:
// KSI_SESSION_LOG_DIR if set, else <data-dir>/var/logs/sessions.
func SessionLogDir() string {
	if p := os.Getenv("KSI_SESSION_LOG_DIR"); p != "" {
		return expandPath(p)
	}
	return GetSubDir("var", "logs", "sessions")
}

// ModulesDir returns the one true extension-module directory; per the
// spec's design notes, KSI always uses this path rather than the source's
// inconsistent claude_modules/extension_modules split.
func ModulesDir() string {
	return GetSubDir("modules")
}

// TmpDir returns the scratch directory: KSI_TMP_DIR if set, else
// os.TempDir(). Hot-reload shadow sockets are not placed here; they sit
// beside the primary socket as <socket>.new.
func TmpDir() string {
	if p := os.Getenv("KSI_TMP_DIR"); p != "" {
		return expandPath(p)
	}
	return os.TempDir()
}

// LogLevel returns KSI_LOG_LEVEL, defaulting to "info".
func LogLevel() string {
	if lvl := os.Getenv("KSI_LOG_LEVEL"); lvl != "" {
		return lvl
	}
	return "info"
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
