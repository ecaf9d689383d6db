package config

import (
	"time"

	"github.com/spf13/viper"
)

// Settings holds the daemon's runtime configuration, loaded from flags and
// KSI_* environment variables via viper.
type Settings struct {
	SocketPath      string
	PIDFile         string
	DBPath          string
	IdentityPath    string
	LogDir          string
	SessionLogDir   string
	ModulesDir      string
	LogLevel        string
	SocketTimeout   time.Duration
	HotReloadFrom   string
	MaxFrameBytes   int
	EnableTemporal  bool

	// LLMChildCommand is the external LLM backend CLI the completion
	// pipeline invokes per call; AgentWorkerCommand is the long-lived
	// agent worker binary SPAWN_AGENT launches.
	LLMChildCommand    string
	AgentWorkerCommand string
}

// Load builds Settings from viper, which cobra's serve command binds to
// both flags and KSI_* environment variables (see cmd/ksid/serve.go).
func Load(v *viper.Viper) Settings {
	v.SetEnvPrefix("KSI")
	v.AutomaticEnv()

	get := func(key, fallback string) string {
		if s := v.GetString(key); s != "" {
			return s
		}
		return fallback
	}

	s := Settings{
		SocketPath:     get("socket_path", SocketPath()),
		PIDFile:        get("pid_file", PIDFile()),
		DBPath:         get("db_path", DBPath()),
		IdentityPath:   get("identity_storage_path", IdentityStoragePath()),
		LogDir:         get("log_dir", LogDir()),
		SessionLogDir:  get("session_log_dir", SessionLogDir()),
		ModulesDir:     ModulesDir(),
		LogLevel:       get("log_level", LogLevel()),
		HotReloadFrom:  v.GetString("hot_reload_from"),
		MaxFrameBytes:  1 << 20,
		EnableTemporal: v.GetBool("enable_temporal_context"),

		LLMChildCommand:    get("llm_child_command", "claude"),
		AgentWorkerCommand: get("agent_worker_command", "ksi-agent-worker"),
	}
	if v.IsSet("socket_timeout") {
		s.SocketTimeout = v.GetDuration("socket_timeout")
	} else {
		s.SocketTimeout = 2 * time.Second
	}
	return s
}
