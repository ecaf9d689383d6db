package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ksi-project/ksid/internal/config"
	"github.com/ksi-project/ksid/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the KSI daemon",
	Long: `Start the KSI daemon on its Unix socket.

The daemon will:
- Check for an already-running healthy instance (PID collision guard)
- Open the SQLite shared-state store and the identity store
- Load the prompt composition tree and watch it for changes
- Accept framed JSON commands on the socket until shutdown

With --hot-reload-from, the daemon starts in successor mode on a shadow
socket and expects a LOAD_STATE from its predecessor once healthy.

Press Ctrl+C to gracefully shutdown.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("socket", "", "Unix socket path (default: KSI_SOCKET_PATH or ~/.ksi/var/run/ksi_daemon.sock)")
	serveCmd.Flags().String("hot-reload-from", "", "primary socket of the predecessor daemon (successor mode)")
	serveCmd.Flags().String("db-path", "", "SQLite shared-state database path")
	serveCmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")
	serveCmd.Flags().String("llm-child-command", "", "LLM backend CLI invoked per completion")
	serveCmd.Flags().String("agent-worker-command", "", "agent worker binary launched by SPAWN_AGENT")

	v := viper.GetViper()
	_ = v.BindPFlag("socket_path", serveCmd.Flags().Lookup("socket"))
	_ = v.BindPFlag("hot_reload_from", serveCmd.Flags().Lookup("hot-reload-from"))
	_ = v.BindPFlag("db_path", serveCmd.Flags().Lookup("db-path"))
	_ = v.BindPFlag("log_level", serveCmd.Flags().Lookup("log-level"))
	_ = v.BindPFlag("llm_child_command", serveCmd.Flags().Lookup("llm-child-command"))
	_ = v.BindPFlag("agent_worker_command", serveCmd.Flags().Lookup("agent-worker-command"))
}

func runServe(cmd *cobra.Command, args []string) error {
	settings := config.Load(viper.GetViper())

	logger, err := daemon.NewLogger(settings.LogDir, settings.LogLevel)
	if err != nil {
		return err
	}

	d, err := daemon.New(settings, logger)
	if err != nil {
		return err
	}
	if err := d.Run(context.Background()); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, "ksid: healthy daemon already running, nothing to do")
			return nil
		}
		return err
	}
	return nil
}
