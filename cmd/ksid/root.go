package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ksid",
	Short: "KSI daemon - LLM agent orchestration over a Unix socket",
	Long: `ksid is a long-running daemon orchestrating a fleet of cooperating
LLM-driven agents: it supervises agent worker processes, serialises LLM
completions per agent, routes messages between agents, and persists
coordination state, all behind a single Unix-socket JSON command surface.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
