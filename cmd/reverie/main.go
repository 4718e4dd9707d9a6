package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A missing .env is fine; the environment and config file still apply.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reverie",
		Short: "Generative agent simulations",
		Long: `reverie runs generative agent simulations: personas that perceive,
remember, plan, reflect and converse, driven by a language model.

Simulations are forked from stored templates and driven by interpreter
commands over HTTP, WebSocket, MCP or an interactive terminal.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON (for agent consumption)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ~/.reverie/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: trace, debug, info, warn, error")
	addStoreFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newMCPServerCmd(),
		newSimCmd(),
		newTemplatesCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newConfigCmd(),
	)
	return rootCmd
}
