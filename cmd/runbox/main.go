// Package main is the entry point for runbox.
//
// runbox executes untrusted source code in isolated, resource-limited
// sandboxes. "runbox serve" exposes the orchestrator over MCP (stdio or
// HTTP) and a REST API; "runbox run" executes a single file from the
// command line.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox - sandboxed code execution",
	Long: `runbox compiles and runs untrusted programs in disposable sandboxes with
CPU, memory, wall-clock and output limits.

Languages are described by adapters: a base image, a source file name, an
optional build command and a run command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to the config file (default: config.yaml in . or ./config)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (overrides config)")
}

// exitError makes the process exit with code without printing anything
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "runbox:", err)
		os.Exit(1)
	}
}
