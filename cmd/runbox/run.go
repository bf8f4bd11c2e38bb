package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/isdmx/runbox/governor"
	"github.com/isdmx/runbox/orchestrator"
	"github.com/isdmx/runbox/sandbox"
)

var (
	languageFlag  string
	fileFlag      string
	stdinFlag     string
	timeoutMsFlag int64
	jsonFlag      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one source file in a sandbox",
	Long: `Execute one source file in a sandbox and print its output.

The program's stdout and stderr are written to the terminal and runbox exits
with the program's exit code. Build failures, timeouts and exceeded limits
are reported on stderr.

Examples:
  runbox run --language java --file Main.java
  runbox run --language python --file main.py --stdin input.txt
  runbox run --language cpp --file main.cpp --timeout-ms 2000 --json`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Language id (see 'runbox languages')")
	runCmd.Flags().StringVarP(&fileFlag, "file", "f", "", "Source file to execute")
	runCmd.Flags().StringVar(&stdinFlag, "stdin", "", "File fed to the program's standard input")
	runCmd.Flags().Int64Var(&timeoutMsFlag, "timeout-ms", 0, "Wall-clock timeout in milliseconds (overrides config)")
	runCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the execution result as JSON")
	_ = runCmd.MarkFlagRequired("language")
	_ = runCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	source, err := os.ReadFile(fileFlag)
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}

	sub := sandbox.Submission{
		LanguageID: languageFlag,
		SourceText: string(source),
	}
	if stdinFlag != "" {
		stdin, err := os.ReadFile(stdinFlag)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		sub.Stdin = string(stdin)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var (
		orch *orchestrator.Orchestrator
		gov  *governor.Governor
	)
	app := fx.New(coreModule(cfg), fx.Populate(&orch, &gov), fx.NopLogger)
	if err := app.Err(); err != nil {
		return err
	}

	if timeoutMsFlag < 0 {
		return fmt.Errorf("--timeout-ms must be positive, got %d", timeoutMsFlag)
	}
	if timeoutMsFlag > 0 {
		limits := gov.Defaults()
		limits.WallClockTimeout = time.Duration(timeoutMsFlag) * time.Millisecond
		sub.Limits = &limits
	}

	ctx, stop := signal.NotifyContext(background(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := orch.Execute(ctx, sub)
	if err != nil {
		return err
	}

	if err := printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res); err != nil {
		return err
	}

	if code := exitCode(res); code != 0 {
		return exitError{code: code}
	}
	return nil
}

func printResult(stdout, stderr io.Writer, res sandbox.ExecutionResult) error { //nolint:gocritic // read-only
	if jsonFlag {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	_, _ = io.WriteString(stdout, res.Stdout)
	_, _ = io.WriteString(stderr, res.Stderr)

	if res.StdoutTruncated || res.StderrTruncated {
		fmt.Fprintln(stderr, "runbox: output truncated")
	}
	if res.TerminationReason != sandbox.ReasonCompleted {
		fmt.Fprintf(stderr, "runbox: %s (exit code %d, %dms)\n", res.TerminationReason, res.ExitCode, res.DurationMs)
	}
	return nil
}

// exitCode maps a result to the exit code of the run command. A run that
// did not complete never exits with zero.
func exitCode(res sandbox.ExecutionResult) int { //nolint:gocritic // read-only
	switch {
	case res.TerminationReason == sandbox.ReasonCompleted:
		return clampExit(res.ExitCode)
	case res.ExitCode > 0:
		return clampExit(res.ExitCode)
	default:
		return 1
	}
}

func clampExit(code int) int {
	if code < 0 || code > 255 {
		return 1
	}
	return code
}

// background returns a context for the short management commands
func background(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
