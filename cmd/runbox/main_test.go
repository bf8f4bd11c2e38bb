package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"github.com/isdmx/runbox/api"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/sandbox"
)

const localConfig = `
server:
  transport: stdio
api:
  enabled: false
sandbox:
  backend: local
  enable_local_backend: true
  timeout_sec: 5
  work_root: %s
logging:
  mode: development
  level: error
languages:
  sh:
    image: busybox:latest
    source_file_name: main.sh
    run_command: sh main.sh
`

// resetFlags clears the package-level flag values between command runs
func resetFlags() {
	configFlag, logLevelFlag = "", ""
	languageFlag, fileFlag, stdinFlag = "", "", ""
	timeoutMsFlag, jsonFlag = 0, false
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func writeLocalConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return writeFile(t, dir, "config.yaml", fmt.Sprintf(localConfig, t.TempDir()))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		res  sandbox.ExecutionResult
		want int
	}{
		{"CompletedZero", sandbox.ExecutionResult{TerminationReason: sandbox.ReasonCompleted}, 0},
		{"CompletedNonZero", sandbox.ExecutionResult{ExitCode: 3, TerminationReason: sandbox.ReasonCompleted}, 3},
		{"BuildFailed", sandbox.ExecutionResult{ExitCode: 1, TerminationReason: sandbox.ReasonBuildFailed}, 1},
		{"Timeout", sandbox.ExecutionResult{ExitCode: -1, TerminationReason: sandbox.ReasonTimeout}, 1},
		{"OOMKilled", sandbox.ExecutionResult{ExitCode: 137, TerminationReason: sandbox.ReasonResourceExceeded}, 137},
		{"OutOfRange", sandbox.ExecutionResult{ExitCode: 300, TerminationReason: sandbox.ReasonCompleted}, 1},
		{"Internal", sandbox.ExecutionResult{ExitCode: -1, TerminationReason: sandbox.ReasonInternalError}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.res))
		})
	}
}

func TestServeGraph(t *testing.T) {
	resetFlags()
	t.Cleanup(resetFlags)
	configFlag = writeLocalConfig(t)

	cfg, err := loadConfig()
	require.NoError(t, err)

	var (
		apiServer *api.Server
		mcpServer *mcpserver.MCPServer
	)
	app := fx.New(serveModule(cfg), fx.Populate(&apiServer, &mcpServer))
	require.NoError(t, app.Err())
	assert.NotNil(t, apiServer)
	assert.NotNil(t, mcpServer)
}

func TestLoadConfigLogLevelOverride(t *testing.T) {
	resetFlags()
	t.Cleanup(resetFlags)
	configFlag = writeLocalConfig(t)
	logLevelFlag = "debug"

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLanguagesCommand(t *testing.T) {
	out, err := execute(t, "languages", "--config", writeLocalConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "sh")
	assert.Contains(t, out, "busybox:latest")
	assert.Contains(t, out, "javac Main.java")
}

func TestRunCommand(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("local backend limits require linux")
	}

	dir := t.TempDir()
	cfgPath := writeLocalConfig(t)

	t.Run("Completed", func(t *testing.T) {
		src := writeFile(t, dir, "hello.sh", "read name\necho \"hello $name\"\n")
		stdin := writeFile(t, dir, "in.txt", "world\n")

		out, err := execute(t, "run", "--config", cfgPath, "--language", "sh", "--file", src, "--stdin", stdin)
		require.NoError(t, err)
		assert.Equal(t, "hello world\n", out)
	})

	t.Run("ExitCodePropagates", func(t *testing.T) {
		src := writeFile(t, dir, "exit.sh", "echo bye >&2\nexit 3\n")

		out, err := execute(t, "run", "--config", cfgPath, "-l", "sh", "-f", src)
		var exit exitError
		require.True(t, errors.As(err, &exit))
		assert.Equal(t, 3, exit.code)
		assert.Contains(t, out, "bye\n")
	})

	t.Run("Timeout", func(t *testing.T) {
		src := writeFile(t, dir, "sleep.sh", "sleep 30\n")

		out, err := execute(t, "run", "--config", cfgPath, "-l", "sh", "-f", src, "--timeout-ms", "300")
		var exit exitError
		require.True(t, errors.As(err, &exit))
		assert.Equal(t, 1, exit.code)
		assert.Contains(t, out, "runbox: timeout")
	})

	t.Run("JSON", func(t *testing.T) {
		src := writeFile(t, dir, "json.sh", "echo ok\n")

		out, err := execute(t, "run", "--config", cfgPath, "-l", "sh", "-f", src, "--json")
		require.NoError(t, err)
		assert.Contains(t, out, `"stdout": "ok\n"`)
		assert.Contains(t, out, `"termination_reason": "completed"`)
	})

	t.Run("UnknownLanguage", func(t *testing.T) {
		src := writeFile(t, dir, "x.cob", "DISPLAY 'HI'.")

		_, err := execute(t, "run", "--config", cfgPath, "-l", "cobol", "-f", src)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cobol")
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := execute(t, "run", "--config", cfgPath, "-l", "sh", "-f", filepath.Join(dir, "nope.sh"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reading source")
	})
}

func TestPullCommand(t *testing.T) {
	out, err := execute(t, "pull", "--config", writeLocalConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "0 of ")
	assert.Contains(t, out, "ready on the local backend")
}
