package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/isdmx/runbox/adapter"
	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/governor"
	"github.com/isdmx/runbox/orchestrator"
	"github.com/isdmx/runbox/sandbox"
)

// MockExecutor implements Executor for testing
type MockExecutor struct {
	executeResult sandbox.ExecutionResult
	executeError  error
	calls         int
	lastSub       sandbox.Submission
}

func (m *MockExecutor) Execute(_ context.Context, sub sandbox.Submission) (sandbox.ExecutionResult, error) { //nolint:gocritic // Mock implementation requires full parameter signature
	m.calls++
	m.lastSub = sub
	return m.executeResult, m.executeError
}

func (*MockExecutor) Languages() []adapter.LanguageAdapter {
	return []adapter.LanguageAdapter{
		{ID: "cpp", BaseImage: "gcc:latest", SourceFileName: "main.cpp", BuildCommand: "g++ -o main main.cpp", RunCommand: "./main"},
		{ID: "python", BaseImage: "python:3.11-slim", SourceFileName: "main.py", RunCommand: "python main.py"},
	}
}

func testConfig(transport string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Transport: transport,
			HTTPPort:  8080,
		},
		Sandbox: config.SandboxConfig{
			Backend:    "docker",
			TimeoutSec: 10,
			CPUTimeSec: 5,
			MemoryMB:   256,
		},
		Admission: config.AdmissionConfig{MaxConcurrent: 4, Policy: config.PolicyQueue},
		Logging: config.LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func testDefaults() governor.Limits {
	return governor.Limits{
		CPUTime:          5 * time.Second,
		MemoryBytes:      256 * governor.MiB,
		WallClockTimeout: 10 * time.Second,
		MaxOutputBytes:   1024,
		PIDs:             64,
	}
}

func newTestServer(t *testing.T, transport string, exec *MockExecutor) *MCPServer {
	t.Helper()
	gov, err := governor.New(testDefaults(), testDefaults())
	require.NoError(t, err)

	s, err := New(testConfig(transport), zaptest.NewLogger(t), exec, gov)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNewMCPServer(t *testing.T) {
	t.Run("Stdio", func(t *testing.T) {
		exec := &MockExecutor{}
		s := newTestServer(t, "stdio", exec)
		assert.Equal(t, exec, s.exec)
		assert.NotNil(t, s.mcpServer)
		assert.Nil(t, s.httpServer)
		assert.NoError(t, s.Shutdown(context.Background()))
		assert.Error(t, s.ServeHTTP())
	})

	t.Run("HTTP", func(t *testing.T) {
		s := newTestServer(t, "http", &MockExecutor{})
		assert.NotNil(t, s.httpServer)
	})

	t.Run("NoTransport", func(t *testing.T) {
		s := newTestServer(t, config.TransportNone, &MockExecutor{})
		assert.Nil(t, s.httpServer)
		assert.NoError(t, s.Shutdown(context.Background()))
	})

	t.Run("LogsLimits", func(t *testing.T) {
		ceilings := testDefaults()
		ceilings.MemoryBytes = 1024 * governor.MiB
		gov, err := governor.New(testDefaults(), ceilings)
		require.NoError(t, err)

		core, logs := observer.New(zap.InfoLevel)
		_, err = New(testConfig("stdio"), zap.New(core), &MockExecutor{}, gov)
		require.NoError(t, err)

		entries := logs.FilterMessage("configuration loaded").All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, ceilings, fields["limits.ceilings"])
		assert.Equal(t, testDefaults(), fields["limits.defaults"])
	})
}

func TestExecuteCode(t *testing.T) {
	t.Run("Completed", func(t *testing.T) {
		exec := &MockExecutor{executeResult: sandbox.ExecutionResult{
			Stdout:            "hi\n",
			TerminationReason: sandbox.ReasonCompleted,
			Language:          "python",
		}}
		s := newTestServer(t, "stdio", exec)

		res, err := s.handleExecuteCode(context.Background(), callRequest("execute_code", map[string]any{
			"language": "python",
			"code":     "print('hi')",
			"stdin":    "42\n",
		}))
		require.NoError(t, err)
		assert.False(t, res.IsError)

		var got sandbox.ExecutionResult
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &got))
		assert.Equal(t, "hi\n", got.Stdout)
		assert.Equal(t, sandbox.ReasonCompleted, got.TerminationReason)

		assert.Equal(t, "python", exec.lastSub.LanguageID)
		assert.Equal(t, "print('hi')", exec.lastSub.SourceText)
		assert.Equal(t, "42\n", exec.lastSub.Stdin)
		assert.Nil(t, exec.lastSub.Limits)
	})

	t.Run("TimeoutOverride", func(t *testing.T) {
		exec := &MockExecutor{}
		s := newTestServer(t, "stdio", exec)

		_, err := s.handleExecuteCode(context.Background(), callRequest("execute_code", map[string]any{
			"language":   "cpp",
			"code":       "int main() { for (;;); }",
			"timeout_ms": float64(2000),
		}))
		require.NoError(t, err)

		require.NotNil(t, exec.lastSub.Limits)
		want := testDefaults()
		want.WallClockTimeout = 2 * time.Second
		assert.Equal(t, want, *exec.lastSub.Limits)
	})

	t.Run("NegativeTimeout", func(t *testing.T) {
		exec := &MockExecutor{}
		s := newTestServer(t, "stdio", exec)

		res, err := s.handleExecuteCode(context.Background(), callRequest("execute_code", map[string]any{
			"language":   "cpp",
			"code":       "x",
			"timeout_ms": float64(-1),
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, 0, exec.calls)
	})

	t.Run("InternalErrorFlagged", func(t *testing.T) {
		exec := &MockExecutor{executeResult: sandbox.ExecutionResult{
			ExitCode:          -1,
			TerminationReason: sandbox.ReasonInternalError,
		}}
		s := newTestServer(t, "stdio", exec)

		res, err := s.handleExecuteCode(context.Background(), callRequest("execute_code", map[string]any{
			"language": "python",
			"code":     "x",
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), `"termination_reason":"internalError"`)
	})

	t.Run("BuildFailedIsAResult", func(t *testing.T) {
		exec := &MockExecutor{executeResult: sandbox.ExecutionResult{
			ExitCode:          1,
			Stderr:            "main.cpp:1: error",
			TerminationReason: sandbox.ReasonBuildFailed,
		}}
		s := newTestServer(t, "stdio", exec)

		res, err := s.handleExecuteCode(context.Background(), callRequest("execute_code", map[string]any{
			"language": "cpp",
			"code":     "int main(",
		}))
		require.NoError(t, err)
		assert.False(t, res.IsError)
		assert.Contains(t, resultText(t, res), `"termination_reason":"buildFailed"`)
	})

	errTests := []struct {
		name string
		err  error
		want string
	}{
		{"UnknownLanguage", fmt.Errorf("%w: cobol", adapter.ErrNotFound), "must be one of: cpp, python"},
		{"Capacity", fmt.Errorf("%w: 4 sandboxes active", orchestrator.ErrCapacity), "capacity exhausted"},
		{"Unexpected", fmt.Errorf("boom"), "Execution failed: boom"},
	}

	for _, tt := range errTests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, "stdio", &MockExecutor{executeError: tt.err})
			res, err := s.handleExecuteCode(context.Background(), callRequest("execute_code", map[string]any{
				"language": "cobol",
				"code":     "x",
			}))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, resultText(t, res), tt.want)
		})
	}

	t.Run("MissingParameters", func(t *testing.T) {
		exec := &MockExecutor{}
		s := newTestServer(t, "stdio", exec)

		_, err := s.handleExecuteCode(context.Background(), callRequest("execute_code", map[string]any{"language": "python"}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "code parameter is required")

		_, err = s.handleExecuteCode(context.Background(), callRequest("execute_code", map[string]any{"code": "x"}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "language parameter is required")

		assert.Equal(t, 0, exec.calls)
	})
}

func TestListLanguages(t *testing.T) {
	s := newTestServer(t, "stdio", &MockExecutor{})

	res, err := s.handleListLanguages(context.Background(), callRequest("list_languages", nil))
	require.NoError(t, err)

	var infos []languageInfo
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &infos))
	assert.Equal(t, []languageInfo{
		{ID: "cpp", BaseImage: "gcc:latest", Compiled: true},
		{ID: "python", BaseImage: "python:3.11-slim", Compiled: false},
	}, infos)
}
