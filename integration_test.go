package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/adapter"
	"github.com/isdmx/runbox/api"
	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/governor"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/orchestrator"
	"github.com/isdmx/runbox/sandbox"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		API:    config.APIConfig{Enabled: true, HTTPPort: 5000},
		Sandbox: config.SandboxConfig{
			Backend:            "local",
			EnableLocalBackend: true,
			TimeoutSec:         5,
			CPUTimeSec:         5,
			MemoryMB:           256,
			MaxOutputBytes:     1024,
			PidsLimit:          64,
			MaxTimeoutSec:      30,
			MaxCPUTimeSec:      30,
			MaxMemoryMB:        1024,
			MaxOutputCeiling:   1 << 20,
			TeardownTimeoutSec: 5,
			WorkRoot:           t.TempDir(),
			ReapAgeSec:         600,
		},
		Admission: config.AdmissionConfig{
			MaxConcurrent:   2,
			Policy:          config.PolicyQueue,
			QueueTimeoutSec: 30,
		},
		Logging: config.LoggingConfig{Mode: "development", Level: "debug"},
		Languages: map[string]config.Language{
			"sh": {Image: "busybox:latest", SourceFileName: "main.sh", RunCommand: "sh main.sh"},
			"shc": {
				Image:          "busybox:latest",
				SourceFileName: "prog.sh",
				BuildCommand:   "sh -n prog.sh",
				RunCommand:     "sh prog.sh",
			},
		},
	}
}

// newStack wires the same components as "runbox serve" on the local backend
func newStack(t *testing.T) http.Handler {
	t.Helper()
	cfg := testConfig(t)
	logger := zaptest.NewLogger(t)

	registry, err := adapter.NewRegistryFromConfig(cfg, logger)
	require.NoError(t, err)
	gov, err := governor.NewFromConfig(cfg)
	require.NoError(t, err)
	backend, err := sandbox.NewBackend(logger, cfg)
	require.NoError(t, err)

	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	ctrl := sandbox.NewController(logger, backend, gov,
		sandbox.WithTeardownTimeout(cfg.GetTeardownTimeout()),
		sandbox.WithPhaseObserver(m.ObservePhase))
	orch := orchestrator.New(logger, cfg.Admission, registry, ctrl, m)

	return api.New(cfg, logger, orch, gov, reg).Handler()
}

func execute(t *testing.T, h http.Handler, body map[string]any) (int, sandbox.ExecutionResult) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/execute", bytes.NewReader(raw)))

	var res sandbox.ExecutionResult
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	}
	return rec.Code, res
}

func TestIntegrationLocalExecution(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("local backend limits require linux")
	}
	h := newStack(t)

	t.Run("Completed", func(t *testing.T) {
		code, res := execute(t, h, map[string]any{
			"language": "sh",
			"code":     "read a\necho \"got $a\"\n",
			"stdin":    "42\n",
		})
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, sandbox.ReasonCompleted, res.TerminationReason)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, "got 42\n", res.Stdout)
		assert.NotEmpty(t, res.SandboxID)
	})

	t.Run("BuildFailureSkipsRun", func(t *testing.T) {
		code, res := execute(t, h, map[string]any{
			"language": "shc",
			"code":     "echo ran\nif then\n",
		})
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, sandbox.ReasonBuildFailed, res.TerminationReason)
		assert.NotEqual(t, 0, res.ExitCode)
		assert.NotContains(t, res.Stdout, "ran")
	})

	t.Run("Timeout", func(t *testing.T) {
		code, res := execute(t, h, map[string]any{
			"language": "sh",
			"code":     "while :; do :; done\n",
			"limits":   map[string]any{"wall_clock_timeout_ms": 500},
		})
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, sandbox.ReasonTimeout, res.TerminationReason)
		assert.Equal(t, -1, res.ExitCode)
	})

	t.Run("OutputCapped", func(t *testing.T) {
		code, res := execute(t, h, map[string]any{
			"language": "sh",
			"code":     "i=0\nwhile [ $i -lt 500 ]; do echo 0123456789; i=$((i+1)); done\n",
		})
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, sandbox.ReasonCompleted, res.TerminationReason)
		assert.Len(t, res.Stdout, 1024)
		assert.True(t, res.StdoutTruncated)
	})

	t.Run("UnknownLanguage", func(t *testing.T) {
		code, _ := execute(t, h, map[string]any{"language": "cobol", "code": "x"})
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("ConcurrentSubmissionsAreIsolated", func(t *testing.T) {
		const n = 6
		var wg sync.WaitGroup
		results := make([]sandbox.ExecutionResult, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = execute(t, h, map[string]any{
					"language": "sh",
					"code":     fmt.Sprintf("echo %d > marker\nsleep 0.1\ncat marker\nls\n", i),
				})
			}(i)
		}
		wg.Wait()

		for i, res := range results {
			assert.Equal(t, sandbox.ReasonCompleted, res.TerminationReason, "submission %d", i)
			lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
			require.NotEmpty(t, lines)
			assert.Equal(t, fmt.Sprint(i), lines[0], "submission %d saw another workspace", i)
		}
	})
}

func TestIntegrationLanguages(t *testing.T) {
	h := newStack(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/languages", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var langs []adapter.LanguageAdapter
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &langs))

	ids := make([]string, 0, len(langs))
	for _, l := range langs {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []string{"cpp", "java", "js", "python", "sh", "shc"}, ids)
}
