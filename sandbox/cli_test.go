package sandbox

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/governor"
)

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing. Results are keyed
// by the subcommand and its first argument ("exec -i"), falling back to the
// subcommand alone (args[1]); cgroup counter reads are answered from
// counters in order and are not recorded in calls.
type MockCommandRunner struct {
	mu             sync.Mutex
	calls          [][]string
	stdin          map[string]string
	commandResults map[string]commandResult
	counters       []string
	counterReads   int
}

func (m *MockCommandRunner) RunCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	m.mu.Lock()
	if args[len(args)-1] == cgroupCountersScript {
		m.counterReads++
		var text string
		if len(m.counters) > 0 {
			text, m.counters = m.counters[0], m.counters[1:]
		}
		m.mu.Unlock()
		if stdout != nil {
			_, _ = io.WriteString(stdout, text)
		}
		return 0, ctx.Err()
	}
	m.calls = append(m.calls, args)
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		if m.stdin == nil {
			m.stdin = make(map[string]string)
		}
		m.stdin[strings.Join(args, " ")] = string(data)
	}
	key := args[1]
	if len(args) > 2 {
		if _, found := m.commandResults[args[1]+" "+args[2]]; found {
			key = args[1] + " " + args[2]
		}
	}
	result := m.commandResults[key]
	m.mu.Unlock()

	if result.err != nil {
		return -1, result.err
	}
	if stdout != nil {
		_, _ = io.WriteString(stdout, result.stdout)
	}
	if stderr != nil {
		_, _ = io.WriteString(stderr, result.stderr)
	}
	return result.exitCode, ctx.Err()
}

func (m *MockCommandRunner) callsOf(sub string) [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]string
	for _, c := range m.calls {
		if c[1] == sub {
			out = append(out, c)
		}
	}
	return out
}

func cliTestConfig() *config.Config {
	return &config.Config{Sandbox: config.SandboxConfig{InstanceID: "host-1"}}
}

func cliTestSpec() EnvSpec {
	return EnvSpec{
		ID:    "abc",
		Image: "python:3.11-slim",
		Limits: governor.Limits{
			CPUTime:          2500 * time.Millisecond,
			MemoryBytes:      128 * governor.MiB,
			WallClockTimeout: 10 * time.Second,
			MaxOutputBytes:   1024,
			PIDs:             32,
		},
		Environment: map[string]string{"PYTHONUNBUFFERED": "1"},
	}
}

func argValue(args []string, flag string) []string {
	var values []string
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			values = append(values, args[i+1])
		}
	}
	return values
}

func TestCLIBackendProvision(t *testing.T) {
	runner := &MockCommandRunner{commandResults: map[string]commandResult{
		"run": {stdout: "0123456789ab\n"},
	}}
	b := NewCLIBackend(zaptest.NewLogger(t), "podman", cliTestConfig(), WithCommandRunner(runner))
	assert.Equal(t, "podman", b.Name())

	env, err := b.Provision(context.Background(), cliTestSpec())
	require.NoError(t, err)
	require.NotNil(t, env)

	calls := runner.callsOf("run")
	require.Len(t, calls, 1)
	args := calls[0]

	assert.Equal(t, "podman", args[0])
	assert.Equal(t, []string{"runbox-abc"}, argValue(args, "--name"))
	assert.Equal(t, []string{"none"}, argValue(args, "--network"))
	assert.Equal(t, []string{"134217728"}, argValue(args, "--memory"))
	assert.Equal(t, []string{"134217728"}, argValue(args, "--memory-swap"))
	assert.Equal(t, []string{"32"}, argValue(args, "--pids-limit"))
	assert.Equal(t, []string{"cpu=3:4"}, argValue(args, "--ulimit"))
	assert.Equal(t, []string{"ALL"}, argValue(args, "--cap-drop"))
	assert.Equal(t, []string{"PYTHONUNBUFFERED=1"}, argValue(args, "-e"))
	assert.ElementsMatch(t, []string{
		"runbox.managed=true",
		"runbox.instance=host-1",
		"runbox.sandbox=abc",
	}, argValue(args, "--label"))
	assert.Equal(t, []string{"python:3.11-slim", "tail", "-f", "/dev/null"}, args[len(args)-4:])
}

func TestCLIBackendNetworkEnabled(t *testing.T) {
	cfg := cliTestConfig()
	cfg.Sandbox.NetworkEnabled = true
	b := NewCLIBackend(zaptest.NewLogger(t), "docker", cfg, WithCommandRunner(&MockCommandRunner{}))
	assert.Equal(t, "docker-cli", b.Name())

	args := b.runArgs("runbox-x", cliTestSpec())
	assert.Equal(t, []string{"bridge"}, argValue(args, "--network"))
}

func TestCLIBackendProvisionFailureRemovesContainer(t *testing.T) {
	runner := &MockCommandRunner{commandResults: map[string]commandResult{
		"run": {exitCode: 125, stderr: "Unable to find image"},
	}}
	b := NewCLIBackend(zaptest.NewLogger(t), "docker", cliTestConfig(), WithCommandRunner(runner))

	_, err := b.Provision(context.Background(), cliTestSpec())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unable to find image")

	rm := runner.callsOf("rm")
	require.Len(t, rm, 1)
	assert.Equal(t, []string{"docker", "rm", "-f", "runbox-abc"}, rm[0])
}

func TestCLIEnvironment(t *testing.T) {
	runner := &MockCommandRunner{commandResults: map[string]commandResult{
		"exec": {stdout: "hi\n", exitCode: 0},
	}}
	b := NewCLIBackend(zaptest.NewLogger(t), "docker", cliTestConfig(), WithCommandRunner(runner))
	env, err := b.Provision(context.Background(), cliTestSpec())
	require.NoError(t, err)

	t.Run("WriteFile", func(t *testing.T) {
		require.NoError(t, env.WriteFile(context.Background(), "main.py", []byte("print('hi')")))

		key := "docker exec -i runbox-abc sh -c cat > '/sandbox/main.py'"
		assert.Equal(t, "print('hi')", runner.stdin[key])
	})

	t.Run("Exec", func(t *testing.T) {
		var stdout strings.Builder
		outcome, err := env.Exec(context.Background(), ExecRequest{
			Command:   "python main.py",
			StdinFile: ".runbox-stdin",
			Stdout:    &stdout,
		})
		require.NoError(t, err)
		assert.Equal(t, 0, outcome.ExitCode)
		assert.Empty(t, outcome.Exceeded)
		assert.Equal(t, "hi\n", stdout.String())

		calls := runner.callsOf("exec")
		last := calls[len(calls)-1]
		assert.Equal(t, []string{"docker", "exec", "--workdir", "/sandbox", "runbox-abc", "sh", "-c",
			"{ python main.py\n} < '/sandbox/.runbox-stdin'"}, last)
	})

	t.Run("Destroy", func(t *testing.T) {
		require.NoError(t, env.Destroy(context.Background()))
		rm := runner.callsOf("rm")
		require.Len(t, rm, 1)
		assert.Equal(t, []string{"docker", "rm", "-f", "runbox-abc"}, rm[0])
	})
}

func TestCLIEnvironmentExceeded(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		counters []string
		want     string
	}{
		{"OOMKilled", 137, []string{"oom_kill 2\nusage_usec 10", "oom_kill 3\nusage_usec 20"}, ResourceMemory},
		{"PlainExit137", 137, []string{"oom_kill 0\nusage_usec 10", "oom_kill 0\nusage_usec 20"}, ""},
		{"SIGXCPU", 152, []string{"usage_usec 0", "usage_usec 2600000"}, ResourceCPU},
		{"CgroupV1", 137, []string{"oom_kill 0\ncpuacct_usage 100", "oom_kill 1\ncpuacct_usage 200"}, ResourceMemory},
		{"CountersUnreadable", 152, nil, ResourceCPU},
		{"PlainFailure", 1, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &MockCommandRunner{
				commandResults: map[string]commandResult{"exec": {exitCode: tt.exitCode}},
				counters:       tt.counters,
			}
			b := NewCLIBackend(zaptest.NewLogger(t), "docker", cliTestConfig(), WithCommandRunner(runner))
			env, err := b.Provision(context.Background(), cliTestSpec())
			require.NoError(t, err)

			outcome, err := env.Exec(context.Background(), ExecRequest{Command: "./main.out"})
			require.NoError(t, err)
			assert.Equal(t, tt.exitCode, outcome.ExitCode)
			assert.Equal(t, tt.want, outcome.Exceeded)
		})
	}

	t.Run("CountersReadOnlyOnSuspiciousExit", func(t *testing.T) {
		runner := &MockCommandRunner{commandResults: map[string]commandResult{"exec": {exitCode: 1}}}
		b := NewCLIBackend(zaptest.NewLogger(t), "docker", cliTestConfig(), WithCommandRunner(runner))
		env, err := b.Provision(context.Background(), cliTestSpec())
		require.NoError(t, err)

		_, err = env.Exec(context.Background(), ExecRequest{Command: "false"})
		require.NoError(t, err)
		assert.Equal(t, 1, runner.counterReads)
	})
}

func TestCLIBackendReap(t *testing.T) {
	t.Run("RemovesLabelled", func(t *testing.T) {
		runner := &MockCommandRunner{commandResults: map[string]commandResult{
			"ps": {stdout: "aaa\nbbb\n"},
		}}
		b := NewCLIBackend(zaptest.NewLogger(t), "docker", cliTestConfig(), WithCommandRunner(runner))

		n, err := b.Reap(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		ps := runner.callsOf("ps")
		require.Len(t, ps, 1)
		assert.Equal(t, []string{"docker", "ps", "-aq", "--filter", "label=runbox.instance=host-1"}, ps[0])
		assert.Equal(t, [][]string{{"docker", "rm", "-f", "aaa", "bbb"}}, runner.callsOf("rm"))
	})

	t.Run("NothingLeft", func(t *testing.T) {
		runner := &MockCommandRunner{}
		b := NewCLIBackend(zaptest.NewLogger(t), "docker", cliTestConfig(), WithCommandRunner(runner))

		n, err := b.Reap(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, runner.callsOf("rm"))
	})
}

func TestShellCommand(t *testing.T) {
	assert.Equal(t, "{ node main.js\n} < '/dev/null'", shellCommand("node main.js", ""))
	assert.Equal(t, "{ ./a.out # trailing comment\n} < '/sandbox/in'", shellCommand("./a.out # trailing comment", "in"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
