package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
)

// CLIBackend provisions containers by driving the docker or podman command
// line. Each environment is a long-lived container running an idle process;
// build and run commands are executed in it with `exec`.
type CLIBackend struct {
	logger     *zap.Logger
	binary     string
	cmdRunner  CommandRunner
	instanceID string
	network    bool
}

// CLIBackendOption configures a CLIBackend
type CLIBackendOption func(*CLIBackend)

// WithCommandRunner replaces the runner used to invoke the container CLI
func WithCommandRunner(cmdRunner CommandRunner) CLIBackendOption {
	return func(b *CLIBackend) {
		b.cmdRunner = cmdRunner
	}
}

// NewCLIBackend creates a backend that invokes binary ("docker" or "podman")
func NewCLIBackend(logger *zap.Logger, binary string, cfg *config.Config, opts ...CLIBackendOption) *CLIBackend {
	b := &CLIBackend{
		logger:     logger,
		binary:     binary,
		cmdRunner:  RealCommandRunner{},
		instanceID: cfg.Sandbox.InstanceID,
		network:    cfg.Sandbox.NetworkEnabled,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Name returns the backend name
func (b *CLIBackend) Name() string {
	if b.binary == "docker" {
		return "docker-cli"
	}
	return b.binary
}

// Provision starts an idle container for one run
func (b *CLIBackend) Provision(ctx context.Context, spec EnvSpec) (Environment, error) {
	name := containerName(spec.ID)
	args := b.runArgs(name, spec)

	b.logger.Debug("starting container",
		zap.String("container", name),
		zap.String("image", spec.Image))

	if _, err := runOutput(ctx, b.cmdRunner, args...); err != nil {
		// the container may exist even though run failed or was interrupted
		b.remove(context.WithoutCancel(ctx), name)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	return &cliEnvironment{backend: b, name: name, cpuLimit: spec.Limits.CPUTime}, nil
}

func (b *CLIBackend) runArgs(name string, spec EnvSpec) []string {
	limits := spec.Limits
	cpu := limits.CPUSeconds()

	args := []string{
		b.binary, "run", "-d",
		"--name", name,
		"--label", LabelManaged + "=true",
		"--label", instanceFilter(b.instanceID),
		"--label", LabelSandbox + "=" + spec.ID,
		"--memory", fmt.Sprintf("%d", limits.MemoryBytes),
		"--memory-swap", fmt.Sprintf("%d", limits.MemoryBytes), // no swap
		"--pids-limit", fmt.Sprintf("%d", limits.PIDs),
		"--ulimit", fmt.Sprintf("cpu=%d:%d", cpu, cpu+1),
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--tmpfs", WorkDir + ":rw,exec,mode=1777",
		"--workdir", WorkDir,
	}

	if b.network {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}

	for _, kv := range envList(spec.Environment) {
		args = append(args, "-e", kv)
	}

	return append(args, spec.Image, "tail", "-f", "/dev/null")
}

// Pull fetches image unless the engine already has it
func (b *CLIBackend) Pull(ctx context.Context, image string) error {
	if _, err := runOutput(ctx, b.cmdRunner, b.binary, "image", "inspect", image); err == nil {
		return nil
	}

	b.logger.Info("local image not found, pulling from registry", zap.String("image", image))
	if _, err := runOutput(ctx, b.cmdRunner, b.binary, "pull", image); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	return nil
}

// Reap removes every container labelled with this instance's id
func (b *CLIBackend) Reap(ctx context.Context) (int, error) {
	out, err := runOutput(ctx, b.cmdRunner, b.binary, "ps", "-aq", "--filter", "label="+instanceFilter(b.instanceID))
	if err != nil {
		return 0, fmt.Errorf("failed to list leftover containers: %w", err)
	}

	ids := strings.Fields(out)
	if len(ids) == 0 {
		return 0, nil
	}

	args := append([]string{b.binary, "rm", "-f"}, ids...)
	if _, err := runOutput(ctx, b.cmdRunner, args...); err != nil {
		return 0, fmt.Errorf("failed to remove leftover containers: %w", err)
	}

	return len(ids), nil
}

func (b *CLIBackend) remove(ctx context.Context, name string) {
	if _, err := runOutput(ctx, b.cmdRunner, b.binary, "rm", "-f", name); err != nil {
		b.logger.Debug("container removal failed", zap.String("container", name), zap.Error(err))
	}
}

// cliEnvironment is one container driven through the CLI
type cliEnvironment struct {
	backend  *CLIBackend
	name     string
	cpuLimit time.Duration
}

func (e *cliEnvironment) WriteFile(ctx context.Context, name string, data []byte) error {
	b := e.backend
	target := shellQuote(WorkDir + "/" + name)
	args := []string{b.binary, "exec", "-i", e.name, "sh", "-c", "cat > " + target}

	var stderr bytes.Buffer
	code, err := b.cmdRunner.RunCommand(ctx, args, bytes.NewReader(data), nil, &stderr)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if code != 0 {
		return fmt.Errorf("failed to write %s: exit %d: %s", name, code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (e *cliEnvironment) Exec(ctx context.Context, req ExecRequest) (ExecOutcome, error) {
	b := e.backend
	args := []string{
		b.binary, "exec",
		"--workdir", WorkDir,
		e.name,
		"sh", "-c", shellCommand(req.Command, req.StdinFile),
	}

	before := e.counters(ctx)
	code, err := b.cmdRunner.RunCommand(ctx, args, nil, writerOrDiscard(req.Stdout), writerOrDiscard(req.Stderr))
	if err != nil {
		return ExecOutcome{ExitCode: -1}, err
	}

	outcome := ExecOutcome{ExitCode: code}
	if code == exitSIGKILL || code == exitSIGXCPU {
		outcome.Exceeded = confirmExceeded(code, before, e.counters(ctx), e.cpuLimit)
	}
	return outcome, nil
}

// counters snapshots the container's cgroup counters
func (e *cliEnvironment) counters(ctx context.Context) cgroupCounters {
	b := e.backend
	out, err := runOutput(ctx, b.cmdRunner, b.binary, "exec", e.name, "sh", "-c", cgroupCountersScript)
	if err != nil {
		b.logger.Debug("reading cgroup counters failed", zap.String("container", e.name), zap.Error(err))
		return cgroupCounters{}
	}
	return parseCgroupCounters(out)
}

func (e *cliEnvironment) Destroy(ctx context.Context) error {
	b := e.backend
	if _, err := runOutput(ctx, b.cmdRunner, b.binary, "rm", "-f", e.name); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", e.name, err)
	}
	return nil
}
