package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/governor"
)

// LocalBackend runs commands as plain host processes in a temporary
// directory (for development only). Processes get their own process group
// and a CPU rlimit, but no network or filesystem isolation. Memory is capped
// by a cgroup v2 leaf under sandbox.cgroup_root when one is configured, and
// by an address-space rlimit otherwise.
type LocalBackend struct {
	logger     *zap.Logger
	fs         FileSystem
	workRoot   string
	cgroupRoot string
	reapAge    time.Duration
}

// LocalBackendOption configures a LocalBackend
type LocalBackendOption func(*LocalBackend)

// WithFileSystem replaces the file system used for workspaces
func WithFileSystem(fs FileSystem) LocalBackendOption {
	return func(l *LocalBackend) {
		l.fs = fs
	}
}

// NewLocalBackend creates a LocalBackend rooted at sandbox.work_root, or the
// system temp dir when it is empty
func NewLocalBackend(logger *zap.Logger, cfg *config.Config, opts ...LocalBackendOption) *LocalBackend {
	root := cfg.Sandbox.WorkRoot
	if root == "" {
		root = os.TempDir()
	}

	l := &LocalBackend{
		logger:     logger,
		fs:         RealFileSystem{},
		workRoot:   root,
		cgroupRoot: cfg.Sandbox.CgroupRoot,
		reapAge:    cfg.GetReapAge(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Name returns the backend name
func (*LocalBackend) Name() string {
	return "local"
}

// Provision creates an empty workspace directory
func (l *LocalBackend) Provision(_ context.Context, spec EnvSpec) (Environment, error) {
	dir, err := l.fs.MkdirTemp(l.workRoot, namePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	env := &localEnvironment{
		backend: l,
		dir:     dir,
		limits:  spec.Limits,
		env:     localEnv(dir, spec.Environment),
	}

	if l.cgroupRoot != "" {
		env.cgroup, err = newCgroupLeaf(l.cgroupRoot, filepath.Base(dir), spec.Limits)
		if err != nil {
			_ = l.fs.RemoveAll(dir)
			return nil, err
		}
	}

	l.logger.Warn("running untrusted code on the host without isolation",
		zap.String("sandbox_id", spec.ID),
		zap.String("workspace", dir),
		zap.Bool("cgroup", env.cgroup != nil))

	return env, nil
}

// Reap removes workspaces older than the reap age. Younger ones may belong
// to runs still in flight.
func (l *LocalBackend) Reap(_ context.Context) (int, error) {
	entries, err := l.fs.ReadDir(l.workRoot)
	if err != nil {
		return 0, fmt.Errorf("failed to read work root: %w", err)
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), namePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || time.Since(info.ModTime()) < l.reapAge {
			continue
		}
		if err := l.fs.RemoveAll(filepath.Join(l.workRoot, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	return removed, errors.Join(errs...)
}

func localEnv(dir string, extra map[string]string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
	}
	return append(env, envList(extra)...)
}

// localEnvironment is one workspace directory plus the process groups
// started in it
type localEnvironment struct {
	backend *LocalBackend
	dir     string
	limits  governor.Limits
	env     []string
	cgroup  *cgroupLeaf

	mu     sync.Mutex
	groups []int
}

func (e *localEnvironment) WriteFile(_ context.Context, name string, data []byte) error {
	if err := e.backend.fs.WriteFile(filepath.Join(e.dir, name), data, FilePermission); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (e *localEnvironment) Exec(ctx context.Context, req ExecRequest) (ExecOutcome, error) {
	argv, err := shlex.Split(req.Command)
	if err != nil {
		return ExecOutcome{ExitCode: -1}, fmt.Errorf("invalid command %q: %w", req.Command, err)
	}
	if len(argv) == 0 {
		return ExecOutcome{ExitCode: -1}, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // running user code is the point
	cmd.Dir = e.dir
	cmd.Env = e.env
	cmd.Stdout = writerOrDiscard(req.Stdout)
	cmd.Stderr = writerOrDiscard(req.Stderr)
	cmd.WaitDelay = commandWaitDelay
	configureProcess(cmd)

	if req.StdinFile != "" {
		stdin, err := os.Open(filepath.Join(e.dir, req.StdinFile))
		if err != nil {
			return ExecOutcome{ExitCode: -1}, fmt.Errorf("failed to open stdin: %w", err)
		}
		defer stdin.Close()
		cmd.Stdin = stdin
	}

	var before cgroupCounters
	if e.cgroup != nil {
		release, err := e.cgroup.attach(cmd)
		if err != nil {
			return ExecOutcome{ExitCode: -1}, err
		}
		defer release()
		before = e.cgroup.counters()
	}

	if err := cmd.Start(); err != nil {
		return ExecOutcome{ExitCode: -1}, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	pid := cmd.Process.Pid
	e.track(pid)

	if err := applyLimits(pid, e.limits, e.cgroup == nil); err != nil {
		killProcessGroup(pid)
		_ = cmd.Wait()
		return ExecOutcome{ExitCode: -1}, fmt.Errorf("failed to apply limits: %w", err)
	}

	err = cmd.Wait()
	if ctx.Err() != nil {
		return ExecOutcome{ExitCode: -1}, ctx.Err()
	}

	var exitError *exec.ExitError
	if err != nil && !errors.As(err, &exitError) {
		return ExecOutcome{ExitCode: -1}, fmt.Errorf("failed to run %s: %w", argv[0], err)
	}

	code, exceeded := processOutcome(cmd.ProcessState, e.limits)
	if e.cgroup != nil && code != 0 && e.cgroup.counters().OOMKills > before.OOMKills {
		exceeded = ResourceMemory
	}
	return ExecOutcome{ExitCode: code, Exceeded: exceeded}, nil
}

func (e *localEnvironment) track(pgid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groups = append(e.groups, pgid)
}

// Destroy kills whatever is left of every process group and removes the
// workspace and cgroup
func (e *localEnvironment) Destroy(ctx context.Context) error {
	e.mu.Lock()
	groups := e.groups
	e.groups = nil
	e.mu.Unlock()

	if e.cgroup != nil {
		e.cgroup.kill()
	}
	for _, pgid := range groups {
		killProcessGroup(pgid)
	}

	var errs []error
	if err := e.backend.fs.RemoveAll(e.dir); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove workspace %s: %w", e.dir, err))
	}
	if e.cgroup != nil {
		errs = append(errs, e.cgroup.remove(ctx))
	}
	return errors.Join(errs...)
}
