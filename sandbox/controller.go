package sandbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/adapter"
	"github.com/isdmx/runbox/governor"
)

// WorkDir is the working directory of every container environment
const WorkDir = "/sandbox"

// internalErrorMessage is the only detail an internal failure exposes to callers
const internalErrorMessage = "internal error: the sandbox could not complete this run"

// defaultTeardownTimeout bounds teardown when no explicit timeout is configured
const defaultTeardownTimeout = 10 * time.Second

// Phase names reported to a PhaseObserver
const (
	PhaseProvision = "provision"
	PhaseBuild     = "build"
	PhaseRun       = "run"
	PhaseTeardown  = "teardown"
)

// PhaseObserver is notified after every phase of a run
type PhaseObserver func(language, phase string, d time.Duration, err error)

// Controller drives one submission through provision, stage, build and run
// in an environment it owns exclusively. A Controller holds no per-run state
// and may serve any number of concurrent runs.
type Controller struct {
	logger          *zap.Logger
	backend         Backend
	governor        *governor.Governor
	teardownTimeout time.Duration
	newID           func() string
	observe         PhaseObserver
}

// ControllerOption configures a Controller
type ControllerOption func(*Controller)

// WithTeardownTimeout bounds how long teardown may take after the run ended
func WithTeardownTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.teardownTimeout = d
		}
	}
}

// WithIDGenerator overrides how sandbox ids are generated
func WithIDGenerator(gen func() string) ControllerOption {
	return func(c *Controller) {
		c.newID = gen
	}
}

// WithPhaseObserver registers a callback for phase durations
func WithPhaseObserver(obs PhaseObserver) ControllerOption {
	return func(c *Controller) {
		c.observe = obs
	}
}

// NewController creates a Controller on top of backend
func NewController(logger *zap.Logger, backend Backend, gov *governor.Governor, opts ...ControllerOption) *Controller {
	c := &Controller{
		logger:          logger,
		backend:         backend,
		governor:        gov,
		teardownTimeout: defaultTeardownTimeout,
		newID:           uuid.NewString,
		observe:         func(string, string, time.Duration, error) {},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Backend returns the backend environments are provisioned from
func (c *Controller) Backend() Backend {
	return c.backend
}

// Run executes sub with the given adapter and always returns a well-formed
// result. Expected outcomes such as build failures and timeouts are reported
// through TerminationReason; infrastructure faults become internalError.
//
//nolint:gocritic // Submission is passed by value so the caller's copy is never mutated
func (c *Controller) Run(ctx context.Context, sub Submission, a adapter.LanguageAdapter) ExecutionResult {
	handle := newHandle(c.newID(), a)
	logger := c.logger.With(
		zap.String("sandbox_id", handle.ID),
		zap.String("language", a.ID))

	res := ExecutionResult{
		SandboxID: handle.ID,
		Language:  a.ID,
	}

	limits, err := c.governor.Resolve(sub.Limits)
	if err != nil {
		logger.Error("refusing to start run", zap.Error(err))
		return internalError(res)
	}

	sup := c.governor.Supervise(ctx, limits)
	defer sup.Release()

	r := &run{
		ctrl:   c,
		logger: logger,
		handle: handle,
		sup:    sup,
		res:    res,
	}
	defer r.teardown(ctx)

	r.execute(sub)
	return r.res
}

// run is the state of one Controller.Run invocation
type run struct {
	ctrl   *Controller
	logger *zap.Logger
	handle *SandboxHandle
	sup    *governor.Supervision
	res    ExecutionResult
}

func (r *run) execute(sub Submission) {
	a := r.handle.Adapter
	limits := r.sup.Limits()
	ctx := r.sup.Context()

	start := time.Now()
	env, err := r.ctrl.backend.Provision(ctx, EnvSpec{
		ID:          r.handle.ID,
		Image:       a.BaseImage,
		Limits:      limits,
		Environment: a.Environment,
	})
	r.ctrl.observe(a.ID, PhaseProvision, time.Since(start), err)
	if err != nil {
		r.fail(PhaseProvision, err)
		return
	}
	r.handle.attach(env)

	if err := env.WriteFile(ctx, a.SourceFileName, []byte(sub.SourceText)); err != nil {
		r.fail("stage", err)
		return
	}

	stdinFile := ""
	if sub.Stdin != "" {
		stdinFile = adapter.StdinFileName
		if err := env.WriteFile(ctx, stdinFile, []byte(sub.Stdin)); err != nil {
			r.fail("stage", err)
			return
		}
	}

	if a.HasBuild() {
		r.handle.enter(StateBuilding)
		if !r.phase(PhaseBuild, a.BuildCommand, "") {
			return
		}
		if r.res.ExitCode != 0 {
			r.res.TerminationReason = ReasonBuildFailed
			r.logger.Debug("build failed", zap.Int("exit_code", r.res.ExitCode))
			return
		}
	}

	r.handle.enter(StateRunning)
	if r.phase(PhaseRun, a.RunCommand, stdinFile) {
		r.res.TerminationReason = ReasonCompleted
	}
}

// phase runs one command and records its output in the result. It returns
// false when the run has been terminated and the result is final.
func (r *run) phase(name, command, stdinFile string) bool {
	limits := r.sup.Limits()
	stdout := governor.NewCappedBuffer(limits.MaxOutputBytes)
	stderr := governor.NewCappedBuffer(limits.MaxOutputBytes)

	start := time.Now()
	outcome, err := r.handle.env.Exec(r.sup.Context(), ExecRequest{
		Command:   command,
		StdinFile: stdinFile,
		Stdout:    stdout,
		Stderr:    stderr,
		Exceed:    r.sup.Exceed,
	})
	r.ctrl.observe(r.handle.Adapter.ID, name, time.Since(start), err)

	// Partial output is kept on every outcome
	r.res.Stdout = stdout.String()
	r.res.Stderr = stderr.String()
	r.res.StdoutTruncated = stdout.Truncated()
	r.res.StderrTruncated = stderr.Truncated()
	r.res.ExitCode = outcome.ExitCode
	r.res.DurationMs = r.sup.Elapsed().Milliseconds()

	// A command that exited on its own within its limits stands, even if
	// the wall clock ran out while Exec was returning
	if err == nil && outcome.Exceeded == "" {
		return true
	}

	if outcome.Exceeded != "" {
		r.sup.Exceed(outcome.Exceeded)
	}

	switch r.sup.Outcome() {
	case governor.OutcomeTimeout:
		r.stop(name, ReasonTimeout)
		return false
	case governor.OutcomeResourceExceeded:
		r.stop(name, ReasonResourceExceeded)
		return false
	case governor.OutcomeCancelled:
		r.stop(name, ReasonCancelled)
		return false
	}

	r.fail(name, err)
	return false
}

// stop finalizes a run terminated by the governor or the caller
func (r *run) stop(phase string, reason TerminationReason) {
	r.logger.Info("run terminated",
		zap.String("phase", phase),
		zap.String("reason", string(reason)),
		zap.Stringer("outcome", r.sup.Outcome()),
		zap.Int64("duration_ms", r.res.DurationMs))
	r.res.TerminationReason = reason
	if r.res.ExitCode == 0 {
		r.res.ExitCode = -1
	}
}

// fail finalizes a run after an infrastructure fault. A fault caused by the
// run being stopped is classified as that stop instead.
func (r *run) fail(phase string, err error) {
	r.res.DurationMs = r.sup.Elapsed().Milliseconds()

	switch r.sup.Outcome() {
	case governor.OutcomeTimeout:
		r.stop(phase, ReasonTimeout)
		return
	case governor.OutcomeResourceExceeded:
		r.stop(phase, ReasonResourceExceeded)
		return
	case governor.OutcomeCancelled:
		r.stop(phase, ReasonCancelled)
		return
	}

	r.logger.Error("sandbox run failed", zap.String("phase", phase), zap.Error(err))
	r.res = internalError(r.res)
}

// teardown destroys the environment with a grace period detached from the
// run's context, so expired and cancelled runs are still cleaned up.
func (r *run) teardown(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.ctrl.teardownTimeout)
	defer cancel()

	start := time.Now()
	err := r.handle.Destroy(ctx)
	r.ctrl.observe(r.handle.Adapter.ID, PhaseTeardown, time.Since(start), err)
	if err != nil {
		r.logger.Error("failed to tear down sandbox", zap.Error(err))
		return
	}
	r.logger.Debug("sandbox destroyed", zap.Duration("lifetime", time.Since(r.handle.CreatedAt)))
}

func internalError(res ExecutionResult) ExecutionResult {
	return ExecutionResult{
		ExitCode:          -1,
		Stderr:            internalErrorMessage,
		DurationMs:        res.DurationMs,
		TerminationReason: ReasonInternalError,
		SandboxID:         res.SandboxID,
		Language:          res.Language,
	}
}
