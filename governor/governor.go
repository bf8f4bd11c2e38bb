// Package governor bounds every sandboxed execution.
//
// It owns the deployment-wide default limits and ceilings, validates the
// limits of each submission, supervises a run with a single wall-clock
// deadline covering provisioning, build and run, and classifies why a run
// was stopped. Output ceilings are enforced by CappedBuffer.
package governor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/isdmx/runbox/config"
)

var (
	// ErrInvalidLimits is returned for zero, negative or above-ceiling limits
	ErrInvalidLimits = errors.New("invalid resource limits")
	// ErrWallClock is the cancellation cause of a run that hit its wall-clock timeout
	ErrWallClock = errors.New("wall-clock timeout exceeded")
	// ErrResourceExceeded is the cancellation cause of a run that breached a CPU or memory ceiling
	ErrResourceExceeded = errors.New("resource limit exceeded")
)

// Limits bounds one run
type Limits struct {
	CPUTime          time.Duration `json:"cpu_time"`
	MemoryBytes      int64         `json:"memory_bytes"`
	WallClockTimeout time.Duration `json:"wall_clock_timeout"`
	MaxOutputBytes   int64         `json:"max_output_bytes"`
	PIDs             int64         `json:"pids"`
}

// CPUSeconds returns the CPU ceiling rounded up to whole seconds, the
// granularity of RLIMIT_CPU.
func (l Limits) CPUSeconds() uint64 {
	secs := l.CPUTime / time.Second
	if l.CPUTime%time.Second != 0 {
		secs++
	}
	return uint64(secs)
}

func (l Limits) validate() error {
	switch {
	case l.CPUTime <= 0:
		return fmt.Errorf("%w: cpu time must be positive, got %s", ErrInvalidLimits, l.CPUTime)
	case l.MemoryBytes <= 0:
		return fmt.Errorf("%w: memory must be positive, got %d", ErrInvalidLimits, l.MemoryBytes)
	case l.WallClockTimeout <= 0:
		return fmt.Errorf("%w: wall-clock timeout must be positive, got %s", ErrInvalidLimits, l.WallClockTimeout)
	case l.MaxOutputBytes <= 0:
		return fmt.Errorf("%w: max output bytes must be positive, got %d", ErrInvalidLimits, l.MaxOutputBytes)
	case l.PIDs <= 0:
		return fmt.Errorf("%w: pids must be positive, got %d", ErrInvalidLimits, l.PIDs)
	}
	return nil
}

func (l Limits) within(ceil Limits) error {
	switch {
	case l.CPUTime > ceil.CPUTime:
		return fmt.Errorf("%w: cpu time %s above ceiling %s", ErrInvalidLimits, l.CPUTime, ceil.CPUTime)
	case l.MemoryBytes > ceil.MemoryBytes:
		return fmt.Errorf("%w: memory %d above ceiling %d", ErrInvalidLimits, l.MemoryBytes, ceil.MemoryBytes)
	case l.WallClockTimeout > ceil.WallClockTimeout:
		return fmt.Errorf("%w: wall-clock timeout %s above ceiling %s", ErrInvalidLimits, l.WallClockTimeout, ceil.WallClockTimeout)
	case l.MaxOutputBytes > ceil.MaxOutputBytes:
		return fmt.Errorf("%w: max output bytes %d above ceiling %d", ErrInvalidLimits, l.MaxOutputBytes, ceil.MaxOutputBytes)
	case l.PIDs > ceil.PIDs:
		return fmt.Errorf("%w: pids %d above ceiling %d", ErrInvalidLimits, l.PIDs, ceil.PIDs)
	}
	return nil
}

// Governor resolves and enforces limits. It is immutable after New.
type Governor struct {
	defaults Limits
	ceilings Limits
}

// New creates a Governor. Both limit sets must be fully positive and the
// defaults must not exceed the ceilings.
func New(defaults, ceilings Limits) (*Governor, error) {
	if err := defaults.validate(); err != nil {
		return nil, fmt.Errorf("default limits: %w", err)
	}
	if err := ceilings.validate(); err != nil {
		return nil, fmt.Errorf("limit ceilings: %w", err)
	}
	if err := defaults.within(ceilings); err != nil {
		return nil, fmt.Errorf("default limits: %w", err)
	}
	return &Governor{defaults: defaults, ceilings: ceilings}, nil
}

// NewFromConfig builds a Governor from the sandbox section of cfg
func NewFromConfig(cfg *config.Config) (*Governor, error) {
	sb := cfg.Sandbox
	defaults := Limits{
		CPUTime:          time.Duration(sb.CPUTimeSec) * time.Second,
		MemoryBytes:      int64(sb.MemoryMB) * MiB,
		WallClockTimeout: cfg.GetTimeout(),
		MaxOutputBytes:   sb.MaxOutputBytes,
		PIDs:             sb.PidsLimit,
	}
	ceilings := Limits{
		CPUTime:          time.Duration(sb.MaxCPUTimeSec) * time.Second,
		MemoryBytes:      int64(sb.MaxMemoryMB) * MiB,
		WallClockTimeout: time.Duration(sb.MaxTimeoutSec) * time.Second,
		MaxOutputBytes:   sb.MaxOutputCeiling,
		PIDs:             sb.PidsLimit,
	}
	return New(defaults, ceilings)
}

// MiB is the number of bytes in a mebibyte
const MiB = 1024 * 1024

// Defaults returns the deployment-wide default limits
func (g *Governor) Defaults() Limits {
	return g.defaults
}

// Ceilings returns the largest limits a submission may request
func (g *Governor) Ceilings() Limits {
	return g.ceilings
}

// Resolve returns the limits a run will execute under. A nil request gets
// the defaults. An explicit request must be positive and within the
// ceilings; only PIDs may be left zero to inherit the default.
func (g *Governor) Resolve(requested *Limits) (Limits, error) {
	if requested == nil {
		return g.defaults, nil
	}

	l := *requested
	if l.PIDs == 0 {
		l.PIDs = g.defaults.PIDs
	}
	if err := l.validate(); err != nil {
		return Limits{}, err
	}
	if err := l.within(g.ceilings); err != nil {
		return Limits{}, err
	}
	return l, nil
}

// Supervise starts the wall-clock supervision of one run. The caller must
// call Release when the run is over.
func (g *Governor) Supervise(parent context.Context, limits Limits) *Supervision {
	ctx, cancel := context.WithCancelCause(parent)
	s := &Supervision{
		ctx:     ctx,
		cancel:  cancel,
		limits:  limits,
		started: time.Now(),
	}
	s.timer = time.AfterFunc(limits.WallClockTimeout, func() {
		cancel(ErrWallClock)
	})
	return s
}
