package sandbox

import (
	"context"
	"io"

	"github.com/isdmx/runbox/governor"
)

// Backend provisions isolated environments
type Backend interface {
	// Name identifies the backend in logs and metrics
	Name() string
	// Provision creates a fresh, empty, network-disabled environment
	Provision(ctx context.Context, spec EnvSpec) (Environment, error)
	// Reap removes environments left behind by earlier runs of this
	// instance and returns how many were removed
	Reap(ctx context.Context) (int, error)
}

// EnvSpec describes the environment one run needs
type EnvSpec struct {
	ID          string
	Image       string
	Limits      governor.Limits
	Environment map[string]string
}

// Environment is one isolated execution environment
type Environment interface {
	// WriteFile stores data under name in the working directory
	WriteFile(ctx context.Context, name string, data []byte) error
	// Exec runs one command in the working directory and blocks until it
	// exits or ctx is done. When ctx ends first Exec returns ctx's error and
	// the process is left for Destroy to kill.
	Exec(ctx context.Context, req ExecRequest) (ExecOutcome, error)
	// Destroy kills every process and releases all resources
	Destroy(ctx context.Context) error
}

// ExecRequest is one command executed inside an environment
type ExecRequest struct {
	// Command is passed through unchanged; container backends run it with sh -c
	Command string
	// StdinFile names a staged file to use as stdin; empty means no stdin
	StdinFile string
	Stdout    io.Writer
	Stderr    io.Writer
	// Exceed is called by backends that detect a CPU or memory breach
	// while the command is still running
	Exceed func(resource string)
}

// ExecOutcome is the result of one command
type ExecOutcome struct {
	ExitCode int
	// Exceeded names the resource whose ceiling killed the command, if any
	Exceeded string
}

// Exit statuses of processes killed by the kernel limits we set
const (
	exitSIGKILL = 128 + 9  // memory cgroup OOM kill or RLIMIT_CPU hard limit
	exitSIGXCPU = 128 + 24 // RLIMIT_CPU soft limit
)

// Resource names reported through ExecOutcome.Exceeded
const (
	ResourceMemory = "memory"
	ResourceCPU    = "cpu"
)

// exceededFromExit maps a container exit status to the breached resource
func exceededFromExit(code int) string {
	switch code {
	case exitSIGKILL:
		return ResourceMemory
	case exitSIGXCPU:
		return ResourceCPU
	}
	return ""
}

func (r ExecRequest) exceed(resource string) {
	if r.Exceed != nil {
		r.Exceed(resource)
	}
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
