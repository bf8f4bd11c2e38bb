package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/isdmx/runbox/adapter"
	"github.com/isdmx/runbox/governor"
)

// TerminationReason classifies the outcome of a sandboxed run
type TerminationReason string

// Termination reasons
const (
	ReasonCompleted        TerminationReason = "completed"
	ReasonTimeout          TerminationReason = "timeout"
	ReasonResourceExceeded TerminationReason = "resourceExceeded"
	ReasonBuildFailed      TerminationReason = "buildFailed"
	ReasonInternalError    TerminationReason = "internalError"
	ReasonCancelled        TerminationReason = "cancelled"
)

// Submission is one unit of user code plus execution parameters. A nil
// Limits gets the deployment defaults.
type Submission struct {
	LanguageID string
	SourceText string
	Stdin      string
	Limits     *governor.Limits
}

// ExecutionResult is the structured outcome of one run
type ExecutionResult struct {
	ExitCode          int               `json:"exit_code"`
	Stdout            string            `json:"stdout"`
	Stderr            string            `json:"stderr"`
	DurationMs        int64             `json:"duration_ms"`
	TerminationReason TerminationReason `json:"termination_reason"`
	StdoutTruncated   bool              `json:"stdout_truncated,omitempty"`
	StderrTruncated   bool              `json:"stderr_truncated,omitempty"`
	SandboxID         string            `json:"sandbox_id,omitempty"`
	Language          string            `json:"language,omitempty"`
}

// HandleState is the lifecycle state of a SandboxHandle
type HandleState string

// Handle states
const (
	StateCreated     HandleState = "created"
	StateProvisioned HandleState = "provisioned"
	StateBuilding    HandleState = "building"
	StateRunning     HandleState = "running"
	StateDestroyed   HandleState = "destroyed"
)

// SandboxHandle is one live isolated environment. It is owned by the
// Controller run that created it and destroyed exactly once.
type SandboxHandle struct {
	ID        string
	Adapter   adapter.LanguageAdapter
	CreatedAt time.Time

	state       HandleState
	env         Environment
	destroyOnce sync.Once
	destroyErr  error
}

func newHandle(id string, a adapter.LanguageAdapter) *SandboxHandle {
	return &SandboxHandle{
		ID:        id,
		Adapter:   a,
		CreatedAt: time.Now(),
		state:     StateCreated,
	}
}

// State returns the current lifecycle state
func (h *SandboxHandle) State() HandleState {
	return h.state
}

func (h *SandboxHandle) attach(env Environment) {
	h.env = env
	h.state = StateProvisioned
}

func (h *SandboxHandle) enter(state HandleState) {
	h.state = state
}

// Destroy tears the environment down. Only the first call does any work;
// later calls return the first call's error.
func (h *SandboxHandle) Destroy(ctx context.Context) error {
	h.destroyOnce.Do(func() {
		if h.env != nil {
			h.destroyErr = h.env.Destroy(ctx)
		}
		h.state = StateDestroyed
	})
	return h.destroyErr
}
