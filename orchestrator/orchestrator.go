package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/runbox/adapter"
	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/sandbox"
)

// ErrCapacity is returned when a submission cannot be admitted: the
// concurrency bound is reached under the reject policy, or the queue is full
// or timed out under the queue policy.
var ErrCapacity = errors.New("execution capacity exhausted")

// Orchestrator admits and runs submissions
type Orchestrator struct {
	logger     *zap.Logger
	registry   *adapter.Registry
	controller *sandbox.Controller
	metrics    *metrics.Metrics

	slots         *semaphore.Weighted
	maxConcurrent int64
	policy        string
	maxQueue      int64
	queueTimeout  time.Duration

	active  atomic.Int64
	waiting atomic.Int64
}

// Stats is a snapshot of the admission state
type Stats struct {
	Active   int64 `json:"active"`
	Waiting  int64 `json:"waiting"`
	Capacity int64 `json:"capacity"`
}

// New creates an Orchestrator. A MaxQueue of zero means the queue is
// bounded only by the queue timeout.
func New(logger *zap.Logger, cfg config.AdmissionConfig, registry *adapter.Registry, controller *sandbox.Controller, m *metrics.Metrics) *Orchestrator {
	maxConcurrent := int64(cfg.MaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Orchestrator{
		logger:        logger,
		registry:      registry,
		controller:    controller,
		metrics:       m,
		slots:         semaphore.NewWeighted(maxConcurrent),
		maxConcurrent: maxConcurrent,
		policy:        cfg.Policy,
		maxQueue:      int64(cfg.MaxQueue),
		queueTimeout:  time.Duration(cfg.QueueTimeoutSec) * time.Second,
	}
}

// Execute runs one submission. It returns adapter.ErrNotFound for an unknown
// language and ErrCapacity when the submission could not be admitted; in
// both cases no sandbox is created. Every other outcome, including
// cancellation while waiting for a slot, is reported as a result.
//
//nolint:gocritic // Submission is passed by value so the caller's copy is never mutated
func (o *Orchestrator) Execute(ctx context.Context, sub sandbox.Submission) (sandbox.ExecutionResult, error) {
	a, err := o.registry.Resolve(sub.LanguageID)
	if err != nil {
		o.metrics.Rejections.WithLabelValues("not_found").Inc()
		return sandbox.ExecutionResult{}, err
	}

	release, err := o.admit(ctx)
	if err != nil {
		if errors.Is(err, ErrCapacity) {
			return sandbox.ExecutionResult{}, err
		}
		o.logger.Debug("submission cancelled while queued", zap.String("language", a.ID))
		o.metrics.ObserveExecution(a.ID, string(sandbox.ReasonCancelled), 0)
		return sandbox.ExecutionResult{
			ExitCode:          -1,
			TerminationReason: sandbox.ReasonCancelled,
			Language:          a.ID,
		}, nil
	}
	defer release()

	res := o.controller.Run(ctx, sub, a)
	o.metrics.ObserveExecution(a.ID, string(res.TerminationReason), res.DurationMs)

	o.logger.Info("execution finished",
		zap.String("sandbox_id", res.SandboxID),
		zap.String("language", a.ID),
		zap.String("reason", string(res.TerminationReason)),
		zap.Int("exit_code", res.ExitCode),
		zap.Int64("duration_ms", res.DurationMs))

	return res, nil
}

// admit takes an admission slot according to the policy and returns the
// function that gives it back
func (o *Orchestrator) admit(ctx context.Context) (func(), error) {
	if !o.slots.TryAcquire(1) {
		if o.policy == config.PolicyReject {
			o.metrics.Rejections.WithLabelValues("capacity").Inc()
			return nil, fmt.Errorf("%w: %d sandboxes active", ErrCapacity, o.maxConcurrent)
		}
		if err := o.wait(ctx); err != nil {
			return nil, err
		}
	}

	o.metrics.ActiveSandboxes.Set(float64(o.active.Add(1)))

	return func() {
		o.metrics.ActiveSandboxes.Set(float64(o.active.Add(-1)))
		o.slots.Release(1)
	}, nil
}

// wait queues for a slot in FIFO order, bounded by the queue length and
// the queue timeout
func (o *Orchestrator) wait(ctx context.Context) error {
	waiting := o.waiting.Add(1)
	defer func() {
		o.metrics.QueueDepth.Set(float64(o.waiting.Add(-1)))
	}()

	if o.maxQueue > 0 && waiting > o.maxQueue {
		o.metrics.Rejections.WithLabelValues("capacity").Inc()
		return fmt.Errorf("%w: queue is full (%d waiting)", ErrCapacity, o.maxQueue)
	}
	o.metrics.QueueDepth.Set(float64(waiting))

	qctx, cancel := context.WithTimeout(ctx, o.queueTimeout)
	defer cancel()

	if err := o.slots.Acquire(qctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.metrics.Rejections.WithLabelValues("queue_timeout").Inc()
		return fmt.Errorf("%w: no slot within %s", ErrCapacity, o.queueTimeout)
	}

	return nil
}

// Stats returns the current admission state
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Active:   o.active.Load(),
		Waiting:  o.waiting.Load(),
		Capacity: o.maxConcurrent,
	}
}

// Languages returns the registered language adapters sorted by id
func (o *Orchestrator) Languages() []adapter.LanguageAdapter {
	return o.registry.List()
}

// Reap removes sandboxes left behind by an earlier run of this instance
func (o *Orchestrator) Reap(ctx context.Context) (int, error) {
	backend := o.controller.Backend()
	n, err := backend.Reap(ctx)
	o.metrics.Reaped.Add(float64(n))

	if err != nil {
		o.logger.Warn("reaping leftover sandboxes failed",
			zap.String("backend", backend.Name()),
			zap.Int("removed", n),
			zap.Error(err))
		return n, err
	}

	if n > 0 {
		o.logger.Info("reaped leftover sandboxes", zap.String("backend", backend.Name()), zap.Int("removed", n))
	}
	return n, nil
}
