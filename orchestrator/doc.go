// Package orchestrator is the entry point for running submissions.
//
// An Orchestrator resolves the submission's language adapter, admits the
// submission under a bounded number of concurrently active sandboxes, runs
// it through a sandbox.Controller and records the outcome. Unknown languages
// and admission failures are returned as errors (adapter.ErrNotFound,
// ErrCapacity); every run that was admitted produces an ExecutionResult.
//
// Usage:
//
//	orch := orchestrator.New(logger, cfg.Admission, registry, controller, m)
//	res, err := orch.Execute(ctx, sandbox.Submission{LanguageID: "python", SourceText: "print(1)"})
//	if errors.Is(err, adapter.ErrNotFound) { ... }
package orchestrator
