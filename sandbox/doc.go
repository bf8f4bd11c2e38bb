// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution engine for running untrusted
// code in isolated environments. A Controller turns one Submission and one
// language adapter into one ExecutionResult by driving the same three-phase
// protocol for every language: stage the source, build it if the adapter has
// a build command, run it. Environments come from a pluggable Backend:
// Docker through the Engine API, Docker or Podman through their CLIs, or
// local processes (for development).
//
// Every environment is created for exactly one run, is network-disabled
// unless configured otherwise, and is torn down exactly once on every exit
// path, including timeouts and cancellation.
//
// Usage:
//
//	backend, err := sandbox.NewBackend(logger, cfg)
//	ctrl := sandbox.NewController(logger, backend, gov)
//	result := ctrl.Run(ctx, sandbox.Submission{
//	    LanguageID: "java",
//	    SourceText: `class Main{public static void main(String[] a){System.out.println("hi");}}`,
//	}, javaAdapter)
package sandbox
