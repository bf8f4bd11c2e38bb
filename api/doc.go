// Package api exposes the orchestrator over a small JSON REST API.
//
// Routes:
//
//	POST /api/execute    run one submission and return its ExecutionResult
//	GET  /api/languages  list the registered language adapters
//	GET  /healthz        admission state
//	GET  /metrics        Prometheus metrics
//
// An unknown language is answered with 404, exhausted capacity with 429 and
// a malformed body with 400. Every other outcome, including build failures,
// timeouts and internal errors, is a 200 carrying the result.
package api
