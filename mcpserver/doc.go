// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the orchestrator as MCP tools using the
// mark3labs/mcp-go library:
//
//   - execute_code runs one submission and returns its ExecutionResult as JSON
//   - list_languages returns the registered language adapters
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, orch, gov)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
