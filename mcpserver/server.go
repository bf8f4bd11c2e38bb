package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/adapter"
	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/governor"
	"github.com/isdmx/runbox/orchestrator"
	"github.com/isdmx/runbox/sandbox"
)

// Executor is the part of the orchestrator exposed as MCP tools
type Executor interface {
	Execute(ctx context.Context, sub sandbox.Submission) (sandbox.ExecutionResult, error)
	Languages() []adapter.LanguageAdapter
}

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	exec       Executor
	defaults   governor.Limits
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// languageInfo is one entry of the list_languages result
type languageInfo struct {
	ID        string `json:"id"`
	BaseImage string `json:"base_image"`
	Compiled  bool   `json:"compiled"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, exec Executor, gov *governor.Governor) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger.Named("mcp"),
		exec:     exec,
		defaults: gov.Defaults(),
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Bool("api.enabled", cfg.API.Enabled),
		zap.Int("api.http_port", cfg.API.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int("sandbox.cpu_time_sec", cfg.Sandbox.CPUTimeSec),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Int64("sandbox.max_output_bytes", cfg.Sandbox.MaxOutputBytes),
		zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
		zap.Bool("sandbox.enable_local_backend", cfg.Sandbox.EnableLocalBackend),
		zap.Any("limits.defaults", gov.Defaults()),
		zap.Any("limits.ceilings", gov.Ceilings()),
		zap.Int("admission.max_concurrent", cfg.Admission.MaxConcurrent),
		zap.String("admission.policy", cfg.Admission.Policy),
		zap.Strings("languages", languageIDs(exec.Languages())),
	)

	s.mcpServer = server.NewMCPServer("runbox", "A sandboxed code execution server")

	s.registerExecuteCodeTool()
	s.registerListLanguagesTool()

	if cfg.Server.Transport == config.TransportHTTP {
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	}

	return s, nil
}

// registerExecuteCodeTool registers the execute_code tool
func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.Tool{
		Name:        "execute_code",
		Description: "Compile and run untrusted source code in an isolated, resource-limited sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Complete program source",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Language id",
					"enum":        languageIDs(s.exec.Languages()),
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Data fed to the program's standard input (optional)",
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "Wall-clock timeout in milliseconds covering build and run (optional)",
					"minimum":     1,
				},
			},
			Required: []string{"code", "language"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

// registerListLanguagesTool registers the list_languages tool
func (s *MCPServer) registerListLanguagesTool() {
	tool := mcp.Tool{
		Name:        "list_languages",
		Description: "List the languages execute_code accepts",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleListLanguages)
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	language, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}

	sub := sandbox.Submission{
		LanguageID: language,
		SourceText: code,
		Stdin:      request.GetString("stdin", ""),
	}

	if timeoutMs := request.GetInt("timeout_ms", 0); timeoutMs != 0 {
		if timeoutMs < 0 {
			return errorResult(fmt.Sprintf("timeout_ms must be positive, got %d", timeoutMs)), nil
		}
		limits := s.defaults
		limits.WallClockTimeout = time.Duration(timeoutMs) * time.Millisecond
		sub.Limits = &limits
	}

	s.logger.Info("code execution requested",
		zap.String("language", language),
		zap.Int("code_len", len(code)),
		zap.Bool("has_stdin", sub.Stdin != ""))

	result, err := s.exec.Execute(ctx, sub)
	if err != nil {
		s.logger.Warn("execution not admitted", zap.String("language", language), zap.Error(err))
		switch {
		case errors.Is(err, adapter.ErrNotFound):
			return errorResult(fmt.Sprintf("Unsupported language %q, must be one of: %s",
				language, strings.Join(languageIDs(s.exec.Languages()), ", "))), nil
		case errors.Is(err, orchestrator.ErrCapacity):
			return errorResult("Execution capacity exhausted, retry later"), nil
		default:
			return errorResult(fmt.Sprintf("Execution failed: %v", err)), nil
		}
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(resultJSON),
			},
		},
		IsError: result.TerminationReason == sandbox.ReasonInternalError,
	}, nil
}

// handleListLanguages handles the list_languages tool
func (s *MCPServer) handleListLanguages(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	langs := s.exec.Languages()
	infos := make([]languageInfo, 0, len(langs))
	for _, l := range langs {
		infos = append(infos, languageInfo{ID: l.ID, BaseImage: l.BaseImage, Compiled: l.HasBuild()})
	}

	body, err := json.Marshal(infos)
	if err != nil {
		return nil, fmt.Errorf("failed to encode languages: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(body),
			},
		},
	}, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
		IsError: true,
	}
}

func languageIDs(langs []adapter.LanguageAdapter) []string {
	ids := make([]string, 0, len(langs))
	for _, l := range langs {
		ids = append(ids, l.ID)
	}
	return ids
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP and blocks until Shutdown
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	if s.httpServer == nil {
		return fmt.Errorf("server.transport is %q, not http", s.config.Server.Transport)
	}
	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport. It is a no-op for stdio.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
