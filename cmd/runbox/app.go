package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/adapter"
	"github.com/isdmx/runbox/api"
	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/governor"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/orchestrator"
	"github.com/isdmx/runbox/sandbox"
)

// loadConfig loads the configuration selected by the global flags
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Logging.Level = logLevelFlag
	}
	return cfg, nil
}

// coreModule wires everything needed to execute submissions
func coreModule(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			// Logger with configuration
			logger.NewFromConfig,

			// Language adapters, limits and the sandbox backend
			adapter.NewRegistryFromConfig,
			governor.NewFromConfig,
			sandbox.NewBackend,

			// Metrics
			metrics.NewRegistry,
			newMetrics,

			newController,
			newOrchestrator,
		),
	)
}

// serveModule adds the MCP and REST surfaces on top of coreModule
func serveModule(cfg *config.Config) fx.Option {
	return fx.Options(
		coreModule(cfg),
		fx.Provide(
			newAPIServer,
			newMCPServer,
		),
		fx.Invoke(registerServers),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func newMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func newController(cfg *config.Config, log *zap.Logger, backend sandbox.Backend, gov *governor.Governor, m *metrics.Metrics) *sandbox.Controller {
	return sandbox.NewController(log, backend, gov,
		sandbox.WithTeardownTimeout(cfg.GetTeardownTimeout()),
		sandbox.WithPhaseObserver(m.ObservePhase))
}

func newOrchestrator(cfg *config.Config, log *zap.Logger, registry *adapter.Registry, ctrl *sandbox.Controller, m *metrics.Metrics) *orchestrator.Orchestrator {
	return orchestrator.New(log, cfg.Admission, registry, ctrl, m)
}

func newAPIServer(cfg *config.Config, log *zap.Logger, orch *orchestrator.Orchestrator, gov *governor.Governor, reg *prometheus.Registry) *api.Server {
	return api.New(cfg, log, orch, gov, reg)
}

func newMCPServer(cfg *config.Config, log *zap.Logger, orch *orchestrator.Orchestrator, gov *governor.Governor) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, orch, gov)
}
