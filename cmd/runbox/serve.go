package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/adapter"
	"github.com/isdmx/runbox/api"
	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/orchestrator"
	"github.com/isdmx/runbox/sandbox"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server and the REST API",
	Long: `Start runbox as a long-running service.

The MCP server listens on stdio or HTTP depending on server.transport, or not
at all when it is "none". The REST API (POST /execute, POST /api/execute,
GET /api/languages, GET /healthz, GET /metrics) listens on api.http_port
unless api.enabled is false. Sandboxes left behind by an earlier run of this
instance are reaped on startup, and adapter images are pulled in the
background unless sandbox.prepull is false.

With the stdio transport, EOF on stdin stops the service unless the REST API
is enabled.

Examples:
  runbox serve
  runbox serve --config /etc/runbox/config.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app := fx.New(serveModule(cfg))
	if err := app.Err(); err != nil {
		return err
	}

	// Run blocks until SIGINT/SIGTERM or a transport stops
	app.Run()
	return nil
}

// registerServers ties the transports to the application lifecycle
func registerServers(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	orch *orchestrator.Orchestrator,
	registry *adapter.Registry,
	backend sandbox.Backend,
	apiServer *api.Server,
	mcpServer *mcpserver.MCPServer,
) {
	serve := func(name string, fn func() error) {
		go runTransport(log, shutdowner, name, fn, stopsWithTransport(cfg, name))
	}

	stopPull := func() {}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Leftovers are best effort; Reap logs its own failures
			_, _ = orch.Reap(ctx)

			if cfg.Sandbox.Prepull {
				var pullCtx context.Context
				pullCtx, stopPull = context.WithTimeout(context.Background(), cfg.GetPullTimeout())
				go prepull(pullCtx, stopPull, log, backend, registry.Images())
			}

			if cfg.API.Enabled {
				serve("rest", apiServer.Start)
			}

			switch cfg.Server.Transport {
			case config.TransportStdio:
				serve("mcp-stdio", mcpServer.ServeStdio)
			case config.TransportHTTP:
				serve("mcp-http", mcpServer.ServeHTTP)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopPull()

			var errs []error
			if cfg.API.Enabled {
				errs = append(errs, apiServer.Shutdown(ctx))
			}
			errs = append(errs, mcpServer.Shutdown(ctx))
			return errors.Join(errs...)
		},
	})
}

// stopsWithTransport reports whether the application stops when the named
// transport returns without error. The stdio transport returns at EOF on
// stdin, which ends the service only when no REST API keeps it useful.
func stopsWithTransport(cfg *config.Config, name string) bool {
	return name == "mcp-stdio" && !cfg.API.Enabled
}

// runTransport blocks on fn. A failing transport stops the application with
// exit code 1; a clean return stops it only when stop is set.
func runTransport(log *zap.Logger, shutdowner fx.Shutdowner, name string, fn func() error, stop bool) {
	err := fn()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("transport failed", zap.String("transport", name), zap.Error(err))
		_ = shutdowner.Shutdown(fx.ExitCode(1))
		return
	}

	if stop {
		log.Info("transport closed, stopping", zap.String("transport", name))
		_ = shutdowner.Shutdown()
		return
	}
	log.Info("transport closed", zap.String("transport", name))
}

// prepull fetches every adapter image in the background. Runs that start
// before it finishes pull on demand.
func prepull(ctx context.Context, cancel context.CancelFunc, log *zap.Logger, backend sandbox.Backend, images []string) {
	defer cancel()

	start := time.Now()
	n, err := sandbox.PullImages(ctx, log, backend, images)
	if err != nil {
		log.Warn("image pre-pull incomplete",
			zap.Int("ready", n),
			zap.Int("images", len(images)),
			zap.Error(err))
		return
	}
	log.Info("image pre-pull finished",
		zap.Int("ready", n),
		zap.Duration("duration", time.Since(start)))
}
