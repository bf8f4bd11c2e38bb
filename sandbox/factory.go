package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
)

// NewBackend creates the backend selected by sandbox.backend
func NewBackend(logger *zap.Logger, cfg *config.Config) (Backend, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		return NewDockerBackend(logger, cfg)
	case "docker-cli":
		return NewCLIBackend(logger, "docker", cfg), nil
	case "podman":
		return NewCLIBackend(logger, "podman", cfg), nil
	case "local":
		if !cfg.Sandbox.EnableLocalBackend {
			return nil, fmt.Errorf("local backend is disabled, set sandbox.enable_local_backend to use it")
		}
		return NewLocalBackend(logger, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}
