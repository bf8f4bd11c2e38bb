package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/runbox/config"
)

// NewFromConfig builds the application logger. Every entry carries the
// sandbox instance id and backend so that logs from several orchestrators
// sharing one container host can be told apart.
func NewFromConfig(cfg *config.Config, opts ...zap.Option) (*zap.Logger, error) {
	log, err := New(cfg.Logging.Mode, cfg.Logging.Level, opts...)
	if err != nil {
		return nil, err
	}
	return log.With(Fields(cfg)...), nil
}

// Fields returns the deployment fields attached to every entry
func Fields(cfg *config.Config) []zap.Field {
	var fields []zap.Field
	if cfg.Sandbox.InstanceID != "" {
		fields = append(fields, zap.String("instance", cfg.Sandbox.InstanceID))
	}
	if cfg.Sandbox.Backend != "" {
		fields = append(fields, zap.String("backend", cfg.Sandbox.Backend))
	}
	return fields
}

// New creates a new logger instance. Both modes write to stderr; stdout
// belongs to the MCP stdio transport.
func New(mode, level string, opts ...zap.Option) (*zap.Logger, error) {
	var cfg zap.Config

	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build(opts...)
}
