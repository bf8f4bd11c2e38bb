// Package logger builds the zap logger shared by every runbox component.
//
// Two modes are supported: production (JSON with ISO8601 timestamps) and
// development (console with colored levels). Output always goes to stderr.
//
// Usage:
//
//	log, err := logger.NewFromConfig(cfg)
//	if err != nil {
//	    return err
//	}
//	log.Info("sandbox destroyed", zap.String("sandbox_id", id))
package logger
