// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and RUNBOX_ prefixed environment variables.
// It covers the MCP and REST surfaces, sandbox limits and ceilings, admission
// control, logging and per-language adapter overrides.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
