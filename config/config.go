package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig        `mapstructure:"server"`
	API         APIConfig           `mapstructure:"api"`
	Sandbox     SandboxConfig       `mapstructure:"sandbox"`
	Admission   AdmissionConfig     `mapstructure:"admission"`
	Logging     LoggingConfig       `mapstructure:"logging"`
	Languages   map[string]Language `mapstructure:"languages"`
	AdaptersDir string              `mapstructure:"adapters_dir"`
}

// ServerConfig holds MCP server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// APIConfig holds the REST API configuration
type APIConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	HTTPPort           int      `mapstructure:"http_port"`
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
}

// SandboxConfig holds sandbox configuration. The plain limit fields are the
// deployment defaults applied to submissions without explicit limits; the
// Max* fields are the ceilings an explicit limit may not exceed.
type SandboxConfig struct {
	Backend            string `mapstructure:"backend"`
	TimeoutSec         int    `mapstructure:"timeout_sec"`
	CPUTimeSec         int    `mapstructure:"cpu_time_sec"`
	MemoryMB           int    `mapstructure:"memory_mb"`
	MaxOutputBytes     int64  `mapstructure:"max_output_bytes"`
	PidsLimit          int64  `mapstructure:"pids_limit"`
	MaxTimeoutSec      int    `mapstructure:"max_timeout_sec"`
	MaxCPUTimeSec      int    `mapstructure:"max_cpu_time_sec"`
	MaxMemoryMB        int    `mapstructure:"max_memory_mb"`
	MaxOutputCeiling   int64  `mapstructure:"max_output_ceiling_bytes"`
	TeardownTimeoutSec int    `mapstructure:"teardown_timeout_sec"`
	NetworkEnabled     bool   `mapstructure:"network_enabled"`
	EnableLocalBackend bool   `mapstructure:"enable_local_backend"`
	InstanceID         string `mapstructure:"instance_id"`
	WorkRoot           string `mapstructure:"work_root"`
	CgroupRoot         string `mapstructure:"cgroup_root"`
	DockerHost         string `mapstructure:"docker_host"`
	ReapAgeSec         int    `mapstructure:"reap_age_sec"`
	Prepull            bool   `mapstructure:"prepull"`
	PullTimeoutSec     int    `mapstructure:"pull_timeout_sec"`
}

// AdmissionConfig bounds the number of simultaneously active sandboxes
type AdmissionConfig struct {
	MaxConcurrent   int    `mapstructure:"max_concurrent"`
	Policy          string `mapstructure:"policy"`
	MaxQueue        int    `mapstructure:"max_queue"`
	QueueTimeoutSec int    `mapstructure:"queue_timeout_sec"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Language overrides or adds one language adapter
type Language struct {
	Image          string            `mapstructure:"image"`
	SourceFileName string            `mapstructure:"source_file_name"`
	BuildCommand   string            `mapstructure:"build_command"`
	RunCommand     string            `mapstructure:"run_command"`
	Environment    map[string]string `mapstructure:"environment"`
}

// MCP transports. TransportNone serves the REST API alone.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportNone  = "none"
)

// Admission policies
const (
	PolicyQueue  = "queue"
	PolicyReject = "reject"
)

// New loads and validates the application configuration from the default locations
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or from config.yaml in . and ./config
// when path is empty. Every key can be overridden with a RUNBOX_ prefixed
// environment variable (sandbox.timeout_sec -> RUNBOX_SANDBOX_TIMEOUT_SEC).
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Sandbox.InstanceID == "" {
		config.Sandbox.InstanceID = defaultInstanceID()
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", TransportStdio)
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.http_port", 5000)
	v.SetDefault("api.cors_allowed_origins", []string{"*"})

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.timeout_sec", 10)
	v.SetDefault("sandbox.cpu_time_sec", 5)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.max_output_bytes", 64*1024)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.max_timeout_sec", 60)
	v.SetDefault("sandbox.max_cpu_time_sec", 30)
	v.SetDefault("sandbox.max_memory_mb", 1024)
	v.SetDefault("sandbox.max_output_ceiling_bytes", 1024*1024)
	v.SetDefault("sandbox.teardown_timeout_sec", 10)
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.instance_id", "")
	v.SetDefault("sandbox.work_root", "")
	v.SetDefault("sandbox.cgroup_root", "")
	v.SetDefault("sandbox.docker_host", "")
	v.SetDefault("sandbox.reap_age_sec", 600)
	v.SetDefault("sandbox.prepull", true)
	v.SetDefault("sandbox.pull_timeout_sec", 600)

	v.SetDefault("admission.max_concurrent", 4)
	v.SetDefault("admission.policy", PolicyQueue)
	v.SetDefault("admission.max_queue", 64)
	v.SetDefault("admission.queue_timeout_sec", 30)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("adapters_dir", "")
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "runbox"
	}
	return host
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	switch c.Server.Transport {
	case TransportStdio, TransportHTTP:
	case TransportNone:
		if !c.API.Enabled {
			return fmt.Errorf("server.transport 'none' requires api.enabled")
		}
	default:
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio', 'http' or 'none'", c.Server.Transport)
	}

	if c.API.Enabled && c.API.HTTPPort <= 0 {
		return fmt.Errorf("api.http_port must be positive, got: %d", c.API.HTTPPort)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.CPUTimeSec <= 0 {
		return fmt.Errorf("sandbox.cpu_time_sec must be positive, got: %d", c.Sandbox.CPUTimeSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive, got: %d", c.Sandbox.MaxOutputBytes)
	}

	if c.Sandbox.PidsLimit <= 0 {
		return fmt.Errorf("sandbox.pids_limit must be positive, got: %d", c.Sandbox.PidsLimit)
	}

	if c.Sandbox.Prepull && c.Sandbox.PullTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.pull_timeout_sec must be positive, got: %d", c.Sandbox.PullTimeoutSec)
	}

	if c.Sandbox.TeardownTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.teardown_timeout_sec must be positive, got: %d", c.Sandbox.TeardownTimeoutSec)
	}

	if c.Sandbox.MaxTimeoutSec < c.Sandbox.TimeoutSec {
		return fmt.Errorf("sandbox.max_timeout_sec (%d) is below sandbox.timeout_sec (%d)", c.Sandbox.MaxTimeoutSec, c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MaxCPUTimeSec < c.Sandbox.CPUTimeSec {
		return fmt.Errorf("sandbox.max_cpu_time_sec (%d) is below sandbox.cpu_time_sec (%d)", c.Sandbox.MaxCPUTimeSec, c.Sandbox.CPUTimeSec)
	}

	if c.Sandbox.MaxMemoryMB < c.Sandbox.MemoryMB {
		return fmt.Errorf("sandbox.max_memory_mb (%d) is below sandbox.memory_mb (%d)", c.Sandbox.MaxMemoryMB, c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxOutputCeiling < c.Sandbox.MaxOutputBytes {
		return fmt.Errorf("sandbox.max_output_ceiling_bytes (%d) is below sandbox.max_output_bytes (%d)", c.Sandbox.MaxOutputCeiling, c.Sandbox.MaxOutputBytes)
	}

	supportedBackends := map[string]bool{
		"docker":     true,
		"docker-cli": true,
		"podman":     true,
		"local":      c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Admission.MaxConcurrent <= 0 {
		return fmt.Errorf("admission.max_concurrent must be positive, got: %d", c.Admission.MaxConcurrent)
	}

	if c.Admission.Policy != PolicyQueue && c.Admission.Policy != PolicyReject {
		return fmt.Errorf("invalid admission.policy: %s, must be '%s' or '%s'", c.Admission.Policy, PolicyQueue, PolicyReject)
	}

	if c.Admission.Policy == PolicyQueue {
		if c.Admission.MaxQueue < 0 {
			return fmt.Errorf("admission.max_queue must not be negative, got: %d", c.Admission.MaxQueue)
		}
		if c.Admission.QueueTimeoutSec <= 0 {
			return fmt.Errorf("admission.queue_timeout_sec must be positive, got: %d", c.Admission.QueueTimeoutSec)
		}
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// GetTimeout returns the default wall-clock timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetPullTimeout bounds the startup image pre-pull
func (c *Config) GetPullTimeout() time.Duration {
	return time.Duration(c.Sandbox.PullTimeoutSec) * time.Second
}

// GetTeardownTimeout returns the grace period granted to sandbox teardown
func (c *Config) GetTeardownTimeout() time.Duration {
	return time.Duration(c.Sandbox.TeardownTimeoutSec) * time.Second
}

// GetQueueTimeout returns the longest a submission may wait for an admission slot
func (c *Config) GetQueueTimeout() time.Duration {
	return time.Duration(c.Admission.QueueTimeoutSec) * time.Second
}

// GetReapAge returns the minimum age of a leftover local workspace before it is reaped
func (c *Config) GetReapAge() time.Duration {
	return time.Duration(c.Sandbox.ReapAgeSec) * time.Second
}
