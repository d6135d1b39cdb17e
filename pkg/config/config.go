// Package config provides configuration structures and loading logic for
// the daemon.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the daemon.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Authz     AuthzConfig     `yaml:"authz"`
	Platform  PlatformConfig  `yaml:"platform"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// PlatformConfig points at the platform description file.
type PlatformConfig struct {
	File string `yaml:"file"`
}

// ServerConfig holds configuration for the admin/metrics HTTP endpoint.
type ServerConfig struct {
	MetricsAddress string `yaml:"metrics_address"`
}

// StorageConfig selects where admin and policy state is persisted.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file; ignored for the memory driver.
	Path string `yaml:"path"`
}

// AuthzConfig holds configuration for the caller-authorization engine.
type AuthzConfig struct {
	// Driver is "opa" or "static".
	Driver string `yaml:"driver"`
	// Entrypoint is the Rego decision path.
	Entrypoint string `yaml:"entrypoint"`
	// ModuleDir holds .rego files loaded into the engine; empty selects
	// the built-in module.
	ModuleDir string `yaml:"module_dir"`
	// CacheMaxEntries bounds the decision cache; negative disables it.
	CacheMaxEntries int `yaml:"cache_max_entries"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads configuration from a file and applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		// Defaults
		Server: ServerConfig{
			MetricsAddress: ":19100",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "fleetpolicy.db",
		},
		Authz: AuthzConfig{
			Driver:     "opa",
			Entrypoint: "fleet/authz",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("FLEETPOLICY_METRICS_ADDR"); val != "" {
		cfg.Server.MetricsAddress = val
	}

	if val := os.Getenv("FLEETPOLICY_STORAGE_DRIVER"); val != "" {
		cfg.Storage.Driver = val
	}
	if val := os.Getenv("FLEETPOLICY_STORAGE_PATH"); val != "" {
		cfg.Storage.Path = val
	}

	if val := os.Getenv("FLEETPOLICY_AUTHZ_DRIVER"); val != "" {
		cfg.Authz.Driver = val
	}
	if val := os.Getenv("FLEETPOLICY_AUTHZ_MODULE_DIR"); val != "" {
		cfg.Authz.ModuleDir = val
	}

	if val := os.Getenv("FLEETPOLICY_PLATFORM_FILE"); val != "" {
		cfg.Platform.File = val
	}

	if val := os.Getenv("FLEETPOLICY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("FLEETPOLICY_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("FLEETPOLICY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	if err := c.Authz.Validate(); err != nil {
		return fmt.Errorf("authz configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.MetricsAddress) == "" {
		c.MetricsAddress = ":19100"
	}
	return nil
}

// Validate performs validation of storage configuration.
func (c *StorageConfig) Validate() error {
	driver := strings.TrimSpace(strings.ToLower(c.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	switch driver {
	case "sqlite":
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("sqlite storage requires a path")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q, supported drivers: sqlite, memory", c.Driver)
	}
	c.Driver = driver
	return nil
}

// Validate performs validation of authz configuration.
func (c *AuthzConfig) Validate() error {
	driver := strings.TrimSpace(strings.ToLower(c.Driver))
	if driver == "" {
		driver = "opa"
	}
	switch driver {
	case "opa", "static":
	default:
		return fmt.Errorf("unknown authz driver %q, supported drivers: opa, static", c.Driver)
	}
	c.Driver = driver

	if strings.TrimSpace(c.Entrypoint) == "" {
		c.Entrypoint = "fleet/authz"
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
