package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/billm/pipebus/pkg/types"
)

// Config represents the complete configuration for the broker and its tools
type Config struct {
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Pipes    PipesConfig    `json:"pipes" yaml:"pipes"`
	Protocol ProtocolConfig `json:"protocol" yaml:"protocol"`
	Broker   BrokerConfig   `json:"broker" yaml:"broker"`
	Client   ClientConfig   `json:"client" yaml:"client"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level           string `json:"level" yaml:"level"`   // debug, info, warn, error, none
	Format          string `json:"format" yaml:"format"` // json, text
	Output          string `json:"output" yaml:"output"` // stdout, stderr, file path
	RotationEnabled bool   `json:"rotation_enabled" yaml:"rotation_enabled"`
	MaxSize         int    `json:"max_size" yaml:"max_size"` // MB
	MaxBackups      int    `json:"max_backups" yaml:"max_backups"`
	MaxAge          int    `json:"max_age" yaml:"max_age"` // days
	Compress        bool   `json:"compress" yaml:"compress"`
}

// PipesConfig locates the control pipe and the client pipe directory
type PipesConfig struct {
	CAPPath   string `json:"cap_path" yaml:"cap_path"`
	ClientDir string `json:"client_dir" yaml:"client_dir"`
}

// ProtocolConfig selects the wire protocol version
type ProtocolConfig struct {
	Version uint8 `json:"version" yaml:"version"`
}

// BrokerConfig contains poll loop tuning
type BrokerConfig struct {
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`
	CAPBatchSize   int           `json:"cap_batch_size" yaml:"cap_batch_size"`
	DataBatchSize  int           `json:"data_batch_size" yaml:"data_batch_size"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	StatusInterval time.Duration `json:"status_interval" yaml:"status_interval"` // 0 disables periodic status
	PIDFile        string        `json:"pid_file" yaml:"pid_file"`
}

// ClientConfig contains client runtime timing
type ClientConfig struct {
	ResponseTimeout time.Duration `json:"response_timeout" yaml:"response_timeout"`
	PollInterval    time.Duration `json:"poll_interval" yaml:"poll_interval"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// MetricsConfig contains Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
	Path    string `json:"path" yaml:"path"`
}

// Default returns a configuration populated with defaults
func Default() *Config {
	return &Config{
		Logging:  DefaultLoggingConfig(),
		Pipes:    DefaultPipesConfig(),
		Protocol: DefaultProtocolConfig(),
		Broker:   DefaultBrokerConfig(),
		Client:   DefaultClientConfig(),
		Metrics:  DefaultMetricsConfig(),
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// This is used by both Load() and the config reloader.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvCAPPath); v != "" {
		cfg.Pipes.CAPPath = v
	}
	if v := os.Getenv(EnvClientDir); v != "" {
		cfg.Pipes.ClientDir = v
	}

	if v := os.Getenv(EnvProtocolVersion); v != "" {
		version, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvProtocolVersion, err)
		}
		cfg.Protocol.Version = uint8(version)
	}

	if v := os.Getenv(EnvPollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvPollInterval, err)
		}
		cfg.Broker.PollInterval = d
	}
	if v := os.Getenv(EnvPIDFile); v != "" {
		cfg.Broker.PIDFile = v
	}

	if v := os.Getenv(EnvMetricsEnabled); v != "" {
		cfg.Metrics.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv(EnvMetricsAddress); v != "" {
		cfg.Metrics.Address = v
	}

	return nil
}

// Load builds the configuration from defaults, the YAML file at path and
// environment variables. An empty path falls back to the default config file
// when it exists.
func Load(path string) (*Config, error) {
	var cfg *Config

	if path == "" {
		if defaultPath, err := GetDefaultConfigPath(); err == nil {
			if _, err := os.Stat(defaultPath); err == nil {
				path = defaultPath
			} else if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to check config file: %w", err)
			}
		}
	}

	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"none":  true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, error, or none)", c.Logging.Level))
	}
	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}
	if c.Logging.RotationEnabled && c.Logging.MaxSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "log max size must be positive when rotation is enabled")
	}

	if c.Pipes.CAPPath == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "cap path cannot be empty")
	}
	if c.Pipes.ClientDir == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "client directory cannot be empty")
	}

	if c.Protocol.Version != ProtocolVersion1 {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("unsupported protocol version: %d (supported: %d)", c.Protocol.Version, ProtocolVersion1))
	}

	if c.Broker.PollInterval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "broker poll interval must be positive")
	}
	if c.Broker.CAPBatchSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "broker cap batch size must be positive")
	}
	if c.Broker.DataBatchSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "broker data batch size must be positive")
	}
	if c.Broker.WriteTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "broker write timeout cannot be negative")
	}
	if c.Broker.StatusInterval < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "broker status interval cannot be negative")
	}

	if c.Client.ResponseTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client response timeout must be positive")
	}
	if c.Client.PollInterval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client poll interval must be positive")
	}
	if c.Client.WriteTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client write timeout cannot be negative")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "metrics address cannot be empty when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return types.NewError(types.ErrCodeInvalidArgument, "metrics path must start with /")
		}
	}

	return nil
}

// ApplyOverrides applies CLI flag-style overrides to the configuration.
// This is used by the commands to apply flag values after loading from
// defaults, YAML file, and environment variables.
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}
	if opts.CAPPath != "" {
		c.Pipes.CAPPath = opts.CAPPath
	}
	if opts.ClientDir != "" {
		c.Pipes.ClientDir = opts.ClientDir
	}
	if opts.ProtocolVersion > 0 {
		c.Protocol.Version = opts.ProtocolVersion
	}
	if opts.PIDFile != "" {
		c.Broker.PIDFile = opts.PIDFile
	}
}

// OverrideOptions contains override options typically set via CLI flags
type OverrideOptions struct {
	// Logging options
	LogLevel  string
	LogFormat string
	LogOutput string

	// Pipe options
	CAPPath   string
	ClientDir string

	// Protocol options
	ProtocolVersion uint8

	// Broker options
	PIDFile string
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{%s, %s, %s, %s, %s, %s}",
		c.Logging, c.Pipes, c.Protocol, c.Broker, c.Client, c.Metrics)
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s, Rotation: %v}",
		c.Level, c.Format, c.Output, c.RotationEnabled)
}

func (c PipesConfig) String() string {
	return fmt.Sprintf("PipesConfig{CAPPath: %s, ClientDir: %s}", c.CAPPath, c.ClientDir)
}

func (c ProtocolConfig) String() string {
	return fmt.Sprintf("ProtocolConfig{Version: %d}", c.Version)
}

func (c BrokerConfig) String() string {
	return fmt.Sprintf("BrokerConfig{PollInterval: %s, CAPBatchSize: %d, DataBatchSize: %d, WriteTimeout: %s}",
		c.PollInterval, c.CAPBatchSize, c.DataBatchSize, c.WriteTimeout)
}

func (c ClientConfig) String() string {
	return fmt.Sprintf("ClientConfig{ResponseTimeout: %s, PollInterval: %s, WriteTimeout: %s}",
		c.ResponseTimeout, c.PollInterval, c.WriteTimeout)
}

func (c MetricsConfig) String() string {
	return fmt.Sprintf("MetricsConfig{Enabled: %v, Address: %s, Path: %s}", c.Enabled, c.Address, c.Path)
}
