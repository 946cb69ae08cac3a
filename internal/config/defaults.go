package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
// If set, GetDefaultConfigPath will return this value instead of the standard path
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the pipebus configuration directory
// Uses ~/.config/pipebus/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "pipebus"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	// If test config path is set, use it
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
	EnvLogOutput       = "LOG_OUTPUT"
	EnvCAPPath         = "PIPEBUS_CAP_PATH"
	EnvClientDir       = "PIPEBUS_CLIENT_DIR"
	EnvProtocolVersion = "PIPEBUS_PROTOCOL_VERSION"
	EnvPollInterval    = "PIPEBUS_POLL_INTERVAL"
	EnvPIDFile         = "PIPEBUS_PID_FILE"
	EnvMetricsEnabled  = "METRICS_ENABLED"
	EnvMetricsAddress  = "METRICS_ADDRESS"
)

const (
	// ProtocolVersion1 is the wire protocol version spoken by this release
	ProtocolVersion1 uint8 = 1

	// Default Logging settings
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "text"
	DefaultLogOutput  = "stdout"
	DefaultMaxSize    = 100
	DefaultMaxBackups = 3
	DefaultMaxAge     = 28

	// Default Pipe settings
	DefaultCAPPath   = "/tmp/pipebus/cap"
	DefaultClientDir = "/tmp/pipebus/clients"

	// Default Broker settings
	DefaultPollInterval  = 50 * time.Millisecond
	DefaultCAPBatchSize  = 16
	DefaultDataBatchSize = 64
	DefaultWriteTimeout  = 20 * time.Millisecond

	// Default Client settings
	DefaultResponseTimeout    = 5 * time.Second
	DefaultClientPollInterval = 100 * time.Millisecond
	DefaultClientWriteTimeout = time.Second

	// Default Metrics settings
	DefaultMetricsEnabled = false
	DefaultMetricsAddress = "127.0.0.1:9464"
	DefaultMetricsPath    = "/metrics"
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:           DefaultLogLevel,
		Format:          DefaultLogFormat,
		Output:          DefaultLogOutput,
		RotationEnabled: false,
		MaxSize:         DefaultMaxSize,
		MaxBackups:      DefaultMaxBackups,
		MaxAge:          DefaultMaxAge,
		Compress:        false,
	}
}

// DefaultPipesConfig returns the default pipe locations
func DefaultPipesConfig() PipesConfig {
	return PipesConfig{
		CAPPath:   DefaultCAPPath,
		ClientDir: DefaultClientDir,
	}
}

// DefaultProtocolConfig returns the default protocol configuration
func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		Version: ProtocolVersion1,
	}
}

// DefaultBrokerConfig returns the default broker configuration
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		PollInterval:   DefaultPollInterval,
		CAPBatchSize:   DefaultCAPBatchSize,
		DataBatchSize:  DefaultDataBatchSize,
		WriteTimeout:   DefaultWriteTimeout,
		StatusInterval: 0,
		PIDFile:        "",
	}
}

// DefaultClientConfig returns the default client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ResponseTimeout: DefaultResponseTimeout,
		PollInterval:    DefaultClientPollInterval,
		WriteTimeout:    DefaultClientWriteTimeout,
	}
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: DefaultMetricsEnabled,
		Address: DefaultMetricsAddress,
		Path:    DefaultMetricsPath,
	}
}
