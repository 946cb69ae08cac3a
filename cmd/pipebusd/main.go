package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/billm/pipebus/internal/config"
	"github.com/billm/pipebus/internal/logger"
	"github.com/billm/pipebus/internal/pidfile"
	"github.com/billm/pipebus/pkg/ipc"
	"github.com/billm/pipebus/pkg/metrics"
)

var (
	// CLI flags
	cfgFile         string
	logLevel        string
	logFormat       string
	logOutput       string
	capPath         string
	clientDir       string
	pidFile         string
	protocolVersion uint8
	versionFlag     bool

	// Global variables
	rootLog         *logger.Logger
	cfgReloader     *config.Reloader
	shutdown        *ipc.ShutdownManager
	metricsRegistry *prometheus.Registry
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pipebusd",
	Short: "pipebus broker - local publish/subscribe over named pipes",
	Long: `pipebusd is the pipebus broker. It listens on a well-known control pipe,
hands every subscribing client a private pair of named pipes and forwards
each published message to the clients subscribed to its group.

Send SIGHUP to reload the configuration file, SIGINT or SIGTERM to stop.`,
	Version:       ipc.DefaultVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBroker,
}

// runBroker executes the main broker logic
func runBroker(cmd *cobra.Command, args []string) error {
	if versionFlag {
		fmt.Printf("pipebusd version %s\n", ipc.DefaultVersion)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer rootLog.Close()

	rootLog.Info("Starting pipebus broker",
		"version", ipc.DefaultVersion,
		"cap_path", cfg.Pipes.CAPPath,
		"client_dir", cfg.Pipes.ClientDir,
		"protocol_version", cfg.Protocol.Version)

	broker, err := ipc.New(cfg, rootLog, brokerOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	shutdown = ipc.NewShutdownManager(broker, ipc.DefaultShutdownTimeout, rootLog)

	if cfg.Broker.PIDFile != "" {
		pf, err := pidfile.Acquire(cfg.Broker.PIDFile)
		if err != nil {
			rootLog.Error("Failed to write PID file", "path", cfg.Broker.PIDFile, "error", err)
			return err
		}
		shutdown.AddHook(func(ctx context.Context) error {
			return pf.Release()
		})
	}

	if cfg.Metrics.Enabled {
		srv := startMetricsServer(cfg.Metrics, metricsRegistry)
		shutdown.AddHook(func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		})
	}

	if err := broker.Start(); err != nil {
		rootLog.Error("Failed to start broker", "error", err)
		_ = shutdown.Shutdown(context.Background(), "start failed")
		return err
	}

	configPath := cfgFile
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	cfgReloader = config.NewReloader(configPath, cfg, cliOverrides(), rootLog.Slog())
	cfgReloader.AddCallback(func(ctx context.Context, newConfig *config.Config) error {
		level, err := logger.ParseLevel(newConfig.Logging.Level)
		if err != nil {
			return err
		}
		rootLog.SetLevel(level)
		rootLog.Info("Applied reloaded configuration", "log_level", level.String())
		return nil
	})
	cfgReloader.Start()
	shutdown.AddHook(func(ctx context.Context) error {
		cfgReloader.Stop()
		return nil
	})
	rootLog.Info("Config reloader started, send SIGHUP to reload configuration",
		"config_path", configPath)

	// Start signal handling
	shutdown.Start()
	defer shutdown.Stop()
	rootLog.Info("Broker is running. Press Ctrl+C to stop.")

	runErr := broker.Run(shutdown.Context())
	if runErr != nil {
		rootLog.Error("Broker stopped with an error", "error", runErr)
	}
	stats := broker.Stats()
	if err := shutdown.Shutdown(context.Background(), "poll loop ended"); err != nil {
		rootLog.Error("Shutdown finished with errors", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	rootLog.Info("Broker shutdown complete",
		"control_requests", stats.ControlRequests,
		"messages_delivered", stats.MessagesDelivered,
		"delivery_failures", stats.DeliveryFailures)
	return runErr
}

// brokerOptions wires the optional broker collaborators enabled in cfg
func brokerOptions(cfg *config.Config) []ipc.Option {
	if !cfg.Metrics.Enabled {
		return nil
	}
	metricsRegistry = prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return []ipc.Option{ipc.WithMetrics(metrics.New(metricsRegistry))}
}

// startMetricsServer serves the broker's collectors until shut down
func startMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Handler(reg))
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		rootLog.Info("Serving metrics", "address", cfg.Address, "path", cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rootLog.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}

// initLogger initializes the global logger from the loaded configuration
func initLogger(cfg config.LoggingConfig) error {
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig loads the configuration file, environment and CLI overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	// Apply CLI overrides (highest precedence)
	cfg.ApplyOverrides(cliOverrides())

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func cliOverrides() config.OverrideOptions {
	return config.OverrideOptions{
		LogLevel:        logLevel,
		LogFormat:       logFormat,
		LogOutput:       logOutput,
		CAPPath:         capPath,
		ClientDir:       clientDir,
		ProtocolVersion: protocolVersion,
		PIDFile:         pidFile,
	}
}

// getDefaultConfigPath returns the default config file path
func getDefaultConfigPath() string {
	if path, err := config.GetDefaultConfigPath(); err == nil {
		return path
	}
	return "~/.config/pipebus/config.yaml"
}

func main() {
	// Config file flag
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "C", "",
		"Config file path (default: ~/.config/pipebus/config.yaml)")

	// Pipe flags
	rootCmd.PersistentFlags().StringVarP(&capPath, "cap-path", "c", "",
		"Control pipe path (default: "+config.DefaultCAPPath+")")
	rootCmd.PersistentFlags().StringVarP(&clientDir, "client-dir", "d", "",
		"Directory holding client pipes (default: "+config.DefaultClientDir+")")
	rootCmd.PersistentFlags().Uint8Var(&protocolVersion, "protocol-version", 0,
		"Wire protocol version (default: 1)")

	// Logging flags
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "",
		"Log level: debug, info, warn, error, none (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVarP(&logOutput, "log-output", "L", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	// Process flags
	rootCmd.PersistentFlags().StringVarP(&pidFile, "pid-file", "P", "",
		"Write the broker PID to this file")

	// Version flag
	rootCmd.Flags().BoolVar(&versionFlag, "version", false,
		"Show version information")

	// Execute the command
	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, "Command execution failed:", err)
		}
		os.Exit(1)
	}

	// Ensure clean exit
	os.Exit(0)
}
