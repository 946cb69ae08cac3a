package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/billm/pipebus/internal/config"
	"github.com/billm/pipebus/internal/logger"
	"github.com/billm/pipebus/pkg/client"
	"github.com/billm/pipebus/pkg/ipc"
)

var (
	// CLI flags
	cfgFile   string
	capPath   string
	clientID  string
	logLevel  string
	logFormat string

	// Global variables
	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pipebus",
	Short: "pipebus client - send and receive messages through a pipebus broker",
	Long: `pipebus talks to a running pipebusd broker through its control pipe.

Use "pipebus send" to publish a single message to a group and
"pipebus recv" to print the messages delivered to one or more groups.`,
	Version:       ipc.DefaultVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogger()
	},
}

// initLogger initializes the global logger based on CLI flags. Client tools
// only log problems by default; their regular output goes to stdout.
func initLogger() error {
	cfg := config.DefaultLoggingConfig()
	cfg.Level = "warn"
	cfg.Output = "stderr"

	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}

	log, err := logger.New(cfg)
	if err != nil {
		return err
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// newClient loads the configuration and creates a client for the broker at
// the resolved control pipe
func newClient() (*client.Client, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.ApplyOverrides(config.OverrideOptions{CAPPath: capPath})

	opts := client.OptionsFromConfig(cfg)
	opts.Logger = rootLog
	return client.New(clientID, cfg.Pipes.CAPPath, opts)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/pipebus/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&capPath, "cap-path", "c", "",
		"Control pipe of the broker (default: from config or env)")
	rootCmd.PersistentFlags().StringVarP(&clientID, "client-id", "i", "",
		"Client id (default: random)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error, none (default: warn)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: text)")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(recvCmd)
}
