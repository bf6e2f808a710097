// Package cmd provides the CLI commands for scrapeguard.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fcaptcha/scrapeguard/internal/config"
	"github.com/fcaptcha/scrapeguard/internal/logging"
)

var (
	// Global flags
	configPath string
	logLevel   string
	logFile    string
	logJSON    bool
	addr       string

	// Loaded configuration
	cfg config.Config
)

// rootCmd runs the server when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "scrapeguard",
	Short: "scrapeguard - behavioral anti-scraping proxy",
	Long: `scrapeguard profiles clients across requests, scores them with a set of
behavioral signals and allows, challenges or temporarily bans them.

Without a subcommand it runs the HTTP server (same as "scrapeguard serve").`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		applyFlags(cmd, &cfg)

		if err := logging.Initialize(logging.Config{
			Level: cfg.Log.Level,
			JSON:  cfg.Log.JSON,
			File:  cfg.Log.File,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		// Clean up logging resources
		return logging.Close()
	},
	RunE: runServe,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file (default: $SCRAPEGUARD_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "log-file", "l", "", "Log file path (logs are also written to the console)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit JSON log records")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "Listen address, e.g. :3000")
}

// applyFlags overrides configuration with explicitly set flags.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.Log.Level = logLevel
	}
	if flags.Changed("log-file") {
		c.Log.File = logFile
	}
	if flags.Changed("log-json") {
		c.Log.JSON = logJSON
	}
	if flags.Changed("addr") {
		c.Server.Addr = addr
	}
}
