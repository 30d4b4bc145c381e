// Package cmd provides the CLI commands for Bulwark.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/bulwark/internal/appdir"
	"github.com/inercia/bulwark/internal/config"
	"github.com/inercia/bulwark/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string
	logJSON       bool

	// Loaded configuration
	cfg *config.Config
	// resolvedConfigPath is the file cfg was read from (or would be).
	resolvedConfigPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bulwark",
	Short: "Bulwark - automatic abuse mitigation for a single host",
	Long: `Bulwark watches request rates and failed logins, bans abusive
addresses through ipset, iptables and nginx, blocks domains through
the hosts file, and exposes an authenticated admin API for manual
blocks, port scans and live packet capture.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		// Priority: --log-level flag > --debug flag > default (info)
		effectiveLogLevel := "info"
		if logLevel != "" {
			effectiveLogLevel = logLevel
		} else if debug {
			effectiveLogLevel = "debug"
		}
		if err := logging.Initialize(logging.Config{
			Level:      effectiveLogLevel,
			File:       logFile,
			JSON:       logJSON,
			Components: splitList(logComponents),
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		// --config takes priority and must exist; the default location may
		// be missing, in which case defaults apply.
		var err error
		if configPath != "" {
			resolvedConfigPath = configPath
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
			}
			return nil
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create Bulwark directory: %w", err)
		}
		resolvedConfigPath, err = appdir.ConfigPath()
		if err != nil {
			return err
		}
		cfg, err = config.LoadOrDefault(resolvedConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: $BULWARK_DIR/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'ban,ratelimit,web'). Empty means all components.")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// databasePath returns the configured database path or the default one.
func databasePath() (string, error) {
	if cfg != nil && cfg.Database.Path != "" {
		return cfg.Database.Path, nil
	}
	return appdir.DatabasePath()
}
