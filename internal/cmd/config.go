package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	embeddedconfig "github.com/inercia/bulwark/config"
	"github.com/inercia/bulwark/internal/appdir"
	"github.com/inercia/bulwark/internal/config"
	"github.com/inercia/bulwark/internal/fileutil"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Bulwark configuration",
	Long: `Manage Bulwark configuration files.

Use the subcommands to create or check configuration files.`,
}

// configCreateCmd represents the config create subcommand
var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a default configuration file",
	Long: `Write the commented default configuration.

Without --output the file goes to config.yaml in the Bulwark directory
($BULWARK_DIR, /var/lib/bulwark as root, or ~/.local/share/bulwark).

Examples:
  bulwark config create                         # Create the default file
  bulwark config create --output /etc/bulwark.yaml
  bulwark config create --force                 # Overwrite an existing file`,
	RunE: runConfigCreate,
}

// configCheckCmd parses and validates the configuration.
var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		// PersistentPreRunE already parsed and validated it.
		fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: %s\n", resolvedConfigPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCreateCmd)
	configCmd.AddCommand(configCheckCmd)

	configCreateCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"File to write (default: config.yaml in the Bulwark directory)")
	configCreateCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite existing configuration file")
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	path := configOutputPath
	if path == "" {
		var err error
		if path, err = appdir.ConfigPath(); err != nil {
			return err
		}
	}

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	// The embedded file must always parse; catch drift before writing it.
	if _, err := config.Parse(embeddedconfig.DefaultConfigYAML); err != nil {
		return fmt.Errorf("embedded default configuration is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := fileutil.WriteFileAtomic(path, embeddedconfig.DefaultConfigYAML, 0o600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created: %s\n\n", path)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Set auth.jwt_secret (32+ random bytes) or configure OIDC")
	fmt.Fprintln(out, "  2. Review the policy and rate_limit sections")
	fmt.Fprintln(out, "  3. Run 'bulwark serve'")
	return nil
}
