package cmd

import (
	"errors"
	"fmt"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/bulwark/internal/auth"
	"github.com/inercia/bulwark/internal/hostsfile"
)

var (
	tokenSubject string
	tokenName    string
	tokenTTL     time.Duration

	sudoersUser string
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API token",
	Long: `Issue an HS256 bearer token signed with auth.jwt_secret.

The subject becomes the owner of the blocks and capture sessions created
with the token. Only available in auth mode "jwt".

Example:
  bulwark token --subject alice
  curl -H "Authorization: Bearer $(bulwark token --subject alice)" http://127.0.0.1:8443/api/bans`,
	RunE: runToken,
}

// sudoersCmd prints the sudoers entry for the hosts helper.
var sudoersCmd = &cobra.Command{
	Use:   "sudoers",
	Short: "Print the sudoers line that lets the server run the hosts helper",
	RunE:  runSudoers,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(sudoersCmd)

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject (required)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Display name")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")

	sudoersCmd.Flags().StringVar(&sudoersUser, "user", "", "User the server runs as (default: current user)")
}

func runToken(cmd *cobra.Command, args []string) error {
	if cfg.Auth.Mode != "jwt" {
		return fmt.Errorf("tokens can only be issued in auth mode jwt (configured: %s)", cfg.Auth.Mode)
	}
	if tokenTTL <= 0 {
		return errors.New("--ttl must be positive")
	}
	tok, err := auth.IssueToken([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, tokenSubject, tokenName, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}

func runSudoers(cmd *cobra.Command, args []string) error {
	if cfg.Firewall.HostsHelper == "" {
		return errors.New("firewall.hosts_helper is not configured")
	}
	name := sudoersUser
	if name == "" {
		u, err := user.Current()
		if err != nil {
			return err
		}
		name = u.Username
	}
	fmt.Fprintln(cmd.OutOrStdout(), hostsfile.SudoersLine(name, cfg.Firewall.HostsHelper))
	return nil
}
