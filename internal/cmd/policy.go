package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inercia/bulwark/internal/policy"
	"github.com/inercia/bulwark/internal/storage"
)

var policyPatchFlags struct {
	windowSeconds   int
	threshold       int
	banMinutes      int
	maxLoginRetries int
	useFirewall     bool
	useNginxDeny    bool
	nginxDenyFile   string
	nginxReloadCmd  string
}

// policyCmd represents the policy parent command
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show or change the runtime mitigation policy",
	Long: `Show or change the runtime policy stored in the database.

A running server picks up changes on its next request. The same settings
are available through GET and PATCH /api/policy.`,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current policy as JSON",
	RunE:  runPolicyShow,
}

var policySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update policy fields",
	Long: `Update the policy fields given as flags. Other fields keep their values.

Example:
  bulwark policy set --threshold 200 --window-seconds 10
  bulwark policy set --use-nginx-deny --nginx-deny-file /etc/nginx/deny.conf`,
	RunE: runPolicySet,
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policySetCmd)

	f := policySetCmd.Flags()
	f.IntVar(&policyPatchFlags.windowSeconds, "window-seconds", 0, "Rate limit window length in seconds")
	f.IntVar(&policyPatchFlags.threshold, "threshold", 0, "Requests allowed per window before a ban")
	f.IntVar(&policyPatchFlags.banMinutes, "ban-minutes", 0, "Duration of temporary bans")
	f.IntVar(&policyPatchFlags.maxLoginRetries, "max-login-retries", 0, "Failed logins tolerated per source and host")
	f.BoolVar(&policyPatchFlags.useFirewall, "use-firewall", true, "Enforce bans in the firewall")
	f.BoolVar(&policyPatchFlags.useNginxDeny, "use-nginx-deny", false, "Also write bans to the nginx deny file")
	f.StringVar(&policyPatchFlags.nginxDenyFile, "nginx-deny-file", "", "nginx deny file path")
	f.StringVar(&policyPatchFlags.nginxReloadCmd, "nginx-reload-cmd", "", "Command run after the deny file changes")
}

// patchFromFlags builds a Patch from the flags the user actually set.
func patchFromFlags(cmd *cobra.Command) policy.Patch {
	var p policy.Patch
	changed := cmd.Flags().Changed
	if changed("window-seconds") {
		p.WindowSeconds = &policyPatchFlags.windowSeconds
	}
	if changed("threshold") {
		p.Threshold = &policyPatchFlags.threshold
	}
	if changed("ban-minutes") {
		p.BanMinutes = &policyPatchFlags.banMinutes
	}
	if changed("max-login-retries") {
		p.MaxLoginRetries = &policyPatchFlags.maxLoginRetries
	}
	if changed("use-firewall") {
		p.UseFirewall = &policyPatchFlags.useFirewall
	}
	if changed("use-nginx-deny") {
		p.UseNginxDeny = &policyPatchFlags.useNginxDeny
	}
	if changed("nginx-deny-file") {
		p.NginxDenyFile = &policyPatchFlags.nginxDenyFile
	}
	if changed("nginx-reload-cmd") {
		p.NginxReloadCmd = &policyPatchFlags.nginxReloadCmd
	}
	return p
}

func openPolicies() (*storage.DB, *policy.Manager, error) {
	path, err := databasePath()
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return db, policy.NewManager(db, policyFromConfig(cfg.Policy)), nil
}

func printPolicy(cmd *cobra.Command, p policy.Policy) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	db, policies, err := openPolicies()
	if err != nil {
		return err
	}
	defer db.Close()
	return printPolicy(cmd, policies.Get(context.Background()))
}

func runPolicySet(cmd *cobra.Command, args []string) error {
	patch := patchFromFlags(cmd)
	if patch == (policy.Patch{}) {
		return fmt.Errorf("no policy fields given; see --help")
	}
	db, policies, err := openPolicies()
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := policies.Update(context.Background(), patch)
	if err != nil {
		return err
	}
	return printPolicy(cmd, p)
}
