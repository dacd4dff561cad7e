// Package cli — firewall.go implements the "stevedore firewall" command
// group: manual control over the SSH ingress rule for debugging.
//
// Deploys manage the rule automatically as a lease. These commands exist
// for the cases the lease cannot cover: opening access for an interactive
// SSH session, and cleaning up a rule left behind by a machine that lost
// power mid-run.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/stevedore/internal/awsx"
	"github.com/mmr-tortoise/stevedore/internal/firewall"
)

// firewallFlags holds the flag values shared by the firewall subcommands.
type firewallFlags struct {
	ip string // --ip: source address override (default: discovered public IP)
}

// NewFirewallCommand creates the "firewall" command group with its
// "open" and "close" subcommands.
func NewFirewallCommand() *cobra.Command {
	flags := &firewallFlags{}

	cmd := &cobra.Command{
		Use:   "firewall",
		Short: "Manually open or close the SSH ingress rule",
	}

	cmd.PersistentFlags().StringVar(&flags.ip, "ip", "", "Source IP (default: this machine's public IP)")

	openCmd := &cobra.Command{
		Use:   "open",
		Short: "Authorize SSH ingress from the caller's IP",
		Long: `Add an ingress rule on the manifest's security group allowing the
caller's public IP to reach the target's SSH port. The rule stays until
"stevedore firewall close" removes it; deploys do not need this — they
manage the rule themselves.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFirewall(cmd.Context(), flags, true)
		},
	}

	closeCmd := &cobra.Command{
		Use:   "close",
		Short: "Revoke the SSH ingress rule for the caller's IP",
		Long: `Remove the ingress rule matching the caller's public IP and the
target's SSH port. A rule that is already absent is not an error, so
this is safe to run after any interrupted deploy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFirewall(cmd.Context(), flags, false)
		},
	}

	cmd.AddCommand(openCmd)
	cmd.AddCommand(closeCmd)

	return cmd
}

func runFirewall(ctx context.Context, flags *firewallFlags, open bool) error {
	log := newLogger()

	m, err := loadManifest()
	if err != nil {
		return err
	}
	clients, err := awsx.NewClients(ctx, m.AWS.Region, m.AWS.RoleARN)
	if err != nil {
		return err
	}
	mgr := firewall.NewManager(clients.EC2, log, m.AWS.SecurityGroupID,
		m.Target.Port, m.Timeouts.Release.Std())

	ip := flags.ip
	if ip == "" {
		ip, err = firewall.PublicIP(ctx, firewall.DefaultCheckIPEndpoint)
		if err != nil {
			return err
		}
	}

	if open {
		lease, err := mgr.Open(ctx, ip, fmt.Sprintf("stevedore manual %s", m.App))
		if err != nil {
			return err
		}
		report(map[string]string{"action": "open", "cidr": lease.CIDR()},
			"Opened SSH ingress for %s on %s (close with \"stevedore firewall close\")\n",
			lease.CIDR(), m.AWS.SecurityGroupID)
		return nil
	}

	if err := mgr.Revoke(ctx, ip); err != nil {
		return err
	}
	report(map[string]string{"action": "close", "cidr": ip + "/32"},
		"Closed SSH ingress for %s/32 on %s\n", ip, m.AWS.SecurityGroupID)
	return nil
}

// report prints the JSON value or the formatted text line, per --json.
func report(v any, format string, args ...any) {
	if jsonOutput {
		printJSON(v)
		return
	}
	fmt.Printf(format, args...)
}
