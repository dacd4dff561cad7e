// Package cli — rollback.go implements the "stevedore rollback" command.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// rollbackFlags holds the flag values for the rollback command.
type rollbackFlags struct {
	dryRun bool // --dry-run: log the plan without deploying
}

// NewRollbackCommand creates the "rollback" cobra command.
func NewRollbackCommand() *cobra.Command {
	flags := &rollbackFlags{}

	cmd := &cobra.Command{
		Use:   "rollback <tag>",
		Short: "Redeploy an already-pushed tag to the target VM",
		Long: `Deploy an image tag that already exists in ECR. Nothing is built or
pushed; the tag is validated against the registry, then the remote
replacement runs exactly like a deploy — ingress lease, container
swap, verification, lease release.

Examples:
  stevedore rollback v1.4.1
  stevedore rollback 3fa9c21`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollback(cmd.Context(), args[0], flags)
		},
	}

	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Log the planned rollback without performing it")

	return cmd
}

func runRollback(ctx context.Context, tag string, flags *rollbackFlags) error {
	log := newLogger()

	p, cleanup, err := newPipeline(ctx, log, serviceNeeds{
		aws:    true,
		remote: true,
		dryRun: flags.dryRun,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	release, err := p.Rollback(ctx, tag)
	if err != nil {
		return err
	}
	if release == nil {
		return nil
	}

	if jsonOutput {
		printJSON(release)
	} else {
		fmt.Printf("Rolled back to %s\n", release.Image.String())
		fmt.Printf("Container: %s\n", release.ContainerID)
	}
	return nil
}
