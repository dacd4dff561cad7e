// Package cli — deploy.go implements the "stevedore deploy" command.
//
// Deploy is the primary operation: build the image, push it to ECR, open
// the firewall lease for the caller's IP, replace the container on the
// target over SSH, verify it is running, and release the lease.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/stevedore/internal/pipeline"
)

// deployFlags holds the flag values for the deploy command.
type deployFlags struct {
	tag       string // --tag: image tag (default: git short hash)
	skipBuild bool   // --skip-build: push and deploy an existing local image
	dryRun    bool   // --dry-run: log the plan without touching anything
}

// NewDeployCommand creates the "deploy" cobra command.
func NewDeployCommand() *cobra.Command {
	flags := &deployFlags{}

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Build, push, and deploy the container to the target VM",
		Long: `Run the full deploy: build the image from the manifest's build context,
push it to ECR, open a temporary SSH ingress rule for this machine's
public IP, replace the running container on the target over SSH, verify
it is running, and close the ingress rule again.

The ingress rule is always removed — on success, on failure, and on
cancellation.

Examples:
  stevedore deploy
  stevedore deploy --tag v1.4.2
  stevedore deploy --skip-build --tag v1.4.2
  stevedore deploy --dry-run`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.tag, "tag", "t", "", "Image tag (default: git short commit hash)")
	cmd.Flags().BoolVar(&flags.skipBuild, "skip-build", false, "Skip the build; the tag must exist locally")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Log the planned actions without performing them")

	return cmd
}

func runDeploy(ctx context.Context, flags *deployFlags) error {
	log := newLogger()

	p, cleanup, err := newPipeline(ctx, log, serviceNeeds{
		docker: true,
		aws:    true,
		remote: true,
		dryRun: flags.dryRun,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	release, err := p.Deploy(ctx, pipeline.DeployOptions{
		Tag:       flags.tag,
		SkipBuild: flags.skipBuild,
	})
	if err != nil {
		return err
	}
	if release == nil {
		// Dry run: the plan was logged, there is nothing to report.
		return nil
	}

	if jsonOutput {
		printJSON(release)
	} else {
		fmt.Printf("Deployed %s\n", release.Image.String())
		fmt.Printf("Container: %s\n", release.ContainerID)
	}
	return nil
}
