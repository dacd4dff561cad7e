// Package cli — push.go implements the "stevedore push" command.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/stevedore/internal/pipeline"
)

// pushFlags holds the flag values for the push command.
type pushFlags struct {
	tag       string // --tag: image tag (default: git short hash)
	skipBuild bool   // --skip-build: push an existing local image
	dryRun    bool   // --dry-run: log the plan without pushing
}

// NewPushCommand creates the "push" cobra command.
func NewPushCommand() *cobra.Command {
	flags := &pushFlags{}

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Build the image and push it to ECR without deploying",
		Long: `Build the image (unless --skip-build), authenticate to ECR with the
AWS credentials from the environment, retag the image under the registry
host, and push it. The target VM is not touched.

Examples:
  stevedore push
  stevedore push --tag v1.4.2
  stevedore push --skip-build --tag v1.4.2`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.tag, "tag", "t", "", "Image tag (default: git short commit hash)")
	cmd.Flags().BoolVar(&flags.skipBuild, "skip-build", false, "Skip the build; the tag must exist locally")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Log the planned push without performing it")

	return cmd
}

func runPush(ctx context.Context, flags *pushFlags) error {
	log := newLogger()

	p, cleanup, err := newPipeline(ctx, log, serviceNeeds{
		docker: true,
		aws:    true,
		dryRun: flags.dryRun,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	ref, err := p.Push(ctx, pipeline.DeployOptions{
		Tag:       flags.tag,
		SkipBuild: flags.skipBuild,
	})
	if err != nil {
		return err
	}
	if flags.dryRun {
		return nil
	}

	if jsonOutput {
		printJSON(map[string]string{"image": ref.String()})
	} else {
		fmt.Printf("Pushed %s\n", ref.String())
	}
	return nil
}
