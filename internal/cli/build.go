// Package cli — build.go implements the "stevedore build" command.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// buildFlags holds the flag values for the build command.
type buildFlags struct {
	tag    string // --tag: image tag (default: git short hash)
	dryRun bool   // --dry-run: log the plan without building
}

// NewBuildCommand creates the "build" cobra command.
func NewBuildCommand() *cobra.Command {
	flags := &buildFlags{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the image locally without pushing or deploying",
		Long: `Build the image from the manifest's build context and tag it with the
repository name. Nothing is pushed and nothing touches the target VM.

Examples:
  stevedore build
  stevedore build --tag v1.4.2`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.tag, "tag", "t", "", "Image tag (default: git short commit hash)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Log the planned build without performing it")

	return cmd
}

func runBuild(ctx context.Context, flags *buildFlags) error {
	log := newLogger()

	p, cleanup, err := newPipeline(ctx, log, serviceNeeds{
		docker: true,
		dryRun: flags.dryRun,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	ref, err := p.Build(ctx, flags.tag)
	if err != nil {
		return err
	}
	if flags.dryRun {
		return nil
	}

	if jsonOutput {
		printJSON(map[string]string{"image": ref.String()})
	} else {
		fmt.Printf("Built %s\n", ref.String())
	}
	return nil
}
