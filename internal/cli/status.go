// Package cli — status.go implements the "stevedore status" command.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/stevedore/internal/model"
	"github.com/mmr-tortoise/stevedore/internal/pipeline"
)

// statusFlags holds the flag values for the status command.
type statusFlags struct {
	limit  int  // --limit: number of registry images to show
	remote bool // --remote: also inspect the container on the target
}

// NewStatusCommand creates the "status" cobra command.
func NewStatusCommand() *cobra.Command {
	flags := &statusFlags{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the newest pushed images and, with --remote, the running container",
		Long: `List the newest images in the ECR repository, newest push first. With
--remote, additionally open a firewall lease, SSH to the target, and
report the state of the deployed container; the lease is released before
the command returns.

Examples:
  stevedore status
  stevedore status --limit 5
  stevedore status --remote`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), flags)
		},
	}

	cmd.Flags().IntVar(&flags.limit, "limit", 10, "Number of images to list")
	cmd.Flags().BoolVar(&flags.remote, "remote", false, "Also inspect the container on the target host")

	return cmd
}

// statusReport is the JSON shape of the status output.
type statusReport struct {
	Repository string                `json:"repository"`
	Images     []model.PushedImage   `json:"images"`
	Container  *model.ContainerState `json:"container,omitempty"`
}

func runStatus(ctx context.Context, flags *statusFlags) error {
	log := newLogger()

	p, cleanup, err := newPipeline(ctx, log, serviceNeeds{
		aws:    true,
		remote: flags.remote,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	images, err := p.Status(ctx, flags.limit)
	if err != nil {
		return err
	}

	report := statusReport{Repository: p.Manifest.Repository, Images: images}
	if flags.remote {
		state, err := inspectRemote(ctx, p)
		if err != nil {
			return err
		}
		report.Container = &state
	}

	if jsonOutput {
		printJSON(report)
		return nil
	}

	fmt.Printf("Repository: %s\n", report.Repository)
	if len(report.Images) == 0 {
		fmt.Println("No images pushed yet.")
	}
	for _, img := range report.Images {
		tags := "<untagged>"
		if len(img.Tags) > 0 {
			tags = fmt.Sprintf("%v", img.Tags)
		}
		fmt.Printf("  %-30s %s  %s\n", tags, img.PushedAt.Format("2006-01-02 15:04:05"), img.Digest)
	}
	if report.Container != nil {
		c := report.Container
		fmt.Printf("Target container: %s (%s) image=%s status=%s\n",
			c.Name, c.ID, c.Image, c.Status)
	}
	return nil
}

// inspectRemote opens a firewall lease, connects to the target, and reads
// the deployed container's state. The lease is released before returning,
// on every path.
func inspectRemote(ctx context.Context, p *pipeline.Pipeline) (state model.ContainerState, err error) {
	ip, err := p.PublicIP(ctx)
	if err != nil {
		return model.ContainerState{}, err
	}
	lease, err := p.Firewall.Open(ctx, ip, fmt.Sprintf("stevedore status %s", p.Manifest.App))
	if err != nil {
		return model.ContainerState{}, err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	session, err := p.Remote.Dial(ctx)
	if err != nil {
		return model.ContainerState{}, err
	}
	defer session.Close()

	return session.Inspect(ctx, p.Manifest.Container.Name)
}
