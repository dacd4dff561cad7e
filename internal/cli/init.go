// Package cli — init.go implements the "stevedore init" command, which
// scaffolds a starter manifest and, optionally, a Dockerfile for an ASGI
// application.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/stevedore/internal/config"
	"github.com/mmr-tortoise/stevedore/internal/model"
	"github.com/mmr-tortoise/stevedore/internal/recipe"
)

// initFlags holds the flag values for the init command.
type initFlags struct {
	app        string // --app: application name (default: directory name)
	port       int    // --port: application listen port
	dockerfile bool   // --dockerfile: also write a Dockerfile
}

// NewInitCommand creates the "init" cobra command.
func NewInitCommand() *cobra.Command {
	flags := &initFlags{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a stevedore.yaml manifest (and optionally a Dockerfile)",
		Long: `Write a starter stevedore.yaml into the current directory with
placeholder values to fill in. With --dockerfile, also write a
Dockerfile suited to a Python ASGI application served by uvicorn.

Existing files are never overwritten.

Examples:
  stevedore init
  stevedore init --app orders --port 8000 --dockerfile`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(flags)
		},
	}

	cmd.Flags().StringVar(&flags.app, "app", "", "Application name (default: current directory name)")
	cmd.Flags().IntVar(&flags.port, "port", 0, "Application listen port (default: 5050)")
	cmd.Flags().BoolVar(&flags.dockerfile, "dockerfile", false, "Also write a Dockerfile for an ASGI app")

	return cmd
}

func runInit(flags *initFlags) error {
	cwd, err := os.Getwd()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to determine working directory", err)
	}

	app := flags.app
	if app == "" {
		app = filepath.Base(cwd)
	}
	params := recipe.Params{App: app, Port: flags.port}
	if err := params.Validate(); err != nil {
		return model.WrapCLIError(model.ExitConfigError, "invalid init parameters", err)
	}

	var written []string

	manifest, err := recipe.RenderManifest(params)
	if err != nil {
		return err
	}
	manifestPath := filepath.Join(cwd, config.DefaultManifestName)
	if err := recipe.WriteFile(manifestPath, manifest); err != nil {
		return err
	}
	written = append(written, config.DefaultManifestName)

	if flags.dockerfile {
		dockerfile, err := recipe.RenderDockerfile(params)
		if err != nil {
			return err
		}
		if err := recipe.WriteFile(filepath.Join(cwd, "Dockerfile"), dockerfile); err != nil {
			return err
		}
		written = append(written, "Dockerfile")
	}

	if jsonOutput {
		printJSON(map[string]any{"written": written, "app": app})
		return nil
	}
	for _, name := range written {
		fmt.Printf("Wrote %s\n", name)
	}
	fmt.Println("Edit the CHANGE-ME values before the first deploy.")
	return nil
}
