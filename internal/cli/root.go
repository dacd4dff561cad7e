// Package cli implements the cobra-based CLI commands for stevedore.
//
// Each subcommand (deploy, build, push, status, rollback, firewall, init)
// is defined in its own file within this package. This file defines the
// root command, global flags, the logger, and the error-to-exit-code
// translation.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// Global flag variables bound to cobra persistent flags on the root
// command, available to every subcommand.
var (
	// jsonOutput switches successful command output to JSON for machine
	// consumption. Errors go to stderr in the matching format.
	jsonOutput bool

	// verbose lowers the log level to debug.
	verbose bool

	// quiet raises the log level to error, silencing the per-step
	// progress lines.
	quiet bool

	// manifestFile is the explicit manifest path (--file). Empty means
	// probe the working directory for stevedore.yaml and friends.
	manifestFile string
)

// Version, Commit, and Date are set at build time via ldflags and
// injected from the main package.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stevedore",
		Short: "Build, push, and deploy a container to a remote VM",
		Long: `stevedore deploys a containerized application onto a remote VM:
it builds the image, pushes it to ECR, temporarily opens the target's
security group for the caller's IP, replaces the running container over
SSH, verifies the result, and always closes the firewall rule again —
even when a step in between fails.`,

		// We format errors and usage ourselves for consistent text/JSON
		// output, so cobra's automatic printing is silenced.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only log errors")
	rootCmd.PersistentFlags().StringVarP(&manifestFile, "file", "f", "", "Manifest path (default: ./stevedore.yaml)")

	rootCmd.AddCommand(NewDeployCommand())
	rootCmd.AddCommand(NewBuildCommand())
	rootCmd.AddCommand(NewPushCommand())
	rootCmd.AddCommand(NewStatusCommand())
	rootCmd.AddCommand(NewRollbackCommand())
	rootCmd.AddCommand(NewFirewallCommand())
	rootCmd.AddCommand(NewInitCommand())

	return rootCmd
}

// Execute runs the root command under ctx and translates errors into
// exit codes. CLIError types carry their own code; other errors exit 1.
// The context is the one main derives from the process signals, so a
// SIGINT/SIGTERM cancels every cmd.Context() below it.
func Execute(ctx context.Context, rootCmd *cobra.Command) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if cliErr, ok := err.(*model.CLIError); ok {
			printError(cliErr.Message, cliErr.Err)
			os.Exit(int(cliErr.Code))
		}
		printError(err.Error(), nil)
		os.Exit(int(model.ExitGeneralError))
	}
}

// newLogger builds the zerolog logger for a command invocation. Console
// output goes to stderr; stdout is reserved for command results so that
// --json output stays parseable.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	if quiet {
		level = zerolog.ErrorLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

// printError outputs an error message in the format selected by --json.
func printError(message string, underlying error) {
	if jsonOutput {
		detail := map[string]any{"message": message}
		if underlying != nil {
			detail["detail"] = underlying.Error()
		}
		data, _ := json.MarshalIndent(map[string]any{"error": detail}, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
		return
	}
	if underlying != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
