// deploy.go implements the container replacement sequence on the target
// host: registry login, tolerant stop/remove of the prior container,
// image prune, run, and verification.
package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// Deployer runs the deploy sequence through a Runner.
type Deployer struct {
	run Runner
	log zerolog.Logger
}

// NewDeployer wraps a Runner.
func NewDeployer(run Runner, log zerolog.Logger) *Deployer {
	return &Deployer{run: run, log: log}
}

// RunSpec describes the container to start on the host.
type RunSpec struct {
	// Name is the fixed container name; the prior container with this
	// name is replaced.
	Name string

	// Image is the fully qualified image reference to run.
	Image string

	// Port is the published port mapping.
	Port model.PortMapping

	// EnvFile is the env file path on the host; empty means none.
	EnvFile string

	// RestartPolicy is the docker restart policy.
	RestartPolicy string
}

// Preflight confirms the host has a working docker CLI. Its output also
// lands in the debug log, mirroring the version/ps sanity commands the
// deploy has always started with.
func (d *Deployer) Preflight(ctx context.Context) error {
	res, err := d.run.Run(ctx, "docker --version", "")
	if err != nil {
		return model.WrapCLIError(model.ExitRemoteError, "docker is not available on the target host", err)
	}
	d.log.Debug().Str("version", strings.TrimSpace(res.Stdout)).Msg("target docker")
	return nil
}

// RegistryLogin logs the host's docker daemon into the registry. The
// password travels over stdin, never on the command line, so it cannot
// leak through the host's process table.
func (d *Deployer) RegistryLogin(ctx context.Context, registry, username, password string) error {
	cmd := fmt.Sprintf("docker login --username %s --password-stdin %s",
		shellQuote(username), shellQuote(registry))
	if _, err := d.run.Run(ctx, cmd, password); err != nil {
		return model.WrapCLIError(model.ExitRemoteError,
			fmt.Sprintf("docker login to %s failed on target", registry), err)
	}
	return nil
}

// StopContainer stops the named container. A container that does not
// exist is not an error: first deploys and hosts cleaned by hand are both
// normal.
func (d *Deployer) StopContainer(ctx context.Context, name string) error {
	res, err := d.run.Run(ctx, "docker stop "+shellQuote(name), "")
	if err != nil && !isAbsentContainer(res) {
		return model.WrapCLIError(model.ExitRemoteError,
			fmt.Sprintf("failed to stop container %q", name), err)
	}
	if err != nil {
		d.log.Debug().Str("container", name).Msg("no prior container to stop")
	}
	return nil
}

// RemoveContainer removes the named container, tolerating absence like
// StopContainer.
func (d *Deployer) RemoveContainer(ctx context.Context, name string) error {
	res, err := d.run.Run(ctx, "docker rm "+shellQuote(name), "")
	if err != nil && !isAbsentContainer(res) {
		return model.WrapCLIError(model.ExitRemoteError,
			fmt.Sprintf("failed to remove container %q", name), err)
	}
	return nil
}

// PruneImages removes dangling images on the host. Each deploy leaves the
// previous image behind; without pruning a small VM disk fills up within
// weeks.
func (d *Deployer) PruneImages(ctx context.Context) error {
	if _, err := d.run.Run(ctx, "docker image prune -af", ""); err != nil {
		return model.WrapCLIError(model.ExitRemoteError, "image prune failed on target", err)
	}
	return nil
}

// RunContainer starts the new container detached and returns its ID.
func (d *Deployer) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	res, err := d.run.Run(ctx, buildRunCommand(spec), "")
	if err != nil {
		return "", model.WrapCLIError(model.ExitRemoteError,
			fmt.Sprintf("failed to start container %q", spec.Name), err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Inspect returns the state of the named container on the host.
// StatusAbsent (not an error) when no such container exists.
func (d *Deployer) Inspect(ctx context.Context, name string) (model.ContainerState, error) {
	// Anchor the name filter: docker's name filter is a substring match,
	// and "app" must not match "app-canary".
	cmd := fmt.Sprintf(`docker ps -a --filter name=%s --format '{{.ID}}\t{{.Names}}\t{{.Image}}\t{{.State}}'`,
		shellQuote("^"+name+"$"))
	res, err := d.run.Run(ctx, cmd, "")
	if err != nil {
		return model.ContainerState{}, model.WrapCLIError(model.ExitRemoteError,
			"failed to list containers on target", err)
	}

	lines := nonEmptyLines(res.Stdout)
	if len(lines) == 0 {
		return model.ContainerState{Name: name, Status: model.StatusAbsent}, nil
	}
	if len(lines) > 1 {
		return model.ContainerState{}, model.NewCLIError(model.ExitVerifyFailed,
			fmt.Sprintf("%d containers named %q on target, expected at most one", len(lines), name))
	}
	return parsePsLine(lines[0])
}

// Verify checks the post-deploy invariant: exactly one container named
// name is running, started from image.
func (d *Deployer) Verify(ctx context.Context, name, image string) (model.ContainerState, error) {
	state, err := d.Inspect(ctx, name)
	if err != nil {
		return model.ContainerState{}, err
	}
	if state.Status != model.StatusRunning {
		return state, model.NewCLIError(model.ExitVerifyFailed,
			fmt.Sprintf("container %q is %s, expected running", name, state.Status))
	}
	if state.Image != image {
		return state, model.NewCLIError(model.ExitVerifyFailed,
			fmt.Sprintf("container %q runs image %q, expected %q", name, state.Image, image))
	}
	return state, nil
}

// Deploy runs the full replacement sequence and returns the verified
// state of the new container.
func (d *Deployer) Deploy(ctx context.Context, registry, username, password string, spec RunSpec) (model.ContainerState, error) {
	if err := d.Preflight(ctx); err != nil {
		return model.ContainerState{}, err
	}
	if err := d.RegistryLogin(ctx, registry, username, password); err != nil {
		return model.ContainerState{}, err
	}
	if err := d.StopContainer(ctx, spec.Name); err != nil {
		return model.ContainerState{}, err
	}
	if err := d.RemoveContainer(ctx, spec.Name); err != nil {
		return model.ContainerState{}, err
	}
	if err := d.PruneImages(ctx); err != nil {
		return model.ContainerState{}, err
	}

	id, err := d.RunContainer(ctx, spec)
	if err != nil {
		return model.ContainerState{}, err
	}
	d.log.Info().Str("container", spec.Name).Str("id", shortID(id)).Msg("container started")

	return d.Verify(ctx, spec.Name, spec.Image)
}

// buildRunCommand renders the docker run invocation for spec. There is no
// separate docker pull step; --pull always fetches the image the run just
// pushed, using the login performed moments earlier.
func buildRunCommand(spec RunSpec) string {
	args := []string{
		"docker", "run", "-d",
		"--name", shellQuote(spec.Name),
	}
	if spec.RestartPolicy != "" {
		args = append(args, "--restart", shellQuote(spec.RestartPolicy))
	}
	if spec.EnvFile != "" {
		args = append(args, "--env-file", shellQuote(spec.EnvFile))
	}
	args = append(args, "-p", shellQuote(spec.Port.String()))
	args = append(args, "--pull", "always")
	args = append(args, shellQuote(spec.Image))
	return strings.Join(args, " ")
}

// isAbsentContainer reports whether a failed stop/rm was due to the
// container not existing.
func isAbsentContainer(res Result) bool {
	return strings.Contains(res.Stderr, "No such container")
}

// parsePsLine parses one tab-separated line of the docker ps format used
// by Inspect.
func parsePsLine(line string) (model.ContainerState, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 4 {
		return model.ContainerState{}, model.NewCLIError(model.ExitRemoteError,
			fmt.Sprintf("unexpected docker ps output: %q", line))
	}
	status := model.ContainerStatus(fields[3])
	if !status.IsValid() {
		// docker reports more states than we model (created, paused,
		// restarting, dead); all of them mean "not running".
		status = model.StatusExited
	}
	return model.ContainerState{
		ID:     fields[0],
		Name:   fields[1],
		Image:  fields[2],
		Status: status,
	}, nil
}

// nonEmptyLines splits s into lines, dropping blanks.
func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// shortID truncates a container ID for log output.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// shellQuote wraps s in single quotes for the remote shell, escaping any
// embedded single quotes. Values originate from the manifest, but a
// hostname or env-file path with a space must not split the command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
