// setup.go wires the concrete docker, AWS, firewall, and SSH services
// into a pipeline for one command invocation.
package cli

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/mmr-tortoise/stevedore/internal/awsx"
	"github.com/mmr-tortoise/stevedore/internal/config"
	"github.com/mmr-tortoise/stevedore/internal/dockerx"
	"github.com/mmr-tortoise/stevedore/internal/firewall"
	"github.com/mmr-tortoise/stevedore/internal/model"
	"github.com/mmr-tortoise/stevedore/internal/pipeline"
	"github.com/mmr-tortoise/stevedore/internal/remote"
)

// loadManifest resolves and loads the manifest, honoring --file.
func loadManifest() (*config.Manifest, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to determine working directory", err)
	}
	path, err := config.Find(cwd, manifestFile)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// serviceNeeds selects which external services a command requires, so
// `status` does not demand a docker daemon and a dry run does not demand
// either.
type serviceNeeds struct {
	docker bool
	aws    bool
	remote bool
	dryRun bool
}

// newPipeline loads the manifest and assembles a pipeline with the
// requested services. The returned cleanup closes what was opened.
func newPipeline(ctx context.Context, log zerolog.Logger, needs serviceNeeds) (*pipeline.Pipeline, func(), error) {
	m, err := loadManifest()
	if err != nil {
		return nil, nil, err
	}

	p := &pipeline.Pipeline{
		Manifest: m,
		Log:      log,
		DryRun:   needs.dryRun,
		PublicIP: func(c context.Context) (string, error) {
			return firewall.PublicIP(c, firewall.DefaultCheckIPEndpoint)
		},
		ResolveTag: func(c context.Context) (string, error) {
			return pipeline.GitShortHash(c, m.Build.Context)
		},
	}
	cleanup := func() {}

	// Dry runs never touch the docker daemon, so the client is only
	// constructed for real builds and pushes.
	if needs.docker && !needs.dryRun {
		docker, err := dockerx.NewClient()
		if err != nil {
			return nil, nil, err
		}
		if err := docker.Ping(ctx); err != nil {
			docker.Close()
			return nil, nil, err
		}
		p.Images = docker
		cleanup = func() { docker.Close() }
	}

	if needs.aws {
		clients, err := awsx.NewClients(ctx, m.AWS.Region, m.AWS.RoleARN)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		p.Registry = registryService{api: clients.ECR}
		if needs.remote {
			// The key is only required (and only read) when a command
			// will dial SSH; build and push stay keyless.
			if err := m.ResolveSSHKey(); err != nil {
				cleanup()
				return nil, nil, err
			}
			mgr := firewall.NewManager(clients.EC2, log, m.AWS.SecurityGroupID,
				m.Target.Port, m.Timeouts.Release.Std())
			p.Firewall = firewallService{mgr: mgr}
			p.Remote = sshDialer{manifest: m, log: log}
		}
	}

	return p, cleanup, nil
}

// registryService adapts the package-level ECR helpers to the pipeline's
// registry interface.
type registryService struct {
	api awsx.ECRAPI
}

func (r registryService) Auth(ctx context.Context) (awsx.Credentials, error) {
	return awsx.RegistryAuth(ctx, r.api)
}

func (r registryService) NewestImages(ctx context.Context, repository string, limit int) ([]model.PushedImage, error) {
	return awsx.NewestImages(ctx, r.api, repository, limit)
}

// firewallService adapts the concrete lease manager to the pipeline's
// interface.
type firewallService struct {
	mgr *firewall.Manager
}

func (f firewallService) Open(ctx context.Context, ip, description string) (pipeline.Lease, error) {
	lease, err := f.mgr.Open(ctx, ip, description)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// sshDialer connects to the manifest's target and hands back a deploy
// session over the live connection.
type sshDialer struct {
	manifest *config.Manifest
	log      zerolog.Logger
}

func (d sshDialer) Dial(ctx context.Context) (pipeline.RemoteSession, error) {
	runner, err := remote.Dial(ctx, remote.DialOptions{
		Target:  d.manifest.Target,
		Key:     d.manifest.SSHKey,
		Timeout: d.manifest.Timeouts.Dial.Std(),
	})
	if err != nil {
		return nil, err
	}
	return &sshSession{Deployer: remote.NewDeployer(runner, d.log), runner: runner}, nil
}

// sshSession pairs a deployer with the connection it runs on, so closing
// the session closes the connection.
type sshSession struct {
	*remote.Deployer
	runner *remote.SSHRunner
}

func (s *sshSession) Close() error {
	return s.runner.Close()
}
