// Package pipeline sequences the deploy: resolve tag, build, push, open
// the firewall lease, replace the container over SSH, verify, release.
//
// The pipeline owns two guarantees the individual packages cannot give on
// their own: every step runs under a timeout from the manifest, and a
// firewall lease, once opened, is released on every exit path — including
// failures and cancellation — before Deploy returns.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmr-tortoise/stevedore/internal/awsx"
	"github.com/mmr-tortoise/stevedore/internal/config"
	"github.com/mmr-tortoise/stevedore/internal/dockerx"
	"github.com/mmr-tortoise/stevedore/internal/model"
	"github.com/mmr-tortoise/stevedore/internal/remote"
)

// ImageService is the local image surface the pipeline needs.
// *dockerx.Client satisfies it.
type ImageService interface {
	Build(ctx context.Context, contextDir, dockerfile, ref string) error
	Tag(ctx context.Context, source, target string) error
	Push(ctx context.Context, ref string, auth dockerx.RegistryAuth) error
}

// RegistryService is the registry surface: credentials and push-time
// ordered listings.
type RegistryService interface {
	Auth(ctx context.Context) (awsx.Credentials, error)
	NewestImages(ctx context.Context, repository string, limit int) ([]model.PushedImage, error)
}

// Lease is a held firewall ingress rule.
type Lease interface {
	Release() error
	CIDR() string
}

// FirewallService opens ingress leases for the caller's IP.
type FirewallService interface {
	Open(ctx context.Context, ip, description string) (Lease, error)
}

// RemoteSession is a connected session on the target host. Dialing only
// succeeds while a lease is held, which is why the pipeline receives a
// dialer rather than a session.
type RemoteSession interface {
	Deploy(ctx context.Context, registry, username, password string, spec remote.RunSpec) (model.ContainerState, error)
	Inspect(ctx context.Context, name string) (model.ContainerState, error)
	Close() error
}

// RemoteDialer connects to the target host.
type RemoteDialer interface {
	Dial(ctx context.Context) (RemoteSession, error)
}

// Pipeline wires the services together for one manifest.
type Pipeline struct {
	Manifest *config.Manifest
	Log      zerolog.Logger

	Images   ImageService
	Registry RegistryService
	Firewall FirewallService
	Remote   RemoteDialer

	// PublicIP discovers the caller's IP; defaults to the checkip
	// endpoint when wired by the CLI.
	PublicIP func(ctx context.Context) (string, error)

	// ResolveTag produces the image tag when none is given explicitly;
	// the CLI wires the git short hash.
	ResolveTag func(ctx context.Context) (string, error)

	// DryRun logs the planned actions instead of performing any call
	// that would touch the daemon, the cloud, or the host.
	DryRun bool
}

// DeployOptions modify a Deploy run.
type DeployOptions struct {
	// Tag overrides tag resolution. Empty means resolve from git.
	Tag string

	// SkipBuild pushes and deploys whatever image already carries the
	// tag locally.
	SkipBuild bool
}

// Deploy runs the full pipeline and returns the release record.
func (p *Pipeline) Deploy(ctx context.Context, opts DeployOptions) (*model.Release, error) {
	tag, err := p.tag(ctx, opts.Tag)
	if err != nil {
		return nil, err
	}
	localRef := model.ImageRef{Repository: p.Manifest.Repository, Tag: tag}
	p.Log.Info().Str("app", p.Manifest.App).Str("tag", tag).Msg("deploy starting")

	if p.DryRun {
		p.logPlan(tag, !opts.SkipBuild)
		return nil, nil
	}

	if !opts.SkipBuild {
		if err := p.step(ctx, "build", func(c context.Context) error {
			return p.Images.Build(c, p.Manifest.Build.Context, p.Manifest.Build.Dockerfile, localRef.String())
		}); err != nil {
			return nil, err
		}
	}

	creds, fullRef, err := p.pushImage(ctx, localRef)
	if err != nil {
		return nil, err
	}

	state, err := p.deployRemote(ctx, creds, fullRef)
	if err != nil {
		return nil, err
	}

	return &model.Release{
		Image:       fullRef,
		ContainerID: state.ID,
		DeployedAt:  time.Now().UTC(),
		Built:       !opts.SkipBuild,
		Pushed:      true,
	}, nil
}

// Build resolves the tag and builds the local image only.
func (p *Pipeline) Build(ctx context.Context, explicitTag string) (model.ImageRef, error) {
	tag, err := p.tag(ctx, explicitTag)
	if err != nil {
		return model.ImageRef{}, err
	}
	ref := model.ImageRef{Repository: p.Manifest.Repository, Tag: tag}
	if p.DryRun {
		p.Log.Info().Str("image", ref.String()).Msg("dry-run: would build")
		return ref, nil
	}
	if err := p.step(ctx, "build", func(c context.Context) error {
		return p.Images.Build(c, p.Manifest.Build.Context, p.Manifest.Build.Dockerfile, ref.String())
	}); err != nil {
		return model.ImageRef{}, err
	}
	return ref, nil
}

// Push builds (unless skipped) and pushes, returning the pushed
// reference.
func (p *Pipeline) Push(ctx context.Context, opts DeployOptions) (model.ImageRef, error) {
	tag, err := p.tag(ctx, opts.Tag)
	if err != nil {
		return model.ImageRef{}, err
	}
	localRef := model.ImageRef{Repository: p.Manifest.Repository, Tag: tag}

	if p.DryRun {
		p.Log.Info().Str("image", localRef.String()).Msg("dry-run: would push")
		return localRef, nil
	}

	if !opts.SkipBuild {
		if err := p.step(ctx, "build", func(c context.Context) error {
			return p.Images.Build(c, p.Manifest.Build.Context, p.Manifest.Build.Dockerfile, localRef.String())
		}); err != nil {
			return model.ImageRef{}, err
		}
	}

	_, fullRef, err := p.pushImage(ctx, localRef)
	return fullRef, err
}

// Status lists the newest pushed images.
func (p *Pipeline) Status(ctx context.Context, limit int) ([]model.PushedImage, error) {
	return p.Registry.NewestImages(ctx, p.Manifest.Repository, limit)
}

// Rollback redeploys an already-pushed tag. Nothing is built or pushed;
// the tag must exist in the registry.
func (p *Pipeline) Rollback(ctx context.Context, tag string) (*model.Release, error) {
	if err := model.ValidateTag(tag); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "invalid rollback tag", err)
	}

	images, err := p.Registry.NewestImages(ctx, p.Manifest.Repository, 0)
	if err != nil {
		return nil, err
	}
	if !awsx.HasTag(images, tag) {
		return nil, model.NewCLIError(model.ExitCloudError,
			fmt.Sprintf("tag %q not found in repository %q", tag, p.Manifest.Repository))
	}

	creds, err := p.Registry.Auth(ctx)
	if err != nil {
		return nil, err
	}
	fullRef := model.ImageRef{
		Registry:   creds.Registry,
		Repository: p.Manifest.Repository,
		Tag:        tag,
	}

	if p.DryRun {
		p.Log.Info().Str("image", fullRef.String()).Msg("dry-run: would roll back to")
		return nil, nil
	}

	state, err := p.deployRemote(ctx, creds, fullRef)
	if err != nil {
		return nil, err
	}
	return &model.Release{
		Image:       fullRef,
		ContainerID: state.ID,
		DeployedAt:  time.Now().UTC(),
	}, nil
}

// pushImage authenticates to the registry, retags the local image under
// the registry host, and pushes it.
func (p *Pipeline) pushImage(ctx context.Context, localRef model.ImageRef) (awsx.Credentials, model.ImageRef, error) {
	creds, err := p.Registry.Auth(ctx)
	if err != nil {
		return awsx.Credentials{}, model.ImageRef{}, err
	}
	fullRef := localRef
	fullRef.Registry = creds.Registry

	err = p.step(ctx, "push", func(c context.Context) error {
		if err := p.Images.Tag(c, localRef.String(), fullRef.String()); err != nil {
			return err
		}
		return p.Images.Push(c, fullRef.String(), dockerx.RegistryAuth{
			Username:      creds.Username,
			Password:      creds.Password,
			ServerAddress: creds.Registry,
		})
	})
	if err != nil {
		return awsx.Credentials{}, model.ImageRef{}, err
	}
	return creds, fullRef, nil
}

// deployRemote performs the firewall-scoped remote phase: open the lease,
// dial, replace the container, verify, release. The lease release is
// deferred before anything else can fail, and a release failure on an
// otherwise clean deploy is surfaced — a rule left open is a real defect,
// not a cleanup footnote.
func (p *Pipeline) deployRemote(ctx context.Context, creds awsx.Credentials, image model.ImageRef) (state model.ContainerState, err error) {
	ip, err := p.PublicIP(ctx)
	if err != nil {
		return model.ContainerState{}, err
	}

	lease, err := p.Firewall.Open(ctx, ip, fmt.Sprintf("stevedore deploy %s", p.Manifest.App))
	if err != nil {
		return model.ContainerState{}, err
	}
	p.Log.Info().Str("cidr", lease.CIDR()).Msg("firewall lease opened")
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			p.Log.Error().Err(rerr).Str("cidr", lease.CIDR()).
				Msg("failed to release firewall lease — remove the rule manually")
			if err == nil {
				err = rerr
			}
			return
		}
		p.Log.Info().Str("cidr", lease.CIDR()).Msg("firewall lease released")
	}()

	err = p.step(ctx, "deploy", func(c context.Context) error {
		session, derr := p.Remote.Dial(c)
		if derr != nil {
			return derr
		}
		defer session.Close()

		state, derr = session.Deploy(c, creds.Registry, creds.Username, creds.Password, remote.RunSpec{
			Name:          p.Manifest.Container.Name,
			Image:         image.String(),
			Port:          p.Manifest.Container.Port,
			EnvFile:       p.Manifest.Container.EnvFile,
			RestartPolicy: p.Manifest.Container.RestartPolicy,
		})
		return derr
	})
	if err != nil {
		return model.ContainerState{}, err
	}
	return state, nil
}

// tag returns the explicit tag or resolves one, validating either way.
func (p *Pipeline) tag(ctx context.Context, explicit string) (string, error) {
	tag := explicit
	if tag == "" {
		resolved, err := p.ResolveTag(ctx)
		if err != nil {
			return "", err
		}
		tag = resolved
	}
	if err := model.ValidateTag(tag); err != nil {
		return "", model.WrapCLIError(model.ExitConfigError, "invalid image tag", err)
	}
	return tag, nil
}

// step runs fn under the manifest's step timeout with start/finish logs.
func (p *Pipeline) step(ctx context.Context, name string, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, p.Manifest.Timeouts.Step.Std())
	defer cancel()

	start := time.Now()
	p.Log.Info().Str("step", name).Msg("step started")

	err := fn(stepCtx)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		p.Log.Error().Str("step", name).Dur("elapsed", elapsed).Err(err).Msg("step failed")
		return err
	}
	p.Log.Info().Str("step", name).Dur("elapsed", elapsed).Msg("step finished")
	return nil
}

// logPlan describes what a non-dry run would do.
func (p *Pipeline) logPlan(tag string, wouldBuild bool) {
	m := p.Manifest
	if wouldBuild {
		p.Log.Info().Str("context", m.Build.Context).Str("dockerfile", m.Build.Dockerfile).
			Str("tag", tag).Msg("dry-run: would build image")
	}
	p.Log.Info().Str("repository", m.Repository).Str("tag", tag).Msg("dry-run: would push to ECR")
	p.Log.Info().Str("group", m.AWS.SecurityGroupID).Int("port", m.Target.Port).
		Msg("dry-run: would open firewall lease for caller IP")
	p.Log.Info().Str("host", m.Target.Addr()).Str("container", m.Container.Name).
		Str("port", m.Container.Port.String()).Msg("dry-run: would replace container over SSH")
}
