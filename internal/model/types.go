package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ContainerStatus represents the runtime state of the deployed container on
// the target host, as reported by the remote docker daemon.
type ContainerStatus string

const (
	// StatusRunning indicates the container is up.
	StatusRunning ContainerStatus = "running"

	// StatusExited indicates the container exists but has stopped.
	StatusExited ContainerStatus = "exited"

	// StatusAbsent indicates no container with the configured name exists
	// on the host. This is the expected state on a first deploy.
	StatusAbsent ContainerStatus = "absent"
)

// String returns the string representation of ContainerStatus.
func (s ContainerStatus) String() string {
	return string(s)
}

// IsValid checks whether the ContainerStatus value is one of the
// predefined valid states.
func (s ContainerStatus) IsValid() bool {
	switch s {
	case StatusRunning, StatusExited, StatusAbsent:
		return true
	default:
		return false
	}
}

// Target identifies the remote VM that receives deployments.
type Target struct {
	// Host is the hostname or IP address of the VM.
	Host string `json:"host" yaml:"host"`

	// User is the SSH login user.
	User string `json:"user" yaml:"user"`

	// Port is the SSH port. Defaults to 22.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// KeyPath is the filesystem path to the SSH private key. The key
	// material itself may instead arrive via the STEVEDORE_SSH_KEY
	// environment variable; see config.Load.
	KeyPath string `json:"keyPath,omitempty" yaml:"keyPath,omitempty"`
}

// Addr returns the host:port dial address for the target.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// Validate checks that the target has the fields required to dial it.
func (t Target) Validate() error {
	if t.Host == "" {
		return fmt.Errorf("target: host must not be empty")
	}
	if t.User == "" {
		return fmt.Errorf("target: user must not be empty")
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("target: ssh port %d out of range (0-65535)", t.Port)
	}
	return nil
}

// ImageRef is a parsed container image reference. The zero value is not
// valid; use ParseImageRef or build one from its fields.
type ImageRef struct {
	// Registry is the registry host (e.g. "123456789012.dkr.ecr.eu-west-1.amazonaws.com").
	// Empty means Docker Hub.
	Registry string `json:"registry,omitempty"`

	// Repository is the image repository path (e.g. "python-backend-app").
	Repository string `json:"repository"`

	// Tag is the image tag. Defaults to "latest" when parsed from a
	// tagless reference.
	Tag string `json:"tag"`
}

// ParseImageRef splits an image reference string into registry, repository,
// and tag. A leading component containing a "." or ":" is treated as the
// registry host; a trailing ":tag" is split off unless the colon belongs to
// a registry port.
func ParseImageRef(ref string) (ImageRef, error) {
	if strings.TrimSpace(ref) == "" {
		return ImageRef{}, fmt.Errorf("image reference must not be empty")
	}

	out := ImageRef{Tag: "latest"}

	// Split off the tag. The colon must come after the last "/" so that a
	// registry port ("host:5000/repo") is not mistaken for a tag.
	if idx := strings.LastIndex(ref, ":"); idx != -1 && !strings.Contains(ref[idx+1:], "/") {
		out.Tag = ref[idx+1:]
		ref = ref[:idx]
	}

	// A first path component with a dot or colon is a registry host.
	if first, rest, found := strings.Cut(ref, "/"); found &&
		(strings.Contains(first, ".") || strings.Contains(first, ":")) {
		out.Registry = first
		out.Repository = rest
	} else {
		out.Repository = ref
	}

	if out.Repository == "" {
		return ImageRef{}, fmt.Errorf("image reference %q has no repository", ref)
	}
	if out.Tag == "" {
		return ImageRef{}, fmt.Errorf("image reference %q has an empty tag", ref)
	}
	return out, nil
}

// ECRRegistry returns the registry host for an AWS account and region,
// following the fixed <account>.dkr.ecr.<region>.amazonaws.com layout.
func ECRRegistry(accountID, region string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", accountID, region)
}

// String renders the reference in docker CLI form.
func (r ImageRef) String() string {
	name := r.Repository
	if r.Registry != "" {
		name = r.Registry + "/" + name
	}
	if r.Tag != "" {
		name = name + ":" + r.Tag
	}
	return name
}

// WithTag returns a copy of the reference pointing at a different tag.
func (r ImageRef) WithTag(tag string) ImageRef {
	r.Tag = tag
	return r
}

// tagRegex validates image tags per the OCI distribution spec: up to 128
// characters of [A-Za-z0-9_.-], not starting with "." or "-".
var tagRegex = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)

// ValidateTag checks that the given string is a legal image tag.
func ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("image tag must not be empty")
	}
	if !tagRegex.MatchString(tag) {
		return fmt.Errorf("invalid image tag %q: must match [A-Za-z0-9_][A-Za-z0-9_.-]{0,127}", tag)
	}
	return nil
}

// PortMapping is a host-to-container published port pair.
type PortMapping struct {
	// Host is the port published on the VM (1-65535).
	Host int `json:"host" yaml:"host"`

	// Container is the port the application listens on inside the
	// container (1-65535).
	Container int `json:"container" yaml:"container"`

	// Protocol is "tcp" or "udp". Defaults to "tcp".
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
}

// Validate checks port ranges and the protocol value. An empty protocol is
// normalized to "tcp".
func (p *PortMapping) Validate() error {
	if p.Host < 1 || p.Host > 65535 {
		return fmt.Errorf("port mapping: host port %d out of range (1-65535)", p.Host)
	}
	if p.Container < 1 || p.Container > 65535 {
		return fmt.Errorf("port mapping: container port %d out of range (1-65535)", p.Container)
	}
	if p.Protocol == "" {
		p.Protocol = "tcp"
	}
	if p.Protocol != "tcp" && p.Protocol != "udp" {
		return fmt.Errorf("port mapping: invalid protocol %q (valid: tcp, udp)", p.Protocol)
	}
	return nil
}

// String returns the docker -p flag form, "host:container" with an optional
// "/udp" suffix.
func (p PortMapping) String() string {
	s := fmt.Sprintf("%d:%d", p.Host, p.Container)
	if p.Protocol == "udp" {
		s += "/udp"
	}
	return s
}

// PushedImage describes one image in the registry, as returned by the
// registry's image listing. Listings are sorted newest push first.
type PushedImage struct {
	// Tags are the tags pointing at this image. An image can carry
	// several tags or, for orphaned layers, none.
	Tags []string `json:"tags"`

	// Digest is the image manifest digest.
	Digest string `json:"digest"`

	// PushedAt is when the image was pushed to the registry.
	PushedAt time.Time `json:"pushedAt"`

	// SizeBytes is the compressed image size.
	SizeBytes int64 `json:"sizeBytes"`
}

// Release records the outcome of a completed deploy.
type Release struct {
	// Image is the fully qualified reference that was deployed.
	Image ImageRef `json:"image"`

	// ContainerID is the ID of the container started on the target.
	ContainerID string `json:"containerId"`

	// DeployedAt is when the container was started.
	DeployedAt time.Time `json:"deployedAt"`

	// Built reports whether this run built the image (false for
	// rollbacks and --skip-build runs).
	Built bool `json:"built"`

	// Pushed reports whether this run pushed the image.
	Pushed bool `json:"pushed"`
}

// ContainerState is the parsed state of a container on the target host.
type ContainerState struct {
	// ID is the container ID as reported by the remote daemon.
	ID string `json:"id"`

	// Name is the container name without the leading slash.
	Name string `json:"name"`

	// Image is the image reference the container was started from.
	Image string `json:"image"`

	// Status is the normalized runtime state.
	Status ContainerStatus `json:"status"`
}
