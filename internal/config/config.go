// Package config loads and validates the stevedore deploy manifest.
//
// The manifest holds the non-secret configuration surface: target host,
// image repository, security group, port mapping, and timeouts. It is a
// YAML file by default ("stevedore.yaml"), but JSON with comments is also
// accepted ("stevedore.json"/".jsonc"), stripped with github.com/tidwall/jsonc
// before parsing with encoding/json.
//
// Secrets never live in the manifest. SSH key material comes from the
// STEVEDORE_SSH_KEY environment variable or the keyPath file; AWS
// credentials come from the SDK's default chain. A small set of
// STEVEDORE_* environment variables override manifest fields so CI can
// inject per-environment values without editing the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// DefaultManifestName is the manifest filename probed when --file is not
// given. The YAML form is preferred; the JSONC forms are probed after it.
const DefaultManifestName = "stevedore.yaml"

// manifestCandidates are the filenames probed, in order, when no explicit
// manifest path is supplied.
var manifestCandidates = []string{
	"stevedore.yaml",
	"stevedore.yml",
	"stevedore.json",
	"stevedore.jsonc",
}

// Duration wraps time.Duration so manifests can write "90s" or "5m".
// It unmarshals from both YAML and JSON string scalars.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"90s\": %w", err)
	}
	return d.parse(s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"90s\": %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("duration %q must be positive", s)
	}
	*d = Duration(parsed)
	return nil
}

// AWS holds the cloud-side settings for the deploy.
type AWS struct {
	// Region is the AWS region of the security group and the ECR
	// registry (e.g. "eu-west-1").
	Region string `json:"region" yaml:"region"`

	// RoleARN, when set, is assumed via STS before any AWS call. Empty
	// means the ambient credentials are used directly.
	RoleARN string `json:"roleArn,omitempty" yaml:"roleArn,omitempty"`

	// SecurityGroupID is the security group guarding SSH access to the
	// target VM. An ingress rule for the caller's IP is added to it for
	// the duration of the run.
	SecurityGroupID string `json:"securityGroupId" yaml:"securityGroupId"`
}

// Build holds the local image build settings.
type Build struct {
	// Context is the docker build context directory. Defaults to ".".
	Context string `json:"context,omitempty" yaml:"context,omitempty"`

	// Dockerfile is the Dockerfile path relative to the context.
	// Defaults to "Dockerfile".
	Dockerfile string `json:"dockerfile,omitempty" yaml:"dockerfile,omitempty"`
}

// Container holds the settings for the container run on the target host.
type Container struct {
	// Name is the fixed container name on the host. The deploy replaces
	// any prior container with this name.
	Name string `json:"name" yaml:"name"`

	// Port is the published host:container port mapping.
	Port model.PortMapping `json:"port" yaml:"port"`

	// EnvFile is the path, on the target host, of the env file passed to
	// docker run via --env-file. Empty means no env file.
	EnvFile string `json:"envFile,omitempty" yaml:"envFile,omitempty"`

	// RestartPolicy is the docker restart policy. Defaults to
	// "unless-stopped".
	RestartPolicy string `json:"restartPolicy,omitempty" yaml:"restartPolicy,omitempty"`
}

// Timeouts bound the individual pipeline steps. The firewall lease is only
// held while steps run, so a hung step would otherwise hold the ingress
// rule open indefinitely.
type Timeouts struct {
	// Step bounds each pipeline step (build, push, remote deploy).
	// Defaults to 10m.
	Step Duration `json:"step,omitempty" yaml:"step,omitempty"`

	// Dial bounds the SSH connection attempt, per try. Defaults to 30s.
	Dial Duration `json:"dial,omitempty" yaml:"dial,omitempty"`

	// Release bounds the firewall rule revocation. It runs on a fresh
	// context so a cancelled pipeline still revokes. Defaults to 30s.
	Release Duration `json:"release,omitempty" yaml:"release,omitempty"`
}

// Manifest is the parsed deploy manifest.
type Manifest struct {
	// App is the application name, used in log lines and rule
	// descriptions.
	App string `json:"app" yaml:"app"`

	// Repository is the ECR repository name the image is pushed to.
	Repository string `json:"repository" yaml:"repository"`

	AWS       AWS          `json:"aws" yaml:"aws"`
	Target    model.Target `json:"target" yaml:"target"`
	Build     Build        `json:"build,omitempty" yaml:"build,omitempty"`
	Container Container    `json:"container" yaml:"container"`
	Timeouts  Timeouts     `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`

	// SSHKey is the private key material. Never read from the manifest
	// file: populated by ResolveSSHKey from STEVEDORE_SSH_KEY or the
	// target keyPath, and only for commands that actually dial SSH.
	SSHKey []byte `json:"-" yaml:"-"`

	// Path is where the manifest was loaded from.
	Path string `json:"-" yaml:"-"`
}

// Find locates the manifest. If explicit is non-empty it is used as-is;
// otherwise the default candidate names are probed in dir.
func Find(dir, explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("manifest %q not found", explicit), err)
		}
		return explicit, nil
	}
	for _, name := range manifestCandidates {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", model.NewCLIError(model.ExitConfigError,
		fmt.Sprintf("no manifest found in %s (looked for %s)", dir, strings.Join(manifestCandidates, ", ")))
}

// Load reads, parses, applies environment overrides to, defaults, and
// validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "failed to read manifest", err)
	}

	m := &Manifest{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// Strip comments and trailing commas first; the result is plain
		// JSON for the standard decoder.
		if err := json.Unmarshal(jsonc.ToJSON(data), m); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError, "failed to parse manifest", err)
		}
	default:
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError, "failed to parse manifest", err)
		}
	}
	m.Path = path

	m.applyEnv()
	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// applyEnv overlays STEVEDORE_* environment variables onto the manifest.
// Environment wins over the file so CI can point the same manifest at
// different environments.
func (m *Manifest) applyEnv() {
	if v := os.Getenv("STEVEDORE_HOST"); v != "" {
		m.Target.Host = v
	}
	if v := os.Getenv("STEVEDORE_SSH_USER"); v != "" {
		m.Target.User = v
	}
	if v := os.Getenv("STEVEDORE_REGION"); v != "" {
		m.AWS.Region = v
	}
	if v := os.Getenv("STEVEDORE_ROLE_ARN"); v != "" {
		m.AWS.RoleARN = v
	}
	if v := os.Getenv("STEVEDORE_SECURITY_GROUP"); v != "" {
		m.AWS.SecurityGroupID = v
	}
}

// applyDefaults fills optional fields.
func (m *Manifest) applyDefaults() {
	if m.Target.Port == 0 {
		m.Target.Port = 22
	}
	if m.Build.Context == "" {
		m.Build.Context = "."
	}
	if m.Build.Dockerfile == "" {
		m.Build.Dockerfile = "Dockerfile"
	}
	if m.Container.RestartPolicy == "" {
		m.Container.RestartPolicy = "unless-stopped"
	}
	if m.Container.Name == "" {
		m.Container.Name = m.App
	}
	if m.Timeouts.Step == 0 {
		m.Timeouts.Step = Duration(10 * time.Minute)
	}
	if m.Timeouts.Dial == 0 {
		m.Timeouts.Dial = Duration(30 * time.Second)
	}
	if m.Timeouts.Release == 0 {
		m.Timeouts.Release = Duration(30 * time.Second)
	}
}

// ResolveSSHKey resolves the private key material: STEVEDORE_SSH_KEY
// wins, then the keyPath file. A missing key is a config error.
//
// Resolution is not part of Load: only commands that dial SSH need the
// key, and build/push/status must work on a machine that has none.
// Callers resolve it right before wiring the SSH dialer. Idempotent.
func (m *Manifest) ResolveSSHKey() error {
	if len(m.SSHKey) > 0 {
		return nil
	}
	if v := os.Getenv("STEVEDORE_SSH_KEY"); v != "" {
		m.SSHKey = []byte(v)
		return nil
	}
	if m.Target.KeyPath != "" {
		key, err := os.ReadFile(m.Target.KeyPath)
		if err != nil {
			return model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("failed to read SSH key %q", m.Target.KeyPath), err)
		}
		m.SSHKey = key
		return nil
	}
	return model.NewCLIError(model.ExitConfigError,
		"no SSH key: set STEVEDORE_SSH_KEY or target.keyPath in the manifest")
}

// Validate checks the manifest for completeness. All findings are wrapped
// as config errors so the CLI exits with the config code.
func (m *Manifest) Validate() error {
	var problems []string

	if m.App == "" {
		problems = append(problems, "app must not be empty")
	}
	if m.Repository == "" {
		problems = append(problems, "repository must not be empty")
	}
	if m.AWS.Region == "" {
		problems = append(problems, "aws.region must not be empty")
	}
	if m.AWS.SecurityGroupID == "" {
		problems = append(problems, "aws.securityGroupId must not be empty")
	}
	if err := m.Target.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if m.Container.Name == "" {
		problems = append(problems, "container.name must not be empty")
	}
	if err := m.Container.Port.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return model.NewCLIError(model.ExitConfigError,
			"invalid manifest: "+strings.Join(problems, "; "))
	}
	return nil
}
