package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// validYAML is a complete manifest used as the baseline across tests.
const validYAML = `
app: python-backend-app
repository: python-backend-app
aws:
  region: eu-west-1
  securityGroupId: sg-0123456789abcdef0
target:
  host: vm.example.com
  user: ubuntu
container:
  name: python-backend-app
  port:
    host: 5050
    container: 5050
  envFile: /home/ubuntu/.env
`

// writeManifest writes content to a temp file with the given name and
// returns its path.
func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("STEVEDORE_SSH_KEY", "---fake key material---")
	t.Setenv("STEVEDORE_HOST", "")
	t.Setenv("STEVEDORE_REGION", "")

	path := writeManifest(t, "stevedore.yaml", validYAML)
	m, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "python-backend-app", m.App)
	assert.Equal(t, "eu-west-1", m.AWS.Region)
	assert.Equal(t, "vm.example.com:22", m.Target.Addr())
	assert.Equal(t, "5050:5050", m.Container.Port.String())

	// Key material is resolved on demand, not at load time.
	assert.Empty(t, m.SSHKey)
	require.NoError(t, m.ResolveSSHKey())
	assert.Equal(t, []byte("---fake key material---"), m.SSHKey)

	// Defaults.
	assert.Equal(t, 22, m.Target.Port)
	assert.Equal(t, ".", m.Build.Context)
	assert.Equal(t, "Dockerfile", m.Build.Dockerfile)
	assert.Equal(t, "unless-stopped", m.Container.RestartPolicy)
	assert.Equal(t, 10*time.Minute, m.Timeouts.Step.Std())
	assert.Equal(t, 30*time.Second, m.Timeouts.Dial.Std())
}

// TestLoadJSONC verifies that a commented JSON manifest parses: the jsonc
// pass must strip comments and trailing commas before decoding.
func TestLoadJSONC(t *testing.T) {
	t.Setenv("STEVEDORE_SSH_KEY", "k")

	content := `{
  // deployment manifest for the fitness backend
  "app": "python-backend-app",
  "repository": "python-backend-app",
  "aws": {
    "region": "eu-west-1",
    "securityGroupId": "sg-0123456789abcdef0",
  },
  "target": {"host": "vm.example.com", "user": "ubuntu"},
  "container": {
    "name": "python-backend-app",
    "port": {"host": 5050, "container": 5050},
  },
  "timeouts": {"step": "3m"},
}`
	path := writeManifest(t, "stevedore.jsonc", content)
	m, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "python-backend-app", m.App)
	assert.Equal(t, 3*time.Minute, m.Timeouts.Step.Std())
}

// TestEnvOverrides verifies that STEVEDORE_* variables win over the file.
func TestEnvOverrides(t *testing.T) {
	t.Setenv("STEVEDORE_SSH_KEY", "k")
	t.Setenv("STEVEDORE_HOST", "staging.example.com")
	t.Setenv("STEVEDORE_REGION", "us-east-2")
	t.Setenv("STEVEDORE_ROLE_ARN", "arn:aws:iam::123456789012:role/deployer")

	path := writeManifest(t, "stevedore.yaml", validYAML)
	m, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging.example.com", m.Target.Host)
	assert.Equal(t, "us-east-2", m.AWS.Region)
	assert.Equal(t, "arn:aws:iam::123456789012:role/deployer", m.AWS.RoleARN)
}

// TestSSHKeyFromFile verifies the keyPath fallback when the env var is
// not set.
func TestSSHKeyFromFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("file key"), 0o600))

	t.Setenv("STEVEDORE_SSH_KEY", "")
	path := writeManifest(t, "stevedore.yaml", `
app: a
repository: r
aws:
  region: eu-west-1
  securityGroupId: sg-1
target:
  host: h
  user: u
  keyPath: `+keyPath+`
container:
  name: a
  port:
    host: 5050
    container: 5050
`)
	loaded, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, loaded.ResolveSSHKey())
	assert.Equal(t, []byte("file key"), loaded.SSHKey)

	// Idempotent: a second resolution keeps the loaded material.
	require.NoError(t, loaded.ResolveSSHKey())
	assert.Equal(t, []byte("file key"), loaded.SSHKey)
}

// TestKeylessManifestLoads verifies that a manifest without any SSH key
// still loads: build, push, and status never dial SSH and must work on a
// machine that has no key at all. Only ResolveSSHKey fails.
func TestKeylessManifestLoads(t *testing.T) {
	t.Setenv("STEVEDORE_SSH_KEY", "")
	t.Setenv("STEVEDORE_HOST", "")
	t.Setenv("STEVEDORE_REGION", "")

	path := writeManifest(t, "stevedore.yaml", validYAML)
	m, err := Load(path)
	require.NoError(t, err)

	err = m.ResolveSSHKey()
	require.Error(t, err)

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitConfigError, cliErr.Code)
}

func TestValidateReportsAllProblems(t *testing.T) {
	t.Setenv("STEVEDORE_SSH_KEY", "k")

	path := writeManifest(t, "stevedore.yaml", `
app: ""
repository: ""
aws:
  region: ""
  securityGroupId: ""
target:
  host: ""
  user: ""
container:
  name: ""
  port:
    host: 0
    container: 0
`)
	_, err := Load(path)
	require.Error(t, err)

	// All findings are concatenated into a single config error rather
	// than failing one field at a time.
	assert.ErrorContains(t, err, "repository must not be empty")
	assert.ErrorContains(t, err, "aws.region must not be empty")
	assert.ErrorContains(t, err, "target: host must not be empty")

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitConfigError, cliErr.Code)
}

func TestFind(t *testing.T) {
	dir := t.TempDir()

	// Nothing present: config error.
	_, err := Find(dir, "")
	require.Error(t, err)

	// Candidate probing.
	path := filepath.Join(dir, "stevedore.yml")
	require.NoError(t, os.WriteFile(path, []byte("app: a"), 0o644))
	found, err := Find(dir, "")
	require.NoError(t, err)
	assert.Equal(t, path, found)

	// Explicit path wins and must exist.
	_, err = Find(dir, filepath.Join(dir, "nope.yaml"))
	require.Error(t, err)
	found, err = Find(dir, path)
	require.NoError(t, err)
	assert.Equal(t, path, found)
}

func TestDurationParsing(t *testing.T) {
	var d Duration
	require.NoError(t, d.parse("90s"))
	assert.Equal(t, 90*time.Second, d.Std())

	assert.Error(t, d.parse("banana"))
	assert.Error(t, d.parse("-5s"))
	assert.Error(t, d.parse("0s"))
}
