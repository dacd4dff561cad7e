package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// fakeRunner scripts responses per command prefix and records the
// commands and stdin it saw.
type fakeRunner struct {
	// responses maps a command prefix to its scripted outcome.
	responses map[string]scripted

	commands []string
	stdins   []string
}

type scripted struct {
	res Result
	err error
}

func (f *fakeRunner) Run(_ context.Context, cmd, stdin string) (Result, error) {
	f.commands = append(f.commands, cmd)
	f.stdins = append(f.stdins, stdin)
	for prefix, s := range f.responses {
		if strings.HasPrefix(cmd, prefix) {
			return s.res, s.err
		}
	}
	return Result{}, nil
}

func (f *fakeRunner) Close() error { return nil }

func newTestDeployer(f *fakeRunner) *Deployer {
	return NewDeployer(f, zerolog.Nop())
}

func TestRegistryLoginSendsPasswordOverStdin(t *testing.T) {
	f := &fakeRunner{}
	d := newTestDeployer(f)

	err := d.RegistryLogin(context.Background(),
		"123456789012.dkr.ecr.eu-west-1.amazonaws.com", "AWS", "secret-token")
	require.NoError(t, err)

	require.Len(t, f.commands, 1)
	cmd := f.commands[0]
	assert.Contains(t, cmd, "docker login")
	assert.Contains(t, cmd, "--password-stdin")
	// The secret must never appear in the command line.
	assert.NotContains(t, cmd, "secret-token")
	assert.Equal(t, "secret-token", f.stdins[0])
}

// TestStopToleratesAbsentContainer: first deploys have nothing to stop.
func TestStopToleratesAbsentContainer(t *testing.T) {
	f := &fakeRunner{responses: map[string]scripted{
		"docker stop": {
			res: Result{Stderr: "Error response from daemon: No such container: python-backend-app", ExitCode: 1},
			err: errors.New("remote command exited 1"),
		},
	}}
	d := newTestDeployer(f)

	assert.NoError(t, d.StopContainer(context.Background(), "python-backend-app"))
}

func TestStopSurfacesRealFailure(t *testing.T) {
	f := &fakeRunner{responses: map[string]scripted{
		"docker stop": {
			res: Result{Stderr: "permission denied", ExitCode: 1},
			err: errors.New("remote command exited 1"),
		},
	}}
	d := newTestDeployer(f)

	err := d.StopContainer(context.Background(), "python-backend-app")
	require.Error(t, err)

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitRemoteError, cliErr.Code)
}

func TestRemoveToleratesAbsentContainer(t *testing.T) {
	f := &fakeRunner{responses: map[string]scripted{
		"docker rm": {
			res: Result{Stderr: "Error: No such container: python-backend-app", ExitCode: 1},
			err: errors.New("remote command exited 1"),
		},
	}}
	d := newTestDeployer(f)

	assert.NoError(t, d.RemoveContainer(context.Background(), "python-backend-app"))
}

func TestBuildRunCommand(t *testing.T) {
	spec := RunSpec{
		Name:          "python-backend-app",
		Image:         "123456789012.dkr.ecr.eu-west-1.amazonaws.com/python-backend-app:a1b2c3d",
		Port:          model.PortMapping{Host: 5050, Container: 5050, Protocol: "tcp"},
		EnvFile:       "/home/ubuntu/.env",
		RestartPolicy: "unless-stopped",
	}
	cmd := buildRunCommand(spec)

	assert.Contains(t, cmd, "docker run -d")
	assert.Contains(t, cmd, "--name 'python-backend-app'")
	assert.Contains(t, cmd, "--restart 'unless-stopped'")
	assert.Contains(t, cmd, "--env-file '/home/ubuntu/.env'")
	assert.Contains(t, cmd, "-p '5050:5050'")
	assert.Contains(t, cmd, "--pull always")
	// Image comes last.
	assert.True(t, strings.HasSuffix(cmd,
		"'123456789012.dkr.ecr.eu-west-1.amazonaws.com/python-backend-app:a1b2c3d'"))
}

func TestBuildRunCommandOmitsEmptyOptions(t *testing.T) {
	spec := RunSpec{
		Name:  "app",
		Image: "app:latest",
		Port:  model.PortMapping{Host: 80, Container: 8080},
	}
	cmd := buildRunCommand(spec)
	assert.NotContains(t, cmd, "--env-file")
	assert.NotContains(t, cmd, "--restart")
}

func TestInspect(t *testing.T) {
	t.Run("running container", func(t *testing.T) {
		f := &fakeRunner{responses: map[string]scripted{
			"docker ps": {res: Result{
				Stdout: "a1b2c3d4e5f6\tpython-backend-app\t123456789012.dkr.ecr.eu-west-1.amazonaws.com/python-backend-app:a1b2c3d\trunning\n",
			}},
		}}
		d := newTestDeployer(f)

		state, err := d.Inspect(context.Background(), "python-backend-app")
		require.NoError(t, err)
		assert.Equal(t, model.StatusRunning, state.Status)
		assert.Equal(t, "a1b2c3d4e5f6", state.ID)
		assert.Equal(t, "python-backend-app", state.Name)

		// The name filter must be anchored so "app" cannot match
		// "app-canary".
		assert.Contains(t, f.commands[0], "^python-backend-app$")
	})

	t.Run("absent container", func(t *testing.T) {
		f := &fakeRunner{responses: map[string]scripted{
			"docker ps": {res: Result{Stdout: "\n"}},
		}}
		d := newTestDeployer(f)

		state, err := d.Inspect(context.Background(), "python-backend-app")
		require.NoError(t, err)
		assert.Equal(t, model.StatusAbsent, state.Status)
	})

	t.Run("unknown docker state maps to exited", func(t *testing.T) {
		f := &fakeRunner{responses: map[string]scripted{
			"docker ps": {res: Result{Stdout: "id\tname\timg\trestarting\n"}},
		}}
		d := newTestDeployer(f)

		state, err := d.Inspect(context.Background(), "name")
		require.NoError(t, err)
		assert.Equal(t, model.StatusExited, state.Status)
	})

	t.Run("duplicate names fail verification", func(t *testing.T) {
		f := &fakeRunner{responses: map[string]scripted{
			"docker ps": {res: Result{Stdout: "id1\tapp\timg\trunning\nid2\tapp\timg\texited\n"}},
		}}
		d := newTestDeployer(f)

		_, err := d.Inspect(context.Background(), "app")
		require.Error(t, err)

		var cliErr *model.CLIError
		require.True(t, errors.As(err, &cliErr))
		assert.Equal(t, model.ExitVerifyFailed, cliErr.Code)
	})
}

func TestVerify(t *testing.T) {
	const image = "reg.example.com/app:v1"
	psLine := func(state string) string {
		return fmt.Sprintf("id\tapp\t%s\t%s\n", image, state)
	}

	t.Run("running with expected image", func(t *testing.T) {
		f := &fakeRunner{responses: map[string]scripted{
			"docker ps": {res: Result{Stdout: psLine("running")}},
		}}
		state, err := newTestDeployer(f).Verify(context.Background(), "app", image)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRunning, state.Status)
	})

	t.Run("exited fails", func(t *testing.T) {
		f := &fakeRunner{responses: map[string]scripted{
			"docker ps": {res: Result{Stdout: psLine("exited")}},
		}}
		_, err := newTestDeployer(f).Verify(context.Background(), "app", image)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected running")
	})

	t.Run("wrong image fails", func(t *testing.T) {
		f := &fakeRunner{responses: map[string]scripted{
			"docker ps": {res: Result{Stdout: "id\tapp\treg.example.com/app:stale\trunning\n"}},
		}}
		_, err := newTestDeployer(f).Verify(context.Background(), "app", image)
		require.Error(t, err)

		var cliErr *model.CLIError
		require.True(t, errors.As(err, &cliErr))
		assert.Equal(t, model.ExitVerifyFailed, cliErr.Code)
	})
}

// TestDeploySequence verifies the full replacement order on a fresh host:
// preflight, login, stop, rm, prune, run, then the verifying ps.
func TestDeploySequence(t *testing.T) {
	const image = "123456789012.dkr.ecr.eu-west-1.amazonaws.com/app:v1"
	f := &fakeRunner{responses: map[string]scripted{
		"docker stop": {
			res: Result{Stderr: "No such container: app", ExitCode: 1},
			err: errors.New("remote command exited 1"),
		},
		"docker rm": {
			res: Result{Stderr: "No such container: app", ExitCode: 1},
			err: errors.New("remote command exited 1"),
		},
		"docker run": {res: Result{Stdout: "f00dfeedbeef1234\n"}},
		"docker ps":  {res: Result{Stdout: "f00dfeedbeef\tapp\t" + image + "\trunning\n"}},
	}}
	d := newTestDeployer(f)

	state, err := d.Deploy(context.Background(), "123456789012.dkr.ecr.eu-west-1.amazonaws.com", "AWS", "tok", RunSpec{
		Name:          "app",
		Image:         image,
		Port:          model.PortMapping{Host: 5050, Container: 5050},
		RestartPolicy: "unless-stopped",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, state.Status)

	var prefixes []string
	for _, cmd := range f.commands {
		prefixes = append(prefixes, strings.Join(strings.Fields(cmd)[:2], " "))
	}
	assert.Equal(t, []string{
		"docker --version",
		"docker login",
		"docker stop",
		"docker rm",
		"docker image",
		"docker run",
		"docker ps",
	}, prefixes)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, "'has space'", shellQuote("has space"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
