// Package remote executes the deploy sequence on the target VM over SSH.
//
// The Runner interface abstracts command execution so the deploy logic is
// testable without a live host; SSHRunner is the real implementation on
// golang.org/x/crypto/ssh with key authentication and dial retry.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// Result holds the outcome of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands on the target host. stdin is passed to the
// command's standard input; empty means none.
type Runner interface {
	Run(ctx context.Context, cmd, stdin string) (Result, error)
	Close() error
}

// dialRetries is how many times the SSH dial is retried. The ingress rule
// authorized just before dialing can take a few seconds to propagate, so
// the first attempts may be refused.
const dialRetries = 5

// SSHRunner is a Runner over a live SSH connection.
type SSHRunner struct {
	client *ssh.Client
}

// DialOptions configures Dial.
type DialOptions struct {
	// Target identifies the host, user, and port.
	Target model.Target

	// Key is the PEM-encoded private key material.
	Key []byte

	// Timeout bounds each individual dial attempt.
	Timeout time.Duration

	// KnownHostsFile, when non-empty, enables host key verification
	// against the given known_hosts file. When empty the host key is
	// not verified — acceptable for ephemeral CI runners deploying to a
	// host they also provision, which is the environment this tool
	// comes from.
	KnownHostsFile string
}

// Dial connects to the target with exponential-backoff retry and returns
// a ready Runner.
func Dial(ctx context.Context, opts DialOptions) (*SSHRunner, error) {
	signer, err := ssh.ParsePrivateKey(opts.Key)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "failed to parse SSH private key", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // see DialOptions.KnownHostsFile
	if opts.KnownHostsFile != "" {
		cb, err := knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("failed to load known_hosts %q", opts.KnownHostsFile), err)
		}
		hostKeyCallback = cb
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cfg := &ssh.ClientConfig{
		User:            opts.Target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := opts.Target.Addr()

	var client *ssh.Client
	dial := func() error {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return err
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			conn.Close()
			// Auth failures won't fix themselves; only retry transport
			// errors (connection refused while the ingress rule
			// propagates, resets, timeouts).
			if strings.Contains(err.Error(), "unable to authenticate") {
				return backoff.Permanent(err)
			}
			return err
		}
		client = ssh.NewClient(sshConn, chans, reqs)
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dialRetries), ctx)
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, model.WrapCLIError(model.ExitRemoteError,
			fmt.Sprintf("SSH connection to %s failed", addr), err)
	}
	return &SSHRunner{client: client}, nil
}

// Run executes cmd in a fresh session. Context cancellation closes the
// session, since the SSH protocol has no first-class command cancel.
func (r *SSHRunner) Run(ctx context.Context, cmd, stdin string) (Result, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return Result{}, model.WrapCLIError(model.ExitRemoteError, "failed to open SSH session", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Close()
		<-done
		return Result{Stdout: stdout.String(), Stderr: stderr.String()},
			model.WrapCLIError(model.ExitRemoteError, "remote command cancelled", ctx.Err())
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			// Non-zero exit is reported through Result plus an error;
			// callers that tolerate specific failures inspect stderr.
			return res, fmt.Errorf("remote command exited %d: %s",
				res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return res, model.WrapCLIError(model.ExitRemoteError, "remote command failed", err)
	}
	return res, nil
}

// Close terminates the SSH connection.
func (r *SSHRunner) Close() error {
	return r.client.Close()
}
