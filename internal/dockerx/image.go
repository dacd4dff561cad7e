// image.go implements the image operations used by the deploy pipeline:
// build (via the docker CLI), tag, push (via the SDK with registry
// credentials), and digest lookup.
package dockerx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// RegistryAuth carries the credentials for a registry push. For ECR the
// username is the literal "AWS" and the password is the short-lived
// authorization token.
type RegistryAuth struct {
	Username string
	Password string

	// ServerAddress is the registry host, without scheme.
	ServerAddress string
}

// Encode renders the credentials as the base64 JSON blob the Docker API
// expects in the X-Registry-Auth header.
func (a RegistryAuth) Encode() (string, error) {
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      a.Username,
		Password:      a.Password,
		ServerAddress: a.ServerAddress,
	})
}

// Build builds an image from contextDir using the docker CLI and tags it
// with ref. Shelling out (rather than driving the API build endpoint)
// keeps BuildKit, .dockerignore, and the local build cache behaving
// exactly as they do for docker build run by hand.
//
// dockerfile is resolved relative to contextDir unless absolute.
func (c *Client) Build(ctx context.Context, contextDir, dockerfile, ref string) error {
	args := []string{"build", "-f", dockerfile, "-t", ref, contextDir}

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Dir = contextDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerError,
			fmt.Sprintf("docker build failed: %s", tailLines(string(output), 20)),
			err,
		)
	}
	return nil
}

// Tag applies target as an additional reference to the image known as
// source.
func (c *Client) Tag(ctx context.Context, source, target string) error {
	if err := c.inner.ImageTag(ctx, source, target); err != nil {
		return model.WrapCLIError(
			model.ExitDockerError,
			fmt.Sprintf("failed to tag %s as %s", source, target),
			err,
		)
	}
	return nil
}

// Push pushes ref to its registry using the supplied credentials. The
// Docker API reports push failures inside the progress stream rather than
// as an HTTP error, so the stream is drained and scanned for error
// messages.
func (c *Client) Push(ctx context.Context, ref string, auth RegistryAuth) error {
	encoded, err := auth.Encode()
	if err != nil {
		return model.WrapCLIError(model.ExitDockerError, "failed to encode registry credentials", err)
	}

	body, err := c.inner.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return model.WrapCLIError(model.ExitDockerError, fmt.Sprintf("failed to push %s", ref), err)
	}
	defer body.Close()

	if err := drainPushStream(body); err != nil {
		return model.WrapCLIError(model.ExitDockerError, fmt.Sprintf("push of %s failed", ref), err)
	}
	return nil
}

// Digest returns the repo digest of the local image known as ref, or the
// image ID when the image has never been pushed (no repo digest yet).
func (c *Client) Digest(ctx context.Context, ref string) (string, error) {
	inspect, err := c.inner.ImageInspect(ctx, ref)
	if err != nil {
		return "", model.WrapCLIError(
			model.ExitDockerError,
			fmt.Sprintf("failed to inspect image %s", ref),
			err,
		)
	}
	for _, rd := range inspect.RepoDigests {
		// RepoDigests entries look like "repo@sha256:...".
		if _, digest, found := strings.Cut(rd, "@"); found {
			return digest, nil
		}
	}
	return inspect.ID, nil
}

// pushMessage is the subset of the Docker progress stream we care about.
type pushMessage struct {
	Error       string `json:"error"`
	ErrorDetail *struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// drainPushStream consumes the JSON message stream from an image push and
// returns the first embedded error, if any.
func drainPushStream(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg pushMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("malformed push progress stream: %w", err)
		}
		if msg.ErrorDetail != nil && msg.ErrorDetail.Message != "" {
			return errors.New(msg.ErrorDetail.Message)
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
	}
}

// tailLines returns the last n lines of s, trimmed. Build output can run
// to thousands of lines; only the end carries the failure.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
